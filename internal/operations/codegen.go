// internal/operations/codegen.go
package operations

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/llmutil"
)

const implementFileSystemPrompt = `You are the implementation engine of a code generation service.
Produce the complete, final contents of the requested file for the project described. Respond with only
the file contents, optionally inside a single markdown code fence. Never elide code.`

// ImplementPhase generates every file the phase names, streaming chunks
// through the callbacks, and returns the produced files plus any commands the
// phase requested.
func (r *Registry) ImplementPhase(ctx context.Context, op OpContext, phase schemas.PhaseConcept, cb ImplementCallbacks) (*ImplementResult, error) {
	result := &ImplementResult{Commands: append([]string(nil), phase.InstallCommands...)}

	for _, concept := range phase.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cb.OnFileStart != nil {
			cb.OnFileStart(concept.Path, concept.Purpose)
		}

		var prompt strings.Builder
		prompt.WriteString(op.projectSummary())
		fmt.Fprintf(&prompt, "\nPhase: %s — %s\n", phase.Name, phase.Description)
		fmt.Fprintf(&prompt, "\nTarget file: %s\nPurpose: %s\n", concept.Path, concept.Purpose)
		if concept.Changes != "" {
			fmt.Fprintf(&prompt, "Requested changes: %s\n", concept.Changes)
		}
		if existing := findFile(op.AllFiles, concept.Path); existing != nil {
			fmt.Fprintf(&prompt, "\nCurrent contents:\n%s\n", existing.FileContents)
		}
		prompt.WriteString("\nOther project files:\n")
		prompt.WriteString(op.filesSummary(false))
		if uc := op.userContextSummary(); uc != "" {
			prompt.WriteString("\n" + uc)
		}

		req := schemas.GenerationRequest{
			SystemPrompt: implementFileSystemPrompt,
			UserPrompt:   prompt.String(),
			Images:       op.userImages(),
			Tier:         schemas.TierPowerful,
			Options:      schemas.GenerationOptions{Temperature: 0.3},
		}
		raw, err := r.llm.Stream(ctx, req, func(chunk string) {
			if cb.OnFileChunk != nil {
				cb.OnFileChunk(concept.Path, chunk)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("generation of %s failed: %w", concept.Path, err)
		}

		file := schemas.FileState{
			FilePath:     concept.Path,
			FileContents: llmutil.CleanCodeOutput(raw),
			FilePurpose:  concept.Purpose,
		}
		result.Files = append(result.Files, file)
		if cb.OnFileComplete != nil {
			cb.OnFileComplete(file)
		}
	}

	r.logger.Info("Phase implemented",
		zap.String("phase", phase.Name),
		zap.Int("files", len(result.Files)),
		zap.Int("commands", len(result.Commands)))
	return result, nil
}

const regenerateSystemPrompt = `A generated file has problems. Produce its corrected complete contents.
Respond with only the file contents, optionally inside a single markdown code fence.`

// RegenerateFile rewrites one file against the reported issues. retryIndex is
// threaded into the prompt so successive attempts diverge.
func (r *Registry) RegenerateFile(ctx context.Context, op OpContext, file schemas.FileState, issues []string, retryIndex int) (*schemas.FileState, error) {
	var prompt strings.Builder
	prompt.WriteString(op.projectSummary())
	fmt.Fprintf(&prompt, "\nFile: %s\nPurpose: %s\n\nCurrent contents:\n%s\n", file.FilePath, file.FilePurpose, file.FileContents)
	prompt.WriteString("\nReported issues:\n")
	for _, issue := range issues {
		fmt.Fprintf(&prompt, "- %s\n", issue)
	}
	if retryIndex > 0 {
		fmt.Fprintf(&prompt, "\nThis is attempt %d; previous attempts did not resolve the issues. Reconsider the approach.\n", retryIndex+1)
	}

	req := schemas.GenerationRequest{
		SystemPrompt: regenerateSystemPrompt,
		UserPrompt:   prompt.String(),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.3},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("regeneration of %s failed: %w", file.FilePath, err)
	}
	return &schemas.FileState{
		FilePath:     file.FilePath,
		FileContents: llmutil.CleanCodeOutput(raw),
		FilePurpose:  file.FilePurpose,
	}, nil
}

const fastFixerSystemPrompt = `You are a fast code fixer. Given the project's source files and its current
lint/typecheck/runtime issues, return minimal corrected files as JSON:
[{"filePath": "...", "fileContents": "...", "filePurpose": "..."}].
Only include files that need changes; an empty array when nothing is fixable.`

// FastCodeFixer asks the fast tier for targeted fixes across all relevant
// files.
func (r *Registry) FastCodeFixer(ctx context.Context, op OpContext) ([]schemas.FileState, error) {
	var prompt strings.Builder
	prompt.WriteString(op.projectSummary())
	prompt.WriteString("\nCurrent issues:\n")
	prompt.WriteString(op.issuesSummary())
	prompt.WriteString("\nProject files:\n")
	prompt.WriteString(op.filesSummary(true))

	req := schemas.GenerationRequest{
		SystemPrompt: fastFixerSystemPrompt,
		UserPrompt:   prompt.String(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fast fixer failed: %w", err)
	}
	files, err := llmutil.ParseJSONResponse[[]schemas.FileState](raw)
	if err != nil {
		return nil, fmt.Errorf("fast fixer response unparseable: %w", err)
	}
	return *files, nil
}

const simpleCodeGenSystemPrompt = `Apply the requested change to the project and return the affected files as
JSON: [{"filePath": "...", "fileContents": "...", "filePurpose": "..."}].`

// SimpleCodeGen applies a one-shot instruction without phase planning. The
// agentic behavior resolves its plan through this operation.
func (r *Registry) SimpleCodeGen(ctx context.Context, op OpContext, instruction string) ([]schemas.FileState, error) {
	var prompt strings.Builder
	prompt.WriteString(op.projectSummary())
	fmt.Fprintf(&prompt, "\nInstruction: %s\n", instruction)
	prompt.WriteString("\nProject files:\n")
	prompt.WriteString(op.filesSummary(true))

	req := schemas.GenerationRequest{
		SystemPrompt: simpleCodeGenSystemPrompt,
		UserPrompt:   prompt.String(),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.3, ForceJSONFormat: true},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("simple codegen failed: %w", err)
	}
	files, err := llmutil.ParseJSONResponse[[]schemas.FileState](raw)
	if err != nil {
		return nil, fmt.Errorf("simple codegen response unparseable: %w", err)
	}
	return *files, nil
}

func findFile(files []schemas.FileState, path string) *schemas.FileState {
	for i := range files {
		if files[i].FilePath == path {
			return &files[i]
		}
	}
	return nil
}
