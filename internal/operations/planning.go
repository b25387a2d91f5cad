// internal/operations/planning.go
package operations

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/llmutil"
)

const blueprintSystemPrompt = `You are the planning engine of a code generation service.
Given a user's request and the starter template, produce a project blueprint as JSON with the fields:
title, projectName, description, detailedDescription, colorPalette, views, userFlow, dataFlow,
architecture, pitfalls, frameworks, implementationRoadmap, and initialPhase
(initialPhase: {name, description, files: [{path, purpose, changes}], lastPhase, installCommands}).
Respond with a single JSON object and nothing else.`

// GenerateBlueprint asks the powerful tier for the project plan, streaming
// raw chunks through onChunk as they arrive.
func (r *Registry) GenerateBlueprint(ctx context.Context, op OpContext, onChunk schemas.ChunkFunc) (*schemas.Blueprint, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: blueprintSystemPrompt,
		UserPrompt: fmt.Sprintf("Request: %s\n\nTemplate: %s\nTemplate frameworks: %s",
			op.Query, op.TemplateName, strings.Join(op.Frameworks, ", ")),
		Images: op.userImages(),
		Tier:   schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     0.7,
			ForceJSONFormat: true,
		},
	}
	raw, err := r.llm.Stream(ctx, req, onChunk)
	if err != nil {
		return nil, fmt.Errorf("blueprint generation failed: %w", err)
	}
	bp, err := llmutil.ParseJSONResponse[schemas.Blueprint](raw)
	if err != nil {
		return nil, fmt.Errorf("blueprint response unparseable: %w", err)
	}
	if bp.Title == "" && bp.ProjectName == "" {
		return nil, fmt.Errorf("blueprint response missing title and project name")
	}
	r.logger.Info("Blueprint generated", zap.String("title", bp.Title))
	return bp, nil
}

const nextPhaseSystemPrompt = `You are the phase planner of a code generation service.
Given the project state, decide the next implementation phase. Respond with a single JSON object:
{name, description, files: [{path, purpose, changes}], lastPhase, installCommands, deleteFiles}.
When the project is complete, respond with an empty files array and lastPhase=true.`

// GenerateNextPhase plans the next bounded step over current project state
// and accumulated issues.
func (r *Registry) GenerateNextPhase(ctx context.Context, op OpContext) (*schemas.PhaseConcept, error) {
	var prompt strings.Builder
	prompt.WriteString(op.projectSummary())
	prompt.WriteString("\nPhases so far:\n")
	prompt.WriteString(op.phasesSummary())
	prompt.WriteString("\nGenerated files:\n")
	prompt.WriteString(op.filesSummary(false))
	prompt.WriteString("\nCurrent issues:\n")
	prompt.WriteString(op.issuesSummary())
	if uc := op.userContextSummary(); uc != "" {
		prompt.WriteString("\n" + uc)
	}

	req := schemas.GenerationRequest{
		SystemPrompt: nextPhaseSystemPrompt,
		UserPrompt:   prompt.String(),
		Images:       op.userImages(),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.5, ForceJSONFormat: true},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("phase generation failed: %w", err)
	}
	phase, err := llmutil.ParseJSONResponse[schemas.PhaseConcept](raw)
	if err != nil {
		return nil, fmt.Errorf("phase response unparseable: %w", err)
	}
	r.logger.Info("Next phase generated",
		zap.String("phase", phase.Name),
		zap.Int("files", len(phase.Files)),
		zap.Bool("last_phase", phase.LastPhase))
	return phase, nil
}

const setupCommandsSystemPrompt = `You predict the shell commands a freshly deployed starter project needs
(dependency installs, codegen, migrations). Respond with a JSON array of command strings; an empty array
when nothing is needed.`

// GenerateSetupCommands predicts post-deploy setup commands for the template.
func (r *Registry) GenerateSetupCommands(ctx context.Context, op OpContext) ([]string, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: setupCommandsSystemPrompt,
		UserPrompt:   op.projectSummary(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("setup command prediction failed: %w", err)
	}
	cmds, err := llmutil.ParseJSONResponse[[]string](raw)
	if err != nil {
		return nil, fmt.Errorf("setup command response unparseable: %w", err)
	}
	return *cmds, nil
}

const setupAssistantSystemPrompt = `A project setup command failed in the sandbox. Propose alternative commands
that achieve the same outcome (different package name, registry or tool). Respond with a JSON array of
command strings. Respond with an empty array when there is no sensible alternative.`

// ProjectSetupAssistant proposes alternatives for failed install commands.
func (r *Registry) ProjectSetupAssistant(ctx context.Context, op OpContext, failedCommands []string, errorOutput string) ([]string, error) {
	prompt := fmt.Sprintf("%s\nFailed commands:\n%s\n\nError output:\n%s",
		op.projectSummary(), strings.Join(failedCommands, "\n"), errorOutput)
	req := schemas.GenerationRequest{
		SystemPrompt: setupAssistantSystemPrompt,
		UserPrompt:   prompt,
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: true},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("setup assistant failed: %w", err)
	}
	cmds, err := llmutil.ParseJSONResponse[[]string](raw)
	if err != nil {
		return nil, fmt.Errorf("setup assistant response unparseable: %w", err)
	}
	return *cmds, nil
}

const readmeSystemPrompt = `Write a concise README.md for the project described below. Markdown only, no fences
around the whole document.`

// GenerateReadme produces the project README.
func (r *Registry) GenerateReadme(ctx context.Context, op OpContext) (string, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: readmeSystemPrompt,
		UserPrompt:   op.projectSummary(),
		Tier:         schemas.TierFast,
		Options:      schemas.GenerationOptions{Temperature: 0.4},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("readme generation failed: %w", err)
	}
	return llmutil.CleanCodeOutput(raw), nil
}
