// internal/operations/operations.go
package operations

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

// OpContext is the read-only snapshot an operation works over. Operations are
// pure: context in, result out, no agent state mutation.
type OpContext struct {
	AgentID   string
	SessionID string
	UserID    string
	Query     string

	Blueprint       *schemas.Blueprint
	TemplateName    string
	Frameworks      []string
	Phases          []schemas.GeneratedPhase
	AllFiles        []schemas.FileState
	RuntimeErrors   []schemas.RuntimeError
	StaticAnalysis  *schemas.StaticAnalysis
	CommandsHistory []string
	UserContext     *schemas.UserContext
}

// ImplementCallbacks observe streaming file generation inside ImplementPhase.
type ImplementCallbacks struct {
	OnFileStart    func(path, purpose string)
	OnFileChunk    func(path, chunk string)
	OnFileComplete func(file schemas.FileState)
}

// ImplementResult is the outcome of one phase implementation.
type ImplementResult struct {
	Files    []schemas.FileState
	Commands []string
}

// ConversationResult is the reply produced by the user conversation processor.
type ConversationResult struct {
	ConversationID string
	Content        string
}

// Interface is the named operation set the agent dispatches through. Each
// operation maps a context to a result via one or more model calls.
type Interface interface {
	GenerateBlueprint(ctx context.Context, op OpContext, onChunk schemas.ChunkFunc) (*schemas.Blueprint, error)
	GenerateNextPhase(ctx context.Context, op OpContext) (*schemas.PhaseConcept, error)
	ImplementPhase(ctx context.Context, op OpContext, phase schemas.PhaseConcept, cb ImplementCallbacks) (*ImplementResult, error)
	RegenerateFile(ctx context.Context, op OpContext, file schemas.FileState, issues []string, retryIndex int) (*schemas.FileState, error)
	FastCodeFixer(ctx context.Context, op OpContext) ([]schemas.FileState, error)
	SimpleCodeGen(ctx context.Context, op OpContext, instruction string) ([]schemas.FileState, error)
	ProjectSetupAssistant(ctx context.Context, op OpContext, failedCommands []string, errorOutput string) ([]string, error)
	GenerateSetupCommands(ctx context.Context, op OpContext) ([]string, error)
	GenerateReadme(ctx context.Context, op OpContext) (string, error)
	ProcessUserConversation(ctx context.Context, op OpContext, history []schemas.ConversationMessage) (*ConversationResult, error)
}

// Registry is the production implementation of Interface over an LLM client.
type Registry struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewRegistry wires the operation set to a model client.
func NewRegistry(llm schemas.LLMClient, logger *zap.Logger) *Registry {
	return &Registry{llm: llm, logger: logger.Named("operations")}
}

// -- prompt assembly helpers --

func (o OpContext) projectSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n", o.Query)
	if o.Blueprint != nil {
		fmt.Fprintf(&b, "Project: %s — %s\n", o.Blueprint.Title, o.Blueprint.Description)
		if len(o.Blueprint.Frameworks) > 0 {
			fmt.Fprintf(&b, "Frameworks: %s\n", strings.Join(o.Blueprint.Frameworks, ", "))
		}
	}
	fmt.Fprintf(&b, "Template: %s\n", o.TemplateName)
	return b.String()
}

func (o OpContext) phasesSummary() string {
	if len(o.Phases) == 0 {
		return "No phases generated yet.\n"
	}
	var b strings.Builder
	for i, p := range o.Phases {
		status := "in progress"
		if p.Completed {
			status = "completed"
		}
		fmt.Fprintf(&b, "%d. %s (%s): %s\n", i+1, p.Name, status, p.Description)
	}
	return b.String()
}

func (o OpContext) filesSummary(withContents bool) string {
	if len(o.AllFiles) == 0 {
		return "No files generated yet.\n"
	}
	var b strings.Builder
	for _, f := range o.AllFiles {
		if withContents {
			fmt.Fprintf(&b, "=== %s (%s) ===\n%s\n", f.FilePath, f.FilePurpose, f.FileContents)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", f.FilePath, f.FilePurpose)
		}
	}
	return b.String()
}

func (o OpContext) issuesSummary() string {
	var b strings.Builder
	for _, e := range o.RuntimeErrors {
		fmt.Fprintf(&b, "runtime [%s]: %s\n", e.Severity, e.Message)
	}
	if sa := o.StaticAnalysis; sa != nil {
		for _, i := range sa.Lint.Issues {
			fmt.Fprintf(&b, "lint %s:%d:%d %s %s\n", i.File, i.Line, i.Column, i.Code, i.Message)
		}
		for _, i := range sa.Typecheck.Issues {
			fmt.Fprintf(&b, "typecheck %s:%d:%d %s %s\n", i.File, i.Line, i.Column, i.Code, i.Message)
		}
	}
	if b.Len() == 0 {
		return "No known issues.\n"
	}
	return b.String()
}

func (o OpContext) userContextSummary() string {
	if o.UserContext == nil || (len(o.UserContext.Inputs) == 0 && len(o.UserContext.Images) == 0) {
		return ""
	}
	var b strings.Builder
	b.WriteString("The user added the following guidance mid-build:\n")
	for _, in := range o.UserContext.Inputs {
		fmt.Fprintf(&b, "- %s\n", in)
	}
	if n := len(o.UserContext.Images); n > 0 {
		fmt.Fprintf(&b, "(%d reference image(s) attached)\n", n)
	}
	return b.String()
}

func (o OpContext) userImages() []schemas.UserImage {
	if o.UserContext == nil {
		return nil
	}
	return o.UserContext.Images
}
