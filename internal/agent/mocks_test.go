package agent

import (
	"context"
	"sync/atomic"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/operations"
)

// mockOps is a function-field implementation of operations.Interface. Fields
// left nil return zero values.
type mockOps struct {
	generateBlueprint     func(ctx context.Context, op operations.OpContext, onChunk schemas.ChunkFunc) (*schemas.Blueprint, error)
	generateNextPhase     func(ctx context.Context, op operations.OpContext) (*schemas.PhaseConcept, error)
	implementPhase        func(ctx context.Context, op operations.OpContext, phase schemas.PhaseConcept, cb operations.ImplementCallbacks) (*operations.ImplementResult, error)
	regenerateFile        func(ctx context.Context, op operations.OpContext, file schemas.FileState, issues []string, retryIndex int) (*schemas.FileState, error)
	fastCodeFixer         func(ctx context.Context, op operations.OpContext) ([]schemas.FileState, error)
	simpleCodeGen         func(ctx context.Context, op operations.OpContext, instruction string) ([]schemas.FileState, error)
	projectSetupAssistant func(ctx context.Context, op operations.OpContext, failedCommands []string, errorOutput string) ([]string, error)
	generateSetupCommands func(ctx context.Context, op operations.OpContext) ([]string, error)
	generateReadme        func(ctx context.Context, op operations.OpContext) (string, error)
	processConversation   func(ctx context.Context, op operations.OpContext, history []schemas.ConversationMessage) (*operations.ConversationResult, error)

	setupAssistantCalls atomic.Int32
}

var _ operations.Interface = (*mockOps)(nil)

func (m *mockOps) GenerateBlueprint(ctx context.Context, op operations.OpContext, onChunk schemas.ChunkFunc) (*schemas.Blueprint, error) {
	if m.generateBlueprint != nil {
		return m.generateBlueprint(ctx, op, onChunk)
	}
	return &schemas.Blueprint{Title: "Stub", ProjectName: "stub"}, nil
}

func (m *mockOps) GenerateNextPhase(ctx context.Context, op operations.OpContext) (*schemas.PhaseConcept, error) {
	if m.generateNextPhase != nil {
		return m.generateNextPhase(ctx, op)
	}
	return &schemas.PhaseConcept{Name: "empty", LastPhase: true}, nil
}

func (m *mockOps) ImplementPhase(ctx context.Context, op operations.OpContext, phase schemas.PhaseConcept, cb operations.ImplementCallbacks) (*operations.ImplementResult, error) {
	if m.implementPhase != nil {
		return m.implementPhase(ctx, op, phase, cb)
	}
	return &operations.ImplementResult{}, nil
}

func (m *mockOps) RegenerateFile(ctx context.Context, op operations.OpContext, file schemas.FileState, issues []string, retryIndex int) (*schemas.FileState, error) {
	if m.regenerateFile != nil {
		return m.regenerateFile(ctx, op, file, issues, retryIndex)
	}
	return &file, nil
}

func (m *mockOps) FastCodeFixer(ctx context.Context, op operations.OpContext) ([]schemas.FileState, error) {
	if m.fastCodeFixer != nil {
		return m.fastCodeFixer(ctx, op)
	}
	return nil, nil
}

func (m *mockOps) SimpleCodeGen(ctx context.Context, op operations.OpContext, instruction string) ([]schemas.FileState, error) {
	if m.simpleCodeGen != nil {
		return m.simpleCodeGen(ctx, op, instruction)
	}
	return nil, nil
}

func (m *mockOps) ProjectSetupAssistant(ctx context.Context, op operations.OpContext, failedCommands []string, errorOutput string) ([]string, error) {
	m.setupAssistantCalls.Add(1)
	if m.projectSetupAssistant != nil {
		return m.projectSetupAssistant(ctx, op, failedCommands, errorOutput)
	}
	return nil, nil
}

func (m *mockOps) GenerateSetupCommands(ctx context.Context, op operations.OpContext) ([]string, error) {
	if m.generateSetupCommands != nil {
		return m.generateSetupCommands(ctx, op)
	}
	return nil, nil
}

func (m *mockOps) GenerateReadme(ctx context.Context, op operations.OpContext) (string, error) {
	if m.generateReadme != nil {
		return m.generateReadme(ctx, op)
	}
	return "# stub", nil
}

func (m *mockOps) ProcessUserConversation(ctx context.Context, op operations.OpContext, history []schemas.ConversationMessage) (*operations.ConversationResult, error) {
	if m.processConversation != nil {
		return m.processConversation(ctx, op, history)
	}
	return &operations.ConversationResult{ConversationID: "c", Content: "ok"}, nil
}
