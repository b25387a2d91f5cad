package schemas

import (
	"context"
)

// -- LLM Interfaces --

// ModelTier selects which configured model handles a request.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// GenerationOptions tune a single inference call.
type GenerationOptions struct {
	Temperature     float64
	MaxTokens       int
	ForceJSONFormat bool
}

// GenerationRequest is one call to a language model. Messages, when set, take
// precedence over the single SystemPrompt/UserPrompt pair.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Messages     []ConversationMessage
	Images       []UserImage
	Tier         ModelTier
	Options      GenerationOptions
}

// ChunkFunc receives streamed model output. Chunks form a finite, ordered,
// non-restartable sequence.
type ChunkFunc func(chunk string)

// LLMClient is the opaque inference surface. Cancellation flows through the
// context: aborting it terminates both variants mid-call.
type LLMClient interface {
	// Generate performs a call and returns the final text.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Stream performs a call, invoking onChunk for every delta, and returns
	// the accumulated text.
	Stream(ctx context.Context, req GenerationRequest, onChunk ChunkFunc) (string, error)
}

// -- Sandbox Interfaces --

// ExecOptions control one sandbox command execution.
type ExecOptions struct {
	Cwd     string
	Timeout int // seconds; 0 means the backend default
}

// ExecResult is the captured outcome of one sandbox command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ProcessInfo describes a detached sandbox process.
type ProcessInfo struct {
	ID      string
	Command string
	Running bool
	LogPath string
}

// Sandbox abstracts command execution, file I/O and process lifecycle for one
// instance. Implementations must reject any path containing "..".
type Sandbox interface {
	Exec(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	StartProcess(cmd string, cwd string) (string, error)
	GetProcess(id string) (*ProcessInfo, error)
	KillProcess(id string) error
	ListProcesses() []ProcessInfo
	ExposePort(port int) error
	UnexposePort(port int) error
	GetExposedPorts() []int
	SetEnvVars(vars map[string]string)
}

// AppService is the façade to the application database. The agent and its
// collaborators never touch users/apps/screenshots/deployments tables
// directly.
type AppService interface {
	CreateApp(ctx context.Context, userID, agentID, title, templateName string) error
	UpdateAppScreenshot(ctx context.Context, agentID, screenshotURL string) error
	UpdateAppName(ctx context.Context, agentID, name string) error
	RecordDeployment(ctx context.Context, agentID, previewURL string) error
	IsAppOwner(ctx context.Context, userID, agentID string) (bool, error)
}
