// internal/agent/state.go
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/store"
)

// State is the durable per-project agent state. Pending images, the GitHub
// token cache and the abort handle are deliberately absent: they are
// ephemeral and wiped on restart.
type State struct {
	BehaviorType schemas.BehaviorType `json:"behaviorType"`

	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId"`
	HostName  string `json:"hostName"`
	UserID    string `json:"userId"`

	Query        string             `json:"query"`
	Blueprint    *schemas.Blueprint `json:"blueprint,omitempty"`
	TemplateName string             `json:"templateName"`
	ProjectName  string             `json:"projectName"`

	GeneratedPhases []schemas.GeneratedPhase `json:"generatedPhases"`

	CommandsHistory []string `json:"commandsHistory"`
	LastPackageJSON string   `json:"lastPackageJson,omitempty"`

	PendingUserInputs []string `json:"pendingUserInputs"`
	ProjectUpdates    []string `json:"projectUpdates"`

	DevState      schemas.DevState `json:"devState"`
	PhasesCounter int              `json:"phasesCounter"`

	MVPGenerated       bool `json:"mvpGenerated"`
	ReviewingInitiated bool `json:"reviewingInitiated"`
	ShouldBeGenerating bool `json:"shouldBeGenerating"`

	LastDeepDebugTranscript string `json:"lastDeepDebugTranscript,omitempty"`

	// CurrentPlan is only used by the agentic behavior.
	CurrentPlan string `json:"currentPlan,omitempty"`
}

// newState seeds a fresh agent state.
func newState(agentID, sessionID string, behavior schemas.BehaviorType) *State {
	if behavior == "" {
		behavior = schemas.BehaviorPhasic
	}
	return &State{
		BehaviorType:  behavior,
		AgentID:       agentID,
		SessionID:     sessionID,
		DevState:      schemas.StateIdle,
		PhasesCounter: schemas.MaxPhases,
	}
}

// lastIncompletePhase returns the index of the most recent incomplete phase,
// or -1.
func (s *State) lastIncompletePhase() int {
	for i := len(s.GeneratedPhases) - 1; i >= 0; i-- {
		if !s.GeneratedPhases[i].Completed {
			return i
		}
	}
	return -1
}

// anyPhaseCompleted reports whether at least one phase finished.
func (s *State) anyPhaseCompleted() bool {
	for _, p := range s.GeneratedPhases {
		if p.Completed {
			return true
		}
	}
	return false
}

// saveState serializes durable state into the agent-local store.
func saveState(ctx context.Context, st *store.SQLiteStore, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize agent state: %w", err)
	}
	return st.SaveAgentState(ctx, state.AgentID, string(raw))
}

// loadState restores durable state, returning nil when the agent is new.
func loadState(ctx context.Context, st *store.SQLiteStore, agentID string) (*State, error) {
	raw, err := st.LoadAgentState(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize agent state: %w", err)
	}
	return &state, nil
}
