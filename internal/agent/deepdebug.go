// internal/agent/deepdebug.go
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

// DeepDebug starts the tool-using debug session: it gathers the accumulated
// issues, lets the fixer operation propose corrections, applies them and
// records the transcript. At most one session runs per agent; the slot is
// released even on error.
func (a *Agent) DeepDebug(focus string) error {
	a.debugMu.Lock()
	if a.debugRunning {
		a.debugMu.Unlock()
		return fmt.Errorf("a deep-debug session is already running")
	}
	a.debugRunning = true
	a.debugMu.Unlock()

	conversationID := uuid.New().String()
	go func() {
		defer func() {
			a.debugMu.Lock()
			a.debugRunning = false
			a.debugMu.Unlock()
		}()
		a.runDeepDebug(conversationID, focus)
	}()
	return nil
}

func (a *Agent) runDeepDebug(conversationID, focus string) {
	ctx := a.inferenceContext()
	var transcript strings.Builder

	record := func(role schemas.ConversationRole, content string) {
		fmt.Fprintf(&transcript, "[%s] %s\n", role, content)
		msg := schemas.ConversationMessage{
			ConversationID: conversationID,
			Role:           role,
			Content:        transcript.String(),
		}
		if err := a.convo.Add(ctx, a.StateSnapshot().SessionID, msg); err != nil {
			a.logger.Warn("Failed to persist deep-debug message", zap.Error(err))
		}
		a.Broadcast(schemas.MsgConversationResponse, msg)
	}

	defer func() {
		a.MutateState(func(s *State) { s.LastDeepDebugTranscript = transcript.String() })
		a.SaveState(context.Background())
	}()

	op := a.OpContext(nil)
	op.RuntimeErrors = a.deployer.FetchRuntimeErrors(ctx, true)
	op.StaticAnalysis = a.deployer.RunStaticAnalysis(ctx, nil)

	record(schemas.RoleAssistant, fmt.Sprintf(
		"Starting deep debug%s: %d runtime error(s), %d lint issue(s), %d typecheck issue(s).",
		focusSuffix(focus),
		len(op.RuntimeErrors),
		len(op.StaticAnalysis.Lint.Issues),
		len(op.StaticAnalysis.Typecheck.Issues)))

	files, err := a.ops.FastCodeFixer(ctx, op)
	if err != nil {
		record(schemas.RoleAssistant, "Deep debug failed: "+err.Error())
		return
	}
	if len(files) == 0 {
		record(schemas.RoleAssistant, "No fixable issues found.")
		return
	}

	saved, err := a.files.SaveFiles(ctx, files, "fix: deep debug corrections")
	if err != nil {
		record(schemas.RoleAssistant, "Failed to apply fixes: "+err.Error())
		return
	}
	for _, f := range saved {
		a.Broadcast(schemas.MsgFileGenerated, f)
	}
	if _, err := a.deployer.DeployToSandbox(ctx, saved, true, "deep debug fixes", true, a.deployCallbacks()); err != nil {
		record(schemas.RoleAssistant, "Redeploy after fixes failed: "+err.Error())
		return
	}

	remaining := a.deployer.FetchRuntimeErrors(ctx, false)
	record(schemas.RoleAssistant, fmt.Sprintf(
		"Applied fixes to %d file(s); %d runtime error(s) remain.", len(saved), len(remaining)))
}

func focusSuffix(focus string) string {
	if focus == "" {
		return ""
	}
	return " (focus: " + focus + ")"
}
