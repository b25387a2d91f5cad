// internal/agent/websocket.go
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/ws"
)

// clientFrame is the envelope clients send over the agent websocket.
type clientFrame struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Focus  string         `json:"focus,omitempty"`
	Name   string         `json:"name,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`
	Images []clientImage  `json:"images,omitempty"`
}

type clientImage struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

// connectionSnapshot is the agent_connected payload: full state plus template
// details.
func (a *Agent) connectionSnapshot() any {
	st := a.StateSnapshot()
	snapshot := map[string]any{
		"state": st,
		"files": a.files.ListPaths(),
	}
	if a.template != nil {
		snapshot["template"] = map[string]any{
			"name":        a.template.Name,
			"description": a.template.Description,
			"frameworks":  a.template.Frameworks,
		}
	}
	if inst := a.deployerInstance(); inst != nil {
		snapshot["previewUrl"] = inst.PreviewURL
	}
	return snapshot
}

func (a *Agent) deployerInstance() *schemas.SandboxInstance {
	if a.deployer == nil {
		return nil
	}
	return a.deployer.Instance()
}

// handleClientFrame dispatches one incoming websocket frame. All state
// mutation goes through the agent's own methods, keeping the single-owner
// discipline.
func (a *Agent) handleClientFrame(conn *ws.Conn, payload []byte) {
	var frame clientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		a.logger.Warn("Dropping unparseable client frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case "user_message":
		a.handleUserMessage(frame)
	case "cancel":
		a.CancelCurrentInference()
	case "deep_debug":
		if err := a.DeepDebug(frame.Focus); err != nil {
			a.hub.Send(conn, schemas.MsgError, map[string]string{"error": err.Error()})
		}
	case "update_blueprint":
		a.UpdateBlueprint(frame.Patch)
	case "update_project_name":
		if err := a.UpdateProjectName(context.Background(), frame.Name); err != nil {
			a.hub.Send(conn, schemas.MsgError, map[string]string{"error": err.Error()})
		}
	case "clear_conversation":
		if err := a.convo.Clear(context.Background(), a.StateSnapshot().SessionID); err != nil {
			a.logger.Error("Failed to clear conversation", zap.Error(err))
			return
		}
		a.Broadcast(schemas.MsgConversationCleared, nil)
	default:
		a.logger.Debug("Ignoring unknown client frame", zap.String("type", frame.Type))
	}
}

// handleUserMessage queues the text and images for the build loop and, when
// no build picks it up, answers through the conversation processor.
func (a *Agent) handleUserMessage(frame clientFrame) {
	images := make([]schemas.UserImage, 0, len(frame.Images))
	for _, img := range frame.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			a.logger.Warn("Dropping undecodable image", zap.String("filename", img.Filename), zap.Error(err))
			continue
		}
		images = append(images, schemas.UserImage{
			Filename: img.Filename,
			MimeType: img.MimeType,
			Data:     data,
		})
	}

	a.QueueUserRequest(frame.Text, images)

	ctx := context.Background()
	sessionID := a.StateSnapshot().SessionID
	userMsg := schemas.ConversationMessage{
		ConversationID: newConversationID(),
		Role:           schemas.RoleUser,
		Content:        frame.Text,
	}
	if err := a.convo.Add(ctx, sessionID, userMsg); err != nil {
		a.logger.Error("Failed to record user message", zap.Error(err))
	}

	// A running or startable build consumes the queued input; otherwise the
	// conversation processor answers directly.
	a.GenerateAllFiles()
	if a.isBuilding() {
		return
	}

	go func() {
		history, err := a.convo.Get(ctx, sessionID)
		if err != nil {
			a.logger.Error("Failed to load conversation", zap.Error(err))
			return
		}
		reply, err := a.ops.ProcessUserConversation(a.inferenceContext(), a.OpContext(nil), history.Running)
		if err != nil {
			a.logger.Error("Conversation processing failed", zap.Error(err))
			a.Broadcast(schemas.MsgError, map[string]string{"error": err.Error()})
			return
		}
		msg := schemas.ConversationMessage{
			ConversationID: reply.ConversationID,
			Role:           schemas.RoleAssistant,
			Content:        reply.Content,
		}
		if err := a.convo.Add(ctx, sessionID, msg); err != nil {
			a.logger.Error("Failed to record assistant reply", zap.Error(err))
		}
		a.Broadcast(schemas.MsgConversationResponse, msg)
	}()
}

func (a *Agent) isBuilding() bool {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()
	return a.building
}
