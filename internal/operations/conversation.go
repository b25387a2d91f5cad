// internal/operations/conversation.go
package operations

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vibesdk/vibesdk/api/schemas"
)

const conversationSystemPrompt = `You are the assistant channel of a code generation service. The user talks to
you about the project being built. Answer conversationally; when the user asks for concrete changes, tell them
the build loop will pick the request up as guidance for the next phase.`

// ProcessUserConversation answers one user turn given the running history.
func (r *Registry) ProcessUserConversation(ctx context.Context, op OpContext, history []schemas.ConversationMessage) (*ConversationResult, error) {
	messages := make([]schemas.ConversationMessage, 0, len(history)+1)
	messages = append(messages, schemas.ConversationMessage{
		ConversationID: "system",
		Role:           schemas.RoleSystem,
		Content:        conversationSystemPrompt + "\n\n" + op.projectSummary(),
	})
	messages = append(messages, history...)

	req := schemas.GenerationRequest{
		Messages: messages,
		Tier:     schemas.TierFast,
		Options:  schemas.GenerationOptions{Temperature: 0.6},
	}
	raw, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("conversation processing failed: %w", err)
	}
	return &ConversationResult{
		ConversationID: uuid.New().String(),
		Content:        raw,
	}, nil
}
