// internal/conversation/conversation.go
package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/store"
)

const (
	fullTable    = "full_conversations"
	compactTable = "compact_conversations"
)

// History is one session's pair of transcripts: the running (compacted)
// history fed back to the model and the full history kept for the client.
type History struct {
	Running []schemas.ConversationMessage `json:"running"`
	Full    []schemas.ConversationMessage `json:"full"`
}

// Log persists per-session conversation histories in the agent-local tables.
// Updates are read-modify-write with last-writer-wins; only the owning agent
// writes.
type Log struct {
	store  *store.SQLiteStore
	logger *zap.Logger
}

// NewLog creates a conversation log over the agent store.
func NewLog(s *store.SQLiteStore, logger *zap.Logger) *Log {
	return &Log{store: s, logger: logger.Named("conversation")}
}

func decode(raw string) ([]schemas.ConversationMessage, error) {
	if raw == "" {
		return nil, nil
	}
	var msgs []schemas.ConversationMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Get loads both histories. If either side is empty it falls back to the
// other, migrating sessions recorded before the split. A final dedup pass
// removes any surviving duplicate conversation ids.
func (l *Log) Get(ctx context.Context, sessionID string) (*History, error) {
	rawCompact, err := l.store.GetConversation(ctx, compactTable, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read running history: %w", err)
	}
	rawFull, err := l.store.GetConversation(ctx, fullTable, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read full history: %w", err)
	}

	running, err := decode(rawCompact)
	if err != nil {
		l.logger.Warn("Discarding corrupt running history", zap.String("session_id", sessionID), zap.Error(err))
	}
	full, err := decode(rawFull)
	if err != nil {
		l.logger.Warn("Discarding corrupt full history", zap.String("session_id", sessionID), zap.Error(err))
	}

	if len(running) == 0 {
		running = full
	}
	if len(full) == 0 {
		full = running
	}

	return &History{
		Running: dedup(running),
		Full:    dedup(full),
	}, nil
}

// Set writes both histories back.
func (l *Log) Set(ctx context.Context, sessionID string, h *History) error {
	rawRunning, err := json.Marshal(h.Running)
	if err != nil {
		return err
	}
	rawFull, err := json.Marshal(h.Full)
	if err != nil {
		return err
	}
	if err := l.store.SetConversation(ctx, compactTable, sessionID, string(rawRunning)); err != nil {
		return fmt.Errorf("failed to write running history: %w", err)
	}
	if err := l.store.SetConversation(ctx, fullTable, sessionID, string(rawFull)); err != nil {
		return fmt.Errorf("failed to write full history: %w", err)
	}
	return nil
}

// Add inserts the message into both histories, replacing in place when the
// conversation id already exists (streaming update).
func (l *Log) Add(ctx context.Context, sessionID string, msg schemas.ConversationMessage) error {
	h, err := l.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	h.Running = upsert(h.Running, msg)
	h.Full = upsert(h.Full, msg)
	return l.Set(ctx, sessionID, h)
}

// Clear drops both histories of one session.
func (l *Log) Clear(ctx context.Context, sessionID string) error {
	if err := l.store.SetConversation(ctx, compactTable, sessionID, "[]"); err != nil {
		return err
	}
	return l.store.SetConversation(ctx, fullTable, sessionID, "[]")
}

// upsert replaces by conversation id, appending when unseen.
func upsert(msgs []schemas.ConversationMessage, msg schemas.ConversationMessage) []schemas.ConversationMessage {
	for i := range msgs {
		if msgs[i].ConversationID == msg.ConversationID {
			msgs[i] = msg
			return msgs
		}
	}
	return append(msgs, msg)
}

// dedup keeps the last occurrence of each conversation id, preserving order
// of first appearance.
func dedup(msgs []schemas.ConversationMessage) []schemas.ConversationMessage {
	if len(msgs) == 0 {
		return []schemas.ConversationMessage{}
	}
	latest := make(map[string]schemas.ConversationMessage, len(msgs))
	var order []string
	for _, m := range msgs {
		if _, seen := latest[m.ConversationID]; !seen {
			order = append(order, m.ConversationID)
		}
		latest[m.ConversationID] = m
	}
	out := make([]schemas.ConversationMessage, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}
