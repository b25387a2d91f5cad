package conversation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/store"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewLog(s, zap.NewNop())
}

func msg(id, content string) schemas.ConversationMessage {
	return schemas.ConversationMessage{
		ConversationID: id,
		Role:           schemas.RoleAssistant,
		Content:        content,
	}
}

func TestAddAppendsToBothHistories(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "s1", msg("c1", "hello")))
	require.NoError(t, l.Add(ctx, "s1", msg("c2", "world")))

	h, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, h.Running, 2)
	require.Len(t, h.Full, 2)
	assert.Equal(t, "hello", h.Running[0].Content)
	assert.Equal(t, "world", h.Running[1].Content)
}

func TestAddWithExistingIDReplacesInPlace(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "s1", msg("c1", "partial")))
	require.NoError(t, l.Add(ctx, "s1", msg("c2", "other")))
	require.NoError(t, l.Add(ctx, "s1", msg("c1", "complete")))

	h, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, h.Running, 2, "streaming update must not duplicate")
	assert.Equal(t, "complete", h.Running[0].Content)
	assert.Equal(t, "c1", h.Running[0].ConversationID)
}

func TestGetFallsBackAcrossStores(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	// Simulate a pre-split session: only the full history is populated.
	h := &History{Full: []schemas.ConversationMessage{msg("c1", "migrated")}}
	require.NoError(t, l.Set(ctx, "old", h))

	got, err := l.Get(ctx, "old")
	require.NoError(t, err)
	require.Len(t, got.Running, 1, "running history falls back to full")
	assert.Equal(t, "migrated", got.Running[0].Content)
}

func TestGetDeduplicates(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	h := &History{
		Running: []schemas.ConversationMessage{msg("c1", "v1"), msg("c1", "v2")},
		Full:    []schemas.ConversationMessage{msg("c1", "v1"), msg("c1", "v2")},
	}
	require.NoError(t, l.Set(ctx, "dup", h))

	got, err := l.Get(ctx, "dup")
	require.NoError(t, err)
	require.Len(t, got.Running, 1)
	assert.Equal(t, "v2", got.Running[0].Content, "dedup keeps the latest occurrence")
}

func TestClear(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "s1", msg("c1", "x")))
	require.NoError(t, l.Clear(ctx, "s1"))

	h, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, h.Running)
	assert.Empty(t, h.Full)
}

func TestSessionsAreIsolated(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Add(ctx, "s1", msg("c1", "one")))
	require.NoError(t, l.Add(ctx, "s2", msg("c1", "two")))

	h1, err := l.Get(ctx, "s1")
	require.NoError(t, err)
	h2, err := l.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "one", h1.Running[0].Content)
	assert.Equal(t, "two", h2.Running[0].Content)
}
