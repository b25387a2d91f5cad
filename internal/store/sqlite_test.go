package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestObjectStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasObject(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutObject(ctx, "abc", []byte{1, 2, 3}))
	// Objects are immutable; a second put with the same oid is ignored.
	require.NoError(t, s.PutObject(ctx, "abc", []byte{9}))

	ok, err = s.HasObject(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	objects, err := s.ListObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, objects["abc"])
}

func TestRefUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetRef(ctx, "refs/heads/main", "oid1"))
	require.NoError(t, s.SetRef(ctx, "refs/heads/main", "oid2"))

	refs, err := s.ListRefs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"refs/heads/main": "oid2"}, refs)
}

func TestConversationTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw, err := s.GetConversation(ctx, "full_conversations", "missing")
	require.NoError(t, err)
	assert.Empty(t, raw)

	require.NoError(t, s.SetConversation(ctx, "full_conversations", "s1", `[{"id":"a"}]`))
	raw, err = s.GetConversation(ctx, "full_conversations", "s1")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, raw)

	_, err = s.GetConversation(ctx, "users; DROP TABLE apps", "s1")
	assert.Error(t, err, "table names outside the fixed set are rejected")
}

func TestAgentStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.LoadAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, state)

	require.NoError(t, s.SaveAgentState(ctx, "a1", `{"v":1}`))
	require.NoError(t, s.SaveAgentState(ctx, "a1", `{"v":2}`))

	state, err = s.LoadAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, state)
}
