package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

type recordingClient struct {
	name  string
	calls int
}

func (c *recordingClient) Generate(_ context.Context, _ schemas.GenerationRequest) (string, error) {
	c.calls++
	return c.name, nil
}

func (c *recordingClient) Stream(_ context.Context, _ schemas.GenerationRequest, onChunk schemas.ChunkFunc) (string, error) {
	c.calls++
	if onChunk != nil {
		onChunk(c.name)
	}
	return c.name, nil
}

func TestRouterDispatchesByTier(t *testing.T) {
	fast := &recordingClient{name: "fast"}
	powerful := &recordingClient{name: "powerful"}
	r, err := NewRouter(zap.NewNop(), fast, powerful)
	require.NoError(t, err)

	out, err := r.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast})
	require.NoError(t, err)
	assert.Equal(t, "fast", out)

	out, err = r.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.TierPowerful})
	require.NoError(t, err)
	assert.Equal(t, "powerful", out)
}

func TestRouterDefaultsToPowerful(t *testing.T) {
	fast := &recordingClient{name: "fast"}
	powerful := &recordingClient{name: "powerful"}
	r, err := NewRouter(zap.NewNop(), fast, powerful)
	require.NoError(t, err)

	out, err := r.Generate(context.Background(), schemas.GenerationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "powerful", out)
	assert.Zero(t, fast.calls)
}

func TestRouterStreamForwardsChunks(t *testing.T) {
	fast := &recordingClient{name: "fast"}
	powerful := &recordingClient{name: "powerful"}
	r, err := NewRouter(zap.NewNop(), fast, powerful)
	require.NoError(t, err)

	var chunks []string
	out, err := r.Stream(context.Background(), schemas.GenerationRequest{Tier: schemas.TierFast}, func(c string) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)
	assert.Equal(t, "fast", out)
	assert.Equal(t, []string{"fast"}, chunks)
}

func TestRouterUnknownTier(t *testing.T) {
	r, err := NewRouter(zap.NewNop(), &recordingClient{}, &recordingClient{})
	require.NoError(t, err)

	_, err = r.Generate(context.Background(), schemas.GenerationRequest{Tier: schemas.ModelTier("huge")})
	assert.Error(t, err)
}

func TestNewRouterRequiresBothTiers(t *testing.T) {
	_, err := NewRouter(zap.NewNop(), nil, &recordingClient{})
	assert.Error(t, err)
}
