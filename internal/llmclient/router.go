package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

// Router implements schemas.LLMClient and dispatches requests to the client
// configured for the request's model tier.
type Router struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
}

// NewRouter creates a router with the specified clients for each tier.
func NewRouter(logger *zap.Logger, fastClient, powerfulClient schemas.LLMClient) (*Router, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}
	return &Router{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
	}, nil
}

func (r *Router) pick(tier schemas.ModelTier) (schemas.LLMClient, error) {
	if tier == "" {
		tier = schemas.TierPowerful
	}
	client, ok := r.clients[tier]
	if !ok {
		return nil, fmt.Errorf("no LLM client configured for tier: %s", tier)
	}
	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client, nil
}

// Generate selects the appropriate client based on the request's tier.
func (r *Router) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	client, err := r.pick(req.Tier)
	if err != nil {
		return "", err
	}
	return client.Generate(ctx, req)
}

// Stream selects the appropriate client and streams through it.
func (r *Router) Stream(ctx context.Context, req schemas.GenerationRequest, onChunk schemas.ChunkFunc) (string, error) {
	client, err := r.pick(req.Tier)
	if err != nil {
		return "", err
	}
	return client.Stream(ctx, req, onChunk)
}
