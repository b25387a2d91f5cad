package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/config"
)

// Supported provider identifiers.
const (
	ProviderGemini = "gemini"
)

// newProviderClient builds a single-model client from its config block.
func newProviderClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q. Supported: [%s]", cfg.Provider, ProviderGemini)
	}
}

// NewClient is a factory that wires both tiers behind a Router.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := newProviderClient(cfg.Fast, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast-tier client: %w", err)
	}
	powerful, err := newProviderClient(cfg.Powerful, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create powerful-tier client: %w", err)
	}
	return NewRouter(logger, fast, powerful)
}
