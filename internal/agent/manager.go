// internal/agent/manager.go
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/operations"
	"github.com/vibesdk/vibesdk/internal/store"
	"github.com/vibesdk/vibesdk/internal/templates"

	"github.com/vibesdk/vibesdk/api/schemas"
)

func newConversationID() string { return uuid.New().String() }

// Manager is the process-wide map of agent id to live agent. Agents stay
// resident until evicted; eviction clears the websocket channel and the
// GitHub token cache.
type Manager struct {
	cfg     *config.Config
	ops     operations.Interface
	catalog *templates.Catalog
	apps    schemas.AppService
	logger  *zap.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewManager creates an empty agent registry.
func NewManager(cfg *config.Config, ops operations.Interface, catalog *templates.Catalog, apps schemas.AppService, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		ops:     ops,
		catalog: catalog,
		apps:    apps,
		logger:  logger.Named("agent_manager"),
		agents:  make(map[string]*Agent),
	}
}

// Get returns a live agent, or nil.
func (m *Manager) Get(agentID string) *Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[agentID]
}

// GetOrLoad returns a live agent, reviving it from its persisted state when
// absent. Unknown agents (no state on disk) return an error.
func (m *Manager) GetOrLoad(ctx context.Context, agentID string) (*Agent, error) {
	m.mu.Lock()
	if a, ok := m.agents[agentID]; ok {
		m.mu.Unlock()
		return a, nil
	}
	m.mu.Unlock()

	a, err := m.construct(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if a.StateSnapshot().Query == "" {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.agents[agentID]; ok {
		return existing, nil
	}
	m.agents[agentID] = a
	return a, nil
}

// Create builds and initializes a brand-new agent for a first request.
func (m *Manager) Create(ctx context.Context, args InitArgs) (*Agent, error) {
	agentID := uuid.New().String()
	a, err := m.construct(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx, args); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.agents[agentID] = a
	m.mu.Unlock()
	m.logger.Info("Agent created", zap.String("agent_id", agentID))
	return a, nil
}

func (m *Manager) construct(ctx context.Context, agentID string) (*Agent, error) {
	st, err := store.Open(fmt.Sprintf("%s/%s.db", m.cfg.Database.AgentDataDir, agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to open agent store: %w", err)
	}
	return New(ctx, agentID, Deps{
		Config:  m.cfg,
		Store:   st,
		Ops:     m.ops,
		Catalog: m.catalog,
		Apps:    m.apps,
		Logger:  m.logger,
	})
}

// Evict drops an agent from the registry, closing its channels and wiping the
// in-memory token cache. Durable state stays on disk.
func (m *Manager) Evict(agentID string) {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	a.CancelCurrentInference()
	a.ClearGitHubTokenCache()
	a.Hub().CloseAll()
	m.logger.Info("Agent evicted", zap.String("agent_id", agentID))
}
