// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/agent"
	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/githubexport"
	"github.com/vibesdk/vibesdk/internal/ratelimit"
	"github.com/vibesdk/vibesdk/internal/screenshot"
)

// Server is the HTTP surface: all business endpoints live under /api/*,
// wrapped by the middleware chain (outermost first): secure headers -> CORS
// -> CSRF -> rate limit -> auth.
type Server struct {
	cfg         *config.Config
	agents      *agent.Manager
	limiter     *ratelimit.Store
	apps        schemas.AppService
	screenshots *screenshot.Service
	logger      *zap.Logger
	httpServer  *http.Server
}

// New wires the server.
func New(cfg *config.Config, agents *agent.Manager, limiter *ratelimit.Store, apps schemas.AppService, screenshots *screenshot.Service, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		agents:      agents,
		limiter:     limiter,
		apps:        apps,
		screenshots: screenshots,
		logger:      logger.Named("server"),
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agents", s.auth(authRequired, s.handleCreateAgent))
	mux.HandleFunc("GET /api/agents/{agentId}/ws", s.auth(authOwnerOnly, s.handleAgentWS))
	mux.HandleFunc("GET /api/agents/{agentId}", s.auth(authOwnerOnly, s.handleAgentState))
	mux.HandleFunc("POST /api/agents/{agentId}/export/github", s.auth(authOwnerOnly, s.handleGitHubExport))
	mux.HandleFunc("GET /api/agents/{agentId}/export/github/status", s.auth(authOwnerOnly, s.handleGitHubStatus))
	mux.HandleFunc("POST /api/agents/{agentId}/screenshot", s.auth(authOwnerOnly, s.handleScreenshot))
	mux.HandleFunc("GET /api/health", s.auth(authPublic, s.handleHealth))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	// Outer to inner: secure headers -> CORS -> CSRF -> rate limit.
	// Authentication is applied per-route so each endpoint declares its mode.
	var h http.Handler = mux
	h = s.rateLimit(h)
	h = s.csrf(h)
	h = s.cors(h)
	h = s.secureHeaders(h)
	return h
}

// ListenAndServe starts the listener with a connection cap and serves until
// the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Server.MaxConns)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// -- handlers --

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type createAgentRequest struct {
	Query        string `json:"query"`
	TemplateName string `json:"templateName,omitempty"`
	BehaviorType string `json:"behaviorType,omitempty"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required", "BAD_REQUEST")
		return
	}

	a, err := s.agents.Create(r.Context(), agent.InitArgs{
		Query:        req.Query,
		UserID:       UserID(r.Context()),
		HostName:     r.Host,
		TemplateName: req.TemplateName,
		BehaviorType: schemas.BehaviorType(req.BehaviorType),
	})
	if err != nil {
		s.logger.Error("Agent creation failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, err.Error(), "AGENT_CREATE_FAILED")
		return
	}
	a.GenerateAllFiles()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"agentId": a.ID()})
}

func (s *Server) loadAgent(w http.ResponseWriter, r *http.Request) *agent.Agent {
	agentID := r.PathValue("agentId")
	a, err := s.agents.GetOrLoad(r.Context(), agentID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "agent not found", "NOT_FOUND")
		return nil
	}
	return a
}

// handleAgentWS upgrades to the agent websocket; the hub sends the
// agent_connected snapshot on attach.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	a := s.loadAgent(w, r)
	if a == nil {
		return
	}
	a.Hub().HandleUpgrade(w, r)
}

func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	a := s.loadAgent(w, r)
	if a == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.StateSnapshot())
}

type githubExportRequest struct {
	RepoURL         string `json:"repoUrl"`
	Token           string `json:"token"`
	DefaultBranch   string `json:"defaultBranch,omitempty"`
	AddDeployButton bool   `json:"addDeployButton,omitempty"`
}

func (s *Server) handleGitHubExport(w http.ResponseWriter, r *http.Request) {
	a := s.loadAgent(w, r)
	if a == nil {
		return
	}
	var req githubExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" {
		writeJSONError(w, http.StatusBadRequest, "repoUrl is required", "BAD_REQUEST")
		return
	}
	token := req.Token
	if token == "" {
		token = a.GitHubToken()
	}
	if token == "" {
		writeJSONError(w, http.StatusBadRequest, "token is required", "BAD_REQUEST")
		return
	}
	a.SetGitHubToken(token)

	result, err := a.ExportToGitHub(r.Context(), githubexport.Options{
		RepoURL:         req.RepoURL,
		Token:           token,
		DefaultBranch:   req.DefaultBranch,
		AddDeployButton: req.AddDeployButton,
		Concurrency:     s.cfg.GitHub.Concurrency,
	}, s.cfg.GitHub.BlobCacheSize)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error(), "EXPORT_FAILED")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) handleGitHubStatus(w http.ResponseWriter, r *http.Request) {
	a := s.loadAgent(w, r)
	if a == nil {
		return
	}
	repoURL := r.URL.Query().Get("repoUrl")
	if repoURL == "" {
		writeJSONError(w, http.StatusBadRequest, "repoUrl is required", "BAD_REQUEST")
		return
	}
	status, err := a.CheckGitHubStatus(r.Context(), githubexport.Options{
		RepoURL: repoURL,
		Token:   a.GitHubToken(),
	}, s.cfg.GitHub.BlobCacheSize)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error(), "STATUS_FAILED")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	a := s.loadAgent(w, r)
	if a == nil {
		return
	}
	url, err := a.CaptureScreenshot(r.Context(), s.screenshots)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error(), "SCREENSHOT_FAILED")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"screenshotUrl": url})
}
