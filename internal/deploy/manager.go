// internal/deploy/manager.go
package deploy

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/sandbox"
	"github.com/vibesdk/vibesdk/internal/templates"
)

// ErrPreviewNotDeployed is the synthetic runtime-error message returned when
// the preview is not reachable. The wording is part of the wire contract.
const ErrPreviewNotDeployed = "<runtime errors not available at the moment as preview is not deployed>"

// portCounter hands out instance ports process-wide.
var portCounter atomic.Int32

// Callbacks observe one deployToSandbox run.
type Callbacks struct {
	OnStarted          func()
	OnCompleted        func(previewURL string)
	OnError            func(err error)
	AfterSetupCommands func()
}

// Manager provisions a sandbox instance for one agent session, deploys
// generated files into it and harvests runtime/static feedback.
type Manager struct {
	cfg      config.SandboxConfig
	template *templates.Template
	logger   *zap.Logger

	mu          sync.Mutex
	sessionID   string
	projectName string
	sb          *sandbox.LocalSandbox
	instance    *schemas.SandboxInstance
	lastFiles   []schemas.FileState
	logOffset   int
}

// NewManager creates a deployment manager for one project.
func NewManager(cfg config.SandboxConfig, tpl *templates.Template, projectName string, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		template:    tpl,
		projectName: projectName,
		sessionID:   uuid.New().String(),
		logger:      logger.Named("deploy"),
	}
}

// GetSessionID returns the current sandbox session id.
func (m *Manager) GetSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// GenerateNewSessionID rotates the session id, detaching from the previous
// sandbox instance.
func (m *Manager) GenerateNewSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = uuid.New().String()
	m.sb = nil
	m.instance = nil
	return m.sessionID
}

// Sandbox exposes the live sandbox, or nil before the first deploy.
func (m *Manager) Sandbox() schemas.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sb == nil {
		return nil
	}
	return m.sb
}

// Instance returns the current instance metadata, or nil.
func (m *Manager) Instance() *schemas.SandboxInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instance == nil {
		return nil
	}
	cp := *m.instance
	return &cp
}

// DeployToSandbox provisions the instance on first call, then pushes the
// given files. A redeploy with an empty file set is a no-op that only
// returns the cached preview URL.
func (m *Manager) DeployToSandbox(ctx context.Context, files []schemas.FileState, redeploy bool, commitMessage string, clearLogs bool, cb Callbacks) (*schemas.SandboxInstance, error) {
	if cb.OnStarted != nil {
		cb.OnStarted()
	}

	inst, err := m.deploy(ctx, files, redeploy, clearLogs, cb)
	if err != nil {
		m.logger.Error("Deployment failed", zap.Error(err))
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	if cb.OnCompleted != nil {
		cb.OnCompleted(inst.PreviewURL)
	}
	m.logger.Info("Deployment completed",
		zap.String("preview_url", inst.PreviewURL),
		zap.String("commit_message", commitMessage),
		zap.Int("files", len(files)))
	return inst, nil
}

func (m *Manager) deploy(ctx context.Context, files []schemas.FileState, redeploy bool, clearLogs bool, cb Callbacks) (*schemas.SandboxInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if redeploy && m.instance != nil && len(files) == 0 {
		cp := *m.instance
		return &cp, nil
	}

	provisioned := false
	if m.sb == nil {
		if err := m.provisionLocked(ctx); err != nil {
			return nil, err
		}
		provisioned = true
	}

	if clearLogs {
		m.logOffset = 0
		if proc := m.currentProcessLocked(); proc != nil {
			_ = m.sb.WriteFile(relativeLogPath(proc), nil)
		}
	}

	for _, f := range files {
		if err := m.sb.WriteFile(f.FilePath, []byte(f.FileContents)); err != nil {
			return nil, fmt.Errorf("failed to deploy %s: %w", f.FilePath, err)
		}
	}
	if len(files) > 0 {
		m.lastFiles = append([]schemas.FileState(nil), files...)
	}

	if provisioned {
		if m.template.BootstrapCommand != "" {
			res, err := m.sb.Exec(ctx, m.template.BootstrapCommand, schemas.ExecOptions{})
			if err != nil {
				return nil, fmt.Errorf("bootstrap failed: %w", err)
			}
			if res.ExitCode != 0 {
				m.logger.Warn("Bootstrap command exited non-zero",
					zap.Int("exit_code", res.ExitCode), zap.String("stderr", res.Stderr))
			}
		}
		if cb.AfterSetupCommands != nil {
			// Release the lock around the callback: it reaches back into the
			// agent, which may call other manager methods.
			m.mu.Unlock()
			cb.AfterSetupCommands()
			m.mu.Lock()
		}
		if err := m.startAppLocked(); err != nil {
			return nil, err
		}
	}

	cp := *m.instance
	return &cp, nil
}

func (m *Manager) provisionLocked(ctx context.Context) error {
	instanceID := uuid.New().String()[:8]
	sb, err := sandbox.NewLocalSandbox(m.cfg.DataDir, instanceID, m.logger)
	if err != nil {
		return fmt.Errorf("failed to provision sandbox: %w", err)
	}
	m.sb = sb

	for path, contents := range m.template.Files {
		if err := sb.WriteFile(path, []byte(contents)); err != nil {
			return fmt.Errorf("failed to write template file %s: %w", path, err)
		}
	}

	port := int(portCounter.Add(1)) + m.cfg.BasePort - 1
	m.instance = &schemas.SandboxInstance{
		InstanceID:     instanceID,
		TemplateName:   m.template.Name,
		ProjectName:    m.projectName,
		StartTime:      time.Now(),
		AllocatedPort:  port,
		PreviewURL:     fmt.Sprintf("http://%s:%d", m.cfg.Host, port),
		DontTouchFiles: m.template.DontTouchFiles,
		RedactedFiles:  m.template.RedactedFiles,
	}
	if err := sb.ExposePort(port); err != nil {
		return err
	}
	sb.SetEnvVars(map[string]string{"PORT": fmt.Sprintf("%d", port)})
	return sb.WriteMetadata(m.instance)
}

func (m *Manager) startAppLocked() error {
	if m.template.StartCommand == "" {
		return nil
	}
	pid, err := m.sb.StartProcess(m.template.StartCommand, "")
	if err != nil {
		return fmt.Errorf("failed to start app process: %w", err)
	}
	m.instance.ProcessID = pid
	return m.sb.WriteMetadata(m.instance)
}

func (m *Manager) currentProcessLocked() *schemas.ProcessInfo {
	if m.sb == nil || m.instance == nil || m.instance.ProcessID == "" {
		return nil
	}
	proc, err := m.sb.GetProcess(m.instance.ProcessID)
	if err != nil {
		return nil
	}
	return proc
}

// DeployToCloudflare is the production-deploy hook. The edge pipeline lives
// outside this service; the manager only reports the preview as the deployed
// artifact.
func (m *Manager) DeployToCloudflare(ctx context.Context, cb Callbacks) (string, error) {
	if cb.OnStarted != nil {
		cb.OnStarted()
	}
	m.mu.Lock()
	inst := m.instance
	m.mu.Unlock()
	if inst == nil {
		err := fmt.Errorf("nothing deployed yet")
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return "", err
	}
	if cb.OnCompleted != nil {
		cb.OnCompleted(inst.PreviewURL)
	}
	return inst.PreviewURL, nil
}

// WaitForPreview blocks until the preview URL answers HTTP, or the context
// expires.
func (m *Manager) WaitForPreview(ctx context.Context) error {
	m.mu.Lock()
	inst := m.instance
	m.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("no sandbox instance provisioned")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.PreviewURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("preview did not become ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
