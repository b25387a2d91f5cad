// internal/agent/export.go
package agent

import (
	"context"
	"fmt"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/githubexport"
	"github.com/vibesdk/vibesdk/internal/screenshot"
)

// ExportToGitHub replays the workspace history onto the remote repository,
// streaming progress over the websocket. Failures are broadcast and returned;
// agent state is never mutated by an export.
func (a *Agent) ExportToGitHub(ctx context.Context, opts githubexport.Options, cacheSize int) (*githubexport.Result, error) {
	a.Broadcast(schemas.MsgGitHubExportStarted, map[string]string{"repoUrl": opts.RepoURL})

	objects, err := a.workspace.ExportObjects()
	if err != nil {
		a.Broadcast(schemas.MsgGitHubExportError, map[string]string{"error": err.Error()})
		return nil, fmt.Errorf("failed to export workspace objects: %w", err)
	}

	if a.template != nil && opts.TemplateFiles == nil {
		opts.TemplateFiles = a.template.Files
	}
	opts.AuthorName = "Vibesdk"
	opts.AuthorEmail = "vibesdk-bot@vibesdk.dev"

	exporter, err := githubexport.New(opts, cacheSize, a.logger)
	if err != nil {
		a.Broadcast(schemas.MsgGitHubExportError, map[string]string{"error": err.Error()})
		return nil, err
	}

	result, err := exporter.Export(ctx, objects, opts, func(stage string, current, total int) {
		a.Broadcast(schemas.MsgGitHubExportProgress, map[string]any{
			"stage": stage, "current": current, "total": total,
		})
	})
	if err != nil {
		a.Broadcast(schemas.MsgGitHubExportError, map[string]string{"error": err.Error()})
		return nil, err
	}

	a.Broadcast(schemas.MsgGitHubExportCompleted, result)
	return result, nil
}

// CheckGitHubStatus compares the remote branch with the local history.
func (a *Agent) CheckGitHubStatus(ctx context.Context, opts githubexport.Options, cacheSize int) (*githubexport.RemoteStatus, error) {
	objects, err := a.workspace.ExportObjects()
	if err != nil {
		return nil, fmt.Errorf("failed to export workspace objects: %w", err)
	}
	exporter, err := githubexport.New(opts, cacheSize, a.logger)
	if err != nil {
		return nil, err
	}
	return exporter.CheckRemoteStatus(ctx, objects, opts.DefaultBranch)
}

// CaptureScreenshot renders the preview and persists the pointer through the
// screenshot service.
func (a *Agent) CaptureScreenshot(ctx context.Context, svc *screenshot.Service) (string, error) {
	inst := a.deployerInstance()
	if inst == nil || inst.PreviewURL == "" {
		return "", fmt.Errorf("no preview deployed")
	}
	a.Broadcast(schemas.MsgScreenshotCaptureStarted, nil)
	url, err := svc.CaptureAndPersist(ctx, a.id, inst.PreviewURL)
	if err != nil {
		a.Broadcast(schemas.MsgScreenshotCaptureError, map[string]string{"error": err.Error()})
		return "", err
	}
	a.Broadcast(schemas.MsgScreenshotCaptureSuccess, map[string]string{"screenshotUrl": url})
	return url, nil
}
