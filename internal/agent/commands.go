// internal/agent/commands.go
package agent

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/deploy"
)

const (
	commandChunkSize  = 5
	commandMaxRetries = 3
)

var (
	// installCommandRegex flags commands that mutate the dependency set; only
	// these get AI-assisted retries and trigger the manifest sync.
	installCommandRegex = regexp.MustCompile(`install| add |remove|uninstall`)

	// commandShapeRegex is the "looks like a command" predicate: a plausible
	// program token followed by arguments, single line.
	commandShapeRegex = regexp.MustCompile(`^[a-zA-Z0-9_./-]+( [^\n]*)?$`)
)

// looksLikeCommand filters junk before anything reaches the sandbox or the
// history.
func looksLikeCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || len(cmd) > 300 {
		return false
	}
	if strings.Contains(cmd, " undefined") {
		return false
	}
	return commandShapeRegex.MatchString(cmd)
}

// isInstallCommand reports whether the command mutates dependencies.
func isInstallCommand(cmd string) bool {
	return installCommandRegex.MatchString(cmd)
}

// deployCallbacks adapts deployment progress into websocket frames.
func (a *Agent) deployCallbacks() deploy.Callbacks {
	return deploy.Callbacks{
		OnStarted:   func() { a.Broadcast(schemas.MsgDeploymentStarted, nil) },
		OnCompleted: func(url string) { a.Broadcast(schemas.MsgDeploymentCompleted, map[string]string{"previewUrl": url}) },
		OnError:     func(err error) { a.Broadcast(schemas.MsgDeploymentFailed, map[string]string{"error": err.Error()}) },
	}
}

// ExecuteCommands runs the commands in the sandbox in chunks of five (or the
// configured chunk size). With retries enabled, failed install commands get up
// to three retries (or the configured budget); each retry runs the
// alternatives the setup assistant proposes for the commands that failed.
// Non-install failures are never retried. Successful commands land in the
// deduplicated history.
func (a *Agent) ExecuteCommands(ctx context.Context, commands []string, withRetries bool) {
	filtered := make([]string, 0, len(commands))
	for _, cmd := range commands {
		cmd = strings.TrimSpace(cmd)
		if looksLikeCommand(cmd) {
			filtered = append(filtered, cmd)
		} else if cmd != "" {
			a.logger.Warn("Dropping malformed command", zap.String("command", cmd))
		}
	}
	if len(filtered) == 0 {
		return
	}

	sb := a.deployer.Sandbox()
	if sb == nil {
		a.logger.Warn("Commands skipped: sandbox not provisioned", zap.Int("count", len(filtered)))
		return
	}

	chunkSize := commandChunkSize
	if a.cfg.Agent.CommandChunkSize > 0 {
		chunkSize = a.cfg.Agent.CommandChunkSize
	}
	var succeeded []string
	for start := 0; start < len(filtered); start += chunkSize {
		end := start + chunkSize
		if end > len(filtered) {
			end = len(filtered)
		}
		chunk := append([]string(nil), filtered[start:end]...)
		succeeded = append(succeeded, a.executeChunk(ctx, sb, chunk, withRetries)...)
	}

	if len(succeeded) > 0 {
		a.appendCommandHistory(succeeded)
	}
	for _, cmd := range succeeded {
		if isInstallCommand(cmd) {
			a.SyncPackageManifest(ctx)
			break
		}
	}
}

// executeChunk runs one chunk, retrying install failures with setup-assistant
// alternatives. Returns the commands that ultimately succeeded.
func (a *Agent) executeChunk(ctx context.Context, sb schemas.Sandbox, chunk []string, withRetries bool) []string {
	var succeeded []string
	attempts := 1
	if withRetries {
		retries := commandMaxRetries
		if a.cfg.Agent.CommandRetries > 0 {
			retries = a.cfg.Agent.CommandRetries
		}
		attempts = 1 + retries
	}

	pending := chunk
	for attempt := 0; attempt < attempts && len(pending) > 0; attempt++ {
		var failed []string
		var failureOutput strings.Builder

		for _, cmd := range pending {
			if err := ctx.Err(); err != nil {
				return succeeded
			}
			a.Broadcast(schemas.MsgCommandExecuting, map[string]string{"command": cmd})
			res, err := sb.Exec(ctx, cmd, schemas.ExecOptions{})
			if err != nil {
				a.logger.Error("Command execution errored", zap.String("command", cmd), zap.Error(err))
				failed = append(failed, cmd)
				failureOutput.WriteString(err.Error() + "\n")
				continue
			}
			if res.ExitCode != 0 {
				a.logger.Warn("Command exited non-zero",
					zap.String("command", cmd), zap.Int("exit_code", res.ExitCode))
				if isInstallCommand(cmd) && withRetries {
					failed = append(failed, cmd)
					failureOutput.WriteString(res.Stderr + "\n")
				}
				// Non-install failures are dropped without retry.
				continue
			}
			succeeded = append(succeeded, cmd)
		}

		if len(failed) == 0 || attempt == attempts-1 {
			break
		}

		// Ask the setup assistant for alternative install commands.
		alternatives, err := a.ops.ProjectSetupAssistant(ctx, a.OpContext(nil), failed, failureOutput.String())
		if err != nil {
			a.logger.Warn("Setup assistant unavailable; abandoning retries", zap.Error(err))
			break
		}
		next := make([]string, 0, len(alternatives))
		for _, alt := range alternatives {
			if looksLikeCommand(alt) {
				next = append(next, strings.TrimSpace(alt))
			}
		}
		if len(next) == 0 {
			break
		}
		a.logger.Info("Retrying with setup-assistant alternatives",
			zap.Strings("alternatives", next), zap.Int("attempt", attempt+1))
		pending = next
	}
	return succeeded
}

// appendCommandHistory merges new commands into the stored history: filtered,
// deduplicated, order-preserving.
func (a *Agent) appendCommandHistory(commands []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[string]bool, len(a.state.CommandsHistory))
	for _, cmd := range a.state.CommandsHistory {
		seen[cmd] = true
	}
	for _, cmd := range commands {
		if !looksLikeCommand(cmd) || seen[cmd] {
			continue
		}
		seen[cmd] = true
		a.state.CommandsHistory = append(a.state.CommandsHistory, cmd)
	}
}

// SyncPackageManifest diffs the sandbox package.json against the last
// observed manifest and, when changed, persists it with a sync commit and a
// FILE_GENERATED frame.
func (a *Agent) SyncPackageManifest(ctx context.Context) {
	sb := a.deployer.Sandbox()
	if sb == nil {
		return
	}
	raw, err := sb.ReadFile("package.json")
	if err != nil {
		a.logger.Debug("No package.json to sync", zap.Error(err))
		return
	}
	manifest := string(raw)

	a.mu.Lock()
	unchanged := manifest == a.state.LastPackageJSON
	a.mu.Unlock()
	if unchanged {
		return
	}

	saved, err := a.files.SaveFile(ctx, "package.json", manifest, "package manifest",
		"chore: sync package.json dependencies from sandbox")
	if err != nil {
		a.logger.Error("Failed to persist synced manifest", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.state.LastPackageJSON = manifest
	a.mu.Unlock()
	a.Broadcast(schemas.MsgFileGenerated, saved)
	a.logger.Info("Package manifest synced from sandbox")
}

// DeleteFiles removes files from the file manager and the sandbox.
func (a *Agent) DeleteFiles(ctx context.Context, paths []string) {
	a.files.DeleteFiles(paths)
	sb := a.deployer.Sandbox()
	if sb == nil {
		return
	}
	for _, p := range paths {
		cmd := "rm -rf " + strings.TrimSpace(p)
		if !looksLikeCommand(cmd) {
			continue
		}
		a.Broadcast(schemas.MsgCommandExecuting, map[string]string{"command": cmd})
		if _, err := sb.Exec(ctx, cmd, schemas.ExecOptions{}); err != nil {
			a.logger.Warn("Failed to remove file from sandbox", zap.String("path", p), zap.Error(err))
		}
	}
}
