// internal/deploy/runtime_errors.go
package deploy

import (
	"context"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

func relativeLogPath(proc *schemas.ProcessInfo) string {
	return "logs/proc-" + proc.ID + ".log"
}

// FetchRuntimeErrors harvests error-looking lines from the app process log.
// When clear is set, already-reported lines are skipped on subsequent calls.
// An undeployed preview yields one synthetic error and triggers a background
// redeploy of the last pushed files.
func (m *Manager) FetchRuntimeErrors(ctx context.Context, clear bool) []schemas.RuntimeError {
	m.mu.Lock()
	proc := m.currentProcessLocked()
	offset := m.logOffset
	lastFiles := m.lastFiles
	m.mu.Unlock()

	if proc == nil {
		m.logger.Warn("Runtime errors requested before preview is deployed; scheduling redeploy")
		go func() {
			bg, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if _, err := m.DeployToSandbox(bg, lastFiles, true, "redeploy: preview unavailable", false, Callbacks{}); err != nil {
				m.logger.Error("Background redeploy failed", zap.Error(err))
			}
		}()
		return []schemas.RuntimeError{{
			Message:   ErrPreviewNotDeployed,
			Timestamp: time.Now(),
			Severity:  schemas.RuntimeSeverityError,
		}}
	}

	lines, err := m.readLogLines(proc.LogPath)
	if err != nil {
		m.logger.Warn("Failed to read process log", zap.Error(err))
		return nil
	}

	var out []schemas.RuntimeError
	for i, line := range lines {
		if i < offset {
			continue
		}
		if re, ok := classifyLogLine(line); ok {
			out = append(out, re)
		}
	}
	if clear {
		m.mu.Lock()
		m.logOffset = len(lines)
		m.mu.Unlock()
	}
	return out
}

// readLogLines drains the process log through a non-following tail.
func (m *Manager) readLogLines(path string) ([]string, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    false,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, err
	}
	defer t.Cleanup()

	var lines []string
	for line := range t.Lines {
		if line.Err != nil {
			break
		}
		lines = append(lines, line.Text)
	}
	return lines, nil
}

// classifyLogLine decides whether a log line is an error worth surfacing and
// grades it.
func classifyLogLine(line string) (schemas.RuntimeError, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return schemas.RuntimeError{}, false
	}
	lower := strings.ToLower(trimmed)

	var severity schemas.RuntimeErrorSeverity
	switch {
	case strings.Contains(lower, "panic") || strings.Contains(lower, "fatal"):
		severity = schemas.RuntimeSeverityFatal
	case strings.Contains(lower, "error") || strings.Contains(lower, "err!") ||
		strings.Contains(lower, "uncaught") || strings.Contains(lower, "unhandled"):
		severity = schemas.RuntimeSeverityError
	case strings.Contains(lower, "warn"):
		severity = schemas.RuntimeSeverityWarning
	default:
		return schemas.RuntimeError{}, false
	}

	return schemas.RuntimeError{
		Message:   trimmed,
		Timestamp: time.Now(),
		Severity:  severity,
		RawOutput: line,
	}, true
}
