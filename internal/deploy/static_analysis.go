// internal/deploy/static_analysis.go
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

// tscLineRegex matches "src/App.tsx(12,5): error TS2307: Cannot find module".
var tscLineRegex = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): (error|warning) (TS\d+): (.+)$`)

// eslintResult mirrors eslint's --format json output.
type eslintResult struct {
	FilePath string `json:"filePath"`
	Messages []struct {
		RuleID   string `json:"ruleId"`
		Severity int    `json:"severity"`
		Message  string `json:"message"`
		Line     int    `json:"line"`
		Column   int    `json:"column"`
	} `json:"messages"`
}

// RunStaticAnalysis runs the template's lint and typecheck commands inside
// the sandbox and parses their output. Tool failures degrade to empty issue
// lists: analysis is advisory, never fatal.
func (m *Manager) RunStaticAnalysis(ctx context.Context, files []string) *schemas.StaticAnalysis {
	result := &schemas.StaticAnalysis{
		Lint:      schemas.AnalysisReport{Issues: []schemas.LintIssue{}},
		Typecheck: schemas.AnalysisReport{Issues: []schemas.LintIssue{}},
	}

	m.mu.Lock()
	sb := m.sb
	m.mu.Unlock()
	if sb == nil {
		return result
	}

	if m.template.LintCommand != "" {
		cmd := m.template.LintCommand
		if len(files) > 0 {
			cmd = cmd + " " + strings.Join(files, " ")
		}
		res, err := sb.Exec(ctx, cmd, schemas.ExecOptions{})
		if err != nil {
			m.logger.Warn("Lint run failed", zap.Error(err))
		} else {
			result.Lint.Issues = parseESLintJSON(res.Stdout)
			result.Lint.Summary = fmt.Sprintf("%d lint issue(s)", len(result.Lint.Issues))
		}
	}

	if m.template.TypecheckCommand != "" {
		res, err := sb.Exec(ctx, m.template.TypecheckCommand, schemas.ExecOptions{})
		if err != nil {
			m.logger.Warn("Typecheck run failed", zap.Error(err))
		} else {
			result.Typecheck.Issues = parseTscOutput(res.Stdout + "\n" + res.Stderr)
			result.Typecheck.Summary = fmt.Sprintf("%d typecheck issue(s)", len(result.Typecheck.Issues))
		}
	}

	m.logger.Debug("Static analysis complete",
		zap.Int("lint_issues", len(result.Lint.Issues)),
		zap.Int("typecheck_issues", len(result.Typecheck.Issues)))
	return result
}

func parseESLintJSON(out string) []schemas.LintIssue {
	out = strings.TrimSpace(out)
	if out == "" || !strings.HasPrefix(out, "[") {
		return []schemas.LintIssue{}
	}
	var results []eslintResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		return []schemas.LintIssue{}
	}
	issues := []schemas.LintIssue{}
	for _, r := range results {
		for _, msg := range r.Messages {
			severity := "warning"
			if msg.Severity >= 2 {
				severity = "error"
			}
			issues = append(issues, schemas.LintIssue{
				File:     r.FilePath,
				Line:     msg.Line,
				Column:   msg.Column,
				Code:     msg.RuleID,
				Message:  msg.Message,
				Severity: severity,
			})
		}
	}
	return issues
}

func parseTscOutput(out string) []schemas.LintIssue {
	issues := []schemas.LintIssue{}
	for _, line := range strings.Split(out, "\n") {
		matches := tscLineRegex.FindStringSubmatch(strings.TrimSpace(line))
		if matches == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(matches[2])
		colNo, _ := strconv.Atoi(matches[3])
		issues = append(issues, schemas.LintIssue{
			File:     matches[1],
			Line:     lineNo,
			Column:   colNo,
			Code:     matches[5],
			Message:  matches[6],
			Severity: matches[4],
		})
	}
	return issues
}
