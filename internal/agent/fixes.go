// internal/agent/fixes.go
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

// ts2307Regex pulls the missing module name out of a TS2307 message:
// "Cannot find module 'lodash' or its corresponding type declarations."
var ts2307Regex = regexp.MustCompile(`Cannot find module '([^']+)'`)

// RunDeterministicFixes applies the non-LLM self-repair pass: install missing
// external modules reported by the typechecker and strip dead imports. When
// files change, they are saved and the sandbox redeployed.
func (a *Agent) RunDeterministicFixes(ctx context.Context) {
	a.Broadcast(schemas.MsgDeterministicCodeFixStarted, nil)
	defer a.Broadcast(schemas.MsgDeterministicCodeFixCompleted, nil)

	analysis := a.deployer.RunStaticAnalysis(ctx, nil)
	a.Broadcast(schemas.MsgStaticAnalysisResults, analysis)
	issues := analysis.Typecheck.Issues
	if len(issues) == 0 {
		return
	}

	// Missing external modules: TS2307, excluding internal aliases.
	var installs []string
	seen := map[string]bool{}
	for _, issue := range issues {
		if issue.Code != "TS2307" {
			continue
		}
		m := ts2307Regex.FindStringSubmatch(issue.Message)
		if m == nil {
			continue
		}
		module := m[1]
		if strings.HasPrefix(module, "@shared") || strings.HasPrefix(module, ".") || seen[module] {
			continue
		}
		seen[module] = true
		installs = append(installs, "bun install "+module)
	}
	if len(installs) > 0 {
		a.logger.Info("Installing missing modules", zap.Strings("commands", installs))
		a.ExecuteCommands(ctx, installs, true)
	}

	// Pure fixer over the remaining issues.
	fixed := applyDeterministicFixes(a.files.GetRelevantFiles(), issues)
	if len(fixed) == 0 {
		return
	}
	saved, err := a.files.SaveFiles(ctx, fixed, "fix: apply deterministic code fixes")
	if err != nil {
		a.logger.Error("Failed to save deterministic fixes", zap.Error(err))
		return
	}
	for _, f := range saved {
		a.Broadcast(schemas.MsgFileGenerated, f)
	}
	if _, err := a.deployer.DeployToSandbox(ctx, saved, true, "deterministic fixes", false, a.deployCallbacks()); err != nil {
		a.logger.Error("Redeploy after deterministic fixes failed", zap.Error(err))
	}
}

// applyDeterministicFixes is the pure fixer: given files and typecheck
// issues, it returns modified copies. Currently it removes import lines the
// typechecker proves dead (TS6133/TS6192).
func applyDeterministicFixes(files []schemas.FileState, issues []schemas.LintIssue) []schemas.FileState {
	deadImports := make(map[string]map[int]bool) // file -> 1-based lines to drop
	for _, issue := range issues {
		if issue.Code != "TS6133" && issue.Code != "TS6192" {
			continue
		}
		if deadImports[issue.File] == nil {
			deadImports[issue.File] = make(map[int]bool)
		}
		deadImports[issue.File][issue.Line] = true
	}
	if len(deadImports) == 0 {
		return nil
	}

	var out []schemas.FileState
	for _, f := range files {
		lines, ok := deadImports[f.FilePath]
		if !ok {
			continue
		}
		split := strings.Split(f.FileContents, "\n")
		kept := make([]string, 0, len(split))
		changed := false
		for i, line := range split {
			if lines[i+1] && strings.HasPrefix(strings.TrimSpace(line), "import ") {
				changed = true
				continue
			}
			kept = append(kept, line)
		}
		if !changed {
			continue
		}
		f.FileContents = strings.Join(kept, "\n")
		out = append(out, f)
	}
	return out
}

// RunFastSmartFixes asks the fast-tier fixer for targeted corrections over
// all relevant files and current issues.
func (a *Agent) RunFastSmartFixes(ctx context.Context) {
	op := a.OpContext(nil)
	op.RuntimeErrors = a.deployer.FetchRuntimeErrors(ctx, false)
	op.StaticAnalysis = a.deployer.RunStaticAnalysis(ctx, nil)
	if len(op.RuntimeErrors) == 0 &&
		len(op.StaticAnalysis.Lint.Issues) == 0 &&
		len(op.StaticAnalysis.Typecheck.Issues) == 0 {
		return
	}

	files, err := a.ops.FastCodeFixer(ctx, op)
	if err != nil {
		a.logger.Warn("Fast fixer failed", zap.Error(err))
		return
	}
	if len(files) == 0 {
		return
	}
	saved, err := a.files.SaveFiles(ctx, files, "fix: fast smart code fixes")
	if err != nil {
		a.logger.Error("Failed to save fast fixes", zap.Error(err))
		return
	}
	for _, f := range saved {
		a.Broadcast(schemas.MsgFileGenerated, f)
	}
	if _, err := a.deployer.DeployToSandbox(ctx, saved, true, "fast smart fixes", false, a.deployCallbacks()); err != nil {
		a.logger.Error("Redeploy after fast fixes failed", zap.Error(err))
	}
}

// RegenerateFile rewrites one file against reported issues. retryIndex is
// supplied by the caller, which owns the attempt budget (up to three).
func (a *Agent) RegenerateFile(ctx context.Context, filePath string, issues []string, retryIndex int) (*schemas.FileState, error) {
	existing := a.files.GetFile(filePath)
	if existing == nil {
		return nil, fmt.Errorf("unknown file %q", filePath)
	}
	a.Broadcast(schemas.MsgFileRegenerating, map[string]string{"filePath": filePath})

	regenerated, err := a.ops.RegenerateFile(ctx, a.OpContext(nil), *existing, issues, retryIndex)
	if err != nil {
		return nil, err
	}
	saved, err := a.files.SaveFile(ctx, regenerated.FilePath, regenerated.FileContents, regenerated.FilePurpose,
		fmt.Sprintf("fix: regenerate %s", regenerated.FilePath))
	if err != nil {
		return nil, err
	}
	a.Broadcast(schemas.MsgFileRegenerated, saved)
	return saved, nil
}
