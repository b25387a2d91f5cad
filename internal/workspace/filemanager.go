// internal/workspace/filemanager.go
package workspace

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

// codeExtensions marks paths the file manager treats as source files for the
// "relevant files" filter.
var codeExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".mjs": true,
	".css": true, ".html": true, ".json": true, ".md": true, ".go": true,
	".py": true, ".sql": true, ".yaml": true, ".yml": true, ".toml": true,
}

// FileManager is a typed overlay on the workspace keyed by logical path. It
// tracks per-file purpose and the unified diff of the last write, and writes
// through to the underlying commit log.
type FileManager struct {
	mu        sync.RWMutex
	ws        *Workspace
	files     map[string]*schemas.FileState
	redacted  map[string]bool
	dontTouch map[string]bool
	logger    *zap.Logger
}

// NewFileManager creates a manager over the given workspace.
func NewFileManager(ws *Workspace, logger *zap.Logger) *FileManager {
	return &FileManager{
		ws:        ws,
		files:     make(map[string]*schemas.FileState),
		redacted:  make(map[string]bool),
		dontTouch: make(map[string]bool),
		logger:    logger.Named("file_manager"),
	}
}

// SetProtectedPaths records the template's do-not-touch and redacted lists.
func (m *FileManager) SetProtectedPaths(dontTouch, redacted []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range dontTouch {
		m.dontTouch[normalizePath(p)] = true
	}
	for _, p := range redacted {
		m.redacted[normalizePath(p)] = true
	}
}

// GetFile returns the state for one logical path, or nil when unknown.
func (m *FileManager) GetFile(filePath string) *schemas.FileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fs, ok := m.files[normalizePath(filePath)]; ok {
		cp := *fs
		return &cp
	}
	return nil
}

// GetAllFiles returns every tracked file, sorted by path.
func (m *FileManager) GetAllFiles() []schemas.FileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.FileState, 0, len(m.files))
	for _, fs := range m.files {
		out = append(out, *fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// GetRelevantFiles filters the generated files down to code sources, minus
// anything redacted or protected.
func (m *FileManager) GetRelevantFiles() []schemas.FileState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schemas.FileState
	for p, fs := range m.files {
		if m.redacted[p] || m.dontTouch[p] {
			continue
		}
		if !codeExtensions[strings.ToLower(path.Ext(p))] {
			continue
		}
		out = append(out, *fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// ListPaths returns the sorted list of generated file paths.
func (m *FileManager) ListPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// unifiedDiff renders the change from old to new contents, full-add style
// when the file is new.
func unifiedDiff(filePath, oldContents, newContents string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContents),
		B:        difflib.SplitLines(newContents),
		FromFile: "a/" + filePath,
		ToFile:   "b/" + filePath,
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return text
}

// SaveFile writes one file through to the workspace with its own commit and
// updates the file map entry, computing the unified diff of new vs previous
// contents. Downstream generation callers hand LastDiff back to the model.
func (m *FileManager) SaveFile(ctx context.Context, filePath, contents, purpose, commitMessage string) (*schemas.FileState, error) {
	norm := normalizePath(filePath)
	if commitMessage == "" {
		commitMessage = fmt.Sprintf("feat: update %s", norm)
	}

	m.mu.Lock()
	prev := ""
	if existing, ok := m.files[norm]; ok {
		prev = existing.FileContents
		if purpose == "" {
			purpose = existing.FilePurpose
		}
	}
	state := &schemas.FileState{
		FilePath:     norm,
		FileContents: contents,
		FilePurpose:  purpose,
		LastDiff:     unifiedDiff(norm, prev, contents),
	}
	m.files[norm] = state
	m.mu.Unlock()

	if _, err := m.ws.Commit(ctx, []FileInput{{Path: norm, Contents: contents}}, commitMessage); err != nil {
		return nil, fmt.Errorf("failed to persist %s: %w", norm, err)
	}
	cp := *state
	return &cp, nil
}

// SaveFiles writes many files in a single commit with an aggregated message.
func (m *FileManager) SaveFiles(ctx context.Context, files []schemas.FileState, commitMessage string) ([]schemas.FileState, error) {
	if len(files) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	inputs := make([]FileInput, 0, len(files))
	saved := make([]schemas.FileState, 0, len(files))
	for _, f := range files {
		norm := normalizePath(f.FilePath)
		prev := ""
		if existing, ok := m.files[norm]; ok {
			prev = existing.FileContents
			if f.FilePurpose == "" {
				f.FilePurpose = existing.FilePurpose
			}
		}
		state := &schemas.FileState{
			FilePath:     norm,
			FileContents: f.FileContents,
			FilePurpose:  f.FilePurpose,
			LastDiff:     unifiedDiff(norm, prev, f.FileContents),
		}
		m.files[norm] = state
		inputs = append(inputs, FileInput{Path: norm, Contents: f.FileContents})
		saved = append(saved, *state)
	}
	m.mu.Unlock()

	if _, err := m.ws.Commit(ctx, inputs, commitMessage); err != nil {
		return nil, fmt.Errorf("failed to persist %d files: %w", len(inputs), err)
	}
	m.logger.Debug("Saved files", zap.Int("count", len(saved)), zap.String("message", firstLine(commitMessage)))
	return saved, nil
}

// DeleteFiles removes entries from the file map. It does not commit: the
// caller pairs it with the corresponding sandbox removal.
func (m *FileManager) DeleteFiles(paths []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.files, normalizePath(p))
	}
}
