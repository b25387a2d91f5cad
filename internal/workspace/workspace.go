// internal/workspace/workspace.go
package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

const (
	// DefaultBranch is used when Init is called without an explicit branch.
	DefaultBranch = "main"

	// headTimeout bounds Head(); a wedged storer must not stall the agent.
	headTimeout = 5 * time.Second

	authorName  = "Vibesdk"
	authorEmail = "vibesdk-bot@vibesdk.dev"
)

// FileInput is one logical file handed to Stage or Commit.
type FileInput struct {
	Path     string
	Contents string
}

// CommitDetails is the result of Show: one commit and its reachable files.
type CommitDetails struct {
	OID       string   `json:"oid"`
	Message   string   `json:"message"`
	FileCount int      `json:"fileCount"`
	Files     []string `json:"files"`
}

// ObjectStore persists encoded git objects and refs between process restarts.
// The workspace owns its table exclusively; no cross-agent sharing.
type ObjectStore interface {
	PutObject(ctx context.Context, oid string, data []byte) error
	HasObject(ctx context.Context, oid string) (bool, error)
	ListObjects(ctx context.Context) (map[string][]byte, error)
	SetRef(ctx context.Context, name, target string) error
	ListRefs(ctx context.Context) (map[string]string, error)
}

// Workspace is a content-addressed, version-controlled file store: a real git
// object database held in memory, staged through an in-memory worktree, and
// mirrored into an agent-local ObjectStore after every commit.
type Workspace struct {
	mu     sync.Mutex
	repo   *git.Repository
	fs     billy.Filesystem
	store  ObjectStore
	logger *zap.Logger
	branch string

	// onFilesChanged fires after Reset rewrites the working tree.
	onFilesChanged func(paths []string)
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithObjectStore attaches durable object persistence.
func WithObjectStore(s ObjectStore) Option {
	return func(w *Workspace) { w.store = s }
}

// WithFilesChangedCallback registers the reset notification hook.
func WithFilesChangedCallback(fn func(paths []string)) Option {
	return func(w *Workspace) { w.onFilesChanged = fn }
}

// New creates an empty workspace. Call Init (idempotent) before first use; if
// the object store already holds a history, Init replays it.
func New(logger *zap.Logger, opts ...Option) *Workspace {
	w := &Workspace{
		logger: logger.Named("workspace"),
		branch: DefaultBranch,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Init creates the object database and points HEAD at the default branch.
// Idempotent: calling it on an initialized workspace is a no-op.
func (w *Workspace) Init(ctx context.Context, defaultBranch string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.repo != nil {
		return nil
	}
	start := time.Now()
	if defaultBranch == "" {
		defaultBranch = DefaultBranch
	}
	w.branch = defaultBranch

	w.fs = memfs.New()
	repo, err := git.Init(memory.NewStorage(), w.fs)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(defaultBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return fmt.Errorf("failed to set HEAD: %w", err)
	}
	w.repo = repo

	if w.store != nil {
		if err := w.loadFromStore(ctx); err != nil {
			return fmt.Errorf("failed to restore workspace from store: %w", err)
		}
	}

	w.logger.Info("Workspace initialized",
		zap.String("branch", defaultBranch),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// normalizePath strips the leading slash and rejects nothing else: the
// workspace is a logical namespace, not the host filesystem.
func normalizePath(p string) string {
	return strings.TrimPrefix(strings.TrimSpace(p), "/")
}

// Stage normalizes paths, writes blobs into the worktree and updates the index.
func (w *Workspace) Stage(files []FileInput) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stageLocked(files)
}

func (w *Workspace) stageLocked(files []FileInput) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	for _, f := range files {
		path := normalizePath(f.Path)
		if path == "" {
			continue
		}
		if err := util.WriteFile(w.fs, path, []byte(f.Contents), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("failed to stage %s: %w", path, err)
		}
	}
	return nil
}

// Commit stages the files and creates a commit if the staged state differs
// from HEAD. Returns the new commit oid, or "" when there was nothing to
// commit (a no-op, not a failure).
func (w *Workspace) Commit(ctx context.Context, files []FileInput, message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.stageLocked(files); err != nil {
		return "", err
	}

	wt, err := w.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("failed to compute status matrix: %w", err)
	}
	// The status matrix: a commit proceeds only if some tracked path differs
	// between HEAD and the stage.
	changed := false
	for _, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			changed = true
			break
		}
	}
	if !changed {
		w.logger.Debug("Commit skipped: staged state matches HEAD")
		return "", nil
	}

	// Whole-second timestamps keep export replay deterministic.
	when := time.Unix(time.Now().Unix(), 0)
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: authorName, Email: authorEmail, When: when},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}

	if w.store != nil {
		if err := w.persistToStore(ctx); err != nil {
			return "", fmt.Errorf("commit %s created but not persisted: %w", hash, err)
		}
	}

	w.logger.Info("Committed", zap.String("oid", hash.String()), zap.String("message", firstLine(message)))
	return hash.String(), nil
}

// Log walks commits from HEAD parent-first, newest first. Returns an empty
// slice on any failure: callers render history opportunistically.
func (w *Workspace) Log(limit int) []schemas.CommitInfo {
	w.mu.Lock()
	defer w.mu.Unlock()

	head, err := w.repo.Head()
	if err != nil {
		return []schemas.CommitInfo{}
	}
	iter, err := w.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		w.logger.Warn("Log walk failed", zap.Error(err))
		return []schemas.CommitInfo{}
	}
	defer iter.Close()

	var out []schemas.CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(out) >= limit {
			return storer.ErrStop
		}
		out = append(out, schemas.CommitInfo{
			OID:       c.Hash.String(),
			Message:   c.Message,
			Author:    fmt.Sprintf("%s <%s>", c.Author.Name, c.Author.Email),
			Timestamp: c.Author.When.UnixMilli(),
		})
		return nil
	})
	if err != nil && err != storer.ErrStop {
		w.logger.Warn("Log walk aborted", zap.Error(err))
		return []schemas.CommitInfo{}
	}
	return out
}

// Show reads one commit and lists every file reachable from its tree.
func (w *Workspace) Show(oid string) (*CommitDetails, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	commit, err := w.repo.CommitObject(plumbing.NewHash(oid))
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", oid, err)
	}
	files, err := commit.Files()
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree of %s: %w", oid, err)
	}
	defer files.Close()

	details := &CommitDetails{OID: oid, Message: commit.Message}
	err = files.ForEach(func(f *object.File) error {
		details.Files = append(details.Files, f.Name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(details.Files)
	details.FileCount = len(details.Files)
	return details, nil
}

// Reset resolves ref to a commit, rewrites HEAD and (when hard) checks out the
// working tree. Returns the number of files in the target commit.
func (w *Workspace) Reset(ref string, hard bool) (int, error) {
	w.mu.Lock()

	hash, err := w.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("failed to resolve %q: %w", ref, err)
	}
	wt, err := w.repo.Worktree()
	if err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("failed to open worktree: %w", err)
	}
	mode := git.SoftReset
	if hard {
		mode = git.HardReset
	}
	if err := wt.Reset(&git.ResetOptions{Commit: *hash, Mode: mode}); err != nil {
		w.mu.Unlock()
		return 0, fmt.Errorf("failed to reset to %s: %w", hash, err)
	}

	var paths []string
	if commit, err := w.repo.CommitObject(*hash); err == nil {
		if files, err := commit.Files(); err == nil {
			_ = files.ForEach(func(f *object.File) error {
				paths = append(paths, f.Name)
				return nil
			})
		}
	}
	cb := w.onFilesChanged
	w.mu.Unlock()

	if cb != nil {
		cb(paths)
	}
	w.logger.Info("Workspace reset", zap.String("ref", ref), zap.Int("files_reset", len(paths)))
	return len(paths), nil
}

// Head returns the HEAD commit oid, or "" for an unborn branch. The lookup is
// wrapped in a watchdog: a timeout surfaces as an error the caller treats as
// no-HEAD.
func (w *Workspace) Head() (string, error) {
	type result struct {
		oid string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		ref, err := w.repo.Head()
		if err != nil {
			if err == plumbing.ErrReferenceNotFound {
				ch <- result{"", nil}
				return
			}
			ch <- result{"", err}
			return
		}
		ch <- result{ref.Hash().String(), nil}
	}()

	select {
	case r := <-ch:
		return r.oid, r.err
	case <-time.After(headTimeout):
		return "", fmt.Errorf("getHead timed out after %s", headTimeout)
	}
}

// ReadFilesFromCommit returns path -> UTF-8 contents for every blob reachable
// from the commit's tree. Blobs containing a NUL byte are treated as binary
// and skipped.
func (w *Workspace) ReadFilesFromCommit(oid string) (map[string]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	commit, err := w.repo.CommitObject(plumbing.NewHash(oid))
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", oid, err)
	}
	files, err := commit.Files()
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree of %s: %w", oid, err)
	}
	defer files.Close()

	out := make(map[string]string)
	err = files.ForEach(func(f *object.File) error {
		contents, err := f.Contents()
		if err != nil {
			return err
		}
		if strings.ContainsRune(contents, '\x00') {
			return nil // binary-file heuristic
		}
		out[f.Name] = contents
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Branch returns the default branch name.
func (w *Workspace) Branch() string { return w.branch }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
