// internal/githubexport/export.go
package githubexport

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v58/github"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/workspace"
)

// DeployButtonCommitMessage is the synthetic README commit. CheckRemoteStatus
// ignores it on the remote side when comparing histories.
const DeployButtonCommitMessage = "docs: Add Cloudflare deploy button to README"

const deployButtonMarkdown = "[![Deploy to Cloudflare](https://deploy.workers.cloudflare.com/button)](https://deploy.workers.cloudflare.com)"

// Options configure one export run.
type Options struct {
	RepoURL       string
	Token         string
	DefaultBranch string
	AuthorName    string
	AuthorEmail   string
	// TemplateFiles, when present, form the base the commit history is
	// replayed onto.
	TemplateFiles map[string]string
	// AddDeployButton substitutes the [cloudflarebutton] README placeholder
	// and commits the result before export.
	AddDeployButton bool
	// Concurrency bounds parallel blob creation.
	Concurrency int
	// BaseURL overrides the GitHub API endpoint (tests).
	BaseURL string
}

// Progress observes export stages.
type Progress func(stage string, current, total int)

// Result summarizes one export run.
type Result struct {
	Commits      int
	BlobsCreated int
	FinalSHA     string
}

// RemoteStatus compares the remote branch against the local history.
type RemoteStatus struct {
	Compatible      bool
	BehindBy        int
	AheadBy         int
	DivergedCommits []string
}

// Exporter replays a workspace commit history onto a GitHub repository via
// the blobs/trees/commits/refs API.
type Exporter struct {
	client      *github.Client
	owner       string
	repo        string
	concurrency int
	logger      *zap.Logger

	// blobCache maps local content hash (SHA-256 hex) to the remote blob SHA,
	// so unchanged files create exactly one blob per run.
	blobCache *lru.Cache[string, string]
}

// New creates an exporter for the repository named by opts.RepoURL.
func New(opts Options, cacheSize int, logger *zap.Logger) (*Exporter, error) {
	owner, repo, err := parseRepoURL(opts.RepoURL)
	if err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}

	client := github.NewClient(nil)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		client.BaseURL = base
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Exporter{
		client:      client,
		owner:       owner,
		repo:        repo,
		concurrency: concurrency,
		logger:      logger.Named("github_export").With(zap.String("repo", owner+"/"+repo)),
		blobCache:   cache,
	}, nil
}

// BlobCacheLen reports the dedup cache population. Test hook.
func (e *Exporter) BlobCacheLen() int { return e.blobCache.Len() }

func parseRepoURL(raw string) (owner, repo string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid repository URL %q: %w", raw, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("repository URL %q does not name owner/repo", raw)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// buildLocalWorkspace reconstructs a workspace from exported objects.
func buildLocalWorkspace(ctx context.Context, objects []workspace.ExportedObject, logger *zap.Logger) (*workspace.Workspace, error) {
	ws := workspace.New(logger)
	if err := ws.Init(ctx, workspace.DefaultBranch); err != nil {
		return nil, err
	}
	if err := ws.ImportObjects(objects); err != nil {
		return nil, fmt.Errorf("failed to rebuild workspace from objects: %w", err)
	}
	return ws, nil
}

// Export replays every local commit oldest-to-newest onto the remote, then
// force-updates the default branch to the last pushed commit.
func (e *Exporter) Export(ctx context.Context, objects []workspace.ExportedObject, opts Options, progress Progress) (*Result, error) {
	ws, err := buildLocalWorkspace(ctx, objects, e.logger)
	if err != nil {
		return nil, err
	}

	if opts.AddDeployButton {
		if err := addDeployButtonCommit(ctx, ws); err != nil {
			e.logger.Warn("Deploy button substitution skipped", zap.Error(err))
		}
	}

	commits := ws.Log(0)
	// Log returns newest first; replay wants oldest first.
	reverse(commits)
	if len(commits) == 0 {
		return nil, fmt.Errorf("nothing to export: empty history")
	}

	branch := opts.DefaultBranch
	if branch == "" {
		branch = ws.Branch()
	}

	result := &Result{}
	var parentSHA string
	for i, commit := range commits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if progress != nil {
			progress("commit", i+1, len(commits))
		}

		files, err := ws.ReadFilesFromCommit(commit.OID)
		if err != nil {
			return nil, fmt.Errorf("failed to read commit %s: %w", commit.OID, err)
		}
		// Replay onto the template base: commit contents win on collision.
		merged := make(map[string]string, len(opts.TemplateFiles)+len(files))
		for path, contents := range opts.TemplateFiles {
			merged[path] = contents
		}
		for path, contents := range files {
			merged[path] = contents
		}

		created, err := e.createBlobs(ctx, merged)
		if err != nil {
			return nil, err
		}
		result.BlobsCreated += created

		treeSHA, err := e.createTree(ctx, merged)
		if err != nil {
			return nil, err
		}
		commitSHA, err := e.createCommit(ctx, commit, treeSHA, parentSHA, opts)
		if err != nil {
			return nil, err
		}
		parentSHA = commitSHA
		result.Commits++
	}

	if err := e.forceUpdateBranch(ctx, branch, parentSHA); err != nil {
		return nil, err
	}
	result.FinalSHA = parentSHA

	e.logger.Info("Export complete",
		zap.Int("commits", result.Commits),
		zap.Int("blobs_created", result.BlobsCreated),
		zap.String("final_sha", result.FinalSHA))
	return result, nil
}

// addDeployButtonCommit substitutes the README placeholder and commits it.
func addDeployButtonCommit(ctx context.Context, ws *workspace.Workspace) error {
	head, err := ws.Head()
	if err != nil || head == "" {
		return fmt.Errorf("no HEAD to amend")
	}
	files, err := ws.ReadFilesFromCommit(head)
	if err != nil {
		return err
	}
	readme, ok := files["README.md"]
	if !ok || !strings.Contains(readme, "[cloudflarebutton]") {
		return nil
	}
	updated := strings.ReplaceAll(readme, "[cloudflarebutton]", deployButtonMarkdown)
	_, err = ws.Commit(ctx, []workspace.FileInput{{Path: "README.md", Contents: updated}}, DeployButtonCommitMessage)
	return err
}

// createBlobs uploads every cache-missed file content in parallel and returns
// the number of blobs actually created.
func (e *Exporter) createBlobs(ctx context.Context, files map[string]string) (int, error) {
	type job struct {
		contentHash string
		contents    string
	}
	var jobs []job
	seen := map[string]bool{}
	for _, contents := range files {
		hash := contentHash(contents)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		if _, ok := e.blobCache.Get(hash); ok {
			continue
		}
		jobs = append(jobs, job{contentHash: hash, contents: contents})
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var mu sync.Mutex
	created := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			encoded := base64.StdEncoding.EncodeToString([]byte(j.contents))
			blob, _, err := e.client.Git.CreateBlob(gctx, e.owner, e.repo, &github.Blob{
				Content:  github.String(encoded),
				Encoding: github.String("base64"),
			})
			if err != nil {
				return fmt.Errorf("failed to create blob: %w", err)
			}
			e.blobCache.Add(j.contentHash, blob.GetSHA())
			mu.Lock()
			created++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return created, err
	}
	return created, nil
}

// createTree builds one flat tree referencing every file by its cached blob.
func (e *Exporter) createTree(ctx context.Context, files map[string]string) (string, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	entries := make([]*github.TreeEntry, 0, len(paths))
	for _, path := range paths {
		blobSHA, ok := e.blobCache.Get(contentHash(files[path]))
		if !ok {
			return "", fmt.Errorf("blob for %s missing from cache", path)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  github.String(blobSHA),
		})
	}
	tree, _, err := e.client.Git.CreateTree(ctx, e.owner, e.repo, "", entries)
	if err != nil {
		return "", fmt.Errorf("failed to create tree: %w", err)
	}
	return tree.GetSHA(), nil
}

// createCommit mirrors one local commit, preserving its timestamp and author.
func (e *Exporter) createCommit(ctx context.Context, info schemas.CommitInfo, treeSHA, parentSHA string, opts Options) (string, error) {
	name, email := parseAuthor(info.Author)
	if opts.AuthorName != "" {
		name = opts.AuthorName
	}
	if opts.AuthorEmail != "" {
		email = opts.AuthorEmail
	}
	author := &github.CommitAuthor{
		Name:  github.String(name),
		Email: github.String(email),
		Date:  &github.Timestamp{Time: time.UnixMilli(info.Timestamp)},
	}

	commit := &github.Commit{
		Message: github.String(info.Message),
		Tree:    &github.Tree{SHA: github.String(treeSHA)},
		Author:  author,
		Committer: &github.CommitAuthor{
			Name:  author.Name,
			Email: author.Email,
			Date:  author.Date,
		},
	}
	if parentSHA != "" {
		commit.Parents = []*github.Commit{{SHA: github.String(parentSHA)}}
	}

	created, _, err := e.client.Git.CreateCommit(ctx, e.owner, e.repo, commit, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create commit: %w", err)
	}
	return created.GetSHA(), nil
}

// forceUpdateBranch points refs/heads/<branch> at the last pushed commit,
// creating the ref when the branch does not exist yet.
func (e *Exporter) forceUpdateBranch(ctx context.Context, branch, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	if _, _, err := e.client.Git.UpdateRef(ctx, e.owner, e.repo, ref, true); err != nil {
		if _, _, cerr := e.client.Git.CreateRef(ctx, e.owner, e.repo, ref); cerr != nil {
			return fmt.Errorf("failed to update branch %s: %w", branch, err)
		}
	}
	return nil
}

func contentHash(contents string) string {
	sum := sha256.Sum256([]byte(contents))
	return hex.EncodeToString(sum[:])
}

func parseAuthor(author string) (name, email string) {
	if i := strings.Index(author, "<"); i >= 0 {
		name = strings.TrimSpace(author[:i])
		email = strings.Trim(strings.TrimSpace(author[i:]), "<>")
		return name, email
	}
	return author, ""
}

func reverse(commits []schemas.CommitInfo) {
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
}
