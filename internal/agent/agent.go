// internal/agent/agent.go
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/conversation"
	"github.com/vibesdk/vibesdk/internal/deploy"
	"github.com/vibesdk/vibesdk/internal/operations"
	"github.com/vibesdk/vibesdk/internal/store"
	"github.com/vibesdk/vibesdk/internal/templates"
	"github.com/vibesdk/vibesdk/internal/workspace"
	"github.com/vibesdk/vibesdk/internal/ws"
)

var projectNameRegex = regexp.MustCompile(`^[a-z0-9-_]{3,50}$`)

// blueprintPatchAllowList bounds which blueprint fields UpdateBlueprint may
// touch. projectName is excluded on purpose: it cascades through
// UpdateProjectName.
var blueprintPatchAllowList = map[string]bool{
	"title": true, "description": true, "detailedDescription": true,
	"colorPalette": true, "views": true, "userFlow": true, "dataFlow": true,
	"architecture": true, "pitfalls": true, "frameworks": true,
	"implementationRoadmap": true,
}

// Agent is the per-project coordinator: it owns durable state, the build
// state machine, the workspace, the sandbox session and the websocket
// channel. One build task and one deep-debug task run at most concurrently.
type Agent struct {
	id     string
	cfg    *config.Config
	logger *zap.Logger

	mu    sync.Mutex
	state *State

	workspace *workspace.Workspace
	files     *workspace.FileManager
	store     *store.SQLiteStore
	convo     *conversation.Log
	hub       *ws.Hub
	ops       operations.Interface
	deployer  *deploy.Manager
	catalog   *templates.Catalog
	template  *templates.Template
	apps      schemas.AppService
	behavior  Behavior

	// Ephemeral, never persisted.
	pendingImages []schemas.UserImage
	githubToken   string

	buildMu  sync.Mutex
	building bool

	abortMu  sync.Mutex
	abortCtx context.Context
	abort    context.CancelFunc

	debugMu      sync.Mutex
	debugRunning bool
}

// Deps bundles the collaborators an agent is constructed with.
type Deps struct {
	Config  *config.Config
	Store   *store.SQLiteStore
	Ops     operations.Interface
	Catalog *templates.Catalog
	Apps    schemas.AppService
	Logger  *zap.Logger
}

// InitArgs describe the first request that creates an agent.
type InitArgs struct {
	Query        string
	UserID       string
	HostName     string
	BehaviorType schemas.BehaviorType
	TemplateName string
	OnBlueprintChunk schemas.ChunkFunc
}

// New constructs an agent shell, restoring durable state when present. Call
// Initialize for brand-new agents before starting a build.
func New(ctx context.Context, agentID string, deps Deps) (*Agent, error) {
	logger := deps.Logger.Named("agent").With(zap.String("agent_id", agentID))

	st, err := loadState(ctx, deps.Store, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	restored := st != nil
	if st == nil {
		st = newState(agentID, agentID, schemas.BehaviorPhasic)
	}

	a := &Agent{
		id:      agentID,
		cfg:     deps.Config,
		logger:  logger,
		state:   st,
		store:   deps.Store,
		convo:   conversation.NewLog(deps.Store, logger),
		hub:     ws.NewHub(logger),
		ops:     deps.Ops,
		catalog: deps.Catalog,
		apps:    deps.Apps,
	}
	a.workspace = workspace.New(logger, workspace.WithObjectStore(deps.Store))
	a.files = workspace.NewFileManager(a.workspace, logger)
	a.behavior = newBehavior(st.BehaviorType, a)
	a.hub.SetIncomingHandler(a.handleClientFrame)
	a.hub.SetSnapshotFunc(a.connectionSnapshot)

	if err := a.workspace.Init(ctx, workspace.DefaultBranch); err != nil {
		return nil, err
	}

	if restored {
		if err := a.restoreDerivedState(ctx); err != nil {
			return nil, err
		}
		logger.Info("Agent state restored",
			zap.String("dev_state", string(st.DevState)),
			zap.Int("phases", len(st.GeneratedPhases)))
	}
	return a, nil
}

// restoreDerivedState rebuilds the file manager and sandbox session after a
// process restart, from the workspace HEAD.
func (a *Agent) restoreDerivedState(ctx context.Context) error {
	a.template, _ = a.catalog.Resolve(a.state.TemplateName)
	a.deployer = deploy.NewManager(a.cfg.Sandbox, a.template, a.state.ProjectName, a.logger)

	head, err := a.workspace.Head()
	if err != nil || head == "" {
		return nil
	}
	contents, err := a.workspace.ReadFilesFromCommit(head)
	if err != nil {
		return fmt.Errorf("failed to read HEAD files: %w", err)
	}
	files := make([]schemas.FileState, 0, len(contents))
	for path, body := range contents {
		files = append(files, schemas.FileState{FilePath: path, FileContents: body})
	}
	// Rehydrate the map without committing: contents already match HEAD.
	if _, err := a.files.SaveFiles(ctx, files, "chore: restore file map"); err != nil {
		return err
	}
	a.files.SetProtectedPaths(a.template.DontTouchFiles, a.template.RedactedFiles)
	return nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.id }

// Hub exposes the websocket channel for the HTTP layer's upgrade handler.
func (a *Agent) Hub() *ws.Hub { return a.hub }

// StateSnapshot returns a copy of durable state.
func (a *Agent) StateSnapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *a.state
	cp.GeneratedPhases = append([]schemas.GeneratedPhase(nil), a.state.GeneratedPhases...)
	cp.CommandsHistory = append([]string(nil), a.state.CommandsHistory...)
	cp.PendingUserInputs = append([]string(nil), a.state.PendingUserInputs...)
	cp.ProjectUpdates = append([]string(nil), a.state.ProjectUpdates...)
	return cp
}

// MutateState applies fn under the state lock.
func (a *Agent) MutateState(fn func(*State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.state)
}

// SaveState persists durable state; failures are logged, not fatal.
func (a *Agent) SaveState(ctx context.Context) {
	a.mu.Lock()
	// Flush accumulated project updates into the persisted state first.
	a.state.ProjectUpdates = append(a.state.ProjectUpdates, a.hub.DrainAccumulator()...)
	cp := *a.state
	a.mu.Unlock()
	if err := saveState(ctx, a.store, &cp); err != nil {
		a.logger.Error("Failed to persist agent state", zap.Error(err))
	}
}

// Broadcast emits one typed frame to every attached websocket client.
func (a *Agent) Broadcast(msgType schemas.MessageType, data any) {
	a.hub.Broadcast(msgType, data)
}

// Operations returns the operation registry.
func (a *Agent) Operations() operations.Interface { return a.ops }

// Files returns the file manager.
func (a *Agent) Files() *workspace.FileManager { return a.files }

// Workspace returns the versioned workspace.
func (a *Agent) Workspace() *workspace.Workspace { return a.workspace }

// Deployer returns the deployment manager.
func (a *Agent) Deployer() *deploy.Manager { return a.deployer }

// Logger returns the agent logger.
func (a *Agent) Logger() *zap.Logger { return a.logger }

// OpContext assembles the read-only operation context from current state.
func (a *Agent) OpContext(uc *schemas.UserContext) operations.OpContext {
	st := a.StateSnapshot()
	op := operations.OpContext{
		AgentID:         st.AgentID,
		SessionID:       st.SessionID,
		UserID:          st.UserID,
		Query:           st.Query,
		Blueprint:       st.Blueprint,
		TemplateName:    st.TemplateName,
		Phases:          st.GeneratedPhases,
		AllFiles:        a.files.GetRelevantFiles(),
		CommandsHistory: st.CommandsHistory,
		UserContext:     uc,
	}
	if a.template != nil {
		op.Frameworks = a.template.Frameworks
	}
	return op
}

// -- inference context / cancellation --

// inferenceContext acquires-or-reuses the agent-wide abort handle. Nested
// inference calls share it, so a single cancel aborts an entire phase.
func (a *Agent) inferenceContext() context.Context {
	a.abortMu.Lock()
	defer a.abortMu.Unlock()
	if a.abortCtx == nil {
		a.abortCtx, a.abort = context.WithCancel(context.Background())
	}
	return a.abortCtx
}

// CancelCurrentInference aborts the in-flight LLM chain, if any.
func (a *Agent) CancelCurrentInference() {
	a.abortMu.Lock()
	abort := a.abort
	a.abortMu.Unlock()
	if abort != nil {
		a.logger.Info("Cancelling current inference")
		abort()
	}
}

// clearAbort releases the abort handle after a build completes.
func (a *Agent) clearAbort() {
	a.abortMu.Lock()
	defer a.abortMu.Unlock()
	if a.abort != nil {
		a.abort()
	}
	a.abort = nil
	a.abortCtx = nil
}

// -- initialization --

// Initialize resolves the template, generates the blueprint, customizes and
// commits the starter files, records the app, and kicks off the async
// deploy/setup/readme trio.
func (a *Agent) Initialize(ctx context.Context, args InitArgs) error {
	tpl, err := a.catalog.Resolve(args.TemplateName)
	if err != nil {
		return fmt.Errorf("failed to resolve template: %w", err)
	}
	a.template = tpl
	a.files.SetProtectedPaths(tpl.DontTouchFiles, tpl.RedactedFiles)

	a.MutateState(func(s *State) {
		s.Query = args.Query
		s.UserID = args.UserID
		s.HostName = args.HostName
		if args.BehaviorType != "" {
			s.BehaviorType = args.BehaviorType
		}
		s.TemplateName = tpl.Name
	})
	a.behavior = newBehavior(a.StateSnapshot().BehaviorType, a)

	op := a.OpContext(nil)
	blueprint, err := a.ops.GenerateBlueprint(a.inferenceContext(), op, args.OnBlueprintChunk)
	if err != nil {
		return fmt.Errorf("blueprint generation failed: %w", err)
	}

	projectName := deriveProjectName(blueprint)
	blueprint.ProjectName = projectName
	a.MutateState(func(s *State) {
		s.Blueprint = blueprint
		s.ProjectName = projectName
	})
	a.deployer = deploy.NewManager(a.cfg.Sandbox, tpl, projectName, a.logger)

	// Commit the pristine template, then the customized configuration files.
	baseFiles := make([]schemas.FileState, 0, len(tpl.Files))
	for path, contents := range tpl.Files {
		baseFiles = append(baseFiles, schemas.FileState{FilePath: path, FileContents: contents, FilePurpose: "starter template file"})
	}
	if _, err := a.files.SaveFiles(ctx, baseFiles, fmt.Sprintf("Initial template: %s", tpl.Name)); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	customized := customizeTemplateFiles(tpl.Files, projectName)
	if len(customized) > 0 {
		if _, err := a.files.SaveFiles(ctx, customized, "chore: Initialize project configuration files"); err != nil {
			return fmt.Errorf("failed to commit customized configuration: %w", err)
		}
	}

	if a.apps != nil {
		if err := a.apps.CreateApp(ctx, args.UserID, a.id, blueprint.Title, tpl.Name); err != nil {
			a.logger.Error("Failed to record app", zap.Error(err))
		}
	}
	a.SaveState(ctx)

	go a.initializeAsync()
	return nil
}

// initializeAsync runs deployment, setup-command prediction and README
// generation in parallel, then executes the predicted commands against the
// fresh instance.
func (a *Agent) initializeAsync() {
	ctx := a.inferenceContext()
	var setupCommands []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := a.deployer.DeployToSandbox(gctx, a.files.GetAllFiles(), false, "initial deploy", false, a.deployCallbacks())
		return err
	})
	g.Go(func() error {
		cmds, err := a.ops.GenerateSetupCommands(gctx, a.OpContext(nil))
		if err != nil {
			a.logger.Warn("Setup command prediction failed", zap.Error(err))
			return nil // advisory
		}
		setupCommands = cmds
		return nil
	})
	g.Go(func() error {
		readme, err := a.ops.GenerateReadme(gctx, a.OpContext(nil))
		if err != nil {
			a.logger.Warn("README generation failed", zap.Error(err))
			return nil // advisory
		}
		_, err = a.files.SaveFile(gctx, "README.md", readme, "project documentation", "docs: Add generated README")
		return err
	})
	if err := g.Wait(); err != nil {
		a.logger.Error("Async initialization failed", zap.Error(err))
		a.Broadcast(schemas.MsgError, map[string]string{"error": err.Error()})
		return
	}

	if len(setupCommands) > 0 {
		a.ExecuteCommands(ctx, setupCommands, true)
	}
	a.SaveState(ctx)
}

// -- build loop entry --

// GenerateAllFiles starts the behavior's build loop. It is a no-op when a
// build is already running, or when the MVP exists and no user input is
// pending.
func (a *Agent) GenerateAllFiles() {
	st := a.StateSnapshot()
	if st.MVPGenerated && len(st.PendingUserInputs) == 0 {
		a.logger.Debug("Build skipped: MVP generated and no pending inputs")
		return
	}

	a.buildMu.Lock()
	if a.building {
		a.buildMu.Unlock()
		a.logger.Debug("Build skipped: already running")
		return
	}
	a.building = true
	a.buildMu.Unlock()

	go a.buildWrapper()
}

// buildWrapper is the single build task: it owns the abort handle for the
// whole run and always ends with GENERATION_COMPLETE.
func (a *Agent) buildWrapper() {
	ctx := a.inferenceContext()
	a.Broadcast(schemas.MsgGenerationStarted, nil)

	defer func() {
		a.clearAbort()
		a.buildMu.Lock()
		a.building = false
		a.buildMu.Unlock()
		a.SaveState(context.Background())
		a.Broadcast(schemas.MsgGenerationComplete, nil)
	}()

	err := a.behavior.Build(ctx, a)
	switch {
	case err == nil:
	case schemas.IsAbort(err):
		// Cancellation is cooperative, not an error condition.
		a.logger.Info("Build cancelled")
		a.MutateState(func(s *State) { s.DevState = schemas.StateIdle })
	case schemas.IsRateLimited(err):
		a.logger.Warn("Build stopped by rate limit", zap.Error(err))
		a.Broadcast(schemas.MsgRateLimitError, map[string]string{"error": err.Error()})
	default:
		a.logger.Error("Build failed", zap.Error(err))
		a.MutateState(func(s *State) { s.DevState = schemas.StateIdle })
		a.Broadcast(schemas.MsgError, map[string]string{"error": err.Error()})
	}
}

// QueueUserRequest records a mid-build user message (and any images) for the
// next phase-generation round. In phasic mode it also recharges the phases
// budget so the build continues at least another round.
func (a *Agent) QueueUserRequest(text string, images []schemas.UserImage) {
	a.mu.Lock()
	a.state.PendingUserInputs = append(a.state.PendingUserInputs, text)
	if a.state.BehaviorType == schemas.BehaviorPhasic && a.state.PhasesCounter < 3 {
		a.state.PhasesCounter = 3
	}
	a.pendingImages = append(a.pendingImages, images...)
	a.mu.Unlock()
	a.logger.Info("User request queued", zap.Int("images", len(images)))
}

// DrainUserInputs removes and returns all pending inputs and images.
func (a *Agent) DrainUserInputs() ([]string, []schemas.UserImage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inputs := a.state.PendingUserInputs
	images := a.pendingImages
	a.state.PendingUserInputs = nil
	a.pendingImages = nil
	return inputs, images
}

// HasPendingInputs reports whether user guidance is waiting.
func (a *Agent) HasPendingInputs() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.state.PendingUserInputs) > 0
}

// -- blueprint mutations --

// UpdateBlueprint applies a patch, ignoring any key outside the allow-list.
func (a *Agent) UpdateBlueprint(patch map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Blueprint == nil {
		return
	}
	bp := a.state.Blueprint
	for key, value := range patch {
		if !blueprintPatchAllowList[key] {
			a.logger.Warn("Ignoring blueprint patch key outside allow-list", zap.String("key", key))
			continue
		}
		applyBlueprintField(bp, key, value)
	}
}

// UpdateProjectName validates and applies a new project name, cascading to
// the sandbox metadata and the application database.
func (a *Agent) UpdateProjectName(ctx context.Context, name string) error {
	if !projectNameRegex.MatchString(name) {
		return fmt.Errorf("invalid project name %q: must match %s", name, projectNameRegex.String())
	}
	a.mu.Lock()
	a.state.ProjectName = name
	if a.state.Blueprint != nil {
		a.state.Blueprint.ProjectName = name
	}
	a.mu.Unlock()

	if a.apps != nil {
		if err := a.apps.UpdateAppName(ctx, a.id, name); err != nil {
			return fmt.Errorf("failed to update app record: %w", err)
		}
	}
	a.SaveState(ctx)
	return nil
}

func applyBlueprintField(bp *schemas.Blueprint, key string, value any) {
	switch key {
	case "title":
		if v, ok := value.(string); ok {
			bp.Title = v
		}
	case "description":
		if v, ok := value.(string); ok {
			bp.Description = v
		}
	case "detailedDescription":
		if v, ok := value.(string); ok {
			bp.DetailedDescription = v
		}
	case "userFlow":
		if v, ok := value.(string); ok {
			bp.UserFlow = v
		}
	case "dataFlow":
		if v, ok := value.(string); ok {
			bp.DataFlow = v
		}
	case "architecture":
		if v, ok := value.(string); ok {
			bp.Architecture = v
		}
	case "colorPalette":
		bp.ColorPalette = toStringSlice(value)
	case "views":
		bp.Views = toStringSlice(value)
	case "pitfalls":
		bp.Pitfalls = toStringSlice(value)
	case "frameworks":
		bp.Frameworks = toStringSlice(value)
	case "implementationRoadmap":
		bp.ImplementationRoadmap = toStringSlice(value)
	}
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// -- GitHub token cache --

// SetGitHubToken caches the export token in memory only.
func (a *Agent) SetGitHubToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.githubToken = token
}

// GitHubToken returns the cached token, "" when absent.
func (a *Agent) GitHubToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.githubToken
}

// ClearGitHubTokenCache wipes the cached token; called at eviction.
func (a *Agent) ClearGitHubTokenCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.githubToken = ""
}

// -- helpers --

var nonAlphanumRegex = regexp.MustCompile(`[^a-z0-9]+`)

// deriveProjectName slugs the blueprint name: lowercase, non-alphanumerics
// collapsed to '-', at most 20 chars, suffixed with a fresh nanoid.
func deriveProjectName(bp *schemas.Blueprint) string {
	base := bp.ProjectName
	if base == "" {
		base = bp.Title
	}
	slug := nonAlphanumRegex.ReplaceAllString(strings.ToLower(base), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 20 {
		slug = strings.Trim(slug[:20], "-")
	}
	if slug == "" {
		slug = "app"
	}
	suffix, err := gonanoid.New(8)
	if err != nil {
		suffix = "00000000"
	}
	return slug + "-" + strings.ToLower(suffix)
}

// customizeTemplateFiles rewrites the starter configuration for the project:
// the package manifest name, the wrangler-style deploy config, the bootstrap
// script banner and the gitignore.
func customizeTemplateFiles(files map[string]string, projectName string) []schemas.FileState {
	var out []schemas.FileState
	if pkg, ok := files["package.json"]; ok {
		out = append(out, schemas.FileState{
			FilePath:     "package.json",
			FileContents: replaceJSONName(pkg, projectName),
			FilePurpose:  "package manifest",
		})
	}
	for _, wranglerPath := range []string{"wrangler.jsonc", "wrangler.json", "wrangler.toml"} {
		if cfg, ok := files[wranglerPath]; ok {
			out = append(out, schemas.FileState{
				FilePath:     wranglerPath,
				FileContents: replaceJSONName(cfg, projectName),
				FilePurpose:  "deploy configuration",
			})
			break
		}
	}
	if bootstrap, ok := files[".bootstrap.js"]; ok {
		out = append(out, schemas.FileState{
			FilePath:     ".bootstrap.js",
			FileContents: "// project: " + projectName + "\n" + bootstrap,
			FilePurpose:  "bootstrap script",
		})
	}
	if gitignore, ok := files[".gitignore"]; ok {
		if !strings.Contains(gitignore, ".env") {
			gitignore += "\n.env\n"
		}
		out = append(out, schemas.FileState{
			FilePath:     ".gitignore",
			FileContents: gitignore,
			FilePurpose:  "ignore rules",
		})
	}
	return out
}

var jsonNameRegex = regexp.MustCompile(`"name"\s*:\s*"[^"]*"`)

func replaceJSONName(contents, name string) string {
	return jsonNameRegex.ReplaceAllString(contents, fmt.Sprintf(`"name": "%s"`, name))
}
