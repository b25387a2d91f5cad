package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/deploy"
	"github.com/vibesdk/vibesdk/internal/operations"
	"github.com/vibesdk/vibesdk/internal/sandbox"
	"github.com/vibesdk/vibesdk/internal/store"
	"github.com/vibesdk/vibesdk/internal/templates"
)

// newTestAgent builds an agent over a blank template with no bootstrap or
// start commands, so nothing external runs during tests.
func newTestAgent(t *testing.T, ops operations.Interface) *Agent {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Database.AgentDataDir = filepath.Join(dir, "agents")
	cfg.Sandbox = config.SandboxConfig{DataDir: filepath.Join(dir, "instances"), Host: "localhost", BasePort: 18100}
	cfg.Agent = config.AgentConfig{FastSmartFixes: false, CommandChunkSize: 5, CommandRetries: 3}

	st, err := store.Open(filepath.Join(dir, "agents", "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	a, err := New(context.Background(), "agent-test", Deps{
		Config:  cfg,
		Store:   st,
		Ops:     ops,
		Catalog: templates.NewCatalog("", "react-vite", zap.NewNop()),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	a.template = &templates.Template{Name: "blank", Files: map[string]string{}}
	a.deployer = deploy.NewManager(cfg.Sandbox, a.template, "test-project", zap.NewNop())
	a.MutateState(func(s *State) {
		s.Query = "build a todo list"
		s.TemplateName = "blank"
		s.Blueprint = &schemas.Blueprint{
			Title:       "Todo",
			ProjectName: "todo",
			InitialPhase: schemas.PhaseConcept{
				Name:        "Initial App",
				Description: "Scaffold the todo list",
				Files:       []schemas.FileConcept{{Path: "src/App.tsx", Purpose: "main view"}},
			},
		}
	})
	return a
}

// implementFromConcepts returns an ImplementPhase mock producing one file per
// concept.
func implementFromConcepts() func(context.Context, operations.OpContext, schemas.PhaseConcept, operations.ImplementCallbacks) (*operations.ImplementResult, error) {
	return func(_ context.Context, _ operations.OpContext, phase schemas.PhaseConcept, cb operations.ImplementCallbacks) (*operations.ImplementResult, error) {
		result := &operations.ImplementResult{Commands: phase.InstallCommands}
		for _, concept := range phase.Files {
			if cb.OnFileStart != nil {
				cb.OnFileStart(concept.Path, concept.Purpose)
			}
			file := schemas.FileState{
				FilePath:     concept.Path,
				FileContents: "// generated for " + concept.Path,
				FilePurpose:  concept.Purpose,
			}
			if cb.OnFileComplete != nil {
				cb.OnFileComplete(file)
			}
			result.Files = append(result.Files, file)
		}
		return result, nil
	}
}

func TestHappyPathBuild(t *testing.T) {
	ops := &mockOps{
		implementPhase: implementFromConcepts(),
		generateNextPhase: func(context.Context, operations.OpContext) (*schemas.PhaseConcept, error) {
			// No files: the planner says the project is complete.
			return &schemas.PhaseConcept{Name: "done", LastPhase: true}, nil
		},
	}
	a := newTestAgent(t, ops)

	require.NoError(t, a.behavior.Build(context.Background(), a))

	st := a.StateSnapshot()
	assert.Equal(t, schemas.StateIdle, st.DevState)
	assert.True(t, st.MVPGenerated)
	assert.True(t, st.ReviewingInitiated)
	require.Len(t, st.GeneratedPhases, 2)
	assert.Equal(t, "Initial App", st.GeneratedPhases[0].Name)
	assert.True(t, st.GeneratedPhases[0].Completed)
	assert.Equal(t, finalizationPhaseName, st.GeneratedPhases[1].Name)
	assert.True(t, st.GeneratedPhases[1].Completed)
	assert.Equal(t, schemas.MaxPhases-2, st.PhasesCounter)

	// The implemented file is retrievable from HEAD with identical bytes.
	head, err := a.workspace.Head()
	require.NoError(t, err)
	files, err := a.workspace.ReadFilesFromCommit(head)
	require.NoError(t, err)
	assert.Equal(t, "// generated for src/App.tsx", files["src/App.tsx"])

	// Commit log carries the phase commit.
	var messages []string
	for _, c := range a.workspace.Log(0) {
		messages = append(messages, c.Message)
	}
	joined := strings.Join(messages, "\n")
	assert.Contains(t, joined, "feat: Initial App")

	// The saved file carries a full-add diff.
	saved := a.files.GetFile("src/App.tsx")
	require.NotNil(t, saved)
	assert.Contains(t, saved.LastDiff, "+// generated for src/App.tsx")
}

func TestBuildIsResumable(t *testing.T) {
	ops := &mockOps{implementPhase: implementFromConcepts()}
	a := newTestAgent(t, ops)

	// A restored agent with an incomplete phase resumes implementation.
	a.MutateState(func(s *State) {
		s.GeneratedPhases = append(s.GeneratedPhases, schemas.GeneratedPhase{
			PhaseConcept: schemas.PhaseConcept{
				Name:      "Resume Me",
				LastPhase: true,
				Files:     []schemas.FileConcept{{Path: "src/resume.ts", Purpose: "resumed"}},
			},
		})
	})

	require.NoError(t, a.behavior.Build(context.Background(), a))

	st := a.StateSnapshot()
	assert.True(t, st.GeneratedPhases[0].Completed)
	assert.NotNil(t, a.files.GetFile("src/resume.ts"))
}

func TestCancellationDuringImplementing(t *testing.T) {
	ops := &mockOps{
		implementPhase: func(ctx context.Context, _ operations.OpContext, _ schemas.PhaseConcept, _ operations.ImplementCallbacks) (*operations.ImplementResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a := newTestAgent(t, ops)

	a.GenerateAllFiles()
	require.Eventually(t, a.isBuilding, 2*time.Second, 5*time.Millisecond)

	a.CancelCurrentInference()

	require.Eventually(t, func() bool { return !a.isBuilding() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, schemas.StateIdle, a.StateSnapshot().DevState)
}

func TestGenerateAllFilesIsNoOpWhenMVPDone(t *testing.T) {
	ops := &mockOps{}
	a := newTestAgent(t, ops)
	a.MutateState(func(s *State) { s.MVPGenerated = true })

	a.GenerateAllFiles()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, a.isBuilding())
}

// provisionedAgent deploys once and installs a stub bun binary that fails for
// unknown-pkg and succeeds otherwise.
func provisionedAgent(t *testing.T, ops operations.Interface) *Agent {
	t.Helper()
	a := newTestAgent(t, ops)
	_, err := a.deployer.DeployToSandbox(context.Background(), nil, false, "provision", false, deploy.Callbacks{})
	require.NoError(t, err)

	sb, ok := a.deployer.Sandbox().(*sandbox.LocalSandbox)
	require.True(t, ok)
	stub := "#!/bin/sh\nif [ \"$1\" = \"install\" ] && [ \"$2\" = \"unknown-pkg\" ]; then exit 1; fi\nexit 0\n"
	require.NoError(t, sb.WriteFile("bin/bun", []byte(stub)))
	require.NoError(t, os.Chmod(filepath.Join(sb.Root(), "bin", "bun"), 0o755))
	sb.SetEnvVars(map[string]string{"PATH": filepath.Join(sb.Root(), "bin") + ":" + os.Getenv("PATH")})
	return a
}

func TestInstallRetryWithSetupAssistant(t *testing.T) {
	ops := &mockOps{
		projectSetupAssistant: func(_ context.Context, _ operations.OpContext, failed []string, _ string) ([]string, error) {
			return []string{"bun install known-pkg"}, nil
		},
	}
	a := provisionedAgent(t, ops)

	a.ExecuteCommands(context.Background(), []string{"bun install unknown-pkg"}, true)

	history := a.StateSnapshot().CommandsHistory
	assert.Contains(t, history, "bun install known-pkg")
	assert.NotContains(t, history, "bun install unknown-pkg")
	assert.GreaterOrEqual(t, int(ops.setupAssistantCalls.Load()), 1)
}

func TestNonInstallFailuresAreNotRetried(t *testing.T) {
	ops := &mockOps{}
	a := provisionedAgent(t, ops)

	a.ExecuteCommands(context.Background(), []string{"false"}, true)

	assert.Empty(t, a.StateSnapshot().CommandsHistory)
	assert.Zero(t, ops.setupAssistantCalls.Load())
}

func TestCommandHistoryFilteredAndDeduplicated(t *testing.T) {
	ops := &mockOps{}
	a := provisionedAgent(t, ops)

	a.ExecuteCommands(context.Background(), []string{
		"echo one",
		"echo one",
		"rm -rf undefined/ undefined",
		"",
		"echo two",
	}, false)

	history := a.StateSnapshot().CommandsHistory
	assert.Equal(t, []string{"echo one", "echo two"}, history)
	for _, cmd := range history {
		assert.True(t, looksLikeCommand(cmd))
		assert.NotContains(t, cmd, " undefined")
	}
}

func TestLooksLikeCommand(t *testing.T) {
	assert.True(t, looksLikeCommand("bun install react"))
	assert.True(t, looksLikeCommand("./scripts/setup.sh --flag"))
	assert.False(t, looksLikeCommand(""))
	assert.False(t, looksLikeCommand("npm install undefined undefined"))
	assert.False(t, looksLikeCommand("multi\nline"))
	assert.False(t, looksLikeCommand(strings.Repeat("x", 301)))
}

func TestQueueUserRequestRechargesCounter(t *testing.T) {
	a := newTestAgent(t, &mockOps{})
	a.MutateState(func(s *State) { s.PhasesCounter = 0 })

	a.QueueUserRequest("add dark mode", []schemas.UserImage{{Filename: "mock.png", MimeType: "image/png", Data: []byte{1}}})

	st := a.StateSnapshot()
	assert.Equal(t, 3, st.PhasesCounter)
	assert.Equal(t, []string{"add dark mode"}, st.PendingUserInputs)

	inputs, images := a.DrainUserInputs()
	assert.Len(t, inputs, 1)
	assert.Len(t, images, 1)
	assert.False(t, a.HasPendingInputs())
}

func TestQueueUserRequestDoesNotLowerCounter(t *testing.T) {
	a := newTestAgent(t, &mockOps{})
	a.MutateState(func(s *State) { s.PhasesCounter = 7 })
	a.QueueUserRequest("tweak", nil)
	assert.Equal(t, 7, a.StateSnapshot().PhasesCounter)
}

func TestUpdateBlueprintAllowList(t *testing.T) {
	a := newTestAgent(t, &mockOps{})

	a.UpdateBlueprint(map[string]any{
		"title":       "Renamed",
		"frameworks":  []any{"react", "vite"},
		"projectName": "hax",       // not in the allow-list
		"devState":    "FINALIZING", // junk key
	})

	st := a.StateSnapshot()
	assert.Equal(t, "Renamed", st.Blueprint.Title)
	assert.Equal(t, []string{"react", "vite"}, st.Blueprint.Frameworks)
	assert.Equal(t, "todo", st.Blueprint.ProjectName, "projectName only changes via UpdateProjectName")
}

func TestUpdateProjectNameValidation(t *testing.T) {
	a := newTestAgent(t, &mockOps{})

	assert.Error(t, a.UpdateProjectName(context.Background(), "No Spaces Allowed"))
	assert.Error(t, a.UpdateProjectName(context.Background(), "ab"))
	require.NoError(t, a.UpdateProjectName(context.Background(), "todo-app_2"))
	assert.Equal(t, "todo-app_2", a.StateSnapshot().ProjectName)
}

func TestDeriveProjectName(t *testing.T) {
	bp := &schemas.Blueprint{ProjectName: "My Fancy Todo List Application!!"}
	name := deriveProjectName(bp)
	assert.True(t, projectNameRegex.MatchString(name), "derived name %q must satisfy the project name rules", name)
	assert.LessOrEqual(t, len(name), 20+1+8)
	assert.True(t, strings.HasPrefix(name, "my-fancy-todo-list"))
}

func TestApplyDeterministicFixes(t *testing.T) {
	files := []schemas.FileState{{
		FilePath:     "src/App.tsx",
		FileContents: "import { unused } from './dead';\nconst x = 1;\nexport default x;",
	}}
	issues := []schemas.LintIssue{
		{File: "src/App.tsx", Line: 1, Code: "TS6133", Message: "'unused' is declared but its value is never read."},
	}

	fixed := applyDeterministicFixes(files, issues)
	require.Len(t, fixed, 1)
	assert.NotContains(t, fixed[0].FileContents, "import { unused }")
	assert.Contains(t, fixed[0].FileContents, "const x = 1;")

	// Issues pointing at non-import lines leave the file untouched.
	assert.Empty(t, applyDeterministicFixes(files, []schemas.LintIssue{
		{File: "src/App.tsx", Line: 2, Code: "TS6133", Message: "x"},
	}))
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	ops := &mockOps{
		implementPhase: implementFromConcepts(),
		generateNextPhase: func(context.Context, operations.OpContext) (*schemas.PhaseConcept, error) {
			return &schemas.PhaseConcept{Name: "done", LastPhase: true}, nil
		},
	}
	a := newTestAgent(t, ops)
	require.NoError(t, a.behavior.Build(context.Background(), a))
	a.SaveState(context.Background())

	// A second agent over the same store sees the durable state and files.
	b, err := New(context.Background(), "agent-test", Deps{
		Config:  a.cfg,
		Store:   a.store,
		Ops:     ops,
		Catalog: templates.NewCatalog("", "react-vite", zap.NewNop()),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)

	st := b.StateSnapshot()
	assert.True(t, st.MVPGenerated)
	require.Len(t, st.GeneratedPhases, 2)
	assert.NotNil(t, b.files.GetFile("src/App.tsx"))
}
