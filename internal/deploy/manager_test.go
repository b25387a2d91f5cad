package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/config"
	"github.com/vibesdk/vibesdk/internal/templates"
)

func newTestManager(t *testing.T, tpl *templates.Template) *Manager {
	t.Helper()
	cfg := config.SandboxConfig{DataDir: t.TempDir(), Host: "localhost", BasePort: 18200}
	return NewManager(cfg, tpl, "test-project", zap.NewNop())
}

func blankTemplate() *templates.Template {
	return &templates.Template{Name: "blank", Files: map[string]string{"index.txt": "hi"}}
}

func TestDeployProvisionsInstance(t *testing.T) {
	m := newTestManager(t, blankTemplate())

	var started, completed bool
	inst, err := m.DeployToSandbox(context.Background(), nil, false, "initial", false, Callbacks{
		OnStarted:   func() { started = true },
		OnCompleted: func(string) { completed = true },
	})
	require.NoError(t, err)
	assert.True(t, started)
	assert.True(t, completed)
	assert.NotEmpty(t, inst.InstanceID)
	assert.Contains(t, inst.PreviewURL, "http://localhost:")
	assert.Equal(t, "blank", inst.TemplateName)

	// Template files land in the instance.
	data, err := m.Sandbox().ReadFile("index.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestRedeployWithNoFilesIsNoOp(t *testing.T) {
	m := newTestManager(t, blankTemplate())
	ctx := context.Background()

	first, err := m.DeployToSandbox(ctx, nil, false, "initial", false, Callbacks{})
	require.NoError(t, err)

	second, err := m.DeployToSandbox(ctx, nil, true, "redeploy", false, Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, first.PreviewURL, second.PreviewURL)
}

func TestDeployWritesFiles(t *testing.T) {
	m := newTestManager(t, blankTemplate())
	ctx := context.Background()

	_, err := m.DeployToSandbox(ctx, []schemas.FileState{
		{FilePath: "src/App.tsx", FileContents: "generated"},
	}, false, "phase", false, Callbacks{})
	require.NoError(t, err)

	data, err := m.Sandbox().ReadFile("src/App.tsx")
	require.NoError(t, err)
	assert.Equal(t, "generated", string(data))
}

func TestFetchRuntimeErrorsSyntheticWhenUndeployed(t *testing.T) {
	m := newTestManager(t, blankTemplate())

	errors := m.FetchRuntimeErrors(context.Background(), false)
	require.Len(t, errors, 1)
	assert.Equal(t, ErrPreviewNotDeployed, errors[0].Message)
	assert.Equal(t, schemas.RuntimeSeverityError, errors[0].Severity)
}

func TestFetchRuntimeErrorsFromProcessLog(t *testing.T) {
	tpl := blankTemplate()
	tpl.StartCommand = "echo 'Error: boom'; echo 'all good'"
	m := newTestManager(t, tpl)
	ctx := context.Background()

	_, err := m.DeployToSandbox(ctx, nil, false, "initial", false, Callbacks{})
	require.NoError(t, err)

	var found []schemas.RuntimeError
	require.Eventually(t, func() bool {
		found = m.FetchRuntimeErrors(ctx, false)
		return len(found) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, found[0].Message, "Error: boom")

	// Clearing skips already-reported lines on the next call.
	_ = m.FetchRuntimeErrors(ctx, true)
	assert.Empty(t, m.FetchRuntimeErrors(ctx, false))
}

func TestSessionIDRotation(t *testing.T) {
	m := newTestManager(t, blankTemplate())
	first := m.GetSessionID()
	require.NotEmpty(t, first)

	second := m.GenerateNewSessionID()
	assert.NotEqual(t, first, second)
	assert.Nil(t, m.Sandbox(), "rotation detaches the previous instance")
}
