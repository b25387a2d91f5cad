package sandbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

func newTestSandbox(t *testing.T) *LocalSandbox {
	t.Helper()
	sb, err := NewLocalSandbox(t.TempDir(), "inst1", zap.NewNop())
	require.NoError(t, err)
	return sb
}

func TestPathTraversalRejected(t *testing.T) {
	sb := newTestSandbox(t)

	for _, path := range []string{
		"../outside.txt",
		"a/../../outside.txt",
		"..",
		"logs/../../escape",
	} {
		err := sb.WriteFile(path, []byte("x"))
		assert.ErrorIs(t, err, ErrPathTraversal, "path %q", path)

		_, err = sb.ReadFile(path)
		assert.ErrorIs(t, err, ErrPathTraversal, "path %q", path)
	}
}

func TestWriteReadFile(t *testing.T) {
	sb := newTestSandbox(t)

	require.NoError(t, sb.WriteFile("src/deep/file.txt", []byte("contents")))
	data, err := sb.ReadFile("src/deep/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))

	// Leading slash is treated as instance-relative.
	data, err = sb.ReadFile("/src/deep/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))
}

func TestExecCapturesOutputAndExitCode(t *testing.T) {
	sb := newTestSandbox(t)
	ctx := context.Background()

	res, err := sb.Exec(ctx, "echo out; echo err 1>&2", schemas.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stderr, "err")

	res, err = sb.Exec(ctx, "exit 3", schemas.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecRunsInInstanceDirectory(t *testing.T) {
	sb := newTestSandbox(t)
	require.NoError(t, sb.WriteFile("marker.txt", []byte("here")))

	res, err := sb.Exec(context.Background(), "cat marker.txt", schemas.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "here")
}

func TestExecEnvVars(t *testing.T) {
	sb := newTestSandbox(t)
	sb.SetEnvVars(map[string]string{"SANDBOX_TOKEN": "sekrit"})

	res, err := sb.Exec(context.Background(), "printf '%s' \"$SANDBOX_TOKEN\"", schemas.ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sekrit", res.Stdout)
}

func TestStartAndKillProcess(t *testing.T) {
	sb := newTestSandbox(t)

	id, err := sb.StartProcess("sleep 30", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	info, err := sb.GetProcess(id)
	require.NoError(t, err)
	assert.True(t, info.Running)

	require.NoError(t, sb.KillProcess(id))
	info, err = sb.GetProcess(id)
	require.NoError(t, err)
	assert.False(t, info.Running)
}

func TestProcessLogCapture(t *testing.T) {
	sb := newTestSandbox(t)

	id, err := sb.StartProcess("echo hello-from-process", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, err := sb.GetProcess(id)
		return err == nil && !info.Running
	}, 5*time.Second, 20*time.Millisecond)

	info, err := sb.GetProcess(id)
	require.NoError(t, err)
	data, err := sb.ReadFile("logs/proc-" + id + ".log")
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello-from-process")
	assert.Equal(t, filepath.Join(sb.Root(), "logs", "proc-"+id+".log"), info.LogPath)
}

func TestPortRegistry(t *testing.T) {
	sb := newTestSandbox(t)

	require.NoError(t, sb.ExposePort(8101))
	require.NoError(t, sb.ExposePort(8100))
	assert.Equal(t, []int{8100, 8101}, sb.GetExposedPorts())

	require.NoError(t, sb.UnexposePort(8100))
	assert.Equal(t, []int{8101}, sb.GetExposedPorts())

	assert.Error(t, sb.ExposePort(0))
}

func TestMetadataRoundTrip(t *testing.T) {
	sb := newTestSandbox(t)
	meta := &schemas.SandboxInstance{
		InstanceID:   "inst1",
		TemplateName: "react-vite",
		ProjectName:  "demo",
		StartTime:    time.Now().UTC().Truncate(time.Second),
		PreviewURL:   "http://localhost:8100",
	}
	require.NoError(t, sb.WriteMetadata(meta))

	got, err := sb.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, meta.InstanceID, got.InstanceID)
	assert.Equal(t, meta.PreviewURL, got.PreviewURL)
}
