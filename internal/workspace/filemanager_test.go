package workspace

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
)

func newTestFileManager(t *testing.T) *FileManager {
	t.Helper()
	return NewFileManager(newTestWorkspace(t), zap.NewNop())
}

func TestSaveFileComputesFullAddDiff(t *testing.T) {
	fm := newTestFileManager(t)
	ctx := context.Background()

	saved, err := fm.SaveFile(ctx, "src/App.tsx", "line one\nline two\n", "app shell", "")
	require.NoError(t, err)
	assert.Contains(t, saved.LastDiff, "+line one")
	assert.Contains(t, saved.LastDiff, "+line two")
	assert.NotContains(t, saved.LastDiff, "-line one")
}

func TestSaveFileDiffAgainstPrevious(t *testing.T) {
	fm := newTestFileManager(t)
	ctx := context.Background()

	_, err := fm.SaveFile(ctx, "src/App.tsx", "old\nshared\n", "app shell", "")
	require.NoError(t, err)
	saved, err := fm.SaveFile(ctx, "src/App.tsx", "new\nshared\n", "", "")
	require.NoError(t, err)

	assert.Contains(t, saved.LastDiff, "-old")
	assert.Contains(t, saved.LastDiff, "+new")
	assert.Equal(t, "app shell", saved.FilePurpose, "purpose carries over when omitted")

	// The saved file is retrievable from HEAD with identical bytes.
	head, err := fm.ws.Head()
	require.NoError(t, err)
	files, err := fm.ws.ReadFilesFromCommit(head)
	require.NoError(t, err)
	assert.Equal(t, "new\nshared\n", files["src/App.tsx"])
}

func TestSaveFilesSingleCommit(t *testing.T) {
	fm := newTestFileManager(t)
	ctx := context.Background()

	_, err := fm.SaveFiles(ctx, []schemas.FileState{
		{FilePath: "a.ts", FileContents: "a", FilePurpose: "a"},
		{FilePath: "b.ts", FileContents: "b", FilePurpose: "b"},
	}, "feat: phase one\n\ntwo files")
	require.NoError(t, err)

	log := fm.ws.Log(0)
	require.Len(t, log, 1)
	assert.True(t, strings.HasPrefix(log[0].Message, "feat: phase one"))
}

func TestGetRelevantFilesFilters(t *testing.T) {
	fm := newTestFileManager(t)
	ctx := context.Background()
	fm.SetProtectedPaths([]string{"wrangler.jsonc"}, []string{".env"})

	_, err := fm.SaveFiles(ctx, []schemas.FileState{
		{FilePath: "src/App.tsx", FileContents: "code"},
		{FilePath: "wrangler.jsonc", FileContents: "{}"},
		{FilePath: ".env", FileContents: "SECRET=1"},
		{FilePath: "logo.png", FileContents: "not code"},
	}, "feat: files")
	require.NoError(t, err)

	relevant := fm.GetRelevantFiles()
	require.Len(t, relevant, 1)
	assert.Equal(t, "src/App.tsx", relevant[0].FilePath)

	all := fm.GetAllFiles()
	assert.Len(t, all, 4)
}

func TestDeleteFilesRemovesFromMapOnly(t *testing.T) {
	fm := newTestFileManager(t)
	ctx := context.Background()

	_, err := fm.SaveFile(ctx, "a.ts", "a", "", "")
	require.NoError(t, err)
	logBefore := len(fm.ws.Log(0))

	fm.DeleteFiles([]string{"a.ts"})
	assert.Nil(t, fm.GetFile("a.ts"))
	assert.Len(t, fm.ws.Log(0), logBefore, "delete must not commit")
}
