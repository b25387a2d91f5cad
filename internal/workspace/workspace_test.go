package workspace

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws := New(zap.NewNop())
	require.NoError(t, ws.Init(context.Background(), "main"))
	return ws
}

func TestInitIsIdempotent(t *testing.T) {
	ws := newTestWorkspace(t)
	require.NoError(t, ws.Init(context.Background(), "main"))

	head, err := ws.Head()
	require.NoError(t, err)
	assert.Empty(t, head, "unborn branch should have no HEAD")
}

func TestCommitAndLog(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	oid, err := ws.Commit(ctx, []FileInput{
		{Path: "/src/App.tsx", Contents: "export default function App() {}"},
		{Path: "README.md", Contents: "# hello"},
	}, "feat: initial files")
	require.NoError(t, err)
	require.NotEmpty(t, oid)

	log := ws.Log(0)
	require.Len(t, log, 1)
	assert.Equal(t, oid, log[0].OID)
	assert.Equal(t, "feat: initial files", log[0].Message)
	assert.Contains(t, log[0].Author, "Vibesdk")
	assert.Greater(t, log[0].Timestamp, int64(0))

	// Leading slashes are normalized away.
	details, err := ws.Show(oid)
	require.NoError(t, err)
	assert.Equal(t, 2, details.FileCount)
	assert.Contains(t, details.Files, "src/App.tsx")
	assert.Contains(t, details.Files, "README.md")
}

func TestCommitIdenticalContentIsNoOp(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()
	files := []FileInput{{Path: "a.txt", Contents: "same"}}

	first, err := ws.Commit(ctx, files, "feat: add a")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := ws.Commit(ctx, files, "feat: add a again")
	require.NoError(t, err)
	assert.Empty(t, second, "identical content must not create a commit")

	log := ws.Log(0)
	require.Len(t, log, 1)

	head, err := ws.Head()
	require.NoError(t, err)
	assert.Equal(t, first, head)
}

func TestLogLimitAndOrder(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	for _, v := range []string{"1", "2", "3"} {
		_, err := ws.Commit(ctx, []FileInput{{Path: "f.txt", Contents: v}}, "rev "+v)
		require.NoError(t, err)
	}

	log := ws.Log(0)
	require.Len(t, log, 3)
	assert.Equal(t, "rev 3", log[0].Message, "log walks newest first")

	limited := ws.Log(2)
	assert.Len(t, limited, 2)
}

func TestReadFilesFromCommitSkipsBinary(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	oid, err := ws.Commit(ctx, []FileInput{
		{Path: "text.txt", Contents: "plain"},
		{Path: "blob.bin", Contents: "ab\x00cd"},
	}, "feat: mixed content")
	require.NoError(t, err)

	files, err := ws.ReadFilesFromCommit(oid)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"text.txt": "plain"}, files)
}

func TestReset(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	var changed []string
	ws.onFilesChanged = func(paths []string) { changed = paths }

	first, err := ws.Commit(ctx, []FileInput{{Path: "a.txt", Contents: "v1"}}, "rev 1")
	require.NoError(t, err)
	_, err = ws.Commit(ctx, []FileInput{{Path: "a.txt", Contents: "v2"}}, "rev 2")
	require.NoError(t, err)

	count, err := ws.Reset(first, true)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"a.txt"}, changed)

	head, err := ws.Head()
	require.NoError(t, err)
	assert.Equal(t, first, head)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestWorkspace(t)
	ctx := context.Background()

	_, err := src.Commit(ctx, []FileInput{{Path: "a.txt", Contents: "one"}}, "rev 1")
	require.NoError(t, err)
	_, err = src.Commit(ctx, []FileInput{
		{Path: "a.txt", Contents: "two"},
		{Path: "b.txt", Contents: "bee"},
	}, "rev 2")
	require.NoError(t, err)

	objects, err := src.ExportObjects()
	require.NoError(t, err)
	require.NotEmpty(t, objects)

	dst := newTestWorkspace(t)
	require.NoError(t, dst.ImportObjects(objects))

	if diff := cmp.Diff(src.Log(0), dst.Log(0)); diff != "" {
		t.Fatalf("imported log differs from source (-src +dst):\n%s", diff)
	}

	head, err := dst.Head()
	require.NoError(t, err)
	files, err := dst.ReadFilesFromCommit(head)
	require.NoError(t, err)
	assert.Equal(t, "two", files["a.txt"])
	assert.Equal(t, "bee", files["b.txt"])
}

func TestLooseEncodeDecode(t *testing.T) {
	src := newTestWorkspace(t)
	_, err := src.Commit(context.Background(), []FileInput{{Path: "x", Contents: "y"}}, "rev")
	require.NoError(t, err)

	objects, err := src.ExportObjects()
	require.NoError(t, err)
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Path, "objects/") {
			continue
		}
		objType, content, err := looseDecode(obj.Data)
		require.NoError(t, err)
		assert.NotEmpty(t, objType.String())
		reencoded, err := looseEncode(objType, content)
		require.NoError(t, err)
		_, roundTripped, err := looseDecode(reencoded)
		require.NoError(t, err)
		assert.Equal(t, content, roundTripped)
	}
}
