package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	mount := t.TempDir()
	return NewManager(mount, zap.NewNop()), mount
}

func TestEnsure(t *testing.T) {
	m, mount := testManager(t)

	path, err := m.Ensure("proj-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mount, "proj-1"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent.
	again, err := m.Ensure("proj-1")
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestResolveRejectsTraversal(t *testing.T) {
	m, _ := testManager(t)

	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../etc"} {
		t.Run(id, func(t *testing.T) {
			_, err := m.Resolve(id)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestSafeJoin(t *testing.T) {
	m, mount := testManager(t)

	t.Run("joins relative paths", func(t *testing.T) {
		p, err := m.SafeJoin("ws", "sub/file.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(mount, "ws", "sub", "file.txt"), p)
	})

	t.Run("empty path is the root", func(t *testing.T) {
		p, err := m.SafeJoin("ws", "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(mount, "ws"), p)
	})

	t.Run("rejects escapes", func(t *testing.T) {
		for _, rel := range []string{"../other", "a/../../b", "/abs", `win\path`} {
			_, err := m.SafeJoin("ws", rel)
			assert.ErrorIs(t, err, ErrInvalidPath, rel)
		}
	})
}

func TestListFiles(t *testing.T) {
	m, _ := testManager(t)

	path, err := m.Ensure("lister")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(path, "visible.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "sub", "nested.txt"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, ".hidden"), []byte("z"), 0o644))

	t.Run("root skips dot entries", func(t *testing.T) {
		files, err := m.ListFiles("lister", "")
		require.NoError(t, err)
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name)
		}
		assert.ElementsMatch(t, []string{"visible.txt", "sub"}, names)
	})

	t.Run("subpath listing", func(t *testing.T) {
		files, err := m.ListFiles("lister", "sub")
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, "sub/nested.txt", files[0].Path)
	})

	t.Run("missing workspace", func(t *testing.T) {
		_, err := m.ListFiles("nope", "")
		assert.ErrorIs(t, err, ErrWorkspaceNotFound)
	})
}

func TestDelete(t *testing.T) {
	m, _ := testManager(t)

	_, err := m.Ensure("doomed")
	require.NoError(t, err)
	require.NoError(t, m.Delete("doomed"))
	assert.False(t, m.Exists("doomed"))
	assert.ErrorIs(t, m.Delete("doomed"), ErrWorkspaceNotFound)
}

func TestListInventory(t *testing.T) {
	m, mount := testManager(t)

	p1, err := m.Ensure("alpha")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(p1, "a.txt"), []byte("12345"), 0o644))
	_, err = m.Ensure("beta")
	require.NoError(t, err)

	// Sidecar dirs are not workspaces.
	require.NoError(t, os.MkdirAll(filepath.Join(mount, ".thread-cache"), 0o755))

	list, err := m.List()
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, ws := range list {
		ids = append(ids, ws.ID)
		if ws.ID == "alpha" {
			assert.GreaterOrEqual(t, ws.FileCount, 1)
			assert.GreaterOrEqual(t, ws.SizeBytes, int64(5))
		}
	}
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}

func TestRetentionSweep(t *testing.T) {
	m, _ := testManager(t)

	old, err := m.Ensure("ancient")
	require.NoError(t, err)
	fresh, err := m.Ensure("fresh")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(fresh, "now.txt"), []byte("x"), 0o644))

	past := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, filepath.Walk(old, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(p, past, past)
	}))

	removed, err := m.RetentionSweep(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"ancient"}, removed)
	assert.False(t, m.Exists("ancient"))
	assert.True(t, m.Exists("fresh"))
}
