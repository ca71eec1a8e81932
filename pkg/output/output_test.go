package output

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirWritesFiles(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, "abc123")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "app-abc123"), d.Path())

	require.NoError(t, d.WriteSource("/* FILE: a.ts */\nx\n/* END_FILE */"))
	skipped, err := d.WriteAll(map[string]string{
		"server/index.ts": "server",
		"README.md":       "# App",
	})
	require.NoError(t, err)
	assert.Empty(t, skipped)

	got, err := d.ReadFile("server/index.ts")
	require.NoError(t, err)
	assert.Equal(t, "server", got)
	assert.True(t, d.Exists(SourceFile))
	assert.True(t, d.Exists("README.md"))
	assert.False(t, d.Exists("missing.ts"))
}

func TestDirRejectsEscapingPaths(t *testing.T) {
	d, err := Open(t.TempDir(), "abc")
	require.NoError(t, err)

	for _, p := range []string{"../evil.ts", "/etc/passwd", "a/../../b", ""} {
		err := d.WriteFile(p, "x")
		assert.ErrorIs(t, err, ErrUnsafePath, p)
	}
}

func TestWriteAllSkipsUnsafePaths(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, "abc")
	require.NoError(t, err)

	skipped, err := d.WriteAll(map[string]string{
		"../escape.ts":    "x",
		"/abs.ts":         "y",
		"client/main.tsx": "client\n",
		"server/index.ts": "server\n",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"../escape.ts", "/abs.ts"}, skipped)

	got, err := d.ReadFile("server/index.ts")
	require.NoError(t, err)
	assert.Equal(t, "server\n", got)
	assert.True(t, d.Exists("client/main.tsx"))
	assert.NoFileExists(t, filepath.Join(root, "escape.ts"))
}

func TestOpenRejectsBadSessionID(t *testing.T) {
	for _, id := range []string{"", "../x", "a/b"} {
		_, err := Open(t.TempDir(), id)
		assert.Error(t, err, id)
	}
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	old, err := Open(root, "old")
	require.NoError(t, err)
	_, err = Open(root, "new")
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(filepath.Join(root, "unrelated"), 0755))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old.Path(), past, past))
	require.NoError(t, os.Chtimes(filepath.Join(root, "unrelated"), past, past))

	removed, err := Prune(root, 24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"app-old"}, removed)
	assert.DirExists(t, filepath.Join(root, "app-new"))
	assert.DirExists(t, filepath.Join(root, "unrelated"))

	removed, err = Prune(filepath.Join(root, "nope"), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Empty(t, removed)
}
