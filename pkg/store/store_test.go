package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		DBPath: filepath.Join(t.TempDir(), "appgen.db"),
		Logger: zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestAppLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateApp(ctx, App{ID: "abc", Slug: "todo-abc", Description: "a todo app", State: "running"}))

	app, err := s.GetApp(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "todo-abc", app.Slug)
	assert.Equal(t, "running", app.State)
	assert.False(t, app.CreatedAt.IsZero())

	require.NoError(t, s.UpdateAppState(ctx, "abc", "completed"))
	app, err = s.GetAppBySlug(ctx, "todo-abc")
	require.NoError(t, err)
	assert.Equal(t, "completed", app.State)

	_, err = s.GetApp(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateAppState(ctx, "missing", "completed"), ErrNotFound)
}

func TestCreateAppRejectsDuplicateSlug(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateApp(ctx, App{ID: "a", Slug: "todo", State: "running"}))
	assert.Error(t, s.CreateApp(ctx, App{ID: "b", Slug: "todo", State: "running"}))
}

func TestSaveFilesReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateApp(ctx, App{ID: "abc", Slug: "s", State: "running"}))

	require.NoError(t, s.SaveFiles(ctx, "abc", map[string]string{"b.ts": "b", "a.ts": "a"}))
	files, err := s.ListFiles(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []File{{Path: "a.ts", Content: "a"}, {Path: "b.ts", Content: "b"}}, files)

	require.NoError(t, s.SaveFiles(ctx, "abc", map[string]string{"c.ts": "c"}))
	m, err := s.FileMap(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c.ts": "c"}, m)
}

func TestAddToWaitlistIgnoresDuplicates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddToWaitlist(ctx, "a@example.com"))
	require.NoError(t, s.AddToWaitlist(ctx, " A@example.com "))
	require.NoError(t, s.AddToWaitlist(ctx, "b@example.com"))
	assert.Error(t, s.AddToWaitlist(ctx, "  "))

	emails, err := s.Waitlist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emails)
}
