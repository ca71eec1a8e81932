package generator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/appgen/pkg/conversation"
	"github.com/harun/appgen/pkg/dispatch"
	"github.com/harun/appgen/pkg/postprocess"
	"github.com/harun/appgen/pkg/store"
	"github.com/harun/appgen/pkg/transcript"
	"github.com/harun/appgen/pkg/upstream"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

type staticCredentials map[string]string

func (c staticCredentials) Get(_ context.Context, namespace, key string) (string, bool) {
	v, ok := c[namespace+"/"+key]
	return v, ok && v != ""
}

type recordingSink struct {
	mu  sync.Mutex
	got []dispatch.Notification
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, n dispatch.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) kinds() []dispatch.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Kind, len(s.got))
	for i, n := range s.got {
		out[i] = n.Type
	}
	return out
}

func scripted(turns ...upstream.ScriptedTurn) ProviderFunc {
	return func(upstream.Profile) (upstream.Provider, error) {
		return upstream.NewScriptedProvider(turns...), nil
	}
}

func setupTestService(t *testing.T, providers ProviderFactory, mutate func(*Config, *Deps)) *Service {
	t.Helper()
	cfg := Config{
		Provider:      "anthropic",
		APIKey:        "sk-ant-test",
		Driver:        conversation.DefaultConfig(),
		RetryDelay:    time.Millisecond,
		MaxConcurrent: 2,
	}
	deps := Deps{Providers: providers, Logger: testLogger()}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

var twoFileApp = upstream.ScriptedTurn{
	Chunks: []string{
		"/* FILE: ./package.json */\n{\"name\": \"todo\"}\n/* END_FILE */\n",
		"/* FILE: client/index.tsx */\nconsole.log(1)\n/* END_APP */",
	},
	Stop: upstream.Stop{Reason: upstream.StopEndTurn},
}

func TestGenerateCompletesAndPersists(t *testing.T) {
	root := t.TempDir()
	db, err := store.Open(store.Config{DBPath: filepath.Join(root, "appgen.db"), Logger: testLogger()})
	require.NoError(t, err)
	defer db.Close()
	log, err := transcript.New(filepath.Join(root, "transcripts"), testLogger())
	require.NoError(t, err)

	post := postprocess.New(testLogger())
	post.Bundle = false
	sink := &recordingSink{}

	s := setupTestService(t, scripted(twoFileApp), func(cfg *Config, deps *Deps) {
		cfg.OutputDir = filepath.Join(root, "apps")
		deps.Store = db
		deps.Recorder = log
		deps.Post = post
		deps.Sinks = []dispatch.Sink{sink}
	})

	res, err := s.Generate(context.Background(), Request{Description: "A todo list"})
	require.NoError(t, err)

	assert.Equal(t, conversation.StateCompleted, res.State)
	assert.Equal(t, 1, res.Turns)
	assert.Contains(t, res.Slug, "a-todo-list-")
	assert.Contains(t, res.Files, "client/index.tsx")
	assert.Contains(t, res.Files, "server/index.ts")
	assert.Contains(t, res.Files["package.json"], `"express": "latest"`)

	data, err := os.ReadFile(filepath.Join(res.OutputDir, "source.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "/* END_APP */")
	assert.FileExists(t, filepath.Join(res.OutputDir, "server", "index.html"))

	app, err := db.GetApp(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", app.State)
	assert.Equal(t, res.Slug, app.Slug)
	files, err := db.FileMap(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.Files, files)

	msgs, err := log.Messages(res.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	kinds := sink.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, dispatch.KindSessionDone, kinds[len(kinds)-1])
	assert.Contains(t, kinds, dispatch.KindFileFinalized)
}

func TestStartRejectsEmptyDescription(t *testing.T) {
	s := setupTestService(t, scripted(), nil)
	_, _, err := s.Start(context.Background(), Request{Description: "  \n"})
	assert.ErrorIs(t, err, ErrEmptyDescription)
}

func TestCredentialResolution(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	providers := ProviderFunc(func(p upstream.Profile) (upstream.Provider, error) {
		mu.Lock()
		seen = append(seen, p.APIKey)
		mu.Unlock()
		return upstream.NewScriptedProvider(), nil
	})

	t.Run("missing", func(t *testing.T) {
		s := setupTestService(t, providers, func(cfg *Config, _ *Deps) { cfg.APIKey = "" })
		_, _, err := s.Start(context.Background(), Request{Description: "x"})
		assert.ErrorIs(t, err, ErrMissingCredential)
	})

	t.Run("order", func(t *testing.T) {
		s := setupTestService(t, providers, func(cfg *Config, deps *Deps) {
			deps.Credentials = staticCredentials{"anthropic/api_key": "from-store"}
		})
		_, err := s.Generate(context.Background(), Request{Description: "x", Credential: "from-request"})
		require.NoError(t, err)
		_, err = s.Generate(context.Background(), Request{Description: "x"})
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"from-request", "from-store"}, seen)
	})
}

func TestAbortRunningSession(t *testing.T) {
	sink := &recordingSink{}
	s := setupTestService(t, scripted(upstream.ScriptedTurn{
		Chunks: []string{"/* FILE: a.ts */\npartial"},
		Hang:   true,
	}), nil)

	var started string
	id, results, err := s.Start(context.Background(), Request{
		Description: "hangs",
		Sinks:       []dispatch.Sink{sink},
		OnStart:     func(id string) { started = id },
	})
	require.NoError(t, err)
	assert.Equal(t, id, started)

	assert.Eventually(t, func() bool {
		for _, k := range sink.kinds() {
			if k == dispatch.KindChunkAppended {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, s.Abort(id))
	res := <-results
	assert.Equal(t, conversation.StateAborted, res.State)
	assert.False(t, s.Abort(id))
	assert.Empty(t, s.Active())

	kinds := sink.kinds()
	assert.Equal(t, dispatch.KindSessionDone, kinds[len(kinds)-1])
}

func TestQueuedSessionWaitsForSlot(t *testing.T) {
	provider := upstream.NewScriptedProvider(upstream.ScriptedTurn{Hang: true})
	shared := ProviderFunc(func(upstream.Profile) (upstream.Provider, error) { return provider, nil })
	s := setupTestService(t, shared, func(cfg *Config, _ *Deps) {
		cfg.MaxConcurrent = 1
	})

	first, firstDone, err := s.Start(context.Background(), Request{Description: "one"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(provider.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	second, secondDone, err := s.Start(context.Background(), Request{Description: "two"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, s.Active())

	s.Abort(second)
	res := <-secondDone
	assert.Equal(t, conversation.StateAborted, res.State)
	assert.Equal(t, 0, res.Attempts)

	s.Abort(first)
	res = <-firstDone
	assert.Equal(t, conversation.StateAborted, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, provider.Requests(), 1)
}

func TestGenerateCanceledContextAborts(t *testing.T) {
	s := setupTestService(t, scripted(upstream.ScriptedTurn{Hang: true}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := s.Generate(ctx, Request{Description: "slow"})
	require.NoError(t, err)
	assert.Equal(t, conversation.StateAborted, res.State)
}

func TestAppSlug(t *testing.T) {
	assert.Equal(t, "todo-list-abc", AppSlug("Todo List!", "abc"))
	assert.Equal(t, "app-abc", AppSlug("!!!", "abc"))

	long := AppSlug("a very long description of an application that keeps going and going", "id")
	assert.LessOrEqual(t, len(long), maxSlugLength+len("-id"))
	assert.NotContains(t, long, "--")
}
