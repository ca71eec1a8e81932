package gateway

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/appgen/pkg/conversation"
	"github.com/harun/appgen/pkg/generator"
	"github.com/harun/appgen/pkg/store"
	"github.com/harun/appgen/pkg/upstream"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
}

type testEnv struct {
	srv   *httptest.Server
	gen   *generator.Service
	store *store.Store
}

func setupTestGateway(t *testing.T, turns ...upstream.ScriptedTurn) *testEnv {
	t.Helper()

	db, err := store.Open(store.Config{DBPath: filepath.Join(t.TempDir(), "appgen.db"), Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gen, err := generator.New(generator.Config{
		APIKey:        "sk-ant-test",
		Driver:        conversation.DefaultConfig(),
		RetryDelay:    time.Millisecond,
		MaxConcurrent: 2,
	}, generator.Deps{
		Providers: generator.ProviderFunc(func(upstream.Profile) (upstream.Provider, error) {
			return upstream.NewScriptedProvider(turns...), nil
		}),
		Store:  db,
		Logger: testLogger(),
	})
	require.NoError(t, err)

	s, err := NewServer(Config{Generator: gen, Store: db, Logger: testLogger()})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gen.Shutdown(ctx)
	})
	return &testEnv{srv: srv, gen: gen, store: db}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m map[string]interface{}
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

// readUntil collects messages up to and including the first of type typ
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for {
		m := readMessage(t, conn)
		out = append(out, m)
		if m["type"] == typ {
			return out
		}
	}
}

var oneFileApp = upstream.ScriptedTurn{
	Chunks: []string{"/* FILE: client/index.ts */\nhello\n/* END_APP */"},
	Stop:   upstream.Stop{Reason: upstream.StopEndTurn},
}

func TestGenerateOverWebSocket(t *testing.T) {
	env := setupTestGateway(t, oneFileApp)
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageGenerate, Description: "hello app"}))

	started := readMessage(t, conn)
	require.Equal(t, EventSessionStarted, started["type"])
	id, _ := started["sessionId"].(string)
	require.NotEmpty(t, id)

	msgs := readUntil(t, conn, "session-done")
	done := msgs[len(msgs)-1]
	assert.Equal(t, "completed", done["state"])
	assert.Equal(t, id, done["sessionId"])

	var finalized bool
	var lastSeq float64
	for _, m := range msgs {
		seq, _ := m["seq"].(float64)
		assert.Greater(t, seq, lastSeq)
		lastSeq = seq
		if m["type"] == "file-finalized" && m["relativePath"] == "client/index.ts" {
			finalized = true
			assert.Equal(t, "hello\n", m["fullContent"])
		}
	}
	assert.True(t, finalized)
}

func TestAppDescAlias(t *testing.T) {
	env := setupTestGateway(t, oneFileApp)
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"generate","app_desc":"hello"}`)))
	assert.Equal(t, EventSessionStarted, readMessage(t, conn)["type"])
	readUntil(t, conn, "session-done")
}

func TestGenerateErrors(t *testing.T) {
	env := setupTestGateway(t)
	conn := env.dial(t)

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"malformed", `{not json`, "malformed message"},
		{"unknown type", `{"type":"dance"}`, `unknown message type "dance"`},
		{"empty description", `{"type":"generate","description":"  "}`, generator.ErrEmptyDescription.Error()},
		{"foreign abort", `{"type":"abort","sessionId":"nope"}`, "unknown session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.message)))
			m := readMessage(t, conn)
			assert.Equal(t, EventError, m["type"])
			assert.Equal(t, tt.want, m["message"])
		})
	}
}

func TestAbortOverWebSocket(t *testing.T) {
	env := setupTestGateway(t, upstream.ScriptedTurn{Hang: true})
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageGenerate, Description: "slow"}))
	started := readMessage(t, conn)
	require.Equal(t, EventSessionStarted, started["type"])

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageAbort, SessionID: started["sessionId"].(string)}))
	msgs := readUntil(t, conn, "session-done")
	assert.Equal(t, "aborted", msgs[len(msgs)-1]["state"])
}

func TestDisconnectAbortsSessions(t *testing.T) {
	env := setupTestGateway(t, upstream.ScriptedTurn{Hang: true})
	conn := env.dial(t)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageGenerate, Description: "slow"}))
	require.Equal(t, EventSessionStarted, readMessage(t, conn)["type"])
	require.Len(t, env.gen.Active(), 1)

	conn.Close()
	assert.Eventually(t, func() bool { return len(env.gen.Active()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestArchiveEndpoint(t *testing.T) {
	env := setupTestGateway(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateApp(ctx, store.App{ID: "abc", Slug: "todo-abc", Description: "todo", State: "completed"}))
	require.NoError(t, env.store.SaveFiles(ctx, "abc", map[string]string{"a.txt": "A", "dir/b.txt": "B"}))

	for _, key := range []string{"abc", "todo-abc"} {
		resp, err := http.Get(env.srv.URL + "/apps/" + key + "/archive")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Content-Disposition"), "todo-abc")

		zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		var names []string
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		assert.Equal(t, []string{"a.txt", "dir/b.txt"}, names)
	}

	resp, err := http.Get(env.srv.URL + "/apps/missing/archive")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWaitlistEndpoint(t *testing.T) {
	env := setupTestGateway(t)

	post := func(body string) int {
		resp, err := http.Post(env.srv.URL+"/waitlist", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post(`{"email":"Ada@Example.com"}`))
	assert.Equal(t, http.StatusOK, post(`{"email":"ada@example.com"}`))
	assert.Equal(t, http.StatusBadRequest, post(`{"email":"nope"}`))
	assert.Equal(t, http.StatusBadRequest, post(`nope`))

	emails, err := env.store.Waitlist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ada@example.com"}, emails)
}

func TestHealthz(t *testing.T) {
	env := setupTestGateway(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestCheckOrigin(t *testing.T) {
	s, err := NewServer(Config{
		Generator:      &generator.Service{},
		AllowedOrigins: []string{"https://app.example.com"},
		Logger:         testLogger(),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, s.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))
}

func TestSessionLimiter(t *testing.T) {
	t.Run("running limit", func(t *testing.T) {
		l := NewSessionLimiter(100, 2)
		ok, _ := l.Acquire()
		assert.True(t, ok)
		ok, _ = l.Acquire()
		assert.True(t, ok)
		ok, reason := l.Acquire()
		assert.False(t, ok)
		assert.Equal(t, ReasonTooManySessions, reason)

		l.Release()
		ok, _ = l.Acquire()
		assert.True(t, ok)
	})

	t.Run("window", func(t *testing.T) {
		now := time.Unix(1000, 0)
		l := NewSessionLimiter(2, 0)
		l.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			ok, _ := l.Acquire()
			require.True(t, ok)
			l.Release()
		}
		ok, reason := l.Acquire()
		assert.False(t, ok)
		assert.Equal(t, ReasonRateLimited, reason)

		now = now.Add(61 * time.Second)
		ok, _ = l.Acquire()
		assert.True(t, ok)

		starts, running := l.Stats()
		assert.Equal(t, 1, starts)
		assert.Equal(t, 1, running)
	})
}
