// Package gateway exposes generation sessions over a websocket and a few
// HTTP endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/appgen/internal/observability"
	"github.com/harun/appgen/internal/tracing"
	"github.com/harun/appgen/pkg/archive"
	"github.com/harun/appgen/pkg/dispatch"
	"github.com/harun/appgen/pkg/generator"
	"github.com/harun/appgen/pkg/store"
)

const (
	defaultSessionsPerMinute = 10
	defaultSessionsPerClient = 3
	maxMessageSize           = 64 << 10
)

// Generator starts and aborts sessions
type Generator interface {
	Start(ctx context.Context, req generator.Request) (string, <-chan generator.Result, error)
	Abort(id string) bool
}

// AppStore serves stored apps and the waitlist
type AppStore interface {
	GetApp(ctx context.Context, id string) (store.App, error)
	GetAppBySlug(ctx context.Context, slug string) (store.App, error)
	FileMap(ctx context.Context, appID string) (map[string]string, error)
	AddToWaitlist(ctx context.Context, email string) error
}

// Config holds server configuration
type Config struct {
	Host string
	Port int
	// AllowedOrigins restricts websocket origins; empty allows any
	AllowedOrigins []string
	// SessionsPerMinute and SessionsPerClient bound each client. Zero picks
	// the defaults, negative disables the limit.
	SessionsPerMinute int
	SessionsPerClient int
	Generator         Generator
	Store             AppStore
	Logger            zerolog.Logger
}

// Server is the gateway HTTP and websocket server
type Server struct {
	cfg         Config
	server      *http.Server
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	sessions       sync.WaitGroup
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if cfg.SessionsPerMinute == 0 {
		cfg.SessionsPerMinute = defaultSessionsPerMinute
	}
	if cfg.SessionsPerClient == 0 {
		cfg.SessionsPerClient = defaultSessionsPerClient
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		cfg:         cfg,
		clients:     clients,
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"clients": s.clients.Count(),
		})
	})
	mux.HandleFunc("GET /apps/{id}/archive", s.handleArchive)
	mux.HandleFunc("POST /waitlist", s.handleWaitlist)
	return mux
}

// Start starts serving in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Stop notifies clients, closes their connections and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.broadcaster.Broadcast(ServerEvent{Type: EventShutdown, Message: "server is shutting down"})

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, sessions still running")
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}
	client := newClient(clientID, conn, r.RemoteAddr, NewSessionLimiter(s.cfg.SessionsPerMinute, s.cfg.SessionsPerClient))
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

// handleClient reads messages until the connection drops, then aborts the
// client's sessions since nobody is left to receive them.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		for _, id := range client.Sessions() {
			s.cfg.Generator.Abort(id)
		}
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.sendError(client, "", "malformed message")
		return
	}

	switch msg.Type {
	case MessageGenerate:
		s.handleGenerate(client, msg)
	case MessageAbort:
		if msg.SessionID == "" || !client.ownsSession(msg.SessionID) {
			s.sendError(client, msg.SessionID, "unknown session")
			return
		}
		s.cfg.Generator.Abort(msg.SessionID)
	default:
		s.sendError(client, "", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) handleGenerate(client *Client, msg ClientMessage) {
	description := msg.Description
	if description == "" {
		description = msg.AppDesc
	}

	if ok, reason := client.Limiter.Acquire(); !ok {
		s.sendError(client, "", reason)
		return
	}

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	ctx = tracing.WithClientID(ctx, client.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	id, results, err := s.cfg.Generator.Start(ctx, generator.Request{
		Description: description,
		Credential:  msg.Credential,
		Sinks:       []dispatch.Sink{&clientSink{client: client}},
		OnStart: func(id string) {
			client.addSession(id)
			if err := client.WriteJSON(ServerEvent{
				Type:      EventSessionStarted,
				SessionID: id,
				Timestamp: time.Now().UnixMilli(),
			}); err != nil {
				logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to announce session")
			}
		},
	})
	if err != nil {
		client.Limiter.Release()
		logger.Warn().Err(err).Str("clientId", client.ID).Msg("Generate request rejected")
		s.sendError(client, "", err.Error())
		return
	}

	logger.Info().Str("clientId", client.ID).Str("session_id", id).Msg("Session started for client")

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		<-results
		client.removeSession(id)
		client.Limiter.Release()
	}()
}

// sendError sends an error event to a client
func (s *Server) sendError(client *Client, sessionID, message string) {
	err := client.WriteJSON(ServerEvent{
		Type:      EventError,
		SessionID: sessionID,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send error")
	}
}

// handleArchive streams a stored app as a zip, looked up by id or slug
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	ctx := r.Context()
	key := r.PathValue("id")

	app, err := s.cfg.Store.GetApp(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		app, err = s.cfg.Store.GetAppBySlug(ctx, key)
	}
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "app not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("app", key).Msg("Failed to load app")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	files, err := s.cfg.Store.FileMap(ctx, app.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("app", app.ID).Msg("Failed to load app files")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", archive.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Filename(app.Slug)))
	skipped, err := archive.Write(w, files)
	if len(skipped) > 0 {
		s.logger.Warn().Str("app", app.ID).Strs("paths", skipped).Msg("Left unsafe paths out of archive")
	}
	if err != nil {
		s.logger.Error().Err(err).Str("app", app.ID).Msg("Failed to write archive")
	}
}

func (s *Server) handleWaitlist(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}

	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if _, err := mail.ParseAddress(body.Email); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email"})
		return
	}

	if err := s.cfg.Store.AddToWaitlist(r.Context(), body.Email); err != nil {
		s.logger.Error().Err(err).Msg("Failed to add to waitlist")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Clients returns information about connected clients
func (s *Server) Clients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
