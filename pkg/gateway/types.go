package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client message types
const (
	MessageGenerate = "generate"
	MessageAbort    = "abort"
)

// Server message types sent besides session notifications
const (
	EventSessionStarted = "session-started"
	EventError          = "error"
	EventShutdown       = "server-shutdown"
)

// ClientMessage is a request read from a websocket client
type ClientMessage struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// AppDesc is accepted as an alias of Description
	AppDesc    string `json:"app_desc,omitempty"`
	Credential string `json:"credential,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// ServerEvent is a gateway message that is not a session notification
type ServerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Sessions     []string  `json:"sessions"`
	Idle         bool      `json:"idle"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	Limiter      *SessionLimiter

	writeMu  sync.Mutex
	mu       sync.Mutex
	sessions map[string]struct{}
}

func newClient(id string, conn *websocket.Conn, ip string, limiter *SessionLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:           id,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    ip,
		Limiter:      limiter,
		sessions:     make(map[string]struct{}),
	}
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *Client) addSession(id string) {
	c.mu.Lock()
	c.sessions[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

func (c *Client) ownsSession(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

// Sessions returns the ids of the client's running sessions
func (c *Client) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}
