package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/appgen/pkg/dispatch"
)

// clientSink forwards one session's notifications to a websocket client.
// It runs on the dispatcher's goroutine for this client, so a slow socket
// only backs up this client's queue.
type clientSink struct {
	client *Client
}

func (s *clientSink) Name() string {
	return "ws:" + s.client.ID
}

func (s *clientSink) Deliver(_ context.Context, n dispatch.Notification) error {
	return s.client.WriteJSON(n)
}

// EventBroadcaster sends gateway events to every connected client
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends ev to all clients
func (b *EventBroadcaster) Broadcast(ev ServerEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", ev.Type).Msg("No clients to broadcast to")
		return
	}

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		if err := client.WriteJSON(ev); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", ev.Type).
				Msg("Failed to broadcast to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", ev.Type).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}
