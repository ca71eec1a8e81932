// Package natsbus publishes session notifications on NATS subjects of the
// form <prefix>.<sessionId>.<kind>. With JetStream available the
// notifications are also kept so a late consumer can replay a session.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/harun/appgen/pkg/dispatch"
)

const (
	// DefaultPrefix is the first subject token
	DefaultPrefix = "appgen"

	historyRetention = 24 * time.Hour
	fetchBatch       = 500
)

// ErrNoHistory is returned by History when JetStream is not available
var ErrNoHistory = errors.New("notification history requires jetstream")

// Config configures a Bus. Embedded starts an in-process server and ignores
// URL.
type Config struct {
	URL      string
	Embedded bool
	StoreDir string
	Prefix   string
	Logger   zerolog.Logger
}

// Bus is a NATS connection that carries session notifications
type Bus struct {
	nc     *nats.Conn
	ns     *server.Server
	js     jetstream.JetStream
	stream jetstream.Stream
	prefix string
	logger zerolog.Logger
}

// Connect connects to NATS, or starts an embedded server, and sets up the
// notification stream when JetStream is enabled on the server.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if strings.ContainsAny(cfg.Prefix, ".*> ") {
		return nil, fmt.Errorf("invalid subject prefix %q", cfg.Prefix)
	}

	b := &Bus{
		prefix: cfg.Prefix,
		logger: cfg.Logger.With().Str("component", "natsbus").Logger(),
	}

	var err error
	if cfg.Embedded {
		if cfg.StoreDir == "" {
			return nil, errors.New("embedded nats requires a store directory")
		}
		if b.ns, err = StartEmbedded(cfg.StoreDir, b.logger); err != nil {
			return nil, fmt.Errorf("failed to start embedded nats: %w", err)
		}
		b.nc, err = ConnectInProcess(b.ns)
	} else {
		if cfg.URL == "" {
			cfg.URL = nats.DefaultURL
		}
		b.nc, err = nats.Connect(cfg.URL, nats.Name("appgen"))
	}
	if err != nil {
		shutdown(nil, b.ns, b.logger)
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	if err := b.setupStream(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("JetStream unavailable, notifications will not be kept")
	}

	b.logger.Info().
		Bool("embedded", cfg.Embedded).
		Bool("history", b.stream != nil).
		Str("prefix", b.prefix).
		Msg("Connected to NATS")
	return b, nil
}

func (b *Bus) setupStream(ctx context.Context) error {
	js, err := jetstream.New(b.nc)
	if err != nil {
		return err
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.prefix + "_notifications",
		Subjects: []string{b.prefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   historyRetention,
	})
	if err != nil {
		return err
	}
	b.js = js
	b.stream = stream
	return nil
}

// Subject returns the subject of one notification kind of a session
func (b *Bus) Subject(sessionID string, kind dispatch.Kind) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, sessionID, kind)
}

// SessionSubject returns the wildcard subject covering a whole session
func (b *Bus) SessionSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s.>", b.prefix, sessionID)
}

// Name implements dispatch.Sink
func (b *Bus) Name() string {
	return "nats"
}

// Deliver implements dispatch.Sink
func (b *Bus) Deliver(ctx context.Context, n dispatch.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	subject := b.Subject(n.SessionID, n.Type)
	if b.js != nil {
		_, err = b.js.Publish(ctx, subject, data)
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe calls fn with every live notification of a session
func (b *Bus) Subscribe(sessionID string, fn func(dispatch.Notification)) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.SessionSubject(sessionID), func(msg *nats.Msg) {
		var n dispatch.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Skipping malformed notification")
			return
		}
		fn(n)
	})
}

// History returns the kept notifications of a session in publish order
func (b *Bus) History(ctx context.Context, sessionID string) ([]dispatch.Notification, error) {
	if b.stream == nil {
		return nil, ErrNoHistory
	}

	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: b.SessionSubject(sessionID),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		if err := b.stream.DeleteConsumer(context.WithoutCancel(ctx), consumer.CachedInfo().Name); err != nil {
			b.logger.Debug().Err(err).Msg("Failed to delete history consumer")
		}
	}()

	var out []dispatch.Notification
	for {
		msgs, err := consumer.FetchNoWait(fetchBatch)
		if err != nil {
			break
		}

		count := 0
		for msg := range msgs.Messages() {
			count++
			var n dispatch.Notification
			if err := json.Unmarshal(msg.Data(), &n); err != nil {
				b.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("Skipping malformed notification")
			} else {
				out = append(out, n)
			}
			msg.Ack()
		}
		if count < fetchBatch {
			break
		}
	}
	return out, nil
}

// Conn returns the underlying connection
func (b *Bus) Conn() *nats.Conn {
	return b.nc
}

// Close drains the connection and stops the embedded server, if any
func (b *Bus) Close() error {
	return shutdown(b.nc, b.ns, b.logger)
}
