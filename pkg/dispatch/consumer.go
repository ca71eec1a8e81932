package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/appgen/internal/observability"
)

type consumer struct {
	sink     Sink
	capacity int
	logger   zerolog.Logger

	mu      sync.Mutex
	queue   []Notification
	stale   map[string]bool
	dropped int
	closed  bool
	signal  chan struct{}
}

func newConsumer(s Sink, capacity int, logger zerolog.Logger) *consumer {
	return &consumer{
		sink:     s,
		capacity: capacity,
		logger:   logger.With().Str("sink", s.Name()).Logger(),
		stale:    make(map[string]bool),
		signal:   make(chan struct{}, 1),
	}
}

func (c *consumer) push(n Notification) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	switch {
	case n.Type == KindChunkAppended:
		if c.stale[n.RelativePath] {
			c.drop(n)
			c.mu.Unlock()
			return
		}
		if len(c.queue) >= c.capacity {
			c.dropOldestChunk()
			if c.stale[n.RelativePath] || len(c.queue) >= c.capacity {
				c.stale[n.RelativePath] = true
				c.drop(n)
				c.mu.Unlock()
				return
			}
		}
	case n.Type.Authoritative():
		delete(c.stale, n.RelativePath)
	}

	c.queue = append(c.queue, n)
	observability.SetNotificationQueueDepth(c.sink.Name(), len(c.queue))
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// dropOldestChunk removes the oldest queued chunk together with the chunks
// for the same path queued behind it, up to the next authoritative
// notification for that path. If no such notification is queued the path is
// marked stale. Must be called with c.mu held.
func (c *consumer) dropOldestChunk() {
	first := -1
	for i, n := range c.queue {
		if n.Type == KindChunkAppended {
			first = i
			break
		}
	}
	if first < 0 {
		return
	}

	path := c.queue[first].RelativePath
	kept := c.queue[:first]
	resolved := false
	for _, n := range c.queue[first:] {
		if !resolved && n.RelativePath == path {
			if n.Type == KindChunkAppended {
				c.drop(n)
				continue
			}
			if n.Type.Authoritative() {
				resolved = true
			}
		}
		kept = append(kept, n)
	}
	c.queue = kept
	if !resolved {
		c.stale[path] = true
	}
}

func (c *consumer) drop(n Notification) {
	c.dropped++
	observability.RecordNotificationDropped(c.sink.Name())
	c.logger.Debug().
		Str("path", n.RelativePath).
		Int64("seq", n.Seq).
		Msg("Dropped chunk for slow consumer")
}

func (c *consumer) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *consumer) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *consumer) run() {
	ctx := context.Background()
	for {
		<-c.signal

		for {
			c.mu.Lock()
			batch := c.queue
			c.queue = nil
			closed := c.closed
			c.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			observability.SetNotificationQueueDepth(c.sink.Name(), 0)
			for _, n := range batch {
				if err := c.sink.Deliver(ctx, n); err != nil {
					c.logger.Warn().
						Err(err).
						Str("type", string(n.Type)).
						Int64("seq", n.Seq).
						Msg("Failed to deliver notification")
				}
			}
		}
	}
}
