package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/harun/appgen/internal/observability"
	"github.com/harun/appgen/pkg/assembler"
)

// DefaultQueueSize is the per-consumer queue bound
const DefaultQueueSize = 256

// Dispatcher fans out the notifications of one session.
//
// Each sink gets its own bounded queue and goroutine, so a slow sink never
// stalls the session or the other sinks. When a queue is full the oldest
// queued chunk is dropped and its path is marked stale for that sink; later
// chunks for a stale path are suppressed until the next authoritative
// notification for it. Authoritative and terminal notifications are never
// dropped.
type Dispatcher struct {
	sessionID string
	queueSize int
	logger    zerolog.Logger
	seq       int64

	mu        sync.Mutex
	consumers []*consumer
	closed    bool
	done      bool
	wg        sync.WaitGroup
}

// New creates a dispatcher for a session
func New(sessionID string, queueSize int, logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{
		sessionID: sessionID,
		queueSize: queueSize,
		logger:    logger.With().Str("session_id", sessionID).Logger(),
	}
	for _, s := range sinks {
		d.Attach(s)
	}
	return d
}

// SessionID returns the session the dispatcher belongs to
func (d *Dispatcher) SessionID() string {
	return d.sessionID
}

// Attach adds a sink. It only receives notifications published afterwards.
func (d *Dispatcher) Attach(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	c := newConsumer(s, d.queueSize, d.logger)
	d.consumers = append(d.consumers, c)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		c.run()
	}()
}

// HandleEvent publishes an assembler event. It is the assembler's emit func.
func (d *Dispatcher) HandleEvent(e assembler.Event) {
	if e.Kind == assembler.FileFinalized {
		observability.RecordFileFinalized()
	}
	d.Publish(FromEvent(e))
}

// Publish stamps n and queues it for every sink. It never blocks on a sink.
func (d *Dispatcher) Publish(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.done {
		d.logger.Debug().Str("type", string(n.Type)).Msg("Dropping notification after session end")
		return
	}
	stamp(&n, d.sessionID, atomic.AddInt64(&d.seq, 1))
	if n.Type == KindSessionDone {
		d.done = true
	}
	for _, c := range d.consumers {
		c.push(n)
	}
}

// Complete runs post on a completed session, then publishes session-done.
// A post-processing failure is logged; the done notification is still sent.
func (d *Dispatcher) Complete(ctx context.Context, state string, completed bool, post func(ctx context.Context) error) {
	if completed && post != nil {
		if err := post(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Post-processing failed")
		}
	}
	d.Publish(Notification{Type: KindSessionDone, State: state})
}

// Close delivers what is queued and stops all sink goroutines.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	consumers := d.consumers
	d.mu.Unlock()

	for _, c := range consumers {
		c.close()
	}
	d.wg.Wait()
}

// Dropped returns how many notifications each sink has lost, by sink name
func (d *Dispatcher) Dropped() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int, len(d.consumers))
	for _, c := range d.consumers {
		out[c.sink.Name()] += c.droppedCount()
	}
	return out
}
