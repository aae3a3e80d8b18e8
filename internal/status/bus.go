// Package status implements the per-session event channel between
// pipeline runs (producers) and status stream connections (consumers).
package status

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tirescan-service/internal/domain/vehicle"
)

// ErrTimeout is returned by Subscription.Next when no event arrives
// within the timeout.
var ErrTimeout = errors.New("status: receive timed out")

// completedRetention is how long a completed session's channel survives
// without a subscriber before it is swept, giving a late stream
// connection a window to pick up the buffered events.
const completedRetention = time.Minute

type entry struct {
	ch          chan vehicle.Event
	subscribers int
	completed   bool
}

// Bus routes events to per-session channels. Channels are created lazily
// on first publish or subscribe and removed by Release when the stream
// consumer is finished with them; a completed session no consumer ever
// claimed is swept after completedRetention.
//
// Publishing never blocks. Ordinary events are dropped (and logged) when
// a session's buffer is full; the terminal Done instead evicts the
// oldest buffered event until it fits, so the consumer always observes
// it as the run's last event.
type Bus struct {
	log       zerolog.Logger
	buffer    int
	retention time.Duration

	mu       sync.Mutex
	channels map[string]*entry
}

func NewBus(buffer int, log zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		log:       log,
		buffer:    buffer,
		retention: completedRetention,
		channels:  make(map[string]*entry),
	}
}

// entryLocked returns the session's entry, creating it if needed. The
// caller must hold b.mu.
func (b *Bus) entryLocked(sessionID string) *entry {
	e, ok := b.channels[sessionID]
	if !ok {
		e = &entry{ch: make(chan vehicle.Event, b.buffer)}
		b.channels[sessionID] = e
	}
	return e
}

// Publish enqueues an event for the session without blocking the caller.
// Events published for the same session are delivered in publish order.
func (b *Bus) Publish(sessionID string, ev vehicle.Event) {
	_, terminal := ev.(vehicle.Done)

	b.mu.Lock()
	e := b.entryLocked(sessionID)
	if terminal && !e.completed {
		e.completed = true
		if e.subscribers == 0 {
			b.sweepAfterRetention(sessionID, e)
		}
	}
	b.mu.Unlock()

	if terminal {
		// The terminal event must survive a full buffer: evict the oldest
		// buffered event until the send succeeds.
		for {
			select {
			case e.ch <- ev:
				return
			default:
			}
			select {
			case <-e.ch:
			default:
			}
		}
	}

	select {
	case e.ch <- ev:
	default:
		b.log.Warn().
			Str("session_id", sessionID).
			Type("event", ev).
			Msg("status buffer full, dropping event")
	}
}

// sweepAfterRetention removes the entry once the retention window passes
// with still no subscriber. The caller must hold b.mu.
func (b *Bus) sweepAfterRetention(sessionID string, e *entry) {
	time.AfterFunc(b.retention, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.channels[sessionID]; ok && cur == e && cur.subscribers == 0 {
			delete(b.channels, sessionID)
			b.log.Debug().Str("session_id", sessionID).Msg("swept unclaimed session channel")
		}
	})
}

// Subscribe returns the consumer side of the session's channel. The bus
// supports one consumer per session at a time.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(sessionID)
	e.subscribers++
	return &Subscription{ch: e.ch}
}

// Release drops the session's channel. Events already buffered are lost;
// a later publish for the same id starts a fresh channel.
func (b *Bus) Release(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, sessionID)
}

type Subscription struct {
	ch <-chan vehicle.Event
}

// Next blocks until an event arrives, the timeout elapses (ErrTimeout),
// or the context is cancelled.
func (s *Subscription) Next(ctx context.Context, timeout time.Duration) (vehicle.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.ch:
		return ev, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
