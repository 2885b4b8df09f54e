// Package events provides the per-run ordered event log with durable
// write-through and live fan-out to any number of concurrent observers.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls this far behind is disconnected rather than back-pressuring
// the publisher.
const subscriberBuffer = 256

// Subscription is one observer's independent read cursor on a run's live
// event stream.
type Subscription struct {
	id    string
	runID string
	ch    chan *models.Event
}

// Events returns the live event channel. The channel is closed when the
// run reaches a terminal state, the subscriber is disconnected for falling
// behind, or Unsubscribe is called.
func (s *Subscription) Events() <-chan *models.Event {
	return s.ch
}

// runLog is the in-memory append-only log of one active run.
type runLog struct {
	mu      sync.Mutex
	nextSeq int64
	events  []*models.Event
	subs    map[string]*Subscription
}

// Bus is the append-only, strictly ordered per-run event log with live
// fan-out. Every published event is written through to the durable event
// store; the in-memory log exists only while the run is active and makes
// the replay-then-live seam gap-free for late subscribers.
type Bus struct {
	store  store.EventStore
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*runLog
}

// NewBus creates a Bus backed by the given durable event store.
func NewBus(st store.EventStore, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		store:  st,
		logger: logger,
		runs:   make(map[string]*runLog),
	}
}

// Open registers a run as active. Publish and gap-free live subscription
// are only available between Open and Close.
func (b *Bus) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runs[runID]; ok {
		return
	}
	b.runs[runID] = &runLog{
		nextSeq: 1,
		subs:    make(map[string]*Subscription),
	}
}

// Publish appends an event to the run's ordered log, persists it, and fans
// it out to all attached subscribers. The run supervisor is the single
// writer per run; sequence numbers are assigned here and are strictly
// increasing from 1.
func (b *Bus) Publish(ctx context.Context, runID string, typ models.EventType, step models.Step, message string) (*models.Event, error) {
	b.mu.Lock()
	rl, ok := b.runs[runID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %s is not active", runID)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	event := &models.Event{
		RunID:     runID,
		Sequence:  rl.nextSeq,
		Type:      typ,
		Step:      step,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	rl.nextSeq++
	rl.events = append(rl.events, event)

	var persistErr error
	if err := b.store.Append(ctx, event); err != nil {
		// The in-memory order stands; surface the persistence failure to
		// the caller without stalling live observers.
		persistErr = fmt.Errorf("persisting event %d for run %s: %w", event.Sequence, runID, err)
	}

	for id, sub := range rl.subs {
		select {
		case sub.ch <- event:
		default:
			// Subscriber fell too far behind: disconnect it instead of
			// blocking publication or skipping events in its stream.
			b.logger.Warn("disconnecting slow event subscriber",
				"run_id", runID,
				"subscriber_id", id,
			)
			delete(rl.subs, id)
			close(sub.ch)
		}
	}

	return event, persistErr
}

// Subscribe attaches an observer to a run. It returns the full history
// published so far followed by a live subscription; the seam between the
// two has no gap and no duplication. For runs that are no longer active
// the subscription is nil and the returned history is final.
func (b *Bus) Subscribe(ctx context.Context, runID string) ([]*models.Event, *Subscription, error) {
	b.mu.Lock()
	rl, ok := b.runs[runID]
	b.mu.Unlock()

	if !ok {
		history, err := b.store.ListByRun(ctx, runID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading run history: %w", err)
		}
		return history, nil, nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	history := make([]*models.Event, len(rl.events))
	copy(history, rl.events)

	sub := &Subscription{
		id:    uuid.NewString(),
		runID: runID,
		ch:    make(chan *models.Event, subscriberBuffer),
	}
	rl.subs[sub.id] = sub
	return history, sub, nil
}

// Unsubscribe detaches an observer. Safe to call after the run closed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	rl, ok := b.runs[sub.runID]
	b.mu.Unlock()
	if !ok {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, exists := rl.subs[sub.id]; exists {
		delete(rl.subs, sub.id)
		close(sub.ch)
	}
}

// Close marks a run terminal: all live subscriber channels are closed and
// the in-memory log is discarded. History remains queryable from the
// durable store.
func (b *Bus) Close(runID string) {
	b.mu.Lock()
	rl, ok := b.runs[runID]
	delete(b.runs, runID)
	b.mu.Unlock()
	if !ok {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, sub := range rl.subs {
		delete(rl.subs, id)
		close(sub.ch)
	}
}

// History returns everything published for a run so far, in order. The
// read is repeatable and served from the durable store.
func (b *Bus) History(ctx context.Context, runID string) ([]*models.Event, error) {
	return b.store.ListByRun(ctx, runID)
}
