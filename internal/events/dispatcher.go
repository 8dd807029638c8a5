// Package events fans committed engine events out to external consumers.
// Delivery happens on the dispatcher's own goroutine, never inside an
// auction's exclusive section.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"auction-engine/internal/metrics"
	"auction-engine/internal/model"
)

// Sink receives events after the transaction that produced them committed.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e model.Event) error
}

type Dispatcher struct {
	ch      chan model.Event
	sinks   []Sink
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(log *zap.Logger, m *metrics.Metrics, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		ch:      make(chan model.Event, buffer),
		sinks:   sinks,
		log:     log,
		metrics: m,
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
}

// Publish queues events without blocking. When the buffer is full the event
// is dropped and counted; the event log still has it.
func (d *Dispatcher) Publish(evs ...model.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, e := range evs {
		select {
		case d.ch <- e:
		default:
			d.metrics.Dropped()
			d.log.Warn("event dropped", zap.Int64("event_id", e.ID), zap.String("type", string(e.Type)))
		}
	}
}

// Run delivers queued events until Close drains the buffer.
func (d *Dispatcher) Run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := s.Deliver(ctx, e)
			cancel()
			if err != nil {
				d.log.Warn("sink delivery failed",
					zap.String("sink", s.Name()),
					zap.Int64("event_id", e.ID),
					zap.Error(err))
				continue
			}
			d.metrics.Delivered(s.Name())
		}
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Sinks ────────────────────────────────────────────

// LogSink writes every event at debug level.
type LogSink struct{ Log *zap.Logger }

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, e model.Event) error {
	s.Log.Debug("event",
		zap.Int64("id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("auction_id", e.AuctionID),
		zap.Any("payload", e.Payload))
	return nil
}

// Recorder keeps every delivered event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (*Recorder) Name() string { return "recorder" }

func (r *Recorder) Deliver(_ context.Context, e model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events.
func (r *Recorder) OfType(t model.EventType) []model.Event {
	var out []model.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Publish records synchronously, so a Recorder can stand in for a Dispatcher.
func (r *Recorder) Publish(evs ...model.Event) {
	r.mu.Lock()
	r.events = append(r.events, evs...)
	r.mu.Unlock()
}
