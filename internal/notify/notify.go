// Package notify delivers trading events to operators and downstream
// consumers. Delivery is fire-and-forget: a failing sink never fails the
// trading cycle that produced the event.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"paper-trading-core/internal/events"
	"paper-trading-core/pkg/instance"
	"paper-trading-core/pkg/logger"
)

// Event is one notification.
type Event struct {
	ID      string         `json:"id"`
	Type    events.Event   `json:"type"`
	Source  string         `json:"source"`
	Account string         `json:"account,omitempty"`
	Symbol  string         `json:"symbol,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// NewEvent stamps an event with an id, the instance source and the time.
func NewEvent(typ events.Event, account, symbol, message string, data map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Source:  instance.ID(),
		Account: account,
		Symbol:  symbol,
		Message: message,
		Data:    data,
		At:      time.Now().UTC(),
	}
}

// Notifier accepts events.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DispatcherStats counts dispatcher outcomes.
type DispatcherStats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Dispatcher queues events and delivers them from a background goroutine.
// Notify never blocks; events are dropped when the queue is full.
type Dispatcher struct {
	sink    Notifier
	queue   chan Event
	timeout time.Duration
	log     zerolog.Logger

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

// NewDispatcher starts a dispatcher delivering to sink with a per-event
// timeout.
func NewDispatcher(sink Notifier, buffer int, timeout time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, buffer),
		timeout: timeout,
		log:     logger.Component("notify"),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify enqueues evt. It returns nil even when the event is dropped.
func (d *Dispatcher) Notify(_ context.Context, evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return nil
	}
	select {
	case d.queue <- evt:
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("type", string(evt.Type)).Msg("notification queue full, dropping event")
	}
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for evt := range d.queue {
		d.deliver(evt)
	}
}

func (d *Dispatcher) deliver(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.log.Error().Interface("panic", r).Str("type", string(evt.Type)).Msg("notifier panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.sink.Notify(ctx, evt); err != nil {
		d.failed.Add(1)
		d.log.Warn().Err(err).Str("type", string(evt.Type)).Msg("notification delivery failed")
		return
	}
	d.delivered.Add(1)
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
	return nil
}
