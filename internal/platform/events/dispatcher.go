package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher hands events to a Publisher from a background goroutine.
// Enqueue never blocks: when the queue is full the event is dropped and
// logged.
type Dispatcher struct {
	pub     Publisher
	queue   chan Event
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewDispatcher(pub Publisher, size int, logger zerolog.Logger) *Dispatcher {
	if size <= 0 {
		size = 256
	}
	d := &Dispatcher{
		pub:     pub,
		queue:   make(chan Event, size),
		timeout: 10 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue schedules e for delivery and reports whether it was accepted.
func (d *Dispatcher) Enqueue(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Error().Str("event_type", string(e.Type)).Msg("event dropped: dispatcher closed")
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.logger.Error().Str("event_type", string(e.Type)).
			Str("appointment_id", e.AppointmentID.String()).
			Msg("event dropped: queue full")
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.pub.Publish(ctx, e); err != nil {
			d.logger.Error().Err(err).
				Str("event_type", string(e.Type)).
				Str("appointment_id", e.AppointmentID.String()).
				Msg("event publish failed")
		}
		cancel()
	}
}

// Close stops accepting events, waits for queued ones to be published (or
// for ctx to expire) and closes the publisher.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.pub.Close()
}
