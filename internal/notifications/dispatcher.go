// Package notifications delivers health alerts to external channels.
package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/rs/zerolog/log"
)

// Sink delivers alerts to one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, alert health.Alert) error
}

const (
	defaultBuffer          = 64
	defaultDeliveryTimeout = 10 * time.Second
)

// Dispatcher fans alerts out to every sink on a background goroutine so the
// health monitor never waits on a network call. Alerts arriving while the
// buffer is full are dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	ch      chan health.Alert
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Dispatcher{
		sinks:   sinks,
		ch:      make(chan health.Alert, buffer),
		timeout: defaultDeliveryTimeout,
	}
}

// AddSink registers a sink. Call before Start.
func (d *Dispatcher) AddSink(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Sinks returns the registered sink names.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// HandleAlert queues an alert. It never blocks.
func (d *Dispatcher) HandleAlert(a health.Alert) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- a:
	default:
		n := d.dropped.Add(1)
		log.Warn().
			Str("site", a.Site).
			Str("severity", string(a.Severity)).
			Int64("dropped_total", n).
			Msg("Alert buffer full, dropping alert")
	}
}

// Dropped reports how many alerts were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Start launches the delivery loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for a := range d.ch {
			d.deliver(ctx, a)
		}
	}()
}

// Stop stops accepting alerts and waits for queued ones to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, a health.Alert) {
	for _, s := range d.sinks {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		if err := s.Deliver(dctx, a); err != nil {
			log.Warn().
				Err(err).
				Str("sink", s.Name()).
				Str("site", a.Site).
				Msg("Failed to deliver alert")
		}
		cancel()
	}
}
