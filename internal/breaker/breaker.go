// Package breaker implements the per-worker circuit breaker that converts
// repeated fetch failures into blocking cooldowns and, once the hourly error
// budget is spent, a hard stop that needs an operator reset.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/rs/zerolog/log"
)

const (
	// MaxErrorsPerHour opens the breaker once reached inside the window.
	MaxErrorsPerHour = 10
	// BaseCooldown is the pause after the first error in a window.
	BaseCooldown = 30 * time.Second
	// MaxCooldownExponent caps the doubling, bounding cooldown at 960s.
	MaxCooldownExponent = 5
	// Window is the sliding error window.
	Window = time.Hour
)

// State is the breaker position.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Breaker tracks error timestamps for one worker.
type Breaker struct {
	name string

	mu       sync.Mutex
	errors   []time.Time
	open     bool
	openedAt time.Time
	lastErr  string

	maxErrors int
	now       func() time.Time
}

// New creates a closed breaker.
func New(name string) *Breaker {
	return &Breaker{
		name:      name,
		maxErrors: MaxErrorsPerHour,
		now:       time.Now,
	}
}

// Name returns the worker name.
func (b *Breaker) Name() string { return b.name }

// Cooldown returns the pause for the n-th error in the current window.
func Cooldown(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	exp := n - 1
	if exp > MaxCooldownExponent {
		exp = MaxCooldownExponent
	}
	return BaseCooldown * time.Duration(1<<exp)
}

// RecordError notes a failure. It returns the cooldown the caller should sleep,
// or a CircuitOpenError once the hourly budget is spent.
func (b *Breaker) RecordError(cause error) (time.Duration, error) {
	b.mu.Lock()

	now := b.now()
	closed := b.pruneLocked(now)
	b.errors = append(b.errors, now)
	if cause != nil {
		b.lastErr = cause.Error()
	}
	count := len(b.errors)

	if count >= b.maxErrors {
		justOpened := !b.open
		if justOpened {
			b.open = true
			b.openedAt = now
		}
		openedAt := b.openedAt
		lastErr := b.lastErr
		b.mu.Unlock()

		if closed {
			b.logClosed()
		}
		if justOpened {
			log.Error().
				Str("worker", b.name).
				Int("errors_last_hour", count).
				Str("last_error", lastErr).
				Msg("Circuit breaker opened, worker disabled until reset")
		}
		return 0, &fetch.CircuitOpenError{Worker: b.name, Errors: count, OpenedAt: openedAt}
	}

	if b.open {
		// Still open from an earlier burst that has only partly aged out.
		openedAt := b.openedAt
		b.mu.Unlock()
		return 0, &fetch.CircuitOpenError{Worker: b.name, Errors: count, OpenedAt: openedAt}
	}
	b.mu.Unlock()

	if closed {
		b.logClosed()
	}
	cooldown := Cooldown(count)
	log.Warn().
		Str("worker", b.name).
		Int("errors_last_hour", count).
		Dur("cooldown", cooldown).
		Msg("Worker error recorded, backing off")
	return cooldown, nil
}

// Allow returns a CircuitOpenError while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	closed := b.pruneLocked(b.now())
	var err error
	if b.open {
		err = &fetch.CircuitOpenError{Worker: b.name, Errors: len(b.errors), OpenedAt: b.openedAt}
	}
	b.mu.Unlock()

	if closed {
		b.logClosed()
	}
	return err
}

// State reports the current position, closing the breaker if every error has
// aged out of the window.
func (b *Breaker) State() State {
	b.mu.Lock()
	closed := b.pruneLocked(b.now())
	state := StateClosed
	if b.open {
		state = StateOpen
	}
	b.mu.Unlock()

	if closed {
		b.logClosed()
	}
	return state
}

// ErrorCount returns errors inside the window.
func (b *Breaker) ErrorCount() int {
	b.mu.Lock()
	closed := b.pruneLocked(b.now())
	n := len(b.errors)
	b.mu.Unlock()

	if closed {
		b.logClosed()
	}
	return n
}

// Reset closes the breaker and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	wasOpen := b.open
	b.errors = nil
	b.open = false
	b.openedAt = time.Time{}
	b.lastErr = ""
	b.mu.Unlock()

	log.Info().Str("worker", b.name).Bool("was_open", wasOpen).Msg("Circuit breaker reset")
}

// Snapshot is a read-only view for ops tooling.
type Snapshot struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Errors    int       `json:"errors_last_hour"`
	Cooldown  float64   `json:"next_cooldown_seconds"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	closed := b.pruneLocked(b.now())
	state := StateClosed
	if b.open {
		state = StateOpen
	}
	snap := Snapshot{
		Name:      b.name,
		State:     state,
		Errors:    len(b.errors),
		Cooldown:  Cooldown(len(b.errors) + 1).Seconds(),
		OpenedAt:  b.openedAt,
		LastError: b.lastErr,
	}
	b.mu.Unlock()

	if closed {
		b.logClosed()
	}
	return snap
}

// pruneLocked drops errors older than the window. An open breaker closes only
// when the window has fully emptied; it reports whether that just happened so
// the caller can log once b.mu is released.
func (b *Breaker) pruneLocked(now time.Time) bool {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(b.errors) && !b.errors[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.errors = append(b.errors[:0], b.errors[i:]...)
	}
	if b.open && len(b.errors) == 0 {
		b.open = false
		b.openedAt = time.Time{}
		return true
	}
	return false
}

func (b *Breaker) logClosed() {
	log.Info().Str("worker", b.name).Msg("Circuit breaker closed after error window emptied")
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry holds one breaker per worker name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker), now: time.Now}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name)
		b.now = r.now
		r.breakers[name] = b
	}
	return b
}

// Lookup returns an existing breaker.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Reset resets the named breaker; false when unknown.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshots lists every breaker sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
