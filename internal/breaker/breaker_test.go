package breaker

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New("site-x")
	b.now = c.now
	return b, c
}

func TestCooldownSequence(t *testing.T) {
	expected := []time.Duration{30, 60, 120, 240, 480, 960, 960, 960, 960}
	for i, want := range expected {
		assert.Equal(t, want*time.Second, Cooldown(i+1), "error %d", i+1)
	}
	assert.Equal(t, BaseCooldown, Cooldown(0))
}

func TestCooldownMonotonicAndBounded(t *testing.T) {
	b, c := newTestBreaker()

	var previous time.Duration
	for i := 1; i < MaxErrorsPerHour; i++ {
		cooldown, err := b.RecordError(errors.New("boom"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cooldown, previous)
		assert.LessOrEqual(t, cooldown, 960*time.Second)
		previous = cooldown
		c.advance(time.Minute)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestOpensAtHourlyBudget(t *testing.T) {
	b, c := newTestBreaker()

	for i := 1; i < MaxErrorsPerHour; i++ {
		_, err := b.RecordError(nil)
		require.NoError(t, err)
		c.advance(time.Minute)
	}

	_, err := b.RecordError(errors.New("tenth"))
	var openErr *fetch.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "site-x", openErr.Worker)
	assert.Equal(t, MaxErrorsPerHour, openErr.Errors)
	assert.Equal(t, StateOpen, b.State())
	assert.Error(t, b.Allow())
}

func TestStaysOpenUntilWindowEmpties(t *testing.T) {
	b, c := newTestBreaker()
	for range MaxErrorsPerHour {
		_, _ = b.RecordError(nil)
		c.advance(time.Minute)
	}
	require.Equal(t, StateOpen, b.State())

	// The first errors age out but later ones remain: still open.
	c.advance(55 * time.Minute)
	assert.Equal(t, StateOpen, b.State())
	assert.Less(t, b.ErrorCount(), MaxErrorsPerHour)

	c.advance(10 * time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

// reentrantHook reads the breaker from inside a log call.
type reentrantHook struct {
	b    *Breaker
	seen []int
}

func (h *reentrantHook) Run(_ *zerolog.Event, _ zerolog.Level, msg string) {
	if msg == "Circuit breaker closed after error window emptied" {
		h.seen = append(h.seen, h.b.ErrorCount())
	}
}

func TestCloseIsLoggedOutsideLock(t *testing.T) {
	b, c := newTestBreaker()
	for range MaxErrorsPerHour {
		_, _ = b.RecordError(nil)
	}
	require.Equal(t, StateOpen, b.State())

	hook := &reentrantHook{b: b}
	prev := log.Logger
	log.Logger = zerolog.New(io.Discard).Hook(hook)
	t.Cleanup(func() { log.Logger = prev })

	c.advance(Window + time.Minute)
	done := make(chan State, 1)
	go func() { done <- b.State() }()

	select {
	case st := <-done:
		assert.Equal(t, StateClosed, st)
	case <-time.After(time.Second):
		t.Fatal("State deadlocked while logging the close")
	}
	assert.Equal(t, []int{0}, hook.seen)
}

func TestFreshSequenceAfterHourElapses(t *testing.T) {
	b, c := newTestBreaker()

	for range 4 {
		_, err := b.RecordError(nil)
		require.NoError(t, err)
	}

	c.advance(61 * time.Minute)

	cooldown, err := b.RecordError(nil)
	require.NoError(t, err)
	assert.Equal(t, BaseCooldown, cooldown)
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker()
	for range MaxErrorsPerHour {
		_, _ = b.RecordError(nil)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ErrorCount())
	cooldown, err := b.RecordError(nil)
	require.NoError(t, err)
	assert.Equal(t, BaseCooldown, cooldown)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := r.Get("alpha")
	assert.Same(t, a, r.Get("alpha"))
	r.Get("beta")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "alpha", snaps[0].Name)
	assert.Equal(t, StateClosed, snaps[0].State)
	assert.Equal(t, 30.0, snaps[0].Cooldown)

	assert.True(t, r.Reset("alpha"))
	assert.False(t, r.Reset("missing"))
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
}
