package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/breaker"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/waf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStop = errors.New("stop")

type scriptedFetch struct {
	res *fetch.Result
	err error
}

type fakeFetcher struct {
	mu       sync.Mutex
	breakers *breaker.Registry
	script   []scriptedFetch
	calls    int
	failures []string
}

func newFakeFetcher(script ...scriptedFetch) *fakeFetcher {
	return &fakeFetcher{breakers: breaker.NewRegistry(), script: script}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, site string, priority int, timeout time.Duration, opts fetch.Options) (*fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	f.calls++
	return f.script[i].res, f.script[i].err
}

func (f *fakeFetcher) RecordFailure(site string, err error, strategy fetch.Strategy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err.Error())
}

func (f *fakeFetcher) Breaker(site string) *breaker.Breaker { return f.breakers.Get(site) }

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// waitRecorder stands in for sleeping and ends the loop after limit waits.
type waitRecorder struct {
	mu    sync.Mutex
	ds    []time.Duration
	limit int
	done  chan struct{}
}

func newWaitRecorder(limit int) *waitRecorder {
	return &waitRecorder{limit: limit, done: make(chan struct{})}
}

func (w *waitRecorder) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ds = append(w.ds, d)
	if len(w.ds) == w.limit {
		close(w.done)
	}
	if len(w.ds) >= w.limit {
		return errStop
	}
	return nil
}

func (w *waitRecorder) durations() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.ds...)
}

func runPool(t *testing.T, f *fakeFetcher, h Handler, site fetch.SiteConfig, waits int) (*Pool, *waitRecorder) {
	t.Helper()
	rec := newWaitRecorder(waits)
	p := NewPool(Config{ParkedRecheck: 45 * time.Second, Jitter: 0.1}, f, h, []fetch.SiteConfig{site}, WithWait(rec.wait))
	p.Start(context.Background())

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not reach the expected number of waits")
	}
	p.Stop()
	return p, rec
}

var shop = fetch.SiteConfig{Name: "shop", PollURL: "https://shop.example/new", PollInterval: 10 * time.Minute}

func okResult() *fetch.Result {
	return &fetch.Result{Success: true, Site: "shop", Strategy: fetch.StrategyImpersonation, Body: []byte("<html/>")}
}

func TestSuccessfulPollsSleepPollInterval(t *testing.T) {
	f := newFakeFetcher(scriptedFetch{res: okResult()})
	var handled int
	var mu sync.Mutex
	h := func(ctx context.Context, site fetch.SiteConfig, res *fetch.Result) error {
		mu.Lock()
		defer mu.Unlock()
		handled++
		assert.Equal(t, "shop", site.Name)
		return nil
	}

	p, rec := runPool(t, f, h, shop, 3)

	for _, d := range rec.durations() {
		assert.GreaterOrEqual(t, d, 9*time.Minute)
		assert.LessOrEqual(t, d, 11*time.Minute)
	}
	assert.Equal(t, 3, handled)

	st := p.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, 3, st[0].Fetches)
	assert.Zero(t, st[0].Errors)
	assert.False(t, st[0].LastSuccess.IsZero())
	assert.Equal(t, StateStopped, st[0].State)
}

func TestErrorsBackOffThroughBreaker(t *testing.T) {
	netErr := fetch.NewNetworkError("get", shop.PollURL, errors.New("connection reset"))
	f := newFakeFetcher(scriptedFetch{res: &fetch.Result{}, err: netErr})

	_, rec := runPool(t, f, nil, shop, 3)

	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, rec.durations())
	assert.Equal(t, 3, f.breakers.Get("shop").ErrorCount())
}

func TestBlockCooldownWinsWhenLonger(t *testing.T) {
	exhausted := fetch.NewStrategyExhaustedError("shop", shop.PollURL, []fetch.Attempt{
		{Strategy: fetch.StrategyImpersonation, Outcome: fetch.OutcomeBlock, Error: "blocked"},
	}, waf.HardCooldown)
	f := newFakeFetcher(scriptedFetch{res: &fetch.Result{}, err: exhausted})

	_, rec := runPool(t, f, nil, shop, 1)

	assert.Equal(t, []time.Duration{waf.HardCooldown}, rec.durations())
}

func TestHandlerErrorReportedAsFailure(t *testing.T) {
	f := newFakeFetcher(scriptedFetch{res: okResult()})
	h := func(context.Context, fetch.SiteConfig, *fetch.Result) error {
		return errors.New("no listings parsed")
	}

	p, rec := runPool(t, f, h, shop, 1)

	assert.Equal(t, []time.Duration{breaker.BaseCooldown}, rec.durations())
	assert.Equal(t, []string{"no listings parsed"}, f.failures)
	st := p.Statuses()
	assert.Equal(t, 1, st[0].Errors)
	assert.Equal(t, "no listings parsed", st[0].LastError)
}

func TestOpenBreakerParksWorker(t *testing.T) {
	f := newFakeFetcher(scriptedFetch{res: okResult()})
	b := f.Breaker("shop")
	for range breaker.MaxErrorsPerHour {
		_, _ = b.RecordError(errors.New("boom"))
	}

	_, rec := runPool(t, f, nil, shop, 2)

	assert.Equal(t, []time.Duration{45 * time.Second, 45 * time.Second}, rec.durations())
	assert.Zero(t, f.callCount())
}

func TestBreakerOpensAfterRepeatedErrors(t *testing.T) {
	f := newFakeFetcher(scriptedFetch{res: &fetch.Result{}, err: errors.New("parse failed")})

	_, rec := runPool(t, f, nil, shop, breaker.MaxErrorsPerHour)

	ds := rec.durations()
	// Nine backoffs, then the tenth error opens the breaker and the worker parks.
	assert.Equal(t, 45*time.Second, ds[len(ds)-1])
	assert.Equal(t, breaker.MaxErrorsPerHour, f.callCount())
	assert.Equal(t, breaker.StateOpen, f.breakers.Get("shop").State())
}

func TestSitesWithoutPollURLHaveNoWorker(t *testing.T) {
	p := NewPool(DefaultConfig(), newFakeFetcher(), nil, []fetch.SiteConfig{{Name: "manual"}, shop})
	st := p.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, "shop", st[0].Site)
	assert.Equal(t, StateIdle, st[0].State)

	p.Stop()
}
