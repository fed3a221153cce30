package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okExecutor(ctx context.Context, url, site string, _ fetch.Options) (*fetch.Result, error) {
	return &fetch.Result{URL: url, Site: site, Success: true, StatusCode: 200}, nil
}

func fastSites(names ...string) *fetch.Sites {
	sites := fetch.NewSites()
	for _, n := range names {
		sites.Put(fetch.SiteConfig{Name: n, MinDelay: time.Millisecond, MaxDelay: time.Millisecond})
	}
	return sites
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("SCHEDULER_GLOBAL_INTERVAL_MS", "120")
	cfg := DefaultConfig()
	assert.Equal(t, 120*time.Millisecond, cfg.GlobalInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.TickInterval)

	t.Setenv("SCHEDULER_GLOBAL_INTERVAL_MS", "nonsense")
	assert.Equal(t, 500*time.Millisecond, DefaultConfig().GlobalInterval)
}

func TestEnqueueExecutes(t *testing.T) {
	s := New(Config{TickInterval: 5 * time.Millisecond}, fastSites("acme"), okExecutor)
	s.Start(context.Background())
	defer s.Stop()

	res, err := s.Enqueue(context.Background(), "https://acme.test/a", "acme", 5, time.Second, fetch.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "acme", res.Site)
}

func TestPriorityThenFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	exec := func(ctx context.Context, url, site string, _ fetch.Options) (*fetch.Result, error) {
		mu.Lock()
		order = append(order, url)
		mu.Unlock()
		return &fetch.Result{URL: url, Success: true}, nil
	}
	s := New(Config{TickInterval: 5 * time.Millisecond}, fastSites("acme"), exec)

	// Queue everything before starting so ordering is decided by the heap.
	requests := []struct {
		url      string
		priority int
	}{
		{"low-1", 9},
		{"high-1", 1},
		{"mid-1", 5},
		{"high-2", 1},
		{"low-2", 9},
	}
	var wg sync.WaitGroup
	for i, r := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Enqueue(context.Background(), r.url, "acme", r.priority, 5*time.Second, fetch.Options{})
		}()
		require.Eventually(t, func() bool { return s.Stats().Queued == i+1 }, time.Second, time.Millisecond)
	}
	// Per-site spacing serialises dispatch so order is observable.
	s.SetRateLimit("acme", 10*time.Millisecond)
	s.Start(context.Background())
	wg.Wait()
	s.Stop()

	assert.Equal(t, []string{"high-1", "high-2", "mid-1", "low-1", "low-2"}, order)
}

func TestPerSiteMinimumGap(t *testing.T) {
	const minDelay = 40 * time.Millisecond
	sites := fetch.NewSites(fetch.SiteConfig{Name: "acme", MinDelay: minDelay, MaxDelay: 60 * time.Millisecond})

	var mu sync.Mutex
	var dispatched []time.Time
	s := New(Config{TickInterval: 2 * time.Millisecond}, sites, okExecutor,
		WithDispatchHook(func(site string, at time.Time) {
			mu.Lock()
			defer mu.Unlock()
			dispatched = append(dispatched, at)
		}))
	s.Start(context.Background())
	defer s.Stop()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Enqueue(context.Background(), "https://acme.test", "acme", 5, 5*time.Second, fetch.Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 5)
	for i := 1; i < len(dispatched); i++ {
		assert.GreaterOrEqual(t, dispatched[i].Sub(dispatched[i-1]), minDelay)
	}
}

func TestSitesDoNotBlockEachOther(t *testing.T) {
	sites := fetch.NewSites(
		fetch.SiteConfig{Name: "slow", MinDelay: time.Hour, MaxDelay: time.Hour},
		fetch.SiteConfig{Name: "fast", MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
	)
	s := New(Config{TickInterval: 2 * time.Millisecond}, sites, okExecutor)
	s.Start(context.Background())
	defer s.Stop()

	_, err := s.Enqueue(context.Background(), "https://slow.test/1", "slow", 1, time.Second, fetch.Options{})
	require.NoError(t, err)

	// The second slow request waits an hour; fast must still get through.
	go func() {
		_, _ = s.Enqueue(context.Background(), "https://slow.test/2", "slow", 1, 200*time.Millisecond, fetch.Options{})
	}()
	res, err := s.Enqueue(context.Background(), "https://fast.test", "fast", 9, time.Second, fetch.Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestQueuedTimeout(t *testing.T) {
	sites := fetch.NewSites(fetch.SiteConfig{Name: "acme", MinDelay: time.Hour, MaxDelay: time.Hour})

	var queuedTimeouts atomic.Int32
	s := New(Config{TickInterval: 2 * time.Millisecond}, sites, okExecutor,
		WithTimeoutHook(func(site string, queued bool) {
			if queued {
				queuedTimeouts.Add(1)
			}
		}))
	s.Start(context.Background())
	defer s.Stop()

	_, err := s.Enqueue(context.Background(), "https://acme.test/1", "acme", 5, time.Second, fetch.Options{})
	require.NoError(t, err)

	res, err := s.Enqueue(context.Background(), "https://acme.test/2", "acme", 5, 30*time.Millisecond, fetch.Options{})
	require.Error(t, err)
	var nerr *fetch.NetworkError
	require.True(t, errors.As(err, &nerr))
	assert.True(t, nerr.Timeout)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	assert.Equal(t, int32(1), queuedTimeouts.Load())
	assert.Equal(t, 0, s.Stats().Queued, "abandoned entries are removed")
}

func TestInFlightTimeoutIsNotQueued(t *testing.T) {
	release := make(chan struct{})
	exec := func(ctx context.Context, url, site string, _ fetch.Options) (*fetch.Result, error) {
		<-release
		return &fetch.Result{Success: true}, nil
	}

	var sawQueued atomic.Bool
	var fired atomic.Bool
	s := New(Config{TickInterval: 2 * time.Millisecond}, fastSites("acme"), exec,
		WithTimeoutHook(func(site string, queued bool) {
			fired.Store(true)
			sawQueued.Store(queued)
		}))
	s.Start(context.Background())

	_, err := s.Enqueue(context.Background(), "https://acme.test", "acme", 5, 30*time.Millisecond, fetch.Options{})
	require.Error(t, err)
	assert.True(t, fetch.IsTimeout(err))
	assert.True(t, fired.Load())
	assert.False(t, sawQueued.Load())

	close(release)
	s.Stop()
}

func TestBackoffDelaysSite(t *testing.T) {
	s := New(Config{TickInterval: 2 * time.Millisecond}, fastSites("acme"), okExecutor)
	s.Start(context.Background())
	defer s.Stop()

	before := time.Now()
	s.Backoff("acme", 80*time.Millisecond)
	assert.True(t, s.NextEligible("acme").After(before.Add(70*time.Millisecond)))

	// A shorter backoff never pulls the time in.
	next := s.NextEligible("acme")
	s.Backoff("acme", time.Millisecond)
	assert.Equal(t, next, s.NextEligible("acme"))

	_, err := s.Enqueue(context.Background(), "https://acme.test", "acme", 5, time.Second, fetch.Options{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(before), 80*time.Millisecond)
}

func TestSetRateLimitOverridesRange(t *testing.T) {
	s := New(Config{}, fastSites("acme"), okExecutor)
	st := &siteState{}
	assert.Equal(t, time.Millisecond, s.interval("acme", st))

	s.SetRateLimit("acme", 2*time.Second)
	s.smu.Lock()
	got := s.interval("acme", s.stateLocked("acme"))
	s.smu.Unlock()
	assert.Equal(t, 2*time.Second, got)
}

func TestIntervalJitterStaysInRange(t *testing.T) {
	sites := fetch.NewSites(fetch.SiteConfig{Name: "acme", MinDelay: 3 * time.Second, MaxDelay: 5 * time.Second})
	s := New(Config{}, sites, okExecutor)
	for range 200 {
		d := s.interval("acme", &siteState{})
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestStopFailsQueued(t *testing.T) {
	sites := fetch.NewSites(fetch.SiteConfig{Name: "acme", MinDelay: time.Hour, MaxDelay: time.Hour})
	s := New(Config{TickInterval: 2 * time.Millisecond}, sites, okExecutor)
	s.Start(context.Background())

	_, err := s.Enqueue(context.Background(), "https://acme.test/1", "acme", 5, time.Second, fetch.Options{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Enqueue(context.Background(), "https://acme.test/2", "acme", 5, 10*time.Second, fetch.Options{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Stats().Queued == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, map[string]int{"acme": 1}, s.Stats().BySite)

	s.Stop()
	assert.ErrorIs(t, <-errCh, ErrStopped)

	_, err = s.Enqueue(context.Background(), "https://acme.test/3", "acme", 5, time.Second, fetch.Options{})
	assert.ErrorIs(t, err, ErrStopped)
}
