// Package scheduler gates outbound fetches behind a priority queue, a global
// request spacing and a per-site minimum interval.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrStopped is returned for requests still queued when the scheduler stops.
var ErrStopped = errors.New("scheduler stopped")

// Executor performs a dispatched request.
type Executor func(ctx context.Context, url, site string, opts fetch.Options) (*fetch.Result, error)

// Config controls pacing.
type Config struct {
	GlobalInterval time.Duration // minimum spacing across all sites
	TickInterval   time.Duration // dispatch re-check period
}

// DefaultConfig returns defaults, honouring SCHEDULER_GLOBAL_INTERVAL_MS.
func DefaultConfig() Config {
	cfg := Config{
		GlobalInterval: 500 * time.Millisecond,
		TickInterval:   50 * time.Millisecond,
	}
	if v, ok := os.LookupEnv("SCHEDULER_GLOBAL_INTERVAL_MS"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			cfg.GlobalInterval = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

type siteState struct {
	next     time.Time     // earliest next dispatch
	override time.Duration // fixed interval set by SetRateLimit
}

// Scheduler is safe for concurrent use. Start must be called before queued
// requests are dispatched.
type Scheduler struct {
	cfg     Config
	exec    Executor
	sites   fetch.SiteSource
	limiter *rate.Limiter

	// qmu guards the queue only; smu guards per-site timing.
	qmu   sync.Mutex
	queue entryHeap
	seq   uint64

	smu       sync.Mutex
	siteState map[string]*siteState

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
	started  bool
	inflight sync.WaitGroup

	now        func() time.Time
	onDispatch func(site string, at time.Time)
	onTimeout  func(site string, queued bool)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDispatchHook is called synchronously each time a request is dispatched.
func WithDispatchHook(fn func(site string, at time.Time)) Option {
	return func(s *Scheduler) { s.onDispatch = fn }
}

// WithTimeoutHook is called when a caller's deadline passes. queued is true
// when the request never left the queue.
func WithTimeoutHook(fn func(site string, queued bool)) Option {
	return func(s *Scheduler) { s.onTimeout = fn }
}

// New creates a stopped scheduler.
func New(cfg Config, sites fetch.SiteSource, exec Executor, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.GlobalInterval > 0 {
		limit = rate.Every(cfg.GlobalInterval)
	}
	s := &Scheduler{
		cfg:       cfg,
		exec:      exec,
		sites:     sites,
		limiter:   rate.NewLimiter(limit, 1),
		siteState: make(map[string]*siteState),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch loop. It stops on ctx cancellation or Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.qmu.Lock()
	if s.started {
		s.qmu.Unlock()
		return
	}
	s.started = true
	s.qmu.Unlock()

	go s.run(ctx)
	log.Info().
		Dur("global_interval", s.cfg.GlobalInterval).
		Msg("Request scheduler started")
}

// Stop halts dispatching and waits for in-flight requests. Requests still
// queued fail with ErrStopped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.qmu.Lock()
	started := s.started
	s.qmu.Unlock()
	if started {
		<-s.loopDone
	}
	s.inflight.Wait()
}

// Enqueue queues a request and blocks until it completes, the timeout passes,
// or ctx is cancelled. A timeout yields a failed Result and a timeout
// NetworkError.
func (s *Scheduler) Enqueue(ctx context.Context, url, site string, priority int, timeout time.Duration, opts fetch.Options) (*fetch.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-s.stop:
		return failed(url, site, ErrStopped, s.now()), ErrStopped
	default:
	}

	e := &entry{
		ctx:      ctx,
		url:      url,
		site:     site,
		priority: priority,
		opts:     opts,
		enqueued: s.now(),
		done:     make(chan outcome, 1),
	}

	s.qmu.Lock()
	s.seq++
	e.seq = s.seq
	heap.Push(&s.queue, e)
	s.qmu.Unlock()
	s.signal()

	select {
	case out := <-e.done:
		return out.result, out.err
	case <-ctx.Done():
		queued := s.remove(e)
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			if s.onTimeout != nil {
				s.onTimeout(site, queued)
			}
			nerr := &fetch.NetworkError{Op: "scheduled fetch", URL: url, Timeout: true, Err: err}
			return failed(url, site, nerr, s.now()), nerr
		}
		return failed(url, site, err, s.now()), err
	case <-s.stop:
		if s.remove(e) {
			return failed(url, site, ErrStopped, s.now()), ErrStopped
		}
		// Already running; wait for it.
		select {
		case out := <-e.done:
			return out.result, out.err
		case <-ctx.Done():
			return failed(url, site, ctx.Err(), s.now()), ctx.Err()
		}
	}
}

func failed(url, site string, err error, now time.Time) *fetch.Result {
	return &fetch.Result{URL: url, Site: site, Error: err.Error(), FetchedAt: now}
}

// remove drops e from the queue, reporting whether it was still queued.
func (s *Scheduler) remove(e *entry) bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if e.index < 0 || e.dispatched.Load() {
		return false
	}
	heap.Remove(&s.queue, e.index)
	return true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetRateLimit fixes the per-site interval, replacing the site's delay range.
// A zero interval restores the configured range.
func (s *Scheduler) SetRateLimit(site string, interval time.Duration) {
	s.smu.Lock()
	st := s.stateLocked(site)
	st.override = interval
	s.smu.Unlock()

	log.Info().Str("site", site).Dur("interval", interval).Msg("Per-site rate limit updated")
	s.signal()
}

// Backoff delays the site's next dispatch by at least d from now.
func (s *Scheduler) Backoff(site string, d time.Duration) {
	if d <= 0 {
		return
	}
	s.smu.Lock()
	st := s.stateLocked(site)
	until := s.now().Add(d)
	if until.After(st.next) {
		st.next = until
	}
	s.smu.Unlock()

	log.Debug().Str("site", site).Dur("backoff", d).Msg("Site dispatch backed off")
}

// NextEligible returns when site may next be dispatched.
func (s *Scheduler) NextEligible(site string) time.Time {
	s.smu.Lock()
	defer s.smu.Unlock()
	if st, ok := s.siteState[site]; ok {
		return st.next
	}
	return time.Time{}
}

func (s *Scheduler) stateLocked(site string) *siteState {
	st, ok := s.siteState[site]
	if !ok {
		st = &siteState{}
		s.siteState[site] = st
	}
	return st
}

// interval draws the spacing after a dispatch, never below the site minimum.
func (s *Scheduler) interval(site string, st *siteState) time.Duration {
	if st.override > 0 {
		return st.override
	}
	cfg := s.sites.Site(site)
	lo, hi := cfg.MinDelay, cfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopOnce.Do(func() { close(s.stop) })
			return
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		for s.dispatchOne() {
		}
	}
}

// dispatchOne starts the best eligible entry. It returns false when nothing
// could be dispatched this round.
func (s *Scheduler) dispatchOne() bool {
	// Snapshot in priority order so site checks run without the queue lock.
	s.qmu.Lock()
	candidates := make([]*entry, 0, len(s.queue))
	for _, e := range s.queue {
		if e.ctx.Err() != nil {
			continue
		}
		candidates = append(candidates, e)
	}
	s.qmu.Unlock()
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return entryHeap(candidates).Less(i, j)
	})

	now := s.now()
	for _, e := range candidates {
		s.smu.Lock()
		st := s.stateLocked(e.site)
		if now.Before(st.next) {
			s.smu.Unlock()
			continue
		}
		if !s.limiter.Allow() {
			s.smu.Unlock()
			return false
		}

		s.qmu.Lock()
		if e.index < 0 || e.ctx.Err() != nil {
			s.qmu.Unlock()
			s.smu.Unlock()
			return true
		}
		heap.Remove(&s.queue, e.index)
		e.dispatched.Store(true)
		s.qmu.Unlock()

		st.next = now.Add(s.interval(e.site, st))
		s.smu.Unlock()

		if s.onDispatch != nil {
			s.onDispatch(e.site, now)
		}
		observability.RecordSchedulerWait(e.ctx, e.site, now.Sub(e.enqueued))

		s.inflight.Add(1)
		go s.execute(e)
		return true
	}
	return false
}

func (s *Scheduler) execute(e *entry) {
	defer s.inflight.Done()

	result, err := s.exec(e.ctx, e.url, e.site, e.opts)
	if result == nil && err != nil {
		result = failed(e.url, e.site, err, s.now())
	}
	// Buffered; a caller that already gave up never reads it.
	e.done <- outcome{result: result, err: err}
}

// Stats is a snapshot of queue depth.
type Stats struct {
	Queued int            `json:"queued"`
	BySite map[string]int `json:"by_site"`
}

// Stats returns the number of queued requests per site.
func (s *Scheduler) Stats() Stats {
	s.qmu.Lock()
	defer s.qmu.Unlock()

	st := Stats{BySite: make(map[string]int)}
	for _, e := range s.queue {
		st.Queued++
		st.BySite[e.site]++
	}
	return st
}
