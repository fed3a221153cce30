// Package worker runs one long-lived polling loop per monitored site. Every
// loop is wrapped by the site's circuit breaker: errors turn into growing
// cooldowns and, once the hourly budget is spent, the loop parks until an
// operator resets the breaker.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/breaker"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Fetcher is the gateway surface a worker needs.
type Fetcher interface {
	Fetch(ctx context.Context, url, site string, priority int, timeout time.Duration, opts fetch.Options) (*fetch.Result, error)
	RecordFailure(site string, err error, strategy fetch.Strategy)
	Breaker(site string) *breaker.Breaker
}

// Handler consumes a successful fetch. A returned error counts against the
// site's breaker and is reported to health as a failure.
type Handler func(ctx context.Context, site fetch.SiteConfig, res *fetch.Result) error

// State is what a worker is currently doing.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateBackoff  State = "backoff"
	StateParked   State = "parked"
	StateStopped  State = "stopped"
)

// Status is a point-in-time view of one worker.
type Status struct {
	Site        string    `json:"site"`
	State       State     `json:"state"`
	Fetches     int       `json:"fetches"`
	Errors      int       `json:"errors"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	NextRun     time.Time `json:"next_run,omitempty"`
}

// Config controls the loops.
type Config struct {
	DefaultPollInterval time.Duration
	FetchTimeout        time.Duration // queue wait plus the whole cascade
	ParkedRecheck       time.Duration // how often a parked worker checks its breaker
	Jitter              float64       // fraction of the poll interval, either side
}

// DefaultConfig returns the standard loop settings.
func DefaultConfig() Config {
	return Config{
		DefaultPollInterval: 5 * time.Minute,
		FetchTimeout:        5 * time.Minute,
		ParkedRecheck:       time.Minute,
		Jitter:              0.1,
	}
}

// Pool owns the per-site workers.
type Pool struct {
	cfg     Config
	fetcher Fetcher
	handler Handler
	sites   []fetch.SiteConfig
	wait    func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu     sync.RWMutex
	status map[string]*Status

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopping atomic.Bool
	started  atomic.Bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithWait replaces the sleep used between iterations.
func WithWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) { p.wait = fn }
}

// NewPool creates workers for every site with a poll URL.
func NewPool(cfg Config, fetcher Fetcher, handler Handler, sites []fetch.SiteConfig, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.DefaultPollInterval <= 0 {
		cfg.DefaultPollInterval = def.DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.ParkedRecheck <= 0 {
		cfg.ParkedRecheck = def.ParkedRecheck
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if handler == nil {
		handler = func(context.Context, fetch.SiteConfig, *fetch.Result) error { return nil }
	}

	p := &Pool{
		cfg:     cfg,
		fetcher: fetcher,
		handler: handler,
		wait:    breaker.Wait,
		now:     time.Now,
		status:  make(map[string]*Status),
	}
	for _, s := range sites {
		if s.PollURL == "" {
			continue
		}
		p.sites = append(p.sites, s)
		p.status[s.Name] = &Status{Site: s.Name, State: StateIdle}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches one goroutine per site.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	log.Info().Int("workers", len(p.sites)).Msg("Starting site workers")
	p.wg.Add(len(p.sites))
	for _, site := range p.sites {
		go p.run(ctx, site)
	}
}

// Stop cancels every loop and waits for them to exit.
func (p *Pool) Stop() {
	if !p.started.Load() || !p.stopping.CompareAndSwap(false, true) {
		return
	}
	log.Debug().Msg("Stopping site workers")
	p.cancel()
	p.wg.Wait()
	log.Debug().Msg("Site workers stopped")
}

func (p *Pool) run(ctx context.Context, site fetch.SiteConfig) {
	defer p.wg.Done()
	defer p.setState(site.Name, StateStopped, time.Time{})
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("site", site.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Site worker panicked")
			sentry.CurrentHub().Recover(r)
		}
	}()

	log.Info().Str("site", site.Name).Str("url", site.PollURL).Msg("Starting site worker")
	b := p.fetcher.Breaker(site.Name)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := b.Allow(); err != nil {
			p.setState(site.Name, StateParked, p.now().Add(p.cfg.ParkedRecheck))
			if p.wait(ctx, p.cfg.ParkedRecheck) != nil {
				return
			}
			continue
		}

		p.setState(site.Name, StateFetching, time.Time{})
		err := p.poll(ctx, site)
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			d := p.pollInterval(site)
			p.setState(site.Name, StateIdle, p.now().Add(d))
			if p.wait(ctx, d) != nil {
				return
			}
			continue
		}

		var open *fetch.CircuitOpenError
		if errors.As(err, &open) {
			p.setState(site.Name, StateParked, p.now().Add(p.cfg.ParkedRecheck))
			if p.wait(ctx, p.cfg.ParkedRecheck) != nil {
				return
			}
			continue
		}

		cooldown, berr := b.RecordError(err)
		if berr != nil {
			// Parked on the next iteration.
			continue
		}
		var exhausted *fetch.StrategyExhaustedError
		if errors.As(err, &exhausted) && exhausted.Cooldown() > cooldown {
			cooldown = exhausted.Cooldown()
		}

		p.setState(site.Name, StateBackoff, p.now().Add(cooldown))
		if p.wait(ctx, cooldown) != nil {
			return
		}
	}
}

// poll performs one fetch and hands the result to the handler.
func (p *Pool) poll(ctx context.Context, site fetch.SiteConfig) error {
	res, err := p.fetcher.Fetch(ctx, site.PollURL, site.Name, site.Priority, p.cfg.FetchTimeout, fetch.Options{WaitSelector: site.WaitSelector})
	if err != nil {
		p.recordError(site.Name, err)
		log.Warn().Err(err).Str("site", site.Name).Msg("Site poll failed")
		return err
	}

	if herr := p.handler(ctx, site, res); herr != nil {
		p.fetcher.RecordFailure(site.Name, herr, res.Strategy)
		p.recordError(site.Name, herr)
		log.Warn().Err(herr).Str("site", site.Name).Msg("Site handler failed")
		return herr
	}

	p.mu.Lock()
	if st, ok := p.status[site.Name]; ok {
		st.Fetches++
		st.LastSuccess = p.now()
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) pollInterval(site fetch.SiteConfig) time.Duration {
	d := site.PollInterval
	if d <= 0 {
		d = p.cfg.DefaultPollInterval
	}
	spread := time.Duration(float64(d) * p.cfg.Jitter)
	if spread <= 0 {
		return d
	}
	return d - spread + rand.N(2*spread+1)
}

func (p *Pool) setState(site string, state State, next time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.status[site]; ok {
		st.State = state
		st.NextRun = next
	}
}

func (p *Pool) recordError(site string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.status[site]; ok {
		st.Fetches++
		st.Errors++
		st.LastError = err.Error()
	}
}

// Statuses returns every worker's status sorted by site.
func (p *Pool) Statuses() []Status {
	p.mu.RLock()
	out := make([]Status, 0, len(p.status))
	for _, st := range p.status {
		out = append(out, *st)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}
