// Package browser renders pages in a pooled headless Chrome. A single event
// loop goroutine owns the browser and its contexts; callers hand it work and
// wait on a future.
package browser

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/mem"
)

// Engine launches a browser and creates isolated contexts in it.
type Engine interface {
	Start() error
	NewContext(proxyURL string) (Context, error)
	Close() error
}

// Context is one isolated browser context with its own cookies and proxy.
type Context interface {
	Fetch(ctx context.Context, req PageRequest) (*fetch.RawResponse, error)
	Close() error
}

// PageRequest describes one page load inside a context.
type PageRequest struct {
	URL               string
	Fingerprint       Fingerprint
	WaitSelector      string
	WaitTime          time.Duration
	ChallengeBypass   bool
	ChallengeWait     time.Duration
	NavigationTimeout time.Duration
}

// Request is a pool fetch.
type Request struct {
	URL             string
	Site            fetch.SiteConfig
	Proxy           string
	WaitSelector    string
	WaitTime        time.Duration
	ChallengeBypass bool
}

// Config controls pool sizing and timeouts.
type Config struct {
	Enabled            bool
	MaxContexts        int
	IdleTTL            time.Duration
	MaxAttempts        int
	NavigationTimeout  time.Duration
	ChallengeWait      time.Duration
	MinAvailableMemory uint64 // bytes; below this the LRU context is evicted first
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		MaxContexts:        5,
		IdleTTL:            300 * time.Second,
		MaxAttempts:        2,
		NavigationTimeout:  30 * time.Second,
		ChallengeWait:      30 * time.Second,
		MinAvailableMemory: 512 << 20,
	}
}

// ErrClosed is returned once Close has been called.
var ErrClosed = fmt.Errorf("%w: pool closed", fetch.ErrBrowserUnavailable)

type contextEntry struct {
	key      string
	ctx      Context
	lastUsed time.Time
	inUse    int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Started  bool `json:"started"`
	Contexts int  `json:"contexts"`
	InUse    int  `json:"in_use"`
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg    Config
	engine Engine

	ops       chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	failed    atomic.Bool // launch failed; stays unavailable

	// Owned by the loop goroutine.
	started  bool
	contexts map[string]*contextEntry
	freed    chan struct{} // closed when a slot may have opened up

	rmu      sync.Mutex
	rotation map[string]int

	now          func() time.Time
	memAvailable func() (uint64, error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMemoryProbe replaces the gopsutil available-memory probe.
func WithMemoryProbe(fn func() (uint64, error)) Option {
	return func(p *Pool) { p.memAvailable = fn }
}

// NewPool starts the event loop. The browser itself is launched lazily on the
// first fetch. A nil engine yields a permanently unavailable pool.
func NewPool(cfg Config, engine Engine, opts ...Option) *Pool {
	def := DefaultConfig()
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = def.MaxContexts
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = def.NavigationTimeout
	}
	if cfg.ChallengeWait <= 0 {
		cfg.ChallengeWait = def.ChallengeWait
	}

	p := &Pool{
		cfg:      cfg,
		engine:   engine,
		ops:      make(chan func()),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		contexts: make(map[string]*contextEntry),
		freed:    make(chan struct{}),
		rotation: make(map[string]int),
		now:      time.Now,
		memAvailable: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.loop()
	return p
}

// Available reports whether Fetch can be attempted.
func (p *Pool) Available() bool {
	if !p.cfg.Enabled || p.engine == nil || p.failed.Load() {
		return false
	}
	select {
	case <-p.quit:
		return false
	default:
		return true
	}
}

func (p *Pool) loop() {
	defer close(p.loopDone)
	for {
		select {
		case op := <-p.ops:
			op()
		case <-p.quit:
			p.shutdown()
			return
		}
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// submit runs fn on the loop and waits for its result. If the caller gives up
// after fn was accepted, late receives the value once it is ready.
func submit[T any](ctx context.Context, p *Pool, fn func() (T, error), late func(T, error)) (T, error) {
	var zero T
	future := make(chan outcome[T], 1)
	op := func() {
		v, err := fn()
		future <- outcome[T]{v, err}
	}

	select {
	case p.ops <- op:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.quit:
		return zero, ErrClosed
	}

	select {
	case out := <-future:
		return out.value, out.err
	case <-ctx.Done():
		if late != nil {
			go func() {
				out := <-future
				late(out.value, out.err)
			}()
		}
		return zero, ctx.Err()
	}
}

// Fetch renders req.URL, retrying with a rotated fingerprint on failure.
func (p *Pool) Fetch(ctx context.Context, req Request) (*fetch.RawResponse, error) {
	if !p.Available() {
		return nil, fetch.ErrBrowserUnavailable
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		fp := p.fingerprintFor(req.Site)
		resp, err := p.fetchOnce(ctx, req, fp)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		log.Warn().
			Err(err).
			Str("site", req.Site.Name).
			Str("url", req.URL).
			Str("fingerprint", fp.Name).
			Int("attempt", attempt).
			Msg("Browser fetch attempt failed")

		p.rotate(req.Site.Name)
		if ctx.Err() != nil || errors.Is(err, fetch.ErrBrowserUnavailable) {
			break
		}
	}
	return nil, lastErr
}

func (p *Pool) fetchOnce(ctx context.Context, req Request, fp Fingerprint) (*fetch.RawResponse, error) {
	key := req.Site.Name + "|" + fp.Name + "|" + req.Proxy

	var entry *contextEntry
	for entry == nil {
		g, err := submit(ctx, p, func() (grant, error) {
			return p.acquire(key, req.Proxy)
		}, func(g grant, err error) {
			if err == nil && g.entry != nil {
				p.release(g.entry, false)
			}
		})
		if err != nil {
			return nil, err
		}
		if g.entry != nil {
			entry = g.entry
			continue
		}
		select {
		case <-g.wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.quit:
			return nil, ErrClosed
		}
	}

	waitSelector := req.WaitSelector
	if waitSelector == "" {
		waitSelector = req.Site.WaitSelector
	}
	waitTime := req.WaitTime
	if waitTime <= 0 {
		waitTime = req.Site.WaitTime
	}

	resp, err := entry.ctx.Fetch(ctx, PageRequest{
		URL:               req.URL,
		Fingerprint:       fp,
		WaitSelector:      waitSelector,
		WaitTime:          waitTime,
		ChallengeBypass:   req.ChallengeBypass,
		ChallengeWait:     p.cfg.ChallengeWait,
		NavigationTimeout: p.cfg.NavigationTimeout,
	})
	p.release(entry, err != nil)
	return resp, err
}

// grant is either a context or, when every slot is busy, a channel to wait
// on before asking again.
type grant struct {
	entry *contextEntry
	wait  <-chan struct{}
}

// acquire runs on the loop. It never opens more than MaxContexts contexts.
func (p *Pool) acquire(key, proxyURL string) (grant, error) {
	if !p.started {
		if err := p.engine.Start(); err != nil {
			p.failed.Store(true)
			log.Error().Err(err).Msg("Browser launch failed, browser strategies disabled")
			return grant{}, fmt.Errorf("%w: %w", fetch.ErrBrowserUnavailable, err)
		}
		p.started = true
		log.Info().Int("max_contexts", p.cfg.MaxContexts).Msg("Browser launched")
	}

	now := p.now()
	if e, ok := p.contexts[key]; ok {
		e.inUse++
		e.lastUsed = now
		return grant{entry: e}, nil
	}

	for len(p.contexts) >= p.cfg.MaxContexts {
		if !p.evictLRU("capacity") {
			log.Debug().Str("context", key).Int("max_contexts", p.cfg.MaxContexts).Msg("Browser contexts all busy, waiting")
			return grant{wait: p.freed}, nil
		}
	}
	if avail, err := p.memAvailable(); err == nil && avail < p.cfg.MinAvailableMemory {
		log.Warn().Uint64("available_bytes", avail).Msg("Low memory, evicting browser context")
		p.evictLRU("memory")
	}

	bctx, err := p.engine.NewContext(proxyURL)
	if err != nil {
		return grant{}, fmt.Errorf("failed to create browser context: %w", err)
	}
	e := &contextEntry{key: key, ctx: bctx, lastUsed: now, inUse: 1}
	p.contexts[key] = e
	return grant{entry: e}, nil
}

// signalFreed wakes every acquire parked on a full pool. Runs on the loop.
func (p *Pool) signalFreed() {
	close(p.freed)
	p.freed = make(chan struct{})
}

// release hands a context back to the loop, evicting it after an error.
func (p *Pool) release(e *contextEntry, failed bool) {
	op := func() {
		e.inUse--
		e.lastUsed = p.now()
		if e.inUse > 0 {
			return
		}
		if failed {
			p.evict(e, "error")
		}
		p.signalFreed()
	}
	select {
	case p.ops <- op:
	case <-p.quit:
	}
}

// evictLRU closes the least recently used idle context. Runs on the loop.
func (p *Pool) evictLRU(reason string) bool {
	var oldest *contextEntry
	for _, e := range p.contexts {
		if e.inUse > 0 {
			continue
		}
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	p.evict(oldest, reason)
	return true
}

func (p *Pool) evict(e *contextEntry, reason string) {
	if cur, ok := p.contexts[e.key]; !ok || cur != e {
		return
	}
	delete(p.contexts, e.key)
	if err := e.ctx.Close(); err != nil {
		log.Debug().Err(err).Str("context", e.key).Msg("Browser context close failed")
	}
	log.Debug().Str("context", e.key).Str("reason", reason).Msg("Browser context evicted")
}

// Sweep closes contexts idle past the TTL and returns how many were closed.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	return submit(ctx, p, func() (int, error) {
		cutoff := p.now().Add(-p.cfg.IdleTTL)
		n := 0
		for _, e := range p.contexts {
			if e.inUse == 0 && e.lastUsed.Before(cutoff) {
				p.evict(e, "idle")
				n++
			}
		}
		return n, nil
	}, nil)
}

// Stats reports pool occupancy.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	return submit(ctx, p, func() (Stats, error) {
		st := Stats{Started: p.started, Contexts: len(p.contexts)}
		for _, e := range p.contexts {
			if e.inUse > 0 {
				st.InUse++
			}
		}
		return st, nil
	}, nil)
}

// Close stops the loop, closing every context and the browser.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.loopDone
}

func (p *Pool) shutdown() {
	for _, e := range p.contexts {
		p.evict(e, "shutdown")
	}
	if p.started {
		if err := p.engine.Close(); err != nil {
			log.Warn().Err(err).Msg("Browser close failed")
		}
		p.started = false
	}
}

func (p *Pool) fingerprintFor(site fetch.SiteConfig) Fingerprint {
	set := Fingerprints(site.Device)
	h := fnv.New32a()
	_, _ = h.Write([]byte(site.Name))

	p.rmu.Lock()
	n := p.rotation[site.Name]
	p.rmu.Unlock()
	return set[(int(h.Sum32()%uint32(len(set)))+n)%len(set)]
}

func (p *Pool) rotate(site string) {
	p.rmu.Lock()
	p.rotation[site]++
	p.rmu.Unlock()
}
