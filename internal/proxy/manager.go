package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/rs/zerolog/log"
)

type entry struct {
	cfg         Config
	health      Health
	blacklisted bool
	reason      string
}

// Manager owns the pool and every proxy's Health. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries []*entry
	byURL   map[string]*entry

	prober Prober
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithProber sets the liveness prober used by Revalidate.
func WithProber(p Prober) Option {
	return func(m *Manager) { m.prober = p }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a pool from configs; duplicates are ignored.
func NewManager(configs []Config, opts ...Option) *Manager {
	m := &Manager{
		byURL: make(map[string]*entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, cfg := range configs {
		m.Add(cfg)
	}
	return m
}

// Add appends a proxy. It returns false if the URL is already pooled.
func (m *Manager) Add(cfg Config) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byURL[cfg.URL]; ok {
		return false
	}
	if cfg.Type == "" {
		cfg.Type = TypeDatacenter
	}
	e := &entry{cfg: cfg}
	m.entries = append(m.entries, e)
	m.byURL[cfg.URL] = e
	return true
}

// Len returns the pool size including blacklisted proxies.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// GetProxy picks the best proxy for site.
//
// Among healthy proxies the highest site success rate wins, ties going to the
// lowest average latency. When none is healthy, a proxy outside its cooldown is
// preferred, then the one whose cooldown ends first. Blacklisted proxies are
// never returned.
func (m *Manager) GetProxy(site string) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var best *entry
	for _, e := range m.entries {
		if e.blacklisted || !e.health.IsHealthy(now) {
			continue
		}
		if best == nil || better(e, best, site) {
			best = e
		}
	}
	if best != nil {
		return best.cfg, nil
	}

	var idle, cooling *entry
	for _, e := range m.entries {
		if e.blacklisted {
			continue
		}
		if !e.health.InCooldown(now) {
			if idle == nil || better(e, idle, site) {
				idle = e
			}
			continue
		}
		if cooling == nil || e.health.BlockedUntil.Before(cooling.health.BlockedUntil) {
			cooling = e
		}
	}

	switch {
	case idle != nil:
		best = idle
	case cooling != nil:
		best = cooling
	default:
		return Config{}, &fetch.ProxyExhaustedError{Site: site}
	}

	log.Warn().
		Str("site", site).
		Str("proxy", best.cfg.Redacted()).
		Bool("in_cooldown", best.health.InCooldown(now)).
		Msg("No healthy proxy available, using fallback")
	return best.cfg, nil
}

func better(a, b *entry, site string) bool {
	ra, rb := a.health.SiteSuccessRate(site), b.health.SiteSuccessRate(site)
	if ra != rb {
		return ra > rb
	}
	return a.health.AvgLatency() < b.health.AvgLatency()
}

// RecordSuccess notes a clean response through proxyURL. An empty site records
// only the lifetime counters.
func (m *Manager) RecordSuccess(proxyURL, site string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byURL[proxyURL]
	if !ok {
		return
	}
	e.health.recordSuccess(site, latency, m.now())
}

// RecordFailure notes a failed or blocked request through proxyURL, starting a
// cooldown on a block or after repeated failures.
func (m *Manager) RecordFailure(proxyURL, site string, isBlock bool) {
	m.mu.Lock()
	e, ok := m.byURL[proxyURL]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	cooldown := e.health.recordFailure(site, isBlock, now)
	consecutive := e.health.ConsecutiveFailures
	redacted := e.cfg.Redacted()
	m.mu.Unlock()

	if cooldown > 0 {
		log.Warn().
			Str("proxy", redacted).
			Str("site", site).
			Bool("blocked", isBlock).
			Int("consecutive_failures", consecutive).
			Dur("cooldown", cooldown).
			Msg("Proxy placed in cooldown")
	}
}

// Blacklist permanently removes proxyURL from selection.
func (m *Manager) Blacklist(proxyURL, reason string) bool {
	m.mu.Lock()
	e, ok := m.byURL[proxyURL]
	if ok {
		e.blacklisted = true
		e.reason = reason
	}
	m.mu.Unlock()

	if ok {
		log.Warn().Str("proxy", Redact(proxyURL)).Str("reason", reason).Msg("Proxy blacklisted")
	}
	return ok
}

// Health returns a copy of the health record for proxyURL.
func (m *Manager) Health(proxyURL string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byURL[proxyURL]
	if !ok {
		return Health{}, false
	}
	h := e.health
	h.latencies = append([]time.Duration(nil), e.health.latencies...)
	h.sites = nil
	return h, true
}

// Status is the ops view of one proxy.
type Status struct {
	Proxy               string     `json:"proxy"`
	Provider            string     `json:"provider,omitempty"`
	Type                Type       `json:"type"`
	Geo                 string     `json:"geo,omitempty"`
	Healthy             bool       `json:"healthy"`
	Blacklisted         bool       `json:"blacklisted"`
	BlacklistReason     string     `json:"blacklist_reason,omitempty"`
	Total               int        `json:"total"`
	Success             int        `json:"success"`
	Failed              int        `json:"failed"`
	Blocked             int        `json:"blocked"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessRate         float64    `json:"success_rate"`
	AvgLatencyMS        int64      `json:"avg_latency_ms"`
	BlockedUntil        *time.Time `json:"blocked_until,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

// Snapshot lists every proxy in pool order with credentials redacted.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Status, 0, len(m.entries))
	for _, e := range m.entries {
		h := &e.health
		s := Status{
			Proxy:               e.cfg.Redacted(),
			Provider:            e.cfg.Provider,
			Type:                e.cfg.Type,
			Geo:                 e.cfg.Geo,
			Healthy:             !e.blacklisted && h.IsHealthy(now),
			Blacklisted:         e.blacklisted,
			BlacklistReason:     e.reason,
			Total:               h.Total,
			Success:             h.Success,
			Failed:              h.Failed,
			Blocked:             h.Blocked,
			ConsecutiveFailures: h.ConsecutiveFailures,
			SuccessRate:         h.SuccessRate(),
			AvgLatencyMS:        h.AvgLatency().Milliseconds(),
			BlockedUntil:        timePtr(h.BlockedUntil, now),
			LastSuccess:         timePtr(h.LastSuccess, time.Time{}),
			LastFailure:         timePtr(h.LastFailure, time.Time{}),
		}
		out = append(out, s)
	}
	return out
}

// SnapshotJSON marshals Snapshot.
func (m *Manager) SnapshotJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// timePtr returns nil unless t is after floor.
func timePtr(t, floor time.Time) *time.Time {
	if t.IsZero() || !t.After(floor) {
		return nil
	}
	return &t
}

// Report summarises a revalidation pass.
type Report struct {
	Checked int `json:"checked"`
	Alive   int `json:"alive"`
	Dead    int `json:"dead"`
}

// Revalidate probes every non-blacklisted proxy and feeds the results into
// health. Probe traffic is not attributed to any site.
func (m *Manager) Revalidate(ctx context.Context) (Report, error) {
	if m.prober == nil {
		return Report{}, errors.New("proxy revalidation requires a prober")
	}

	m.mu.Lock()
	configs := make([]Config, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.blacklisted {
			configs = append(configs, e.cfg)
		}
	}
	m.mu.Unlock()

	results := ProbeAll(fetch.WithQuiet(ctx), m.prober, configs, DefaultProbeConcurrency)

	var report Report
	for _, r := range results {
		report.Checked++
		if r.Err != nil {
			report.Dead++
			m.RecordFailure(r.Config.URL, "", false)
			continue
		}
		report.Alive++
		m.RecordSuccess(r.Config.URL, "", r.Latency)
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	log.Info().
		Int("checked", report.Checked).
		Int("alive", report.Alive).
		Int("dead", report.Dead).
		Msg("Proxy revalidation finished")
	return report, nil
}
