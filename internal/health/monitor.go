// Package health keeps a rolling record of fetch outcomes per site, derives a
// coarse status from it, and raises deduplicated alerts when failures or
// blocks cross their thresholds.
package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCapacity      = 1000
	DefaultAlertCapacity = 500
	siteAlertCapacity    = 50
	Window               = time.Hour
	AlertDedupeWindow    = 5 * time.Minute
	worstSitesLimit      = 5

	ExcellentThreshold = 95.0
	GoodThreshold      = 80.0
	DegradedThreshold  = 50.0

	ConsecutiveWarning  = 3
	ConsecutiveCritical = 5

	BlockRateWarning  = 10.0
	BlockRateCritical = 25.0
	// MinBlockRateEvents is the window size before block rates are judged.
	MinBlockRateEvents = 5
)

// ScraperHealth is the per-site record.
type ScraperHealth struct {
	site                string
	events              *ring
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
	lastBlock           time.Time
	lastError           string
	totals              map[EventType]int
	alerts              []Alert
	lastAlertAt         map[string]time.Time
}

func newScraperHealth(site string, capacity int) *ScraperHealth {
	return &ScraperHealth{
		site:        site,
		events:      newRing(capacity),
		totals:      make(map[EventType]int),
		lastAlertAt: make(map[string]time.Time),
	}
}

func (h *ScraperHealth) add(e Event) {
	h.events.add(e)
	h.totals[e.Type]++
	switch e.Type {
	case EventSuccess:
		h.consecutiveFailures = 0
		h.lastSuccess = e.Timestamp
	case EventBlock:
		h.consecutiveFailures++
		h.lastBlock = e.Timestamp
		h.lastFailure = e.Timestamp
		h.lastError = e.Detail
	default:
		h.consecutiveFailures++
		h.lastFailure = e.Timestamp
		h.lastError = e.Detail
	}
}

// windowStats aggregates events newer than since.
type windowStats struct {
	total        int
	success      int
	failure      int
	block        int
	timeout      int
	latencySum   time.Duration
	latencyCount int
	strategies   map[fetch.Strategy]*StrategyStats
}

func (h *ScraperHealth) window(since time.Time) windowStats {
	ws := windowStats{strategies: make(map[fetch.Strategy]*StrategyStats)}
	h.events.each(func(e Event) {
		if e.Timestamp.Before(since) {
			return
		}
		ws.total++
		switch e.Type {
		case EventSuccess:
			ws.success++
			if e.Latency > 0 {
				ws.latencySum += e.Latency
				ws.latencyCount++
			}
		case EventFailure:
			ws.failure++
		case EventBlock:
			ws.block++
		case EventTimeout:
			ws.timeout++
		}
		if e.Strategy != "" {
			s, ok := ws.strategies[e.Strategy]
			if !ok {
				s = &StrategyStats{}
				ws.strategies[e.Strategy] = s
			}
			s.Attempts++
			if e.Type == EventSuccess {
				s.Successes++
			}
		}
	})
	return ws
}

func (ws windowStats) successRate() float64 {
	if ws.total == 0 {
		return 100
	}
	return float64(ws.success) / float64(ws.total) * 100
}

func (ws windowStats) blockRate() float64 {
	if ws.total == 0 {
		return 0
	}
	return float64(ws.block) / float64(ws.total) * 100
}

func statusFor(ws windowStats) Status {
	if ws.total == 0 {
		return StatusExcellent
	}
	rate := ws.successRate()
	switch {
	case rate >= ExcellentThreshold:
		return StatusExcellent
	case rate >= GoodThreshold:
		return StatusGood
	case rate >= DegradedThreshold:
		return StatusDegraded
	default:
		return StatusPoor
	}
}

// Monitor is the process-wide health store. It is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	sites     map[string]*ScraperHealth
	recent    []Alert
	capacity  int
	alertCap  int
	sinks     []AlertSink
	observers []EventObserver
	now       func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCapacity sets the per-site event ring size.
func WithCapacity(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.capacity = n
		}
	}
}

// WithAlertSink adds an alert receiver.
func WithAlertSink(s AlertSink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, s) }
}

// WithObserver adds an event observer.
func WithObserver(o EventObserver) Option {
	return func(m *Monitor) { m.observers = append(m.observers, o) }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates an empty monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		sites:    make(map[string]*ScraperHealth),
		capacity: DefaultCapacity,
		alertCap: DefaultAlertCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record stores an event and evaluates alert thresholds.
func (m *Monitor) Record(site string, e Event) {
	m.mu.Lock()
	now := m.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	h, ok := m.sites[site]
	if !ok {
		h = newScraperHealth(site, m.capacity)
		m.sites[site] = h
	}
	h.add(e)
	alerts := m.evaluateLocked(h, e, now)
	sinks := m.sinks
	observers := m.observers
	m.mu.Unlock()

	for _, o := range observers {
		o.ObserveEvent(site, e)
	}
	for _, a := range alerts {
		logAlert(a)
		for _, s := range sinks {
			s.HandleAlert(a)
		}
	}
}

// RecordSuccess records a clean fetch.
func (m *Monitor) RecordSuccess(site string, latency time.Duration, strategy fetch.Strategy) {
	m.Record(site, Event{Type: EventSuccess, Latency: latency, Strategy: strategy})
}

// RecordFailure records a failed fetch.
func (m *Monitor) RecordFailure(site string, err error, strategy fetch.Strategy) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	m.Record(site, Event{Type: EventFailure, Strategy: strategy, Detail: detail})
}

// RecordBlock records a WAF or anti-bot block.
func (m *Monitor) RecordBlock(site, reason string, strategy fetch.Strategy) {
	m.Record(site, Event{Type: EventBlock, Strategy: strategy, Detail: reason})
}

// RecordTimeout records a timed-out fetch.
func (m *Monitor) RecordTimeout(site string, strategy fetch.Strategy) {
	m.Record(site, Event{Type: EventTimeout, Strategy: strategy, Detail: "timeout"})
}

func (m *Monitor) evaluateLocked(h *ScraperHealth, e Event, now time.Time) []Alert {
	if e.Type == EventSuccess {
		return nil
	}

	var alerts []Alert
	raise := func(sev Severity, message, details string) {
		key := string(sev) + "|" + message
		if last, ok := h.lastAlertAt[key]; ok && now.Sub(last) < AlertDedupeWindow {
			return
		}
		h.lastAlertAt[key] = now
		a := Alert{Site: h.site, Severity: sev, Message: message, Details: details, Timestamp: now}
		h.alerts = append(h.alerts, a)
		if len(h.alerts) > siteAlertCapacity {
			h.alerts = h.alerts[len(h.alerts)-siteAlertCapacity:]
		}
		m.recent = append(m.recent, a)
		if len(m.recent) > m.alertCap {
			m.recent = m.recent[len(m.recent)-m.alertCap:]
		}
		alerts = append(alerts, a)
	}

	switch n := h.consecutiveFailures; {
	case n >= ConsecutiveCritical:
		raise(SeverityCritical, fmt.Sprintf("%d+ consecutive failures", ConsecutiveCritical),
			fmt.Sprintf("%d consecutive failures, last error: %s", n, h.lastError))
	case n >= ConsecutiveWarning:
		raise(SeverityWarning, fmt.Sprintf("%d+ consecutive failures", ConsecutiveWarning),
			fmt.Sprintf("%d consecutive failures, last error: %s", n, h.lastError))
	}

	if e.Type == EventBlock {
		ws := h.window(now.Add(-Window))
		if ws.total >= MinBlockRateEvents {
			rate := ws.blockRate()
			details := fmt.Sprintf("%d of %d requests blocked in the last hour (%.1f%%)", ws.block, ws.total, rate)
			switch {
			case rate >= BlockRateCritical:
				raise(SeverityCritical, fmt.Sprintf("block rate above %.0f%%", BlockRateCritical), details)
			case rate >= BlockRateWarning:
				raise(SeverityWarning, fmt.Sprintf("block rate above %.0f%%", BlockRateWarning), details)
			}
		}
	}
	return alerts
}

func logAlert(a Alert) {
	evt := log.Warn()
	if a.Severity == SeverityCritical {
		evt = log.Error()
	}
	evt.Str("site", a.Site).
		Str("severity", string(a.Severity)).
		Str("details", a.Details).
		Msg("Health alert: " + a.Message)
}

// GetHealthStatus returns the site's status; unknown or idle sites are excellent.
func (m *Monitor) GetHealthStatus(site string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.sites[site]
	if !ok {
		return StatusExcellent
	}
	return statusFor(h.window(m.now().Add(-Window)))
}

// StrategyStats counts attempts per strategy over the window.
type StrategyStats struct {
	Attempts    int     `json:"attempts"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Summary is the detailed view of one site.
type Summary struct {
	Site                string                            `json:"site"`
	Status              Status                            `json:"status"`
	SuccessRate         float64                           `json:"success_rate"`
	BlockRate           float64                           `json:"block_rate"`
	AvgResponseTimeMS   float64                           `json:"avg_response_time_ms"`
	EventsLastHour      int                               `json:"events_last_hour"`
	Successes           int                               `json:"successes"`
	Failures            int                               `json:"failures"`
	Blocks              int                               `json:"blocks"`
	Timeouts            int                               `json:"timeouts"`
	TotalEvents         int                               `json:"total_events"`
	ConsecutiveFailures int                               `json:"consecutive_failures"`
	Strategies          map[fetch.Strategy]*StrategyStats `json:"strategies"`
	LastSuccess         *time.Time                        `json:"last_success,omitempty"`
	LastFailure         *time.Time                        `json:"last_failure,omitempty"`
	LastBlock           *time.Time                        `json:"last_block,omitempty"`
	RecentAlerts        []Alert                           `json:"recent_alerts"`
}

// GetSummary returns the site summary; false when the site has no record.
func (m *Monitor) GetSummary(site string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.sites[site]
	if !ok {
		return Summary{Site: site, Status: StatusExcellent, SuccessRate: 100, Strategies: map[fetch.Strategy]*StrategyStats{}, RecentAlerts: []Alert{}}, false
	}
	return m.summaryLocked(h), true
}

func (m *Monitor) summaryLocked(h *ScraperHealth) Summary {
	ws := h.window(m.now().Add(-Window))

	var avg float64
	if ws.latencyCount > 0 {
		avg = float64(ws.latencySum.Microseconds()) / float64(ws.latencyCount) / 1000
	}
	for _, s := range ws.strategies {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts) * 100
	}

	total := 0
	for _, n := range h.totals {
		total += n
	}

	alerts := make([]Alert, 0, 10)
	for i := len(h.alerts) - 1; i >= 0 && len(alerts) < 10; i-- {
		alerts = append(alerts, h.alerts[i])
	}

	return Summary{
		Site:                h.site,
		Status:              statusFor(ws),
		SuccessRate:         ws.successRate(),
		BlockRate:           ws.blockRate(),
		AvgResponseTimeMS:   avg,
		EventsLastHour:      ws.total,
		Successes:           ws.success,
		Failures:            ws.failure,
		Blocks:              ws.block,
		Timeouts:            ws.timeout,
		TotalEvents:         total,
		ConsecutiveFailures: h.consecutiveFailures,
		Strategies:          ws.strategies,
		LastSuccess:         timePtr(h.lastSuccess),
		LastFailure:         timePtr(h.lastFailure),
		LastBlock:           timePtr(h.lastBlock),
		RecentAlerts:        alerts,
	}
}

// SiteStatus pairs a site with its status for overall listings.
type SiteStatus struct {
	Site        string  `json:"site"`
	Status      Status  `json:"status"`
	SuccessRate float64 `json:"success_rate"`
	Events      int     `json:"events_last_hour"`
}

// Overall aggregates every site.
type Overall struct {
	Sites       int              `json:"sites"`
	ByStatus    map[Status]int   `json:"by_status"`
	SuccessRate float64          `json:"success_rate"`
	WorstSites  []SiteStatus     `json:"worst_sites"`
	AlertCounts map[Severity]int `json:"alerts_last_hour"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// GetOverallHealth summarises every site over the window.
func (m *Monitor) GetOverallHealth() Overall {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	since := now.Add(-Window)
	out := Overall{
		Sites: len(m.sites),
		ByStatus: map[Status]int{
			StatusExcellent: 0,
			StatusGood:      0,
			StatusDegraded:  0,
			StatusPoor:      0,
		},
		AlertCounts: map[Severity]int{SeverityWarning: 0, SeverityCritical: 0},
		SuccessRate: 100,
		GeneratedAt: now,
	}

	var total, success int
	statuses := make([]SiteStatus, 0, len(m.sites))
	for name, h := range m.sites {
		ws := h.window(since)
		st := statusFor(ws)
		out.ByStatus[st]++
		total += ws.total
		success += ws.success
		if ws.total > 0 {
			statuses = append(statuses, SiteStatus{Site: name, Status: st, SuccessRate: ws.successRate(), Events: ws.total})
		}
	}
	if total > 0 {
		out.SuccessRate = float64(success) / float64(total) * 100
	}

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].SuccessRate != statuses[j].SuccessRate {
			return statuses[i].SuccessRate < statuses[j].SuccessRate
		}
		return statuses[i].Site < statuses[j].Site
	})
	for _, s := range statuses {
		if len(out.WorstSites) == worstSitesLimit || statusRank[s.Status] == statusRank[StatusExcellent] {
			break
		}
		out.WorstSites = append(out.WorstSites, s)
	}
	if out.WorstSites == nil {
		out.WorstSites = []SiteStatus{}
	}

	for _, a := range m.recent {
		if !a.Timestamp.Before(since) {
			out.AlertCounts[a.Severity]++
		}
	}
	return out
}

// GetRecentAlerts returns up to limit alerts across all sites, newest first.
func (m *Monitor) GetRecentAlerts(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]Alert, 0, limit)
	for i := len(m.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.recent[i])
	}
	return out
}

// Sites lists every site with a record, sorted.
func (m *Monitor) Sites() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sites))
	for name := range m.sites {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reset drops a site's record. It returns false when the site was unknown.
func (m *Monitor) Reset(site string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sites[site]; !ok {
		return false
	}
	delete(m.sites, site)
	return true
}

// SummaryJSON marshals the summary for one site, or every site when site is empty.
func (m *Monitor) SummaryJSON(site string) ([]byte, error) {
	if site != "" {
		s, _ := m.GetSummary(site)
		return json.Marshal(s)
	}

	m.mu.Lock()
	all := make(map[string]Summary, len(m.sites))
	for name, h := range m.sites {
		all[name] = m.summaryLocked(h)
	}
	m.mu.Unlock()
	return json.Marshal(all)
}

// OverallJSON marshals GetOverallHealth.
func (m *Monitor) OverallJSON() ([]byte, error) {
	return json.Marshal(m.GetOverallHealth())
}

// RecentAlertsJSON marshals GetRecentAlerts.
func (m *Monitor) RecentAlertsJSON(limit int) ([]byte, error) {
	return json.Marshal(m.GetRecentAlerts(limit))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
