package health

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *alertRecorder) HandleAlert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) all() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

func newTestMonitor(opts ...Option) (*Monitor, *clock) {
	c := &clock{t: time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)}
	return NewMonitor(append([]Option{WithClock(c.Now)}, opts...)...), c
}

func TestNoEventsIsExcellent(t *testing.T) {
	m, _ := newTestMonitor()
	assert.Equal(t, StatusExcellent, m.GetHealthStatus("never-seen"))

	summary, ok := m.GetSummary("never-seen")
	assert.False(t, ok)
	assert.Equal(t, StatusExcellent, summary.Status)
}

func TestConsecutiveFailuresDegradeAndAlert(t *testing.T) {
	sink := &alertRecorder{}
	m, _ := newTestMonitor(WithAlertSink(sink))

	for range 5 {
		m.RecordFailure("acme", errors.New("connection reset"), fetch.StrategyImpersonation)
	}

	status := m.GetHealthStatus("acme")
	assert.Contains(t, []Status{StatusPoor, StatusDegraded}, status)

	alerts := sink.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "3+ consecutive failures", alerts[0].Message)
	assert.Equal(t, SeverityCritical, alerts[1].Severity)
	assert.Equal(t, "5+ consecutive failures", alerts[1].Message)
	assert.Contains(t, alerts[1].Details, "connection reset")

	summary, ok := m.GetSummary("acme")
	require.True(t, ok)
	assert.NotEmpty(t, summary.RecentAlerts)
	assert.Equal(t, 5, summary.ConsecutiveFailures)
}

func TestAlertDedupe(t *testing.T) {
	sink := &alertRecorder{}
	m, c := newTestMonitor(WithAlertSink(sink))

	for range 10 {
		m.RecordTimeout("acme", fetch.StrategyBrowser)
	}
	assert.Len(t, sink.all(), 2, "identical messages are suppressed inside the dedupe window")

	c.Advance(AlertDedupeWindow + time.Second)
	m.RecordTimeout("acme", fetch.StrategyBrowser)
	assert.Len(t, sink.all(), 3)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m, _ := newTestMonitor()
	m.RecordFailure("acme", nil, "")
	m.RecordFailure("acme", nil, "")
	m.RecordSuccess("acme", 100*time.Millisecond, "")

	s, _ := m.GetSummary("acme")
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Empty(t, m.GetRecentAlerts(10))
}

func TestAverageResponseTime(t *testing.T) {
	m, _ := newTestMonitor()
	m.RecordSuccess("acme", 250*time.Millisecond, fetch.StrategyImpersonation)

	s, ok := m.GetSummary("acme")
	require.True(t, ok)
	assert.Equal(t, 250.0, s.AvgResponseTimeMS)
	assert.Equal(t, StatusExcellent, s.Status)
	assert.Equal(t, 100.0, s.SuccessRate)
}

func TestStatusThresholds(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		want      Status
	}{
		{"all_success", 20, 0, StatusExcellent},
		{"95_percent", 19, 1, StatusExcellent},
		{"90_percent", 9, 1, StatusGood},
		{"80_percent", 8, 2, StatusGood},
		{"60_percent", 6, 4, StatusDegraded},
		{"50_percent", 5, 5, StatusDegraded},
		{"20_percent", 1, 4, StatusPoor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestMonitor()
			for range tt.failures {
				m.RecordFailure("acme", nil, "")
			}
			for range tt.successes {
				m.RecordSuccess("acme", time.Millisecond, "")
			}
			assert.Equal(t, tt.want, m.GetHealthStatus("acme"))
		})
	}
}

func TestEventsAgeOutOfWindow(t *testing.T) {
	m, c := newTestMonitor()
	for range 10 {
		m.RecordFailure("acme", nil, "")
	}
	require.Equal(t, StatusPoor, m.GetHealthStatus("acme"))

	c.Advance(Window + time.Minute)
	assert.Equal(t, StatusExcellent, m.GetHealthStatus("acme"))

	s, _ := m.GetSummary("acme")
	assert.Equal(t, 0, s.EventsLastHour)
	assert.Equal(t, 10, s.TotalEvents)
}

func TestBlockRateAlerts(t *testing.T) {
	sink := &alertRecorder{}
	m, _ := newTestMonitor(WithAlertSink(sink))

	for range 9 {
		m.RecordSuccess("acme", 10*time.Millisecond, fetch.StrategyImpersonation)
	}
	m.RecordBlock("acme", "cloudflare", fetch.StrategyImpersonation)

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "block rate above 10%", alerts[0].Message)

	m.RecordBlock("acme", "cloudflare", fetch.StrategyImpersonation)
	m.RecordBlock("acme", "cloudflare", fetch.StrategyImpersonation)

	alerts = sink.all()
	last := alerts[len(alerts)-1]
	assert.Equal(t, SeverityCritical, last.Severity)
	assert.Equal(t, "block rate above 25%", last.Message)
}

func TestBlockRateNeedsMinimumEvents(t *testing.T) {
	sink := &alertRecorder{}
	m, _ := newTestMonitor(WithAlertSink(sink))

	m.RecordSuccess("acme", time.Millisecond, "")
	m.RecordBlock("acme", "datadome", fetch.StrategyBrowser)
	assert.Empty(t, sink.all())
}

func TestRingDropsOldest(t *testing.T) {
	m, _ := newTestMonitor(WithCapacity(3))
	m.RecordFailure("acme", nil, "")
	m.RecordFailure("acme", nil, "")
	for range 3 {
		m.RecordSuccess("acme", time.Millisecond, "")
	}

	s, _ := m.GetSummary("acme")
	assert.Equal(t, 3, s.EventsLastHour)
	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Equal(t, 5, s.TotalEvents)
}

func TestStrategyBreakdown(t *testing.T) {
	m, _ := newTestMonitor()
	m.RecordBlock("acme", "cloudflare", fetch.StrategyImpersonation)
	m.RecordSuccess("acme", 2*time.Second, fetch.StrategyBrowser)
	m.RecordSuccess("acme", 2*time.Second, fetch.StrategyBrowser)

	s, _ := m.GetSummary("acme")
	require.Contains(t, s.Strategies, fetch.StrategyBrowser)
	assert.Equal(t, 2, s.Strategies[fetch.StrategyBrowser].Attempts)
	assert.Equal(t, 100.0, s.Strategies[fetch.StrategyBrowser].SuccessRate)
	assert.Equal(t, 0.0, s.Strategies[fetch.StrategyImpersonation].SuccessRate)
	assert.NotNil(t, s.LastBlock)
}

func TestOverallHealthAndRecentAlerts(t *testing.T) {
	m, c := newTestMonitor()

	m.RecordSuccess("good-site", time.Millisecond, "")
	for range 5 {
		m.RecordFailure("bad-site", nil, "")
	}
	c.Advance(time.Second)
	m.RecordFailure("other-bad", nil, "")
	m.RecordFailure("other-bad", nil, "")
	m.RecordFailure("other-bad", nil, "")

	o := m.GetOverallHealth()
	assert.Equal(t, 3, o.Sites)
	assert.Equal(t, 1, o.ByStatus[StatusExcellent])
	assert.Equal(t, 2, o.ByStatus[StatusPoor])
	require.Len(t, o.WorstSites, 2)
	assert.Equal(t, "bad-site", o.WorstSites[0].Site)
	assert.Equal(t, 2, o.AlertCounts[SeverityWarning])
	assert.Equal(t, 1, o.AlertCounts[SeverityCritical])

	alerts := m.GetRecentAlerts(2)
	require.Len(t, alerts, 2)
	assert.Equal(t, "other-bad", alerts[0].Site, "newest first")

	assert.Len(t, m.GetRecentAlerts(0), 3)
}

func TestJSONViews(t *testing.T) {
	m, _ := newTestMonitor()
	m.RecordSuccess("acme", 250*time.Millisecond, fetch.StrategyImpersonation)

	raw, err := m.SummaryJSON("acme")
	require.NoError(t, err)
	var s map[string]any
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, "excellent", s["status"])
	assert.Equal(t, 250.0, s["avg_response_time_ms"])

	raw, err = m.SummaryJSON("")
	require.NoError(t, err)
	var all map[string]any
	require.NoError(t, json.Unmarshal(raw, &all))
	assert.Contains(t, all, "acme")

	raw, err = m.OverallJSON()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"sites":1`)

	raw, err = m.RecentAlertsJSON(5)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

type observerFunc func(string, Event)

func (f observerFunc) ObserveEvent(site string, e Event) { f(site, e) }

func TestObserverAndReset(t *testing.T) {
	var seen []Event
	m, c := newTestMonitor(WithObserver(observerFunc(func(site string, e Event) {
		assert.Equal(t, "acme", site)
		seen = append(seen, e)
	})))

	m.RecordBlock("acme", "perimeterx", fetch.StrategyBrowserProxy)
	require.Len(t, seen, 1)
	assert.Equal(t, EventBlock, seen[0].Type)
	assert.Equal(t, c.Now(), seen[0].Timestamp)

	assert.Equal(t, []string{"acme"}, m.Sites())
	assert.True(t, m.Reset("acme"))
	assert.False(t, m.Reset("acme"))
	assert.Empty(t, m.Sites())
}

func TestConcurrentRecording(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 200 {
				if (i+j)%4 == 0 {
					m.RecordBlock("acme", "x", "")
				} else {
					m.RecordSuccess("acme", time.Millisecond, "")
				}
			}
		}(i)
	}
	wg.Wait()

	s, _ := m.GetSummary("acme")
	assert.Equal(t, DefaultCapacity, s.EventsLastHour)
	assert.Equal(t, 1600, s.TotalEvents)
}
