package health

import (
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
)

// EventType classifies a recorded outcome.
type EventType string

const (
	EventSuccess EventType = "success"
	EventFailure EventType = "failure"
	EventBlock   EventType = "block"
	EventTimeout EventType = "timeout"
)

// Event is one fetch outcome for a site.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Latency   time.Duration  `json:"latency,omitempty"`
	Strategy  fetch.Strategy `json:"strategy,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// Status is the coarse health of a site over the last hour.
type Status string

const (
	StatusExcellent Status = "excellent"
	StatusGood      Status = "good"
	StatusDegraded  Status = "degraded"
	StatusPoor      Status = "poor"
)

// statusRank orders statuses from worst to best.
var statusRank = map[Status]int{
	StatusPoor:      0,
	StatusDegraded:  1,
	StatusGood:      2,
	StatusExcellent: 3,
}

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is raised when a site crosses a failure or block threshold.
// Message is stable for a given condition and is used for deduplication;
// Details carries the exact figures.
type Alert struct {
	Site      string    `json:"site"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertSink receives alerts after they are recorded. Implementations must not
// block for long; the monitor calls them synchronously.
type AlertSink interface {
	HandleAlert(alert Alert)
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(Alert)

func (f AlertSinkFunc) HandleAlert(a Alert) { f(a) }

// EventObserver sees every recorded event, for persistence.
type EventObserver interface {
	ObserveEvent(site string, event Event)
}

// ring is a fixed-capacity event buffer that drops the oldest entry.
type ring struct {
	buf  []Event
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) add(e Event) {
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// each visits events oldest first.
func (r *ring) each(fn func(Event)) {
	if r.full {
		for _, e := range r.buf[r.next:] {
			fn(e)
		}
	}
	for _, e := range r.buf[:r.next] {
		fn(e)
	}
}
