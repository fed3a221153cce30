package notifications

import (
	"context"
	"fmt"

	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/getsentry/sentry-go"
)

// SentrySink captures critical alerts as Sentry messages.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink captures through hub, or the current hub when nil.
func NewSentrySink(hub *sentry.Hub) *SentrySink {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentrySink{hub: hub}
}

// Name returns the sink name
func (s *SentrySink) Name() string {
	return "sentry"
}

// Deliver captures critical alerts and ignores the rest.
func (s *SentrySink) Deliver(_ context.Context, a health.Alert) error {
	if a.Severity != health.SeverityCritical {
		return nil
	}

	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("event_type", "site_health")
		scope.SetTag("site", a.Site)
		scope.SetContext("alert", map[string]any{
			"site":      a.Site,
			"severity":  string(a.Severity),
			"details":   a.Details,
			"timestamp": a.Timestamp,
		})
		s.hub.CaptureMessage(fmt.Sprintf("%s: %s", a.Site, a.Message))
	})
	return nil
}
