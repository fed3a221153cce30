// Package gateway is the single entry point callers use to fetch from
// protected sites. It wires one of each component together and owns their
// lifecycle.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/breaker"
	"github.com/Harvey-AU/stealth-bee/internal/browser"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/Harvey-AU/stealth-bee/internal/proxy"
	"github.com/Harvey-AU/stealth-bee/internal/router"
	"github.com/Harvey-AU/stealth-bee/internal/scheduler"
	"github.com/Harvey-AU/stealth-bee/internal/stealth"
	"github.com/Harvey-AU/stealth-bee/internal/waf"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Deps are the constructed components. Browser, HTTP, Direct and Fallback may
// be nil; their strategies are then skipped.
type Deps struct {
	Sites        *fetch.Sites
	Capabilities fetch.Capabilities
	Health       *health.Monitor
	Proxies      *proxy.Manager
	Breakers     *breaker.Registry
	Detector     router.BlockDetector
	HTTP         *stealth.Client
	Direct       *stealth.DirectClient
	Browser      *browser.Pool
	Fallback     router.FallbackFetcher
	Scheduler    scheduler.Config
	Maintenance  MaintenanceConfig
}

// Service is safe for concurrent use.
type Service struct {
	sites     *fetch.Sites
	caps      fetch.Capabilities
	health    *health.Monitor
	proxies   *proxy.Manager
	breakers  *breaker.Registry
	http      *stealth.Client
	browser   *browser.Pool
	router    *router.Router
	scheduler *scheduler.Scheduler

	maint MaintenanceConfig
	cron  *cron.Cron
}

// New wires the router and scheduler around deps.
func New(deps Deps) *Service {
	if deps.Sites == nil {
		deps.Sites = fetch.NewSites()
	}
	if deps.Health == nil {
		deps.Health = health.NewMonitor()
	}
	if deps.Proxies == nil {
		deps.Proxies = proxy.NewManager(nil)
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry()
	}
	if deps.Detector == nil {
		deps.Detector = waf.NewDetector()
	}

	rdeps := router.Deps{
		Sites:        deps.Sites,
		Capabilities: deps.Capabilities,
		Proxies:      deps.Proxies,
		Detector:     deps.Detector,
		Health:       deps.Health,
		Fallback:     deps.Fallback,
	}
	// Typed nils must not reach the router's interfaces.
	if deps.HTTP != nil {
		rdeps.HTTP = deps.HTTP
	}
	if deps.Direct != nil {
		rdeps.Direct = deps.Direct
	}
	if deps.Browser != nil {
		rdeps.Browser = deps.Browser
	}

	s := &Service{
		sites:    deps.Sites,
		caps:     deps.Capabilities,
		health:   deps.Health,
		proxies:  deps.Proxies,
		breakers: deps.Breakers,
		http:     deps.HTTP,
		browser:  deps.Browser,
		router:   router.New(rdeps),
		maint:    deps.Maintenance.withDefaults(),
	}
	s.scheduler = scheduler.New(deps.Scheduler, deps.Sites, s.router.Route,
		scheduler.WithTimeoutHook(func(site string, queued bool) {
			if queued {
				s.health.RecordTimeout(site, "")
			}
		}),
	)
	return s
}

// Start begins dispatching and schedules maintenance.
func (s *Service) Start(ctx context.Context) error {
	s.scheduler.Start(ctx)
	return s.startMaintenance(ctx)
}

// Stop drains the scheduler and releases browsers and sessions.
func (s *Service) Stop() {
	s.stopMaintenance()
	s.scheduler.Stop()
	if s.browser != nil {
		s.browser.Close()
	}
	if s.http != nil {
		s.http.Close()
	}
	log.Info().Msg("Fetch gateway stopped")
}

// Fetch schedules url for site and routes it through the site's cascade.
// priority <= 0 uses the site's configured priority; lower values run first.
// A site whose breaker is open fails fast with *fetch.CircuitOpenError.
func (s *Service) Fetch(ctx context.Context, url, site string, priority int, timeout time.Duration, opts fetch.Options) (*fetch.Result, error) {
	if b, ok := s.breakers.Lookup(site); ok {
		if err := b.Allow(); err != nil {
			return &fetch.Result{URL: url, Site: site, Error: err.Error(), FetchedAt: time.Now()}, err
		}
	}
	if priority <= 0 {
		priority = s.sites.Site(site).Priority
	}

	res, err := s.scheduler.Enqueue(ctx, url, site, priority, timeout, opts)

	var exhausted *fetch.StrategyExhaustedError
	if errors.As(err, &exhausted) && exhausted.Cooldown() > 0 {
		s.scheduler.Backoff(site, exhausted.Cooldown())
		log.Info().
			Str("site", site).
			Dur("cooldown", exhausted.Cooldown()).
			Msg("Site backed off after blocks")
	}
	return res, err
}

// RecordSuccess lets callers report outcomes the gateway cannot see, such as
// a page that parsed cleanly after a fetch.
func (s *Service) RecordSuccess(site string, latency time.Duration, strategy fetch.Strategy) {
	s.health.RecordSuccess(site, latency, strategy)
}

// RecordFailure reports an application-level failure, such as a parse error.
func (s *Service) RecordFailure(site string, err error, strategy fetch.Strategy) {
	s.health.RecordFailure(site, err, strategy)
}

// RecordBlock reports a block the caller recognised after the fact.
func (s *Service) RecordBlock(site, reason string, strategy fetch.Strategy) {
	s.health.RecordBlock(site, reason, strategy)
}

// RegisterValidator sets a site's default content validator.
func (s *Service) RegisterValidator(site string, v fetch.Validator) {
	s.router.RegisterValidator(site, v)
}

// SetRateLimit fixes a site's dispatch interval.
func (s *Service) SetRateLimit(site string, interval time.Duration) {
	s.scheduler.SetRateLimit(site, interval)
}

// Breaker returns the site's breaker, creating it on first use.
func (s *Service) Breaker(site string) *breaker.Breaker { return s.breakers.Get(site) }

// ResetBreaker closes a site's breaker; false when the site has none.
func (s *Service) ResetBreaker(site string) bool { return s.breakers.Reset(site) }

// Breakers lists every breaker.
func (s *Service) Breakers() []breaker.Snapshot { return s.breakers.Snapshots() }

// Capabilities returns the probed capability set.
func (s *Service) Capabilities() fetch.Capabilities { return s.caps }

// Cascade returns the pruned strategy order for a site.
func (s *Service) Cascade(site string) []fetch.Strategy { return s.router.CascadeFor(site) }

// Sites returns the site catalogue.
func (s *Service) Sites() *fetch.Sites { return s.sites }

// Health returns the health monitor.
func (s *Service) Health() *health.Monitor { return s.health }

// Proxies returns the proxy manager.
func (s *Service) Proxies() *proxy.Manager { return s.proxies }

// QueueStats reports queued requests.
func (s *Service) QueueStats() scheduler.Stats { return s.scheduler.Stats() }

// HealthSummaryJSON marshals one site's summary, or all sites when site is empty.
func (s *Service) HealthSummaryJSON(site string) ([]byte, error) { return s.health.SummaryJSON(site) }

// OverallHealthJSON marshals the cross-site health view.
func (s *Service) OverallHealthJSON() ([]byte, error) { return s.health.OverallJSON() }

// RecentAlertsJSON marshals up to limit recent alerts.
func (s *Service) RecentAlertsJSON(limit int) ([]byte, error) {
	return s.health.RecentAlertsJSON(limit)
}

// ProxiesJSON marshals the proxy pool snapshot.
func (s *Service) ProxiesJSON() ([]byte, error) { return s.proxies.SnapshotJSON() }

// CapabilitiesJSON marshals the capability set.
func (s *Service) CapabilitiesJSON() ([]byte, error) { return json.Marshal(s.caps) }
