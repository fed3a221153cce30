package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// MaintenanceConfig holds cron specs for background upkeep. An empty spec
// disables that job.
type MaintenanceConfig struct {
	ProxyRevalidation string
	BrowserSweep      string
	SessionSweep      string
	JobTimeout        time.Duration
}

// DefaultMaintenanceConfig returns the standard schedule.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		ProxyRevalidation: "@every 15m",
		BrowserSweep:      "@every 1m",
		SessionSweep:      "@every 5m",
		JobTimeout:        2 * time.Minute,
	}
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c == (MaintenanceConfig{}) {
		return DefaultMaintenanceConfig()
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultMaintenanceConfig().JobTimeout
	}
	return c
}

func (s *Service) startMaintenance(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"proxy_revalidation", s.maint.ProxyRevalidation, s.RevalidateProxies},
		{"browser_sweep", s.maint.BrowserSweep, s.SweepBrowsers},
		{"session_sweep", s.maint.SessionSweep, s.SweepSessions},
	}

	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := c.AddFunc(job.spec, func() {
			jctx, cancel := context.WithTimeout(ctx, s.maint.JobTimeout)
			defer cancel()
			if err := job.run(jctx); err != nil {
				log.Warn().Err(err).Str("job", job.name).Msg("Maintenance job failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	c.Start()
	s.cron = c
	return nil
}

func (s *Service) stopMaintenance() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// RevalidateProxies probes the pool and feeds results into proxy health.
func (s *Service) RevalidateProxies(ctx context.Context) error {
	if s.proxies.Len() == 0 {
		return nil
	}
	_, err := s.proxies.Revalidate(ctx)
	return err
}

// SweepBrowsers closes idle browser contexts.
func (s *Service) SweepBrowsers(ctx context.Context) error {
	if s.browser == nil {
		return nil
	}
	n, err := s.browser.Sweep(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Debug().Int("closed", n).Msg("Idle browser contexts swept")
	}
	return nil
}

// SweepSessions drops expired HTTP sessions.
func (s *Service) SweepSessions(context.Context) error {
	if s.http == nil {
		return nil
	}
	if n := s.http.Sweep(); n > 0 {
		log.Debug().Int("closed", n).Msg("Idle HTTP sessions swept")
	}
	return nil
}
