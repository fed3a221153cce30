package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/api"
	"github.com/Harvey-AU/stealth-bee/internal/breaker"
	"github.com/Harvey-AU/stealth-bee/internal/browser"
	"github.com/Harvey-AU/stealth-bee/internal/config"
	"github.com/Harvey-AU/stealth-bee/internal/db"
	"github.com/Harvey-AU/stealth-bee/internal/feed"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/gateway"
	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/Harvey-AU/stealth-bee/internal/notifications"
	"github.com/Harvey-AU/stealth-bee/internal/observability"
	"github.com/Harvey-AU/stealth-bee/internal/proxy"
	"github.com/Harvey-AU/stealth-bee/internal/scheduler"
	"github.com/Harvey-AU/stealth-bee/internal/stealth"
	"github.com/Harvey-AU/stealth-bee/internal/validate"
	"github.com/Harvey-AU/stealth-bee/internal/waf"
	"github.com/Harvey-AU/stealth-bee/internal/worker"
	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "stealth-bee"

// Persisted health events older than this are pruned nightly.
const eventRetention = 30 * 24 * time.Hour

// minValidBody is the smallest page accepted for sites with a wait selector.
const minValidBody = 512

// application owns every long-lived component of the server.
type application struct {
	cfg        *config.Config
	gateway    *gateway.Service
	dispatcher *notifications.Dispatcher
	batcher    *db.EventBatcher
	database   *db.DB
	workers    *worker.Pool
	cron       *cron.Cron
}

// sharedResets publishes operator breaker resets so other instances follow.
type sharedResets struct {
	*gateway.Service
	queue *db.DbQueue
}

func (g sharedResets) ResetBreaker(site string) bool {
	if !g.Service.ResetBreaker(site) {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.queue.PublishBreakerReset(ctx, site); err != nil {
		log.Warn().Err(err).Str("site", site).Msg("Breaker reset not shared with other instances")
	}
	return true
}

func main() {
	config.LoadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	closeLogs := setupLogging(cfg)
	defer closeLogs()

	// Initialise Sentry for error tracking and performance monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			TracesSampleRate: func() float64 {
				if cfg.IsProduction() {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            cfg.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", cfg.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
	)

	if cfg.ObservabilityEnabled {
		obsProviders, err = observability.Init(ctx, observability.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			Environment:    cfg.Env,
			OTLPEndpoint:   strings.TrimSpace(cfg.OTLPEndpoint),
			OTLPHeaders:    cfg.OTLPHeaders,
			OTLPInsecure:   cfg.OTLPInsecure,
			MetricsAddress: cfg.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && cfg.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              cfg.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	sites, err := config.LoadSites(cfg.SitesConfig)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to load site catalogue")
	}

	var database *db.DB
	if cfg.DatabaseURL != "" {
		database, err = db.NewWithRetry(ctx, &db.Config{DatabaseURL: cfg.DatabaseURL}, db.DefaultRetryConfig())
		if err != nil {
			sentry.CaptureException(err)
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
		}
		log.Info().Msg("Connected to PostgreSQL database")
	} else {
		log.Warn().Msg("DATABASE_URL not set, health events will not be persisted")
	}

	app := buildApplication(ctx, cfg, sites, database, gateway.Checks{})
	if err := app.start(ctx); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to start gateway")
	}
	defer app.stop()

	limiter := api.NewIPRateLimiter(20, 10)
	handler := app.handler(limiter)
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		close(done)
	}()

	log.Info().
		Str("port", cfg.Port).
		Int("sites", len(sites)).
		Interface("capabilities", app.gateway.Capabilities()).
		Msg("Starting server")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done
	log.Info().Msg("Server stopped")
}

// buildApplication wires every component. database may be nil.
func buildApplication(ctx context.Context, cfg *config.Config, sites []fetch.SiteConfig, database *db.DB, checks gateway.Checks) *application {
	app := &application{cfg: cfg, database: database}

	app.dispatcher = notifications.NewDispatcher(0, alertSinks(cfg, database)...)

	monitorOpts := []health.Option{health.WithAlertSink(app.dispatcher)}
	if database != nil {
		app.batcher = db.NewEventBatcher(db.NewDbQueue(database.GetDB()))
		monitorOpts = append(monitorOpts, health.WithObserver(app.batcher))
	}
	monitor := health.NewMonitor(monitorOpts...)

	caps := gateway.Probe(ctx, cfg.Features, len(cfg.Proxies), checks)

	var proxies *proxy.Manager
	if caps.ProxyPool {
		proxies = proxy.NewManager(cfg.Proxies, proxy.WithProber(proxy.NewValidator()))
	} else {
		proxies = proxy.NewManager(nil)
	}

	deps := gateway.Deps{
		Sites:        fetch.NewSites(sites...),
		Capabilities: caps,
		Health:       monitor,
		Proxies:      proxies,
		Breakers:     breaker.NewRegistry(),
		Detector:     newDetector(),
		Direct:       stealth.NewDirectClient(stealth.DefaultTimeout),
		Scheduler:    scheduler.DefaultConfig(),
		Maintenance:  gateway.DefaultMaintenanceConfig(),
	}
	if caps.TLSImpersonation {
		deps.HTTP = stealth.NewClient()
	}
	if caps.BrowserAutomation {
		bcfg := browser.DefaultConfig()
		if cfg.Browser.MaxContexts > 0 {
			bcfg.MaxContexts = cfg.Browser.MaxContexts
		}
		deps.Browser = browser.NewPool(bcfg, browser.NewRodEngine(cfg.Browser.Bin, cfg.Browser.Headless))
	}
	deps.Fallback = feed.New(feed.DefaultConfig(), deps.Direct)

	app.gateway = gateway.New(deps)

	for _, site := range sites {
		if v := siteValidator(site); v != nil {
			app.gateway.RegisterValidator(site.Name, v)
		}
	}
	applyRateLimits(app.gateway, cfg, sites)

	if cfg.WorkersEnabled {
		app.workers = worker.NewPool(worker.DefaultConfig(), app.gateway, logPolledPage, sites)
	}
	return app
}

// alertSinks returns the notification channels that are configured.
func alertSinks(cfg *config.Config, database *db.DB) []notifications.Sink {
	var sinks []notifications.Sink
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, notifications.NewSlackSink(cfg.SlackWebhookURL, cfg.SlackMinSeverity))
	}
	if cfg.SentryDSN != "" {
		sinks = append(sinks, notifications.NewSentrySink(nil))
	}
	if database != nil {
		sinks = append(sinks, db.NewAlertSink(db.NewDbQueue(database.GetDB())))
	}
	return sinks
}

func newDetector() *waf.Detector {
	fp, err := waf.NewWappalyzerFingerprinter()
	if err != nil {
		log.Warn().Err(err).Msg("Vendor fingerprinting unavailable, using built-in signatures only")
		return waf.NewDetector()
	}
	return waf.NewDetector(waf.WithFingerprinter(fp))
}

// siteValidator rejects pages that lack the content a site's wait selector
// promises. Sites without one rely on block detection alone.
func siteValidator(site fetch.SiteConfig) fetch.Validator {
	if site.WaitSelector == "" {
		return nil
	}
	return validate.All(validate.MinSize(minValidBody), validate.Selectors(site.WaitSelector))
}

// applyRateLimits sets per-site spacing from RATE_LIMIT_<SITE>_MS, falling
// back to RATE_LIMIT_DEFAULT_MS for catalogue sites without an override.
func applyRateLimits(gw *gateway.Service, cfg *config.Config, sites []fetch.SiteConfig) {
	for _, site := range sites {
		if d, ok := cfg.RateLimitFor(site.Name); ok {
			gw.SetRateLimit(site.Name, d)
		} else if cfg.DefaultRateLimit > 0 {
			gw.SetRateLimit(site.Name, cfg.DefaultRateLimit)
		}
	}
	for name, d := range cfg.RateLimits {
		gw.SetRateLimit(name, d)
	}
}

func logPolledPage(ctx context.Context, site fetch.SiteConfig, res *fetch.Result) error {
	log.Info().
		Str("site", site.Name).
		Str("url", res.URL).
		Str("strategy", string(res.Strategy)).
		Int("bytes", len(res.Body)).
		Dur("latency", res.Latency).
		Msg("Polled site")
	return nil
}

func (a *application) start(ctx context.Context) error {
	a.dispatcher.Start(ctx)
	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	if a.workers != nil {
		a.workers.Start(ctx)
	}

	if a.database != nil {
		a.cron = cron.New()
		queue := db.NewDbQueue(a.database.GetDB())
		if _, err := a.cron.AddFunc("@daily", func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := queue.PruneEvents(pruneCtx, time.Now().Add(-eventRetention))
			if err != nil {
				log.Error().Err(err).Msg("Failed to prune site events")
				return
			}
			log.Info().Int64("deleted", n).Msg("Pruned old site events")
		}); err != nil {
			return fmt.Errorf("failed to schedule event pruning: %w", err)
		}
		a.cron.Start()

		notifications.StartListener(ctx, a.cfg.DatabaseURL, a.cfg.DatabaseDirectURL, db.BreakerResetChannel, func(site string) {
			if a.gateway.ResetBreaker(site) {
				log.Info().Str("site", site).Msg("Breaker reset by another instance")
			}
		})
	}
	return nil
}

// stop shuts components down in reverse dependency order.
func (a *application) stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.workers != nil {
		a.workers.Stop()
	}
	a.gateway.Stop()
	a.dispatcher.Stop()
	if a.batcher != nil {
		a.batcher.Stop()
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// handler builds the API mux and middleware stack.
func (a *application) handler(limiter *api.IPRateLimiter) http.Handler {
	var workers api.WorkerStatuses
	if a.workers != nil {
		workers = a.workers
	}
	var database api.DBClient
	if a.database != nil {
		database = a.database
	}

	var gw api.GatewayClient = a.gateway
	if a.database != nil {
		gw = sharedResets{Service: a.gateway, queue: db.NewDbQueue(a.database.GetDB())}
	}

	mux := http.NewServeMux()
	api.NewHandler(gw, workers, database).SetupRoutes(mux)

	// Add middleware in reverse order (outermost first)
	var handler http.Handler = mux
	if limiter != nil {
		handler = limiter.Middleware(handler)
	}
	handler = api.LoggingMiddleware(handler)
	handler = api.RequestIDMiddleware(handler)
	handler = api.SecurityHeadersMiddleware(handler)
	handler = api.CrossOriginProtectionMiddleware(handler)
	handler = api.CORSMiddleware(handler)
	return handler
}

// setupLogging configures the logging system. The returned func closes the
// log file, if any.
func setupLogging(cfg *config.Config) func() {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	closer := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = func() { _ = file.Close() }
	}

	log.Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	return closer
}
