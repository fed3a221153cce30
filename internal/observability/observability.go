package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls observability initialisation.
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	initOnce sync.Once

	fetchTracer trace.Tracer

	attemptDuration metric.Float64Histogram
	attemptTotal    metric.Int64Counter
	schedulerWait   metric.Float64Histogram
	blockTotal      metric.Int64Counter
	breakerTrips    metric.Int64Counter
)

const instrumentationName = "stealth-bee/fetch"

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "stealth-bee"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Tracing is optional; carry on without it.
			log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			spanExporter = exp
			log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		fetchTracer = tracerProvider.Tracer(instrumentationName)
		if err := initFetchInstruments(meterProvider); err != nil {
			log.Warn().Err(err).Msg("Failed to create fetch instruments")
		}
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry instrumentation to an http.Handler when the providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}

	options := []otelhttp.Option{
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	}

	return otelhttp.NewHandler(handler, "http.server", options...)
}

func initFetchInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	attemptDuration, err = meter.Float64Histogram(
		"stealth.fetch.attempt.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken by a single strategy attempt"),
	)
	if err != nil {
		return err
	}

	attemptTotal, err = meter.Int64Counter(
		"stealth.fetch.attempt.total",
		metric.WithDescription("Counts strategy attempts by outcome"),
	)
	if err != nil {
		return err
	}

	schedulerWait, err = meter.Float64Histogram(
		"stealth.scheduler.wait_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time a request spent queued before dispatch"),
	)
	if err != nil {
		return err
	}

	blockTotal, err = meter.Int64Counter(
		"stealth.waf.block.total",
		metric.WithDescription("Counts responses classified as WAF blocks"),
	)
	if err != nil {
		return err
	}

	breakerTrips, err = meter.Int64Counter(
		"stealth.breaker.trip.total",
		metric.WithDescription("Counts circuit breakers opening"),
	)
	return err
}

func tracer() trace.Tracer {
	if fetchTracer != nil {
		return fetchTracer
	}
	return otel.Tracer(instrumentationName)
}

// RouteSpanInfo describes a Route call.
type RouteSpanInfo struct {
	Site    string
	URL     string
	Cascade []fetch.Strategy
}

// StartRouteSpan starts the parent span for one routed fetch. Quiet contexts
// get a non-recording span.
func StartRouteSpan(ctx context.Context, info RouteSpanInfo) (context.Context, trace.Span) {
	if fetch.IsQuiet(ctx) {
		return ctx, trace.SpanFromContext(context.Background())
	}

	cascade := make([]string, 0, len(info.Cascade))
	for _, s := range info.Cascade {
		cascade = append(cascade, string(s))
	}

	return tracer().Start(ctx, "router.route", trace.WithAttributes(
		attribute.String("fetch.site", info.Site),
		attribute.String("fetch.url", info.URL),
		attribute.StringSlice("fetch.cascade", cascade),
	))
}

// AttemptSpanInfo describes one strategy attempt.
type AttemptSpanInfo struct {
	Site     string
	Strategy fetch.Strategy
	Proxy    string
}

// StartAttemptSpan starts a child span for a strategy attempt.
func StartAttemptSpan(ctx context.Context, info AttemptSpanInfo) (context.Context, trace.Span) {
	if fetch.IsQuiet(ctx) {
		return ctx, trace.SpanFromContext(context.Background())
	}

	attrs := []attribute.KeyValue{
		attribute.String("fetch.site", info.Site),
		attribute.String("fetch.strategy", string(info.Strategy)),
	}
	if info.Proxy != "" {
		attrs = append(attrs, attribute.String("fetch.proxy", info.Proxy))
	}
	return tracer().Start(ctx, "router.attempt", trace.WithAttributes(attrs...))
}

// AttemptMetrics describes a finished attempt for metric recording.
type AttemptMetrics struct {
	Site     string
	Strategy fetch.Strategy
	Outcome  fetch.Outcome
	Duration time.Duration
}

// RecordAttempt emits attempt metrics when instrumentation is initialised.
func RecordAttempt(ctx context.Context, m AttemptMetrics) {
	attrs := metric.WithAttributes(
		attribute.String("fetch.site", m.Site),
		attribute.String("fetch.strategy", string(m.Strategy)),
		attribute.String("fetch.outcome", string(m.Outcome)),
	)
	if attemptDuration != nil {
		attemptDuration.Record(ctx, float64(m.Duration.Milliseconds()), attrs)
	}
	if attemptTotal != nil {
		attemptTotal.Add(ctx, 1, attrs)
	}
}

// RecordSchedulerWait records how long a request waited in the queue.
func RecordSchedulerWait(ctx context.Context, site string, wait time.Duration) {
	if schedulerWait != nil {
		schedulerWait.Record(ctx, float64(wait.Milliseconds()),
			metric.WithAttributes(attribute.String("fetch.site", site)))
	}
}

// RecordBlock counts a WAF block.
func RecordBlock(ctx context.Context, site, waf string) {
	if blockTotal != nil {
		blockTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("fetch.site", site),
			attribute.String("waf.type", waf),
		))
	}
}

// RecordBreakerTrip counts a breaker opening.
func RecordBreakerTrip(ctx context.Context, worker string) {
	if breakerTrips != nil {
		breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", worker)))
	}
}
