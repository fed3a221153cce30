// Package router walks a site's strategy cascade until one strategy returns
// real content, recording every outcome along the way.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/browser"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/observability"
	"github.com/Harvey-AU/stealth-bee/internal/proxy"
	"github.com/Harvey-AU/stealth-bee/internal/stealth"
	"github.com/Harvey-AU/stealth-bee/internal/waf"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// errStrategyUnavailable marks a strategy whose client was not wired.
var errStrategyUnavailable = errors.New("strategy unavailable")

// errEgressBlocked marks direct strategies skipped after an IP-level block.
var errEgressBlocked = errors.New("skipped: egress blocked")

// HTTPClient sends a non-browser request.
type HTTPClient interface {
	Do(ctx context.Context, req stealth.Request) (*fetch.RawResponse, error)
}

// ImpersonatingClient is an HTTPClient with rotatable sessions.
type ImpersonatingClient interface {
	HTTPClient
	Invalidate(site string)
}

// BrowserFetcher renders pages.
type BrowserFetcher interface {
	Fetch(ctx context.Context, req browser.Request) (*fetch.RawResponse, error)
	Available() bool
}

// ProxySource hands out proxies and takes outcome feedback.
type ProxySource interface {
	GetProxy(site string) (proxy.Config, error)
	RecordSuccess(proxyURL, site string, latency time.Duration)
	RecordFailure(proxyURL, site string, isBlock bool)
}

// BlockDetector classifies responses.
type BlockDetector interface {
	Detect(resp *fetch.RawResponse, site fetch.SiteConfig) waf.Detection
}

// HealthRecorder receives per-site outcomes.
type HealthRecorder interface {
	RecordSuccess(site string, latency time.Duration, strategy fetch.Strategy)
	RecordFailure(site string, err error, strategy fetch.Strategy)
	RecordBlock(site, reason string, strategy fetch.Strategy)
	RecordTimeout(site string, strategy fetch.Strategy)
}

// FallbackFetcher retrieves a site's RSS or API alternative.
type FallbackFetcher interface {
	Fetch(ctx context.Context, site fetch.SiteConfig, fb fetch.Fallback) (*fetch.RawResponse, error)
}

// Deps are the router's collaborators. Nil clients make their strategies
// unavailable; Sites, Detector and Health are required.
type Deps struct {
	Sites        fetch.SiteSource
	Capabilities fetch.Capabilities
	HTTP         ImpersonatingClient
	Direct       HTTPClient
	Browser      BrowserFetcher
	Proxies      ProxySource
	Detector     BlockDetector
	Health       HealthRecorder
	Fallback     FallbackFetcher
}

// Router is safe for concurrent use.
type Router struct {
	deps Deps

	mu         sync.RWMutex
	validators map[string]fetch.Validator
}

// New creates a Router.
func New(deps Deps) *Router {
	return &Router{deps: deps, validators: make(map[string]fetch.Validator)}
}

// RegisterValidator sets the default validator for a site. A per-call
// validator in Options takes precedence.
func (r *Router) RegisterValidator(site string, v fetch.Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v == nil {
		delete(r.validators, site)
		return
	}
	r.validators[site] = v
}

func (r *Router) validatorFor(site string, opts fetch.Options) fetch.Validator {
	if opts.Validator != nil {
		return opts.Validator
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[site]
}

// Capabilities returns the capability set cascades are pruned against.
func (r *Router) Capabilities() fetch.Capabilities { return r.deps.Capabilities }

// CascadeFor returns the pruned cascade for a site name.
func (r *Router) CascadeFor(siteName string) []fetch.Strategy {
	return Cascade(r.deps.Sites.Site(siteName), r.deps.Capabilities)
}

// Route fetches url for siteName. When every strategy fails it returns a
// failed Result together with a *fetch.StrategyExhaustedError. If ctx ends
// first, the remaining strategies are skipped and a *fetch.NetworkError
// wrapping ctx.Err() is returned instead.
func (r *Router) Route(ctx context.Context, url, siteName string, opts fetch.Options) (*fetch.Result, error) {
	site := r.deps.Sites.Site(siteName)
	cascade := Cascade(site, r.deps.Capabilities)

	ctx, span := observability.StartRouteSpan(ctx, observability.RouteSpanInfo{Site: site.Name, URL: url, Cascade: cascade})
	defer span.End()

	result := &fetch.Result{URL: url, Site: site.Name, FetchedAt: time.Now()}
	tried := make(map[fetch.Strategy]bool, len(cascade))
	egressBlocked := false
	var cooldown time.Duration

	for _, strategy := range cascade {
		if tried[strategy] {
			continue
		}
		tried[strategy] = true

		// The caller gave up; later strategies would only fail instantly.
		if err := ctx.Err(); err != nil {
			result.Attempts = append(result.Attempts, fetch.Attempt{
				Strategy: strategy,
				Outcome:  fetch.OutcomeSkipped,
				Error:    err.Error(),
			})
			break
		}

		if egressBlocked && !strategy.UsesProxy() && strategy != fetch.StrategyFallback {
			result.Attempts = append(result.Attempts, fetch.Attempt{
				Strategy: strategy,
				Outcome:  fetch.OutcomeSkipped,
				Error:    errEgressBlocked.Error(),
			})
			continue
		}

		attempt, resp, det := r.try(ctx, url, site, strategy, opts)
		result.Attempts = append(result.Attempts, attempt)

		switch attempt.Outcome {
		case fetch.OutcomeSuccess:
			result.Success = true
			result.StatusCode = resp.StatusCode
			result.Body = resp.Body
			result.Headers = resp.Headers
			result.Cookies = resp.Cookies
			result.Strategy = strategy
			result.Proxy = attempt.Proxy
			result.Latency = attempt.Duration
			if resp.FinalURL != "" {
				result.URL = resp.FinalURL
			}
			span.SetAttributes(attribute.String("fetch.strategy", string(strategy)))
			return result, nil
		case fetch.OutcomeBlock:
			if det.Cooldown > cooldown {
				cooldown = det.Cooldown
			}
			if !det.RequiresJS && !det.RequiresHuman {
				egressBlocked = true
			}
		}
		if resp != nil {
			result.StatusCode = resp.StatusCode
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		err := fetch.NewNetworkError("route", url, ctxErr)
		result.Error = err.Error()
		span.SetStatus(codes.Error, "caller context done")
		log.Debug().Err(ctxErr).Str("site", site.Name).Str("url", url).Msg("Fetch abandoned by caller")
		return result, err
	}

	err := fetch.NewStrategyExhaustedError(site.Name, url, result.Attempts, cooldown)
	result.Error = err.Error()
	span.SetStatus(codes.Error, "strategies exhausted")

	log.Warn().
		Str("site", site.Name).
		Str("url", url).
		Int("attempts", len(result.Attempts)).
		Dur("cooldown", cooldown).
		Msg("All fetch strategies exhausted")
	return result, err
}

// try runs one strategy and records its outcome everywhere it belongs.
func (r *Router) try(ctx context.Context, url string, site fetch.SiteConfig, strategy fetch.Strategy, opts fetch.Options) (fetch.Attempt, *fetch.RawResponse, waf.Detection) {
	attempt := fetch.Attempt{Strategy: strategy}
	var det waf.Detection

	var px proxy.Config
	if strategy.UsesProxy() {
		if r.deps.Proxies == nil {
			attempt.Outcome = fetch.OutcomeSkipped
			attempt.Error = (&fetch.ProxyExhaustedError{Site: site.Name}).Error()
			return attempt, nil, det
		}
		cfg, err := r.deps.Proxies.GetProxy(site.Name)
		if err != nil {
			attempt.Outcome = fetch.OutcomeSkipped
			attempt.Error = err.Error()
			return attempt, nil, det
		}
		px = cfg
		attempt.Proxy = cfg.Redacted()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = site.Timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx, span := observability.StartAttemptSpan(actx, observability.AttemptSpanInfo{Site: site.Name, Strategy: strategy, Proxy: attempt.Proxy})
	defer span.End()

	start := time.Now()
	resp, err := r.execute(actx, url, site, strategy, px.URL, opts)
	attempt.Duration = time.Since(start)

	defer func() {
		span.SetAttributes(attribute.String("fetch.outcome", string(attempt.Outcome)))
		observability.RecordAttempt(ctx, observability.AttemptMetrics{
			Site:     site.Name,
			Strategy: strategy,
			Outcome:  attempt.Outcome,
			Duration: attempt.Duration,
		})
	}()

	if err != nil {
		attempt.Error = err.Error()
		if errors.Is(err, errStrategyUnavailable) || errors.Is(err, fetch.ErrBrowserUnavailable) {
			attempt.Outcome = fetch.OutcomeSkipped
			return attempt, nil, det
		}
		// The caller is gone; the proxy is not charged.
		if ctxErr := ctx.Err(); ctxErr != nil {
			attempt.Outcome = fetch.OutcomeSkipped
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				attempt.Outcome = fetch.OutcomeTimeout
				r.deps.Health.RecordTimeout(site.Name, strategy)
			}
			return attempt, nil, det
		}
		if fetch.IsTimeout(err) {
			attempt.Outcome = fetch.OutcomeTimeout
			r.deps.Health.RecordTimeout(site.Name, strategy)
		} else {
			attempt.Outcome = fetch.OutcomeFailure
			r.deps.Health.RecordFailure(site.Name, err, strategy)
		}
		r.proxyFailure(px, site.Name, false)
		span.RecordError(err)
		log.Debug().Err(err).Str("site", site.Name).Str("strategy", string(strategy)).Msg("Fetch attempt failed")
		return attempt, nil, det
	}

	det = r.deps.Detector.Detect(resp, site)
	if det.Detected {
		blocked := det.BlockedError(site.Name, resp.StatusCode)
		attempt.Outcome = fetch.OutcomeBlock
		attempt.Error = blocked.Error()

		r.deps.Health.RecordBlock(site.Name, string(det.Type), strategy)
		r.proxyFailure(px, site.Name, true)
		if r.deps.HTTP != nil {
			r.deps.HTTP.Invalidate(site.Name)
		}
		observability.RecordBlock(ctx, site.Name, string(det.Type))

		log.Info().
			Str("site", site.Name).
			Str("strategy", string(strategy)).
			Str("waf", string(det.Type)).
			Float64("confidence", det.Confidence).
			Bool("requires_js", det.RequiresJS).
			Bool("requires_human", det.RequiresHuman).
			Msg("Request blocked")
		return attempt, resp, det
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err = &fetch.StatusError{StatusCode: resp.StatusCode}
	} else if v := r.validatorFor(site.Name, opts); v != nil {
		if ok, signal := v(resp.Body); !ok {
			err = &fetch.ValidationError{Site: site.Name, Signal: signal}
		}
	}
	if err != nil {
		attempt.Outcome = fetch.OutcomeFailure
		attempt.Error = err.Error()
		r.deps.Health.RecordFailure(site.Name, err, strategy)
		r.proxyFailure(px, site.Name, false)
		return attempt, resp, det
	}

	attempt.Outcome = fetch.OutcomeSuccess
	latency := resp.Latency
	if latency <= 0 {
		latency = attempt.Duration
	}
	r.deps.Health.RecordSuccess(site.Name, latency, strategy)
	if px.URL != "" {
		r.deps.Proxies.RecordSuccess(px.URL, site.Name, latency)
	}
	return attempt, resp, det
}

func (r *Router) proxyFailure(px proxy.Config, site string, isBlock bool) {
	if px.URL != "" {
		r.deps.Proxies.RecordFailure(px.URL, site, isBlock)
	}
}

func (r *Router) execute(ctx context.Context, url string, site fetch.SiteConfig, strategy fetch.Strategy, proxyURL string, opts fetch.Options) (*fetch.RawResponse, error) {
	switch {
	case strategy == fetch.StrategyFallback:
		if r.deps.Fallback == nil || site.Fallback == nil {
			return nil, errStrategyUnavailable
		}
		return r.deps.Fallback.Fetch(ctx, site, *site.Fallback)

	case strategy.UsesBrowser():
		if r.deps.Browser == nil || !r.deps.Browser.Available() {
			return nil, fetch.ErrBrowserUnavailable
		}
		return r.deps.Browser.Fetch(ctx, browser.Request{
			URL:             url,
			Site:            site,
			Proxy:           proxyURL,
			WaitSelector:    opts.WaitSelector,
			ChallengeBypass: strategy.UsesChallengeBypass(),
		})

	case strategy.UsesImpersonation():
		if r.deps.HTTP == nil {
			return nil, errStrategyUnavailable
		}
		return r.deps.HTTP.Do(ctx, httpRequest(url, site, proxyURL, opts))

	case strategy == fetch.StrategyHTTP || strategy == fetch.StrategyHTTPProxy:
		if r.deps.Direct == nil {
			return nil, errStrategyUnavailable
		}
		return r.deps.Direct.Do(ctx, httpRequest(url, site, proxyURL, opts))
	}
	return nil, fmt.Errorf("%w: %s", errStrategyUnavailable, strategy)
}

func httpRequest(url string, site fetch.SiteConfig, proxyURL string, opts fetch.Options) stealth.Request {
	return stealth.Request{
		Method:  opts.Method,
		URL:     url,
		Site:    site,
		Headers: opts.Headers,
		Body:    opts.Body,
		Proxy:   proxyURL,
	}
}
