// Package feed fetches a site's RSS/Atom or JSON API fallback when its pages
// cannot be reached directly.
package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/stealth"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// itemXPath matches RSS items and Atom entries regardless of namespace.
const itemXPath = "//*[local-name()='item' or local-name()='entry']"

// APIClient performs the HTTP request for JSON API fallbacks.
type APIClient interface {
	Do(ctx context.Context, req stealth.Request) (*fetch.RawResponse, error)
}

// Fetcher retrieves fallback content. It is safe for concurrent use.
type Fetcher struct {
	config     *Config
	colly      *colly.Collector
	api        APIClient
	metricsMap *sync.Map
}

// tracingRoundTripper captures HTTP trace metrics for each request
type tracingRoundTripper struct {
	transport  http.RoundTripper
	metricsMap *sync.Map // Maps URL -> PerformanceMetrics
}

// RoundTrip implements the http.RoundTripper interface with httptrace instrumentation
func (t *tracingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	metrics := &PerformanceMetrics{}

	var dnsStartTime, connectStartTime, tlsStartTime time.Time
	requestStartTime := time.Now()

	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			dnsStartTime = time.Now()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			if !dnsStartTime.IsZero() {
				metrics.DNSLookupTime = time.Since(dnsStartTime).Milliseconds()
			}
		},
		ConnectStart: func(_, _ string) {
			connectStartTime = time.Now()
		},
		ConnectDone: func(_, _ string, err error) {
			if err == nil && !connectStartTime.IsZero() {
				metrics.TCPConnectionTime = time.Since(connectStartTime).Milliseconds()
			}
		},
		TLSHandshakeStart: func() {
			tlsStartTime = time.Now()
		},
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil && !tlsStartTime.IsZero() {
				metrics.TLSHandshakeTime = time.Since(tlsStartTime).Milliseconds()
			}
		},
		GotFirstResponseByte: func() {
			metrics.TTFB = time.Since(requestStartTime).Milliseconds()
		},
	}

	// Retrieved in OnResponse
	t.metricsMap.Store(req.URL.String(), metrics)

	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	return t.transport.RoundTrip(req)
}

// New creates a Fetcher. api may be nil, in which case API fallbacks fail.
func New(config *Config, api APIClient) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(config.MaxBodyBytes),
	)

	metricsMap := &sync.Map{}

	baseTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	c.SetClient(&http.Client{
		Timeout: config.Timeout,
		Transport: &tracingRoundTripper{
			transport:  baseTransport,
			metricsMap: metricsMap,
		},
	})

	return &Fetcher{
		config:     config,
		colly:      c,
		api:        api,
		metricsMap: metricsMap,
	}
}

// Fetch retrieves fb for site. A non-2xx response is returned without error so
// the caller's block detection can inspect it; a 2xx response that is not a
// usable feed is a *fetch.ValidationError.
func (f *Fetcher) Fetch(ctx context.Context, site fetch.SiteConfig, fb fetch.Fallback) (*fetch.RawResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch fb.Kind {
	case fetch.FallbackAPI:
		return f.fetchAPI(ctx, site, fb)
	case fetch.FallbackRSS, "":
		return f.fetchRSS(ctx, site, fb.URL)
	default:
		return nil, fmt.Errorf("unknown fallback kind %q", fb.Kind)
	}
}

type feedResult struct {
	resp  *fetch.RawResponse
	items int
	perf  PerformanceMetrics
	err   error
}

func (f *Fetcher) fetchRSS(ctx context.Context, site fetch.SiteConfig, feedURL string) (*fetch.RawResponse, error) {
	start := time.Now()
	res := &feedResult{}
	// Clones do not inherit callbacks, so everything is registered here.
	clone := f.colly.Clone()

	clone.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")

		log.Debug().
			Str("site", site.Name).
			Str("url", r.URL.String()).
			Msg("Feed fetcher sending request")
	})

	clone.OnXML(itemXPath, func(_ *colly.XMLElement) {
		res.items++
	})

	clone.OnResponse(func(r *colly.Response) {
		if metricsVal, ok := f.metricsMap.LoadAndDelete(r.Request.URL.String()); ok {
			perf := metricsVal.(*PerformanceMetrics)
			if perf.TTFB > 0 {
				perf.ContentTransferTime = time.Since(start).Milliseconds() - perf.TTFB
			}
			res.perf = *perf
		}

		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		res.resp = &fetch.RawResponse{
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       r.Body,
			FinalURL:   r.Request.URL.String(),
			Latency:    time.Since(start),
		}
	})

	clone.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 && res.resp == nil {
			res.resp = &fetch.RawResponse{StatusCode: r.StatusCode, Body: r.Body, Latency: time.Since(start)}
			return
		}
		res.err = err
	})

	done := make(chan error, 1)
	go func() {
		done <- clone.Visit(feedURL)
	}()

	select {
	case err := <-done:
		if err == nil {
			err = res.err
		}
		if res.resp == nil {
			if err == nil {
				err = errors.New("no response")
			}
			log.Debug().Err(err).Str("site", site.Name).Str("url", feedURL).Msg("Feed fetch failed")
			return nil, fetch.NewNetworkError("feed", feedURL, err)
		}
	case <-ctx.Done():
		return nil, fetch.NewNetworkError("feed", feedURL, ctx.Err())
	}

	resp := res.resp
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && res.items == 0 {
		return resp, &fetch.ValidationError{Site: site.Name, Signal: "feed has no items"}
	}

	log.Debug().
		Str("site", site.Name).
		Str("url", feedURL).
		Int("status", resp.StatusCode).
		Int("items", res.items).
		Int64("ttfb_ms", res.perf.TTFB).
		Dur("duration", resp.Latency).
		Msg("Feed fetched")
	return resp, nil
}

func (f *Fetcher) fetchAPI(ctx context.Context, site fetch.SiteConfig, fb fetch.Fallback) (*fetch.RawResponse, error) {
	if f.api == nil {
		return nil, errors.New("no api client configured")
	}

	resp, err := f.api.Do(ctx, stealth.Request{
		Method:  http.MethodGet,
		URL:     fb.URL,
		Site:    site,
		Headers: map[string]string{"Accept": "application/json"},
		Timeout: f.config.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	if !gjson.ValidBytes(resp.Body) {
		return resp, &fetch.ValidationError{Site: site.Name, Signal: "api response is not json"}
	}
	for _, path := range fb.JSONPaths {
		if !gjson.GetBytes(resp.Body, path).Exists() {
			return resp, &fetch.ValidationError{Site: site.Name, Signal: "missing " + path}
		}
	}
	return resp, nil
}
