package stealth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/proxy"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DirectClient is the degraded path used when TLS impersonation is off, and
// for API fallbacks. It still sends browser-like cipher suites and headers.
type DirectClient struct {
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*resty.Client // by proxy URL, "" for direct
}

// NewDirectClient creates a DirectClient.
func NewDirectClient(timeout time.Duration) *DirectClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DirectClient{
		timeout: timeout,
		clients: make(map[string]*resty.Client),
	}
}

func (d *DirectClient) client(proxyURL string) (*resty.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[proxyURL]; ok {
		return c, nil
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			// The parse error echoes the raw URL, credentials included.
			return nil, fmt.Errorf("invalid proxy url %s", proxy.Redact(proxyURL))
		}
		transport.Proxy = http.ProxyURL(u)
	}

	c := resty.New()
	c.SetTransport(cloudflarebp.AddCloudFlareByPass(transport))
	c.SetTimeout(d.timeout)
	c.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	c.SetLogger(restyLogger{log.With().Str("component", "direct_client").Logger()})
	d.clients[proxyURL] = c
	return c, nil
}

// Do sends req. Non-2xx statuses are returned as-is.
func (d *DirectClient) Do(ctx context.Context, req Request) (*fetch.RawResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	c, err := d.client(req.Proxy)
	if err != nil {
		return nil, err
	}

	r := c.R().SetContext(ctx)
	if ref := referer(req.Site.BaseURL); ref != "" {
		r.SetHeader("Referer", ref)
	}
	r.SetHeaders(req.Headers)
	if len(req.Body) > 0 {
		r.SetBody(req.Body)
	}

	resp, err := r.Execute(method, req.URL)
	if err != nil {
		return nil, fetch.NewNetworkError(strings.ToLower(method), req.URL, err)
	}

	finalURL := req.URL
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}

	if !fetch.IsQuiet(ctx) {
		log.Debug().
			Str("site", req.Site.Name).
			Str("url", req.URL).
			Int("status", resp.StatusCode()).
			Dur("duration", resp.Time()).
			Msg("Direct request completed")
	}

	return &fetch.RawResponse{
		StatusCode: resp.StatusCode(),
		Headers:    resp.Header(),
		Body:       resp.Body(),
		FinalURL:   finalURL,
		Cookies:    resp.Cookies(),
		Latency:    resp.Time(),
	}, nil
}

// Get issues a GET.
func (d *DirectClient) Get(ctx context.Context, req Request) (*fetch.RawResponse, error) {
	req.Method = http.MethodGet
	return d.Do(ctx, req)
}

// Clients returns the number of cached per-proxy clients.
func (d *DirectClient) Clients() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

type restyLogger struct {
	l zerolog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error().Msgf(format, v...) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn().Msgf(format, v...) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug().Msgf(format, v...) }
