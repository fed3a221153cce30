// Package stealth issues HTTP requests whose TLS, HTTP/2 and header
// fingerprints match a real browser, keeping one cookie-bearing session per
// site, identity and egress proxy.
package stealth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/cache"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultSessionTTL  = 30 * time.Minute
	DefaultMaxSessions = 256
	// MaxBodyBytes bounds how much of a response is read into memory.
	MaxBodyBytes = 10 << 20
)

// Request is one outbound call.
type Request struct {
	Method  string
	URL     string
	Site    fetch.SiteConfig
	Headers map[string]string
	Body    []byte
	Proxy   string
	Timeout time.Duration
}

// Doer is the part of an HTTP client a session needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SessionFactory builds the underlying client for a session.
type SessionFactory func(id Identity, proxyURL string, timeout time.Duration) (Doer, error)

// TLSClientFactory builds a tls-client session with its own cookie jar.
func TLSClientFactory(id Identity, proxyURL string, timeout time.Duration) (Doer, error) {
	secs := int(timeout / time.Second)
	if secs <= 0 {
		secs = int(DefaultTimeout / time.Second)
	}
	opts := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(secs),
		tls_client.WithClientProfile(id.Profile),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
		tls_client.WithRandomTLSExtensionOrder(),
	}
	if proxyURL != "" {
		opts = append(opts, tls_client.WithProxyUrl(proxyURL))
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tls client: %w", err)
	}
	return client, nil
}

// Available reports whether an impersonating client can be constructed.
func Available() error {
	_, err := TLSClientFactory(desktopIdentities[0], "", DefaultTimeout)
	return err
}

type session struct {
	doer     Doer
	identity Identity
}

// Client is safe for concurrent use.
type Client struct {
	sessions *cache.LRU[*session]
	group    singleflight.Group
	factory  SessionFactory
	timeout  time.Duration

	mu       sync.Mutex
	rotation map[string]int
}

// Option configures a Client.
type Option func(*Client)

// WithSessionFactory replaces the tls-client factory.
func WithSessionFactory(f SessionFactory) Option {
	return func(c *Client) { c.factory = f }
}

// WithTimeout sets the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithSessionCache sets session capacity and idle TTL.
func WithSessionCache(capacity int, ttl time.Duration) Option {
	return func(c *Client) { c.sessions = cache.NewLRU[*session](capacity, ttl) }
}

// NewClient creates a client with an empty session cache.
func NewClient(opts ...Option) *Client {
	c := &Client{
		sessions: cache.NewLRU[*session](DefaultMaxSessions, DefaultSessionTTL),
		factory:  TLSClientFactory,
		timeout:  DefaultTimeout,
		rotation: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues a GET.
func (c *Client) Get(ctx context.Context, req Request) (*fetch.RawResponse, error) {
	req.Method = nethttp.MethodGet
	return c.Do(ctx, req)
}

// Post issues a POST.
func (c *Client) Post(ctx context.Context, req Request) (*fetch.RawResponse, error) {
	req.Method = nethttp.MethodPost
	return c.Do(ctx, req)
}

// Do sends req through the site's current session. Non-2xx statuses are
// returned as-is; only transport failures are errors.
func (c *Client) Do(ctx context.Context, req Request) (*fetch.RawResponse, error) {
	method := req.Method
	if method == "" {
		method = nethttp.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := c.session(req.Site, req.Proxy, timeout)
	if err != nil {
		return nil, fetch.NewNetworkError("create session", req.URL, err)
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header = buildHeaders(sess.identity, req.Site, req.Headers)

	start := time.Now()
	resp, err := sess.doer.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return nil, fetch.NewNetworkError(strings.ToLower(method), req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fetch.NewNetworkError("read body", req.URL, err)
	}
	latency := time.Since(start)

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if !fetch.IsQuiet(ctx) {
		log.Debug().
			Str("site", req.Site.Name).
			Str("url", req.URL).
			Str("identity", sess.identity.Name).
			Int("status", resp.StatusCode).
			Dur("duration", latency).
			Msg("Impersonated request completed")
	}

	return &fetch.RawResponse{
		StatusCode: resp.StatusCode,
		Headers:    nethttp.Header(resp.Header),
		Body:       data,
		FinalURL:   finalURL,
		Cookies:    convertCookies(resp.Cookies()),
		Latency:    latency,
	}, nil
}

// Invalidate drops the site's sessions and rotates it to the next identity.
func (c *Client) Invalidate(site string) {
	c.mu.Lock()
	c.rotation[site]++
	c.mu.Unlock()

	evicted := c.sessions.RemoveFunc(func(key string) bool {
		return strings.HasPrefix(key, site+"|")
	})
	closeSessions(evicted)

	log.Debug().Str("site", site).Int("sessions", len(evicted)).Msg("Invalidated HTTP sessions")
}

// IdentityFor returns the identity the site is currently using.
func (c *Client) IdentityFor(site fetch.SiteConfig) Identity {
	set := Identities(site.Device)
	c.mu.Lock()
	n := c.rotation[site.Name]
	c.mu.Unlock()
	return set[n%len(set)]
}

// Sweep closes sessions idle past the TTL and returns how many were removed.
func (c *Client) Sweep() int {
	evicted := c.sessions.Sweep()
	closeSessions(evicted)
	return len(evicted)
}

// Sessions returns the number of cached sessions.
func (c *Client) Sessions() int { return c.sessions.Len() }

// Close drops every session.
func (c *Client) Close() {
	closeSessions(c.sessions.Drain())
}

func sessionKey(site string, id Identity, proxyURL string) string {
	return site + "|" + id.Name + "|" + proxyURL
}

func (c *Client) session(site fetch.SiteConfig, proxyURL string, timeout time.Duration) (*session, error) {
	id := c.IdentityFor(site)
	key := sessionKey(site.Name, id, proxyURL)
	if s, ok := c.sessions.Get(key); ok {
		return s, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if s, ok := c.sessions.Get(key); ok {
			return s, nil
		}
		doer, err := c.factory(id, proxyURL, timeout)
		if err != nil {
			return nil, err
		}
		s := &session{doer: doer, identity: id}
		closeSessions(c.sessions.Put(key, s))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

type idleCloser interface {
	CloseIdleConnections()
}

func closeSessions(evicted []cache.Evicted[*session]) {
	for _, e := range evicted {
		if ic, ok := e.Value.doer.(idleCloser); ok {
			ic.CloseIdleConnections()
		}
	}
}

// buildHeaders layers identity headers, the site referer and caller headers,
// then records the identity's header order.
func buildHeaders(id Identity, site fetch.SiteConfig, extra map[string]string) http.Header {
	h := http.Header{}
	order := make([]string, 0, len(id.Headers)+len(extra)+2)

	for _, kv := range id.Headers {
		v := kv[1]
		if kv[0] == "user-agent" {
			v = id.UserAgent
		}
		h.Set(kv[0], v)
		order = append(order, kv[0])
	}

	if ref := referer(site.BaseURL); ref != "" {
		h.Set("referer", ref)
		if h.Get("sec-fetch-site") != "" {
			h.Set("sec-fetch-site", "same-origin")
		}
		order = append(order, "referer")
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, extra[k])
		if !containsFold(order, k) {
			order = append(order, strings.ToLower(k))
		}
	}

	h[http.HeaderOrderKey] = order
	return h
}

func referer(base string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func convertCookies(in []*http.Cookie) []*nethttp.Cookie {
	if len(in) == 0 {
		return nil
	}
	out := make([]*nethttp.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, &nethttp.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			MaxAge:   c.MaxAge,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return out
}
