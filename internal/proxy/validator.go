package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	utls "github.com/refraction-networking/utls"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProbeTarget must speak TLS.
	DefaultProbeTarget      = "www.google.com:443"
	DefaultProbeTimeout     = 10 * time.Second
	DefaultProbeConcurrency = 8
)

// Prober checks that a proxy can carry traffic.
type Prober interface {
	Probe(ctx context.Context, cfg Config) (time.Duration, error)
}

// ProbeResult is one proxy's probe outcome.
type ProbeResult struct {
	Config  Config
	Latency time.Duration
	Err     error
}

// ProbeAll probes configs concurrently, at most limit at a time. Results keep
// the input order.
func ProbeAll(ctx context.Context, p Prober, configs []Config, limit int) []ProbeResult {
	if limit <= 0 {
		limit = DefaultProbeConcurrency
	}
	results := make([]ProbeResult, len(configs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, cfg := range configs {
		g.Go(func() error {
			latency, err := p.Probe(gctx, cfg)
			results[i] = ProbeResult{Config: cfg, Latency: latency, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Validator tunnels to a TLS target through the proxy and completes a
// Chrome-shaped handshake, which also catches proxies that tamper with TLS.
type Validator struct {
	target     string
	timeout    time.Duration
	skipVerify bool
	dialer     *net.Dialer
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithTarget sets the host:port probed through each proxy.
func WithTarget(target string) ValidatorOption {
	return func(v *Validator) { v.target = target }
}

// WithProbeTimeout bounds a single probe.
func WithProbeTimeout(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.timeout = d }
}

// WithInsecureSkipVerify skips certificate checks on the target. Test use only.
func WithInsecureSkipVerify() ValidatorOption {
	return func(v *Validator) { v.skipVerify = true }
}

// NewValidator creates a Validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		target:  DefaultProbeTarget,
		timeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.dialer = &net.Dialer{Timeout: v.timeout, KeepAlive: 30 * time.Second}
	return v
}

// Probe implements Prober.
func (v *Validator) Probe(ctx context.Context, cfg Config) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return 0, fmt.Errorf("invalid proxy url: %w", err)
	}

	start := time.Now()
	var conn net.Conn
	switch u.Scheme {
	case "socks5", "socks5h":
		conn, err = v.dialSOCKS5(ctx, u)
	default:
		conn, err = v.dialConnect(ctx, u)
	}
	if err != nil {
		return 0, fetch.NewNetworkError("proxy tunnel", cfg.Redacted(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _, err := net.SplitHostPort(v.target)
	if err != nil {
		return 0, fmt.Errorf("invalid probe target %q: %w", v.target, err)
	}
	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: v.skipVerify,
	}, utls.HelloChrome_Auto)
	if err := uconn.HandshakeContext(ctx); err != nil {
		return 0, fetch.NewNetworkError("tls handshake", cfg.Redacted(), err)
	}

	latency := time.Since(start)
	if !fetch.IsQuiet(ctx) {
		log.Debug().Str("proxy", cfg.Redacted()).Dur("latency", latency).Msg("Proxy probe succeeded")
	}
	return latency, nil
}

func (v *Validator) dialSOCKS5(ctx context.Context, u *url.URL) (net.Conn, error) {
	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, v.dialer)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	return cd.DialContext(ctx, "tcp", v.target)
}

// dialConnect opens an HTTP CONNECT tunnel to the target.
func (v *Validator) dialConnect(ctx context.Context, u *url.URL) (net.Conn, error) {
	conn, err := v.dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: u.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: v.target},
		Host:   v.target,
		Header: make(http.Header),
	}
	if u.User != nil {
		password, _ := u.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// The body of a CONNECT reply is the tunnel itself and is left unread.
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT returned status %d", resp.StatusCode)
	}
	return conn, nil
}
