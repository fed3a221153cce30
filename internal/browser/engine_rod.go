package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/waf"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

const navigationStatusJS = `() => {
  const nav = performance.getEntriesByType('navigation')[0];
  return nav && nav.responseStatus ? nav.responseStatus : 0;
}`

const scrollJS = `() => window.scrollBy(0, window.innerHeight)`

// LookPath returns the Chrome binary rod would use, if one is installed.
func LookPath(bin string) (string, bool) {
	if bin != "" {
		return bin, true
	}
	return launcher.LookPath()
}

// RodEngine drives a local Chrome over CDP.
type RodEngine struct {
	bin      string
	headless bool

	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodEngine creates an engine; nothing is launched until Start.
func NewRodEngine(bin string, headless bool) *RodEngine {
	return &RodEngine{bin: bin, headless: headless}
}

// Start launches Chrome and connects to it.
func (e *RodEngine) Start() error {
	bin, ok := LookPath(e.bin)
	if !ok {
		return errors.New("no chrome binary found")
	}

	l := launcher.New().
		Bin(bin).
		Headless(e.headless).
		NoSandbox(true).
		Set("disable-blink-features", "AutomationControlled")

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connect browser: %w", err)
	}

	e.launcher = l
	e.browser = b
	log.Info().Str("bin", bin).Bool("headless", e.headless).Msg("Chrome started")
	return nil
}

// NewContext creates an isolated browser context routed through proxyURL.
// Proxy credentials are not supported by Chrome's proxy flag and are dropped.
func (e *RodEngine) NewContext(proxyURL string) (Context, error) {
	if e.browser == nil {
		return nil, errors.New("browser not started")
	}
	server, err := proxyServer(proxyURL)
	if err != nil {
		return nil, err
	}

	res, err := proto.TargetCreateBrowserContext{
		DisposeOnDetach: true,
		ProxyServer:     server,
	}.Call(e.browser)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	return &rodContext{browser: e.browser, id: res.BrowserContextID}, nil
}

// Close shuts Chrome down.
func (e *RodEngine) Close() error {
	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	if e.launcher != nil {
		e.launcher.Kill()
	}
	e.browser = nil
	return err
}

func proxyServer(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", errors.New("invalid browser proxy")
	}
	if u.User != nil {
		log.Warn().Str("proxy", u.Redacted()).Msg("Browser contexts ignore proxy credentials")
	}
	scheme := u.Scheme
	if scheme == "" || scheme == "https" {
		scheme = "http"
	}
	return scheme + "://" + u.Host, nil
}

type rodContext struct {
	browser *rod.Browser
	id      proto.BrowserBrowserContextID
}

func (c *rodContext) Close() error {
	return proto.TargetDisposeBrowserContext{BrowserContextID: c.id}.Call(c.browser)
}

func (c *rodContext) Fetch(ctx context.Context, req PageRequest) (*fetch.RawResponse, error) {
	start := time.Now()

	target, err := proto.TargetCreateTarget{URL: "about:blank", BrowserContextID: c.id}.Call(c.browser)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page, err := c.browser.PageFromTarget(target.TargetID)
	if err != nil {
		return nil, fmt.Errorf("attach page: %w", err)
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx)

	fp := req.Fingerprint
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}
	if _, err := page.EvalOnNewDocument(fp.Script()); err != nil {
		return nil, fmt.Errorf("apply fingerprint script: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      fp.UserAgent,
		AcceptLanguage: strings.Join(fp.Languages, ","),
		Platform:       fp.Platform,
	}); err != nil {
		return nil, fmt.Errorf("set user agent: %w", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             fp.Width,
		Height:            fp.Height,
		DeviceScaleFactor: 1,
		Mobile:            fp.Mobile,
	}); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	nav := page.Timeout(req.NavigationTimeout)
	if err := nav.Navigate(req.URL); err != nil {
		return nil, fetch.NewNetworkError("navigate", req.URL, err)
	}
	if err := nav.WaitLoad(); err != nil {
		log.Debug().Err(err).Str("url", req.URL).Msg("WaitLoad failed, continuing anyway")
	}

	if req.WaitSelector != "" {
		wait := req.WaitTime
		if wait <= 0 {
			wait = 10 * time.Second
		}
		if _, err := page.Timeout(wait).Element(req.WaitSelector); err != nil {
			log.Debug().Str("url", req.URL).Str("selector", req.WaitSelector).Msg("Wait selector not found")
		}
	}

	if req.ChallengeBypass {
		waitOutChallenge(ctx, page, req.URL, req.ChallengeWait)
	}

	if err := settle(ctx, 500*time.Millisecond, 1500*time.Millisecond); err != nil {
		return nil, fetch.NewNetworkError("settle", req.URL, err)
	}
	for range 3 {
		if _, err := page.Eval(scrollJS); err != nil {
			break
		}
	}

	status := http.StatusOK
	if res, err := page.Eval(navigationStatusJS); err == nil {
		if s := res.Value.Int(); s > 0 {
			status = s
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read rendered html: %w", err)
	}

	finalURL := req.URL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}

	var cookies []*http.Cookie
	if list, err := page.Cookies(nil); err == nil {
		cookies = convertCookies(list)
	}

	return &fetch.RawResponse{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(html),
		FinalURL:   finalURL,
		Cookies:    cookies,
		Latency:    time.Since(start),
	}, nil
}

// waitOutChallenge polls until the interstitial is gone or wait elapses.
func waitOutChallenge(ctx context.Context, page *rod.Page, pageURL string, wait time.Duration) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		html, err := page.HTML()
		if err == nil && !waf.IsInterstitial(html) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	log.Debug().Str("url", pageURL).Dur("waited", wait).Msg("Challenge still present after wait")
}

func settle(ctx context.Context, lo, hi time.Duration) error {
	d := lo + rand.N(hi-lo)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func convertCookies(in []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		ck := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			ck.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, ck)
	}
	return out
}
