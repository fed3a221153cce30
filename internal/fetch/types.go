// Package fetch holds the types shared by every stage of the fetch pipeline:
// site configuration, strategies, raw responses, results and the error taxonomy.
package fetch

import (
	"net/http"
	"strings"
	"time"
)

// Difficulty is a coarse classification of how aggressively a site defends
// against automated access.
type Difficulty string

const (
	DifficultyEasy    Difficulty = "easy"
	DifficultyMedium  Difficulty = "medium"
	DifficultyHard    Difficulty = "hard"
	DifficultyExtreme Difficulty = "extreme"
)

// ParseDifficulty maps a config string to a Difficulty, defaulting to medium.
func ParseDifficulty(s string) Difficulty {
	switch Difficulty(strings.ToLower(strings.TrimSpace(s))) {
	case DifficultyEasy:
		return DifficultyEasy
	case DifficultyHard:
		return DifficultyHard
	case DifficultyExtreme:
		return DifficultyExtreme
	default:
		return DifficultyMedium
	}
}

// Strategy names one way of obtaining a response.
type Strategy string

const (
	StrategyImpersonation         Strategy = "curl-impersonation"
	StrategyImpersonationProxy    Strategy = "curl-impersonation+proxy"
	StrategyBrowser               Strategy = "browser"
	StrategyBrowserProxy          Strategy = "browser+proxy"
	StrategyBrowserProxyChallenge Strategy = "browser+proxy+challenge-bypass"
	StrategyHTTP                  Strategy = "http"
	StrategyHTTPProxy             Strategy = "http+proxy"
	StrategyFallback              Strategy = "fallback"
)

// UsesProxy reports whether the strategy needs a proxy from the pool.
func (s Strategy) UsesProxy() bool {
	return strings.Contains(string(s), "+proxy")
}

// UsesBrowser reports whether the strategy renders through the browser pool.
func (s Strategy) UsesBrowser() bool {
	return strings.HasPrefix(string(s), "browser")
}

// UsesChallengeBypass reports whether the strategy waits out JS challenges.
func (s Strategy) UsesChallengeBypass() bool {
	return strings.HasSuffix(string(s), "+challenge-bypass")
}

// UsesImpersonation reports whether the strategy needs TLS impersonation.
func (s Strategy) UsesImpersonation() bool {
	return strings.HasPrefix(string(s), "curl-impersonation")
}

// ParseStrategies converts config strings, dropping unknown names.
func ParseStrategies(names []string) []Strategy {
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		s := Strategy(strings.ToLower(strings.TrimSpace(n)))
		switch s {
		case StrategyImpersonation, StrategyImpersonationProxy, StrategyBrowser, StrategyBrowserProxy,
			StrategyBrowserProxyChallenge, StrategyHTTP, StrategyHTTPProxy, StrategyFallback:
			out = append(out, s)
		}
	}
	return out
}

// FallbackKind selects how a site's alternate feed is fetched.
type FallbackKind string

const (
	FallbackRSS FallbackKind = "rss"
	FallbackAPI FallbackKind = "api"
)

// Fallback describes an optional RSS or JSON API endpoint that serves the same
// content with weaker protection.
type Fallback struct {
	Kind      FallbackKind `json:"kind"`
	URL       string       `json:"url"`
	JSONPaths []string     `json:"json_paths,omitempty"` // gjson paths that must exist for api fallbacks
}

// Device selects which identity set a site is fetched with.
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// SiteConfig is the immutable per-site configuration, keyed by Name.
type SiteConfig struct {
	Name                string        `json:"name"`
	Difficulty          Difficulty    `json:"difficulty"`
	BaseURL             string        `json:"base_url"`
	PreferredStrategies []Strategy    `json:"preferred_strategies,omitempty"`
	MinDelay            time.Duration `json:"min_delay"`
	MaxDelay            time.Duration `json:"max_delay"`
	WaitSelector        string        `json:"wait_selector,omitempty"`
	WaitTime            time.Duration `json:"wait_time,omitempty"`
	Fallback            *Fallback     `json:"fallback,omitempty"`
	BlockPatterns       []string      `json:"block_patterns,omitempty"`
	Device              Device        `json:"device"`
	Timeout             time.Duration `json:"timeout"`
	PollURL             string        `json:"poll_url,omitempty"`
	PollInterval        time.Duration `json:"poll_interval,omitempty"`
	Priority            int           `json:"priority"`
}

// Site defaults applied when a config leaves a field empty.
const (
	DefaultMinDelay = 3 * time.Second
	DefaultMaxDelay = 5 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultPriority = 5
)

// WithDefaults fills zero-valued fields.
func (c SiteConfig) WithDefaults() SiteConfig {
	if c.Difficulty == "" {
		c.Difficulty = DifficultyMedium
	}
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay + (DefaultMaxDelay - DefaultMinDelay)
	}
	if c.Device == "" {
		c.Device = DeviceDesktop
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Priority == 0 {
		c.Priority = DefaultPriority
	}
	return c
}

// Validator judges whether a fetched body is real content. It is supplied by
// site-specific parsing code; signal is a short human-readable reason.
type Validator func(body []byte) (valid bool, signal string)

// Options tunes a single fetch.
type Options struct {
	Method       string
	Headers      map[string]string
	Body         []byte
	Validator    Validator
	WaitSelector string
	Timeout      time.Duration // per strategy attempt
}

// RawResponse is what a client hands back before any interpretation.
type RawResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string
	Cookies    []*http.Cookie
	Latency    time.Duration
}

// Outcome classifies a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlock   Outcome = "block"
	OutcomeTimeout Outcome = "timeout"
	OutcomeSkipped Outcome = "skipped"
)

// Attempt records how one strategy fared inside a Route call.
type Attempt struct {
	Strategy Strategy      `json:"strategy"`
	Proxy    string        `json:"proxy,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the normalized output of a fetch.
type Result struct {
	URL        string         `json:"url"`
	Site       string         `json:"site"`
	Success    bool           `json:"success"`
	StatusCode int            `json:"status_code"`
	Body       []byte         `json:"-"`
	Headers    http.Header    `json:"headers,omitempty"`
	Cookies    []*http.Cookie `json:"-"`
	Strategy   Strategy       `json:"strategy,omitempty"`
	Proxy      string         `json:"proxy,omitempty"`
	Latency    time.Duration  `json:"latency"`
	Attempts   []Attempt      `json:"attempts"`
	Error      string         `json:"error,omitempty"`
	FetchedAt  time.Time      `json:"fetched_at"`
}

// Capabilities records which optional subsystems are usable in this process.
// It is produced once by a startup probe and consulted when building cascades.
type Capabilities struct {
	TLSImpersonation  bool `json:"tls_impersonation"`
	BrowserAutomation bool `json:"browser_automation"`
	ProxyPool         bool `json:"proxy_pool"`
	WAFBypass         bool `json:"waf_bypass"`
}
