package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogue = `
sites:
  - name: shop
    difficulty: hard
    base_url: https://shop.example
    preferred_strategies: [browser, browser+proxy]
    min_delay: 4s
    max_delay: 8s
    wait_selector: ".results"
    wait_time: 2s
    block_patterns: ["access denied", "unusual traffic"]
    poll_url: https://shop.example/new
    poll_interval: 10m
    priority: 2
    fallback:
      kind: rss
      url: https://shop.example/feed.xml
  - name: news
    fallback:
      kind: api
      url: https://api.news.example/latest
      json_paths: [data.items]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSites(t *testing.T) {
	sites, err := LoadSites(writeFile(t, "sites.yaml", catalogue))
	require.NoError(t, err)
	require.Len(t, sites, 2)

	shop := sites[0]
	assert.Equal(t, "shop", shop.Name)
	assert.Equal(t, fetch.DifficultyHard, shop.Difficulty)
	assert.Equal(t, []fetch.Strategy{fetch.StrategyBrowser, fetch.StrategyBrowserProxy}, shop.PreferredStrategies)
	assert.Equal(t, 4*time.Second, shop.MinDelay)
	assert.Equal(t, 8*time.Second, shop.MaxDelay)
	assert.Equal(t, 2*time.Second, shop.WaitTime)
	assert.Equal(t, 10*time.Minute, shop.PollInterval)
	assert.Equal(t, 2, shop.Priority)
	assert.Equal(t, []string{"access denied", "unusual traffic"}, shop.BlockPatterns)
	require.NotNil(t, shop.Fallback)
	assert.Equal(t, fetch.FallbackRSS, shop.Fallback.Kind)

	news := sites[1]
	assert.Equal(t, fetch.DifficultyMedium, news.Difficulty)
	assert.Equal(t, fetch.DefaultMinDelay, news.MinDelay)
	assert.Equal(t, fetch.DefaultTimeout, news.Timeout)
	assert.Equal(t, fetch.DeviceDesktop, news.Device)
	require.NotNil(t, news.Fallback)
	assert.Equal(t, fetch.FallbackAPI, news.Fallback.Kind)
	assert.Equal(t, []string{"data.items"}, news.Fallback.JSONPaths)
}

func TestLoadSitesJSON(t *testing.T) {
	sites, err := LoadSites(writeFile(t, "sites.json", `{"sites":[{"name":"blog","difficulty":"easy","min_delay":"1s"}]}`))
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, fetch.DifficultyEasy, sites[0].Difficulty)
	assert.Equal(t, time.Second, sites[0].MinDelay)
}

func TestLoadSitesErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"missing name", "sites:\n  - difficulty: easy\n", "name is required"},
		{"duplicate", "sites:\n  - name: a\n  - name: a\n", "defined twice"},
		{"unknown strategy", "sites:\n  - name: a\n    preferred_strategies: [teleport]\n", "unknown strategy"},
		{"bad fallback kind", "sites:\n  - name: a\n    fallback:\n      kind: ftp\n      url: ftp://a\n", "unknown fallback kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSites(writeFile(t, "sites.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := LoadSites(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	sites, err := LoadSites("")
	require.NoError(t, err)
	assert.Empty(t, sites)
}

func TestRateLimitOverrides(t *testing.T) {
	got := RateLimitOverrides([]string{
		"RATE_LIMIT_SHOP_MS=4000",
		"RATE_LIMIT_MY_SITE_MS=250",
		"RATE_LIMIT_DEFAULT_MS=1000",
		"RATE_LIMIT_BROKEN_MS=soon",
		"PATH=/usr/bin",
	})
	assert.Equal(t, map[string]time.Duration{
		"shop":    4 * time.Second,
		"my-site": 250 * time.Millisecond,
	}, got)

	cfg := &Config{RateLimits: got}
	d, ok := cfg.RateLimitFor("Shop")
	assert.True(t, ok)
	assert.Equal(t, 4*time.Second, d)
	d, ok = cfg.RateLimitFor("my_site")
	assert.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d)
	_, ok = cfg.RateLimitFor("other")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("FEATURE_BROWSER", "false")
	t.Setenv("FEATURE_WAF_BYPASS", "yes")
	t.Setenv("BROWSER_MAX_CONTEXTS", "3")
	t.Setenv("SLACK_MIN_SEVERITY", "critical")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "authorization=Bearer abc, x-team = ops")
	t.Setenv("PROXY_LIST", "http://u:p@10.0.0.1:8080, 10.0.0.2:3128")
	t.Setenv("PROXY_HOST", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.Features.Browser)
	assert.True(t, cfg.Features.WAFBypass)
	assert.Equal(t, 3, cfg.Browser.MaxContexts)
	assert.Equal(t, health.SeverityCritical, cfg.SlackMinSeverity)
	assert.Equal(t, map[string]string{"authorization": "Bearer abc", "x-team": "ops"}, cfg.OTLPHeaders)
	assert.Len(t, cfg.Proxies, 2)
}

func TestLoadRejectsBadSeverity(t *testing.T) {
	t.Setenv("SLACK_MIN_SEVERITY", "loud")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SLACK_MIN_SEVERITY")
}

func TestLoadProxiesFromProvider(t *testing.T) {
	t.Setenv("PROXY_LIST", "")
	t.Setenv("PROXY_HOST", "gate.example")
	t.Setenv("PROXY_PORT", "7777")
	t.Setenv("PROXY_USERNAME", "acct")
	t.Setenv("PROXY_PASSWORD", "secret")
	t.Setenv("PROXY_PROVIDER", "resi")
	t.Setenv("PROXY_SESSIONS", "3")

	proxies, err := LoadProxies()
	require.NoError(t, err)
	require.Len(t, proxies, 3)
	for _, p := range proxies {
		assert.Equal(t, "resi", p.Provider)
		assert.Contains(t, p.URL, "gate.example:7777")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("SOME_INT", "nope")
	t.Setenv("SOME_BOOL", "0")
	assert.Equal(t, 7, GetEnvInt("SOME_INT", 7))
	assert.False(t, GetEnvBool("SOME_BOOL", true))
	assert.True(t, GetEnvBool("UNSET_BOOL_FOR_TEST", true))
	assert.Equal(t, "fallback", GetEnvWithDefault("UNSET_STRING_FOR_TEST", "fallback"))
}
