// Package config loads process configuration from the environment and the
// site catalogue from a YAML or JSON file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/gateway"
	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/Harvey-AU/stealth-bee/internal/proxy"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the application configuration
type Config struct {
	Port      string
	Env       string // development, staging, production
	LogLevel  string
	LogFile   string // rotated file output when set
	SentryDSN string

	ObservabilityEnabled bool
	MetricsAddr          string
	OTLPEndpoint         string
	OTLPHeaders          map[string]string
	OTLPInsecure         bool

	DatabaseURL       string
	DatabaseDirectURL string // bypasses poolers for LISTEN
	SlackWebhookURL   string
	SlackMinSeverity  health.Severity

	SitesConfig string
	Features    gateway.Features
	Proxies     []proxy.Config
	Browser     BrowserConfig

	DefaultRateLimit time.Duration
	RateLimits       map[string]time.Duration // keyed by lower-cased site name

	WorkersEnabled bool
}

// BrowserConfig is the Chrome setup.
type BrowserConfig struct {
	Bin         string
	Headless    bool
	MaxContexts int
}

// LoadEnvFiles loads .env.local then .env, ignoring missing files.
func LoadEnvFiles() {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Debug().Err(err).Msg("No .env files loaded")
	}
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 GetEnvWithDefault("PORT", "8080"),
		Env:                  GetEnvWithDefault("APP_ENV", "development"),
		LogLevel:             GetEnvWithDefault("LOG_LEVEL", "info"),
		LogFile:              os.Getenv("LOG_FILE"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		ObservabilityEnabled: GetEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          GetEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		OTLPInsecure:         GetEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DatabaseDirectURL:    os.Getenv("DATABASE_DIRECT_URL"),
		SlackWebhookURL:      os.Getenv("SLACK_WEBHOOK_URL"),
		SlackMinSeverity:     health.Severity(os.Getenv("SLACK_MIN_SEVERITY")),
		SitesConfig:          os.Getenv("SITES_CONFIG"),
		Features: gateway.Features{
			TLSImpersonation: GetEnvBool("FEATURE_TLS_IMPERSONATION", true),
			Browser:          GetEnvBool("FEATURE_BROWSER", true),
			ProxyPool:        GetEnvBool("FEATURE_PROXY_POOL", true),
			WAFBypass:        GetEnvBool("FEATURE_WAF_BYPASS", false),
			BrowserBin:       os.Getenv("BROWSER_BIN"),
		},
		Browser: BrowserConfig{
			Bin:         os.Getenv("BROWSER_BIN"),
			Headless:    GetEnvBool("BROWSER_HEADLESS", true),
			MaxContexts: GetEnvInt("BROWSER_MAX_CONTEXTS", 5),
		},
		DefaultRateLimit: time.Duration(GetEnvInt("RATE_LIMIT_DEFAULT_MS", 0)) * time.Millisecond,
		RateLimits:       RateLimitOverrides(os.Environ()),
		WorkersEnabled:   GetEnvBool("WORKERS_ENABLED", true),
	}

	switch cfg.SlackMinSeverity {
	case "", health.SeverityWarning, health.SeverityCritical:
	default:
		return nil, fmt.Errorf("invalid SLACK_MIN_SEVERITY %q", cfg.SlackMinSeverity)
	}

	proxies, err := LoadProxies()
	if err != nil {
		return nil, err
	}
	cfg.Proxies = proxies

	return cfg, nil
}

// LoadProxies builds the pool from PROXY_LIST and PROXY_PROVIDER credentials.
func LoadProxies() ([]proxy.Config, error) {
	typ := proxy.ParseType(os.Getenv("PROXY_TYPE"))

	var configs []proxy.Config
	if raw := os.Getenv("PROXY_LIST"); raw != "" {
		list, err := proxy.ParseList(raw, GetEnvWithDefault("PROXY_PROVIDER", "static"), typ)
		if err != nil {
			return nil, fmt.Errorf("invalid PROXY_LIST: %w", err)
		}
		configs = append(configs, list...)
	}

	if host := os.Getenv("PROXY_HOST"); host != "" {
		creds := proxy.ProviderCredentials{
			Provider: GetEnvWithDefault("PROXY_PROVIDER", "provider"),
			Username: os.Getenv("PROXY_USERNAME"),
			Password: os.Getenv("PROXY_PASSWORD"),
			Host:     host,
			Port:     GetEnvInt("PROXY_PORT", 0),
			Type:     typ,
			Geo:      os.Getenv("PROXY_GEO"),
			Sessions: GetEnvInt("PROXY_SESSIONS", 0),
		}
		built, err := creds.Build()
		if err != nil {
			return nil, fmt.Errorf("invalid proxy provider settings: %w", err)
		}
		configs = append(configs, built...)
	}
	return configs, nil
}

// RateLimitOverrides reads RATE_LIMIT_<SITE>_MS entries from environ. Site
// names are lower-cased; underscores in the variable map to hyphens.
func RateLimitOverrides(environ []string) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "RATE_LIMIT_") || !strings.HasSuffix(key, "_MS") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "RATE_LIMIT_"), "_MS")
		if name == "" || name == "DEFAULT" {
			continue
		}
		ms, err := strconv.Atoi(value)
		if err != nil || ms < 0 {
			log.Warn().Str("key", key).Str("value", value).Msg("Invalid rate limit override, ignoring")
			continue
		}
		out[strings.ReplaceAll(strings.ToLower(name), "_", "-")] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// RateLimitFor returns the override for site, or false.
func (c *Config) RateLimitFor(site string) (time.Duration, bool) {
	key := strings.ToLower(site)
	if d, ok := c.RateLimits[key]; ok {
		return d, true
	}
	// Variables cannot carry hyphens, so also try the underscore form.
	if d, ok := c.RateLimits[strings.ReplaceAll(key, "_", "-")]; ok {
		return d, true
	}
	return 0, false
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// GetEnvWithDefault retrieves an environment variable or returns a default value if not set
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}

// GetEnvBool accepts 1/true/yes and 0/false/no.
func GetEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return defaultValue
	}
}

// ParseOTLPHeaders parses "k1=v1,k2=v2".
func ParseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
