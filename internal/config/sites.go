package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/spf13/viper"
)

type siteFile struct {
	Sites []siteEntry `mapstructure:"sites"`
}

type siteEntry struct {
	Name                string         `mapstructure:"name"`
	Difficulty          string         `mapstructure:"difficulty"`
	BaseURL             string         `mapstructure:"base_url"`
	PreferredStrategies []string       `mapstructure:"preferred_strategies"`
	MinDelay            time.Duration  `mapstructure:"min_delay"`
	MaxDelay            time.Duration  `mapstructure:"max_delay"`
	WaitSelector        string         `mapstructure:"wait_selector"`
	WaitTime            time.Duration  `mapstructure:"wait_time"`
	Fallback            *fallbackEntry `mapstructure:"fallback"`
	BlockPatterns       []string       `mapstructure:"block_patterns"`
	Device              string         `mapstructure:"device"`
	Timeout             time.Duration  `mapstructure:"timeout"`
	PollURL             string         `mapstructure:"poll_url"`
	PollInterval        time.Duration  `mapstructure:"poll_interval"`
	Priority            int            `mapstructure:"priority"`
}

type fallbackEntry struct {
	Kind      string   `mapstructure:"kind"`
	URL       string   `mapstructure:"url"`
	JSONPaths []string `mapstructure:"json_paths"`
}

// LoadSites reads the site catalogue. An empty path returns an empty
// catalogue; unknown sites then get medium-difficulty defaults.
func LoadSites(path string) ([]fetch.SiteConfig, error) {
	if path == "" {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read site catalogue %s: %w", path, err)
	}

	var file siteFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse site catalogue %s: %w", path, err)
	}

	sites := make([]fetch.SiteConfig, 0, len(file.Sites))
	seen := make(map[string]struct{}, len(file.Sites))
	for i, e := range file.Sites {
		site, err := e.toSiteConfig()
		if err != nil {
			return nil, fmt.Errorf("site %d: %w", i, err)
		}
		if _, dup := seen[site.Name]; dup {
			return nil, fmt.Errorf("site %s defined twice", site.Name)
		}
		seen[site.Name] = struct{}{}
		sites = append(sites, site)
	}
	return sites, nil
}

func (e siteEntry) toSiteConfig() (fetch.SiteConfig, error) {
	if strings.TrimSpace(e.Name) == "" {
		return fetch.SiteConfig{}, fmt.Errorf("name is required")
	}

	site := fetch.SiteConfig{
		Name:                e.Name,
		BaseURL:             e.BaseURL,
		PreferredStrategies: fetch.ParseStrategies(e.PreferredStrategies),
		MinDelay:            e.MinDelay,
		MaxDelay:            e.MaxDelay,
		WaitSelector:        e.WaitSelector,
		WaitTime:            e.WaitTime,
		BlockPatterns:       e.BlockPatterns,
		Device:              fetch.Device(strings.ToLower(e.Device)),
		Timeout:             e.Timeout,
		PollURL:             e.PollURL,
		PollInterval:        e.PollInterval,
		Priority:            e.Priority,
	}
	if e.Difficulty != "" {
		site.Difficulty = fetch.ParseDifficulty(e.Difficulty)
	}
	if len(e.PreferredStrategies) != len(site.PreferredStrategies) {
		return fetch.SiteConfig{}, fmt.Errorf("%s: unknown strategy in %v", e.Name, e.PreferredStrategies)
	}

	if e.Fallback != nil && e.Fallback.URL != "" {
		kind := fetch.FallbackKind(strings.ToLower(e.Fallback.Kind))
		if kind == "" {
			kind = fetch.FallbackRSS
		}
		if kind != fetch.FallbackRSS && kind != fetch.FallbackAPI {
			return fetch.SiteConfig{}, fmt.Errorf("%s: unknown fallback kind %q", e.Name, e.Fallback.Kind)
		}
		site.Fallback = &fetch.Fallback{Kind: kind, URL: e.Fallback.URL, JSONPaths: e.Fallback.JSONPaths}
	}

	return site.WithDefaults(), nil
}
