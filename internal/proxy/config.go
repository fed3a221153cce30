// Package proxy manages the egress proxy pool: per-proxy health bookkeeping,
// site-aware selection, cooldowns after blocks, and liveness probing.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Type is the commercial class of a proxy.
type Type string

const (
	TypeDatacenter  Type = "datacenter"
	TypeResidential Type = "residential"
	TypeMobile      Type = "mobile"
	TypeISP         Type = "isp"
	TypeRotating    Type = "rotating"
)

// ParseType maps a config string to a Type, defaulting to datacenter.
func ParseType(s string) Type {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeResidential:
		return TypeResidential
	case TypeMobile:
		return TypeMobile
	case TypeISP:
		return TypeISP
	case TypeRotating:
		return TypeRotating
	default:
		return TypeDatacenter
	}
}

// Config describes one proxy endpoint. URL is its identity in the pool.
type Config struct {
	URL           string `json:"url"`
	Provider      string `json:"provider,omitempty"`
	Type          Type   `json:"type"`
	Geo           string `json:"geo,omitempty"`
	StickySession bool   `json:"sticky_session"`
}

// Redacted returns the URL with any password masked, safe for logs and results.
func (c Config) Redacted() string {
	return Redact(c.URL)
}

// Redact masks the password in a proxy URL.
func Redact(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-proxy"
	}
	return u.Redacted()
}

// HostPort returns the proxy's host:port without credentials.
func (c Config) HostPort() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

var supportedSchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks5":  true,
	"socks5h": true,
}

// Normalize adds a default scheme and checks the URL is usable.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty proxy url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid proxy url: %w", err)
	}
	if !supportedSchemes[u.Scheme] {
		return "", fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return "", fmt.Errorf("proxy url %s needs host and port", Redact(raw))
	}
	return u.String(), nil
}

// ParseList reads a comma- or newline-separated proxy list.
func ParseList(raw, provider string, typ Type) ([]Config, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r' || r == ';'
	})

	configs := make([]Config, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" || strings.HasPrefix(field, "#") {
			continue
		}
		normalized, err := Normalize(field)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		configs = append(configs, Config{URL: normalized, Provider: provider, Type: typ})
	}
	return configs, nil
}

// ProviderCredentials describes a commercial gateway that encodes geo targeting
// and sticky sessions in the username, e.g. user-country-au-session-ab12cd34.
type ProviderCredentials struct {
	Provider string
	Username string
	Password string
	Host     string
	Port     int
	Type     Type
	Geo      string
	Sessions int // number of sticky sessions to mint; 0 means a single rotating endpoint
}

// Build expands provider credentials into pool entries.
func (p ProviderCredentials) Build() ([]Config, error) {
	if p.Host == "" || p.Port <= 0 {
		return nil, fmt.Errorf("proxy provider %s needs host and port", p.Provider)
	}
	if p.Username == "" {
		return nil, fmt.Errorf("proxy provider %s needs a username", p.Provider)
	}

	base := p.Username
	if p.Geo != "" {
		base += "-country-" + strings.ToLower(p.Geo)
	}
	hostPort := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))

	if p.Sessions <= 0 {
		return []Config{{
			URL:      (&url.URL{Scheme: "http", User: url.UserPassword(base, p.Password), Host: hostPort}).String(),
			Provider: p.Provider,
			Type:     p.Type,
			Geo:      p.Geo,
		}}, nil
	}

	configs := make([]Config, 0, p.Sessions)
	for range p.Sessions {
		session := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
		user := base + "-session-" + session
		configs = append(configs, Config{
			URL:           (&url.URL{Scheme: "http", User: url.UserPassword(user, p.Password), Host: hostPort}).String(),
			Provider:      p.Provider,
			Type:          p.Type,
			Geo:           p.Geo,
			StickySession: true,
		})
	}
	return configs, nil
}
