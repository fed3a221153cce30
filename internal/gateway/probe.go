package gateway

import (
	"context"

	"github.com/Harvey-AU/stealth-bee/internal/browser"
	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/stealth"
	"github.com/rs/zerolog/log"
)

// Features are the operator's requested subsystems. Probe decides which of
// them actually work in this process.
type Features struct {
	TLSImpersonation bool
	Browser          bool
	ProxyPool        bool
	WAFBypass        bool
	BrowserBin       string
}

// Checks are the environment probes Probe runs. Zero fields use the real checks.
type Checks struct {
	TLSClient func() error
	Chrome    func(bin string) (string, bool)
}

func (c Checks) withDefaults() Checks {
	if c.TLSClient == nil {
		c.TLSClient = stealth.Available
	}
	if c.Chrome == nil {
		c.Chrome = browser.LookPath
	}
	return c
}

// Probe runs once at startup and returns the capability set cascades are
// pruned against. Challenge bypass needs a working browser.
func Probe(ctx context.Context, f Features, proxyCount int, checks Checks) fetch.Capabilities {
	checks = checks.withDefaults()
	var caps fetch.Capabilities
	if ctx.Err() != nil {
		return caps
	}

	if f.TLSImpersonation {
		if err := checks.TLSClient(); err != nil {
			log.Warn().Err(err).Msg("TLS impersonation unavailable, falling back to plain HTTP strategies")
		} else {
			caps.TLSImpersonation = true
		}
	}

	if f.Browser {
		if bin, ok := checks.Chrome(f.BrowserBin); ok {
			caps.BrowserAutomation = true
			log.Debug().Str("bin", bin).Msg("Chrome binary found")
		} else {
			log.Warn().Msg("No Chrome binary found, browser strategies disabled")
		}
	}

	if f.ProxyPool {
		if proxyCount > 0 {
			caps.ProxyPool = true
		} else {
			log.Warn().Msg("Proxy pool enabled but no proxies configured")
		}
	}

	caps.WAFBypass = f.WAFBypass && caps.BrowserAutomation

	log.Info().
		Bool("tls_impersonation", caps.TLSImpersonation).
		Bool("browser_automation", caps.BrowserAutomation).
		Bool("proxy_pool", caps.ProxyPool).
		Bool("waf_bypass", caps.WAFBypass).
		Int("proxies", proxyCount).
		Msg("Capabilities probed")
	return caps
}
