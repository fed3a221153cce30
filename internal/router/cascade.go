package router

import "github.com/Harvey-AU/stealth-bee/internal/fetch"

var defaultCascades = map[fetch.Difficulty][]fetch.Strategy{
	fetch.DifficultyEasy:    {fetch.StrategyImpersonation},
	fetch.DifficultyMedium:  {fetch.StrategyImpersonation, fetch.StrategyImpersonationProxy},
	fetch.DifficultyHard:    {fetch.StrategyBrowser, fetch.StrategyBrowserProxy},
	fetch.DifficultyExtreme: {fetch.StrategyBrowserProxy, fetch.StrategyBrowserProxyChallenge},
}

// DefaultCascade returns the strategy order for a difficulty.
func DefaultCascade(d fetch.Difficulty) []fetch.Strategy {
	c, ok := defaultCascades[d]
	if !ok {
		c = defaultCascades[fetch.DifficultyMedium]
	}
	return append([]fetch.Strategy(nil), c...)
}

// Cascade builds the ordered strategies for site given what this process can
// actually do. Missing capabilities drop or downgrade strategies, duplicates
// keep their first position, and a configured fallback always runs last.
func Cascade(site fetch.SiteConfig, caps fetch.Capabilities) []fetch.Strategy {
	base := site.PreferredStrategies
	if len(base) == 0 {
		base = DefaultCascade(site.Difficulty)
	}

	out := make([]fetch.Strategy, 0, len(base)+1)
	seen := make(map[fetch.Strategy]bool, len(base)+1)
	add := func(s fetch.Strategy) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, s := range base {
		if s == fetch.StrategyFallback {
			continue
		}
		if s.UsesImpersonation() && !caps.TLSImpersonation {
			if s.UsesProxy() {
				s = fetch.StrategyHTTPProxy
			} else {
				s = fetch.StrategyHTTP
			}
		}
		if s.UsesChallengeBypass() && !caps.WAFBypass {
			s = fetch.StrategyBrowserProxy
		}
		if s.UsesBrowser() && !caps.BrowserAutomation {
			continue
		}
		if s.UsesProxy() && !caps.ProxyPool {
			continue
		}
		add(s)
	}

	if site.Fallback != nil && site.Fallback.URL != "" {
		add(fetch.StrategyFallback)
	}
	return out
}
