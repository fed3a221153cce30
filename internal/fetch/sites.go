package fetch

import (
	"sort"
	"sync"
)

// SiteSource resolves a site name to its configuration.
type SiteSource interface {
	Site(name string) SiteConfig
}

// Sites is the in-memory site catalogue. Unknown names resolve to a default
// medium-difficulty config so callers never need a nil check.
type Sites struct {
	mu    sync.RWMutex
	sites map[string]SiteConfig
}

// NewSites builds a catalogue; defaults are applied to every entry.
func NewSites(configs ...SiteConfig) *Sites {
	s := &Sites{sites: make(map[string]SiteConfig, len(configs))}
	for _, c := range configs {
		s.Put(c)
	}
	return s
}

// Put adds or replaces a site.
func (s *Sites) Put(c SiteConfig) {
	c = c.WithDefaults()
	s.mu.Lock()
	s.sites[c.Name] = c
	s.mu.Unlock()
}

// Site implements SiteSource.
func (s *Sites) Site(name string) SiteConfig {
	s.mu.RLock()
	c, ok := s.sites[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	return SiteConfig{Name: name}.WithDefaults()
}

// Lookup reports whether name is configured.
func (s *Sites) Lookup(name string) (SiteConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.sites[name]
	return c, ok
}

// All returns every configured site sorted by name.
func (s *Sites) All() []SiteConfig {
	s.mu.RLock()
	out := make([]SiteConfig, 0, len(s.sites))
	for _, c := range s.sites {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
