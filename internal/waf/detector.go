// Package waf classifies responses as WAF or anti-bot blocks.
//
// Detection is heuristic: each protection vendor has a signature of weighted
// header, cookie, body, structure and status indicators. The best-scoring
// signature wins when its confidence reaches Threshold. Sites may add literal
// block patterns of their own, which are reported as TypeCustom.
package waf

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
)

const (
	// Threshold is the confidence at which a signature counts as a block.
	Threshold = 0.5

	// DefaultCooldown applies to ordinary blocks.
	DefaultCooldown = 60 * time.Second
	// HardCooldown applies to hard blocks and human challenges.
	HardCooldown = 300 * time.Second

	// successDamping scales scores on 2xx responses that look like real pages.
	successDamping = 0.5
	// smallPageBytes is the size under which a 2xx body may still be a
	// challenge page and is not damped.
	smallPageBytes = 16 * 1024
	// maxInspectBytes bounds how much of a body is scanned.
	maxInspectBytes = 512 * 1024

	customConfidence    = 0.9
	vendorConfidence    = 0.6
	rateLimitConfidence = 0.9
)

// Detection is the outcome of inspecting one response.
type Detection struct {
	Detected      bool          `json:"detected"`
	Type          Type          `json:"type"`
	Confidence    float64       `json:"confidence"`
	Indicators    []string      `json:"indicators,omitempty"`
	RequiresJS    bool          `json:"requires_js"`
	RequiresHuman bool          `json:"requires_human"`
	Cooldown      time.Duration `json:"cooldown"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	Vendors       []Type        `json:"vendors,omitempty"`
}

// BlockedError converts a positive detection into the fetch error taxonomy.
func (d Detection) BlockedError(site string, status int) *fetch.BlockedError {
	return &fetch.BlockedError{
		Site:          site,
		WAF:           string(d.Type),
		StatusCode:    status,
		Confidence:    d.Confidence,
		RequiresJS:    d.RequiresJS,
		RequiresHuman: d.RequiresHuman,
		Cooldown:      d.Cooldown,
		Indicators:    d.Indicators,
	}
}

// Detector is safe for concurrent use.
type Detector struct {
	fingerprinter Fingerprinter
	now           func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithFingerprinter enables vendor attribution of anonymous blocks.
func WithFingerprinter(f Fingerprinter) Option {
	return func(d *Detector) { d.fingerprinter = f }
}

// NewDetector creates a detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect inspects resp for signs of a block. site supplies custom block patterns.
func (d *Detector) Detect(resp *fetch.RawResponse, site fetch.SiteConfig) Detection {
	if resp == nil {
		return Detection{Type: TypeNone}
	}
	p := newProbe(resp)

	if det, ok := matchCustom(p, site.BlockPatterns); ok {
		return det
	}

	best, score, indicators := scoreSignatures(p)
	if score >= Threshold {
		return finish(Detection{
			Detected:      true,
			Type:          best.typ,
			Confidence:    score,
			Indicators:    indicators,
			RequiresJS:    best.requiresJS,
			RequiresHuman: best.requiresHuman,
		}, best.hard, resp, d.now())
	}

	if det, ok := rateLimited(resp, d.now()); ok {
		return det
	}

	if d.fingerprinter != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable) {
		vendors := d.fingerprinter.Vendors(resp.Headers, resp.Body)
		if len(vendors) > 0 {
			typ := vendors[0]
			return finish(Detection{
				Detected:   true,
				Type:       typ,
				Confidence: vendorConfidence,
				Indicators: append(indicators, "vendor:"+string(typ)),
				RequiresJS: typ != TypeRateLimit,
				Vendors:    vendors,
			}, false, resp, d.now())
		}
	}

	return Detection{Type: TypeNone, Confidence: score, Indicators: indicators}
}

// IsInterstitial reports whether html is a self-clearing JS challenge page.
func IsInterstitial(html string) bool {
	lower := strings.ToLower(html)
	if len(lower) > maxInspectBytes {
		lower = lower[:maxInspectBytes]
	}
	for _, marker := range interstitialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func matchCustom(p *probe, patterns []string) (Detection, bool) {
	var hits []string
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern != "" && strings.Contains(p.lowerBody, pattern) {
			hits = append(hits, "pattern:"+pattern)
		}
	}
	if len(hits) == 0 {
		return Detection{}, false
	}
	return Detection{
		Detected:   true,
		Type:       TypeCustom,
		Confidence: customConfidence,
		Indicators: hits,
		Cooldown:   DefaultCooldown,
	}, true
}

func scoreSignatures(p *probe) (signature, float64, []string) {
	damp := p.resp.StatusCode >= 200 && p.resp.StatusCode < 300 && len(p.resp.Body) > smallPageBytes

	var (
		best      signature
		bestScore float64
		bestHits  []string
	)
	for _, sig := range signatures {
		var score float64
		var hits []string
		for _, ind := range sig.indicators {
			if ind.match(p) {
				score += ind.weight
				hits = append(hits, ind.name)
			}
		}
		// A status code alone never identifies a vendor.
		if len(hits) == 1 && hits[0] == "status" {
			continue
		}
		if damp {
			score *= successDamping
		}
		if score > 1 {
			score = 1
		}
		if score > bestScore {
			best, bestScore, bestHits = sig, score, hits
		}
	}
	sort.Strings(bestHits)
	return best, bestScore, bestHits
}

func rateLimited(resp *fetch.RawResponse, now time.Time) (Detection, bool) {
	retryAfter := parseRetryAfter(resp.Headers, now)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
	case resp.StatusCode == http.StatusServiceUnavailable && retryAfter > 0:
	default:
		return Detection{}, false
	}

	indicators := []string{"status:" + strconv.Itoa(resp.StatusCode)}
	if retryAfter > 0 {
		indicators = append(indicators, "header:retry-after")
	}
	cooldown := DefaultCooldown
	if retryAfter > 0 {
		cooldown = retryAfter
	}
	return Detection{
		Detected:   true,
		Type:       TypeRateLimit,
		Confidence: rateLimitConfidence,
		Indicators: indicators,
		Cooldown:   cooldown,
		RetryAfter: retryAfter,
	}, true
}

func finish(det Detection, hard bool, resp *fetch.RawResponse, now time.Time) Detection {
	switch {
	case hard || det.RequiresHuman:
		det.Cooldown = HardCooldown
	default:
		det.Cooldown = DefaultCooldown
	}
	if ra := parseRetryAfter(resp.Headers, now); ra > 0 {
		det.RetryAfter = ra
		if ra > det.Cooldown {
			det.Cooldown = ra
		}
	}
	return det
}

// maxRetryAfter caps server-supplied waits.
const maxRetryAfter = 24 * time.Hour

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		secs = min(secs, int(maxRetryAfter/time.Second))
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return min(d.Round(time.Second), maxRetryAfter)
		}
	}
	return 0
}
