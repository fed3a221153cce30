package proxy

import "time"

const (
	// MaxConsecutiveFailures marks a proxy unhealthy once reached.
	MaxConsecutiveFailures = 5
	// MinSamples is the request count before the success-rate floor applies.
	MinSamples = 20
	// MinSuccessRate is the floor a sampled proxy must stay above.
	MinSuccessRate = 0.2
	// LatencyWindow bounds the latency samples kept per proxy.
	LatencyWindow = 20
	// CooldownAfterFailures starts a cooldown without a block.
	CooldownAfterFailures = 3

	BaseCooldown = 60 * time.Second
	MaxCooldown  = time.Hour
)

// Cooldown returns min(60·2^consecutive, 3600) seconds.
func Cooldown(consecutive int) time.Duration {
	if consecutive < 0 {
		consecutive = 0
	}
	// 60·2^6 already exceeds the cap.
	if consecutive > 6 {
		return MaxCooldown
	}
	d := BaseCooldown * time.Duration(1<<consecutive)
	if d > MaxCooldown {
		return MaxCooldown
	}
	return d
}

type siteStats struct {
	success int
	failed  int
}

// Health is the running record for one proxy. Success+Failed always equals Total.
// It is only mutated under the Manager lock.
type Health struct {
	Total               int
	Success             int
	Failed              int
	Blocked             int
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	BlockedUntil        time.Time

	latencies []time.Duration
	sites     map[string]*siteStats
}

// IsHealthy reports whether the proxy may be selected at now.
func (h *Health) IsHealthy(now time.Time) bool {
	if h.InCooldown(now) {
		return false
	}
	if h.ConsecutiveFailures >= MaxConsecutiveFailures {
		return false
	}
	if h.Total >= MinSamples && h.SuccessRate() < MinSuccessRate {
		return false
	}
	return true
}

// InCooldown reports whether BlockedUntil is still in the future.
func (h *Health) InCooldown(now time.Time) bool {
	return now.Before(h.BlockedUntil)
}

// SuccessRate is the lifetime rate; an unused proxy counts as 1.0.
func (h *Health) SuccessRate() float64 {
	if h.Total == 0 {
		return 1.0
	}
	return float64(h.Success) / float64(h.Total)
}

// SiteSuccessRate is the rate for one site, falling back to the overall rate.
func (h *Health) SiteSuccessRate(site string) float64 {
	if s, ok := h.sites[site]; ok {
		if n := s.success + s.failed; n > 0 {
			return float64(s.success) / float64(n)
		}
	}
	return h.SuccessRate()
}

// AvgLatency averages the latency window; zero when empty.
func (h *Health) AvgLatency() time.Duration {
	if len(h.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range h.latencies {
		sum += l
	}
	return sum / time.Duration(len(h.latencies))
}

func (h *Health) recordSuccess(site string, latency time.Duration, now time.Time) {
	h.Total++
	h.Success++
	h.ConsecutiveFailures = 0
	h.LastSuccess = now
	if latency > 0 {
		h.latencies = append(h.latencies, latency)
		if len(h.latencies) > LatencyWindow {
			h.latencies = h.latencies[len(h.latencies)-LatencyWindow:]
		}
	}
	if s := h.site(site); s != nil {
		s.success++
	}
}

// recordFailure returns the cooldown applied, or zero when none was.
func (h *Health) recordFailure(site string, isBlock bool, now time.Time) time.Duration {
	h.Total++
	h.Failed++
	h.ConsecutiveFailures++
	h.LastFailure = now
	if isBlock {
		h.Blocked++
	}
	if s := h.site(site); s != nil {
		s.failed++
	}

	if isBlock || h.ConsecutiveFailures >= CooldownAfterFailures {
		cooldown := Cooldown(h.ConsecutiveFailures)
		h.BlockedUntil = now.Add(cooldown)
		return cooldown
	}
	return 0
}

func (h *Health) site(site string) *siteStats {
	if site == "" {
		return nil
	}
	if h.sites == nil {
		h.sites = make(map[string]*siteStats)
	}
	s, ok := h.sites[site]
	if !ok {
		s = &siteStats{}
		h.sites[site] = s
	}
	return s
}
