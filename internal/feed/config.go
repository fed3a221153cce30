package feed

import (
	"time"
)

// Config holds the configuration for a feed fetcher
type Config struct {
	Timeout      time.Duration // Per-request timeout
	UserAgent    string        // Feed readers announce themselves honestly
	MaxBodyBytes int           // Upper bound on a feed or API body
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		Timeout:      30 * time.Second,
		UserAgent:    "Mozilla/5.0 (compatible; FeedFetcher/1.0)",
		MaxBodyBytes: 10 * 1024 * 1024,
	}
}

// PerformanceMetrics holds httptrace timings for one request, in milliseconds.
type PerformanceMetrics struct {
	DNSLookupTime       int64 `json:"dns_lookup_time"`
	TCPConnectionTime   int64 `json:"tcp_connection_time"`
	TLSHandshakeTime    int64 `json:"tls_handshake_time"`
	TTFB                int64 `json:"ttfb"`
	ContentTransferTime int64 `json:"content_transfer_time"`
}
