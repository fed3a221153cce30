package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrBrowserUnavailable is returned by the browser pool when no browser can be used.
var ErrBrowserUnavailable = errors.New("browser automation unavailable")

// NetworkError covers connection, DNS and timeout failures.
type NetworkError struct {
	Op      string
	URL     string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	kind := "network error"
	if e.Timeout {
		kind = "timeout"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s %s", kind, e.Op, e.URL)
	}
	return fmt.Sprintf("%s: %s %s: %v", kind, e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps err, marking deadline and net timeouts.
func NewNetworkError(op, url string, err error) *NetworkError {
	return &NetworkError{Op: op, URL: url, Timeout: IsTimeout(err), Err: err}
}

// IsTimeout reports whether err is a deadline or net timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Timeout
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// BlockedError is returned when a WAF or anti-bot system rejected the request.
type BlockedError struct {
	Site          string
	WAF           string
	StatusCode    int
	Confidence    float64
	RequiresJS    bool
	RequiresHuman bool
	Cooldown      time.Duration
	Indicators    []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by %s on %s (status %d, confidence %.2f)", e.WAF, e.Site, e.StatusCode, e.Confidence)
}

// ProxyExhaustedError means no usable proxy was available.
type ProxyExhaustedError struct {
	Site string
}

func (e *ProxyExhaustedError) Error() string {
	return fmt.Sprintf("no proxy available for %s", e.Site)
}

// ValidationError means the response arrived but the validator rejected it.
type ValidationError struct {
	Site   string
	Signal string
}

func (e *ValidationError) Error() string {
	if e.Signal == "" {
		return fmt.Sprintf("response for %s failed validation", e.Site)
	}
	return fmt.Sprintf("response for %s failed validation: %s", e.Site, e.Signal)
}

// StatusError is an unexpected non-2xx status that no detector classified.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
}

// StrategyExhaustedError lists every strategy tried and why it failed.
type StrategyExhaustedError struct {
	Site     string
	URL      string
	Attempts []Attempt
	cooldown time.Duration
}

// NewStrategyExhaustedError builds the aggregate error; cooldown is the largest
// block cooldown observed during the cascade.
func NewStrategyExhaustedError(site, url string, attempts []Attempt, cooldown time.Duration) *StrategyExhaustedError {
	return &StrategyExhaustedError{Site: site, URL: url, Attempts: attempts, cooldown: cooldown}
}

func (e *StrategyExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("all strategies exhausted for %s: no strategy available", e.Site)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Strategy, a.Error))
	}
	return fmt.Sprintf("all strategies exhausted for %s: %s", e.Site, strings.Join(parts, "; "))
}

// Cooldown is the suggested pause before the site is tried again.
func (e *StrategyExhaustedError) Cooldown() time.Duration { return e.cooldown }

// Blocked reports whether any attempt ended in a block.
func (e *StrategyExhaustedError) Blocked() bool {
	for _, a := range e.Attempts {
		if a.Outcome == OutcomeBlock {
			return true
		}
	}
	return false
}

// CircuitOpenError means the hourly error budget for a worker is spent.
type CircuitOpenError struct {
	Worker   string
	Errors   int
	OpenedAt time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s: %d errors in the last hour (opened %s)", e.Worker, e.Errors, e.OpenedAt.Format(time.RFC3339))
}
