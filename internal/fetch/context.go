package fetch

import "context"

type contextKey string

const quietKey contextKey = "fetch_quiet"

// WithQuiet marks ctx so clients skip debug logging and tracing for the call.
// Used for internal traffic such as proxy probes.
func WithQuiet(ctx context.Context) context.Context {
	return context.WithValue(ctx, quietKey, true)
}

// IsQuiet reports whether ctx was marked with WithQuiet.
func IsQuiet(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	quiet, _ := ctx.Value(quietKey).(bool)
	return quiet
}
