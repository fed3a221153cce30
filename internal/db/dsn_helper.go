package db

import (
	"strconv"
	"strings"
	"time"
)

// withStatementTimeout adds statement_timeout to a DSN if not already present.
// Supports both URL format (postgresql://...) and key=value format.
func withStatementTimeout(dsn string, timeout time.Duration) string {
	if dsn == "" || timeout <= 0 || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}
	ms := strconv.FormatInt(timeout.Milliseconds(), 10)

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "statement_timeout=" + ms
	}
	return dsn + " statement_timeout=" + ms
}
