package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DbQueue serialises writes through short transactions
type DbQueue struct {
	db *sql.DB
}

// NewDbQueue creates a queue over db
func NewDbQueue(db *sql.DB) *DbQueue {
	return &DbQueue{db: db}
}

// Execute runs a database operation in a transaction
func (q *DbQueue) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// EventRecord is a health event tagged with its site.
type EventRecord struct {
	Site  string
	Event health.Event
}

// insertEvents writes records with a single unnest INSERT
func insertEvents(ctx context.Context, tx *sql.Tx, records []EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	sites := make([]string, len(records))
	types := make([]string, len(records))
	strategies := make([]string, len(records))
	latencies := make([]int64, len(records))
	details := make([]string, len(records))
	occurred := make([]string, len(records))

	for i, r := range records {
		sites[i] = r.Site
		types[i] = string(r.Event.Type)
		strategies[i] = string(r.Event.Strategy)
		latencies[i] = r.Event.Latency.Milliseconds()
		details[i] = r.Event.Detail
		occurred[i] = r.Event.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO site_events (site, type, strategy, latency_ms, detail, occurred_at)
		SELECT
			unnest($1::text[]),
			unnest($2::text[]),
			unnest($3::text[]),
			unnest($4::bigint[]),
			unnest($5::text[]),
			unnest($6::timestamptz[])
	`, pq.Array(sites), pq.Array(types), pq.Array(strategies), pq.Array(latencies), pq.Array(details), pq.Array(occurred))
	if err != nil {
		return fmt.Errorf("failed to insert site events: %w", err)
	}
	return nil
}

// InsertAlert stores one alert.
func (q *DbQueue) InsertAlert(ctx context.Context, a health.Alert) error {
	return q.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO site_alerts (id, site, severity, message, details, raised_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), a.Site, string(a.Severity), a.Message, a.Details, a.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		return nil
	})
}

// RecentAlerts returns the newest alerts, optionally limited to sites.
func (q *DbQueue) RecentAlerts(ctx context.Context, sites []string, limit int) ([]health.Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT site, severity, message, details, raised_at FROM site_alerts`
	args := []any{}
	if len(sites) > 0 {
		query += ` WHERE site = ANY($1)`
		args = append(args, pq.Array(sites))
	}
	query += fmt.Sprintf(` ORDER BY raised_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []health.Alert
	for rows.Next() {
		var a health.Alert
		var severity string
		if err := rows.Scan(&a.Site, &severity, &a.Message, &a.Details, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = health.Severity(severity)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// EventCounts tallies events per type for a site since a point in time.
func (q *DbQueue) EventCounts(ctx context.Context, site string, since time.Time) (map[health.EventType]int, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT type, COUNT(*)
		FROM site_events
		WHERE site = $1 AND occurred_at >= $2
		GROUP BY type
	`, site, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[health.EventType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[health.EventType(typ)] = n
	}
	return counts, rows.Err()
}

// PruneEvents deletes events older than the cutoff and returns how many went.
func (q *DbQueue) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := q.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM site_events WHERE occurred_at < $1`, before.UTC())
		if err != nil {
			return fmt.Errorf("failed to prune site events: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// BreakerResetChannel carries site names whose breaker was reset by an operator.
const BreakerResetChannel = "stealth_bee_breaker_reset"

// PublishBreakerReset tells every listening instance to reset site's breaker.
func (q *DbQueue) PublishBreakerReset(ctx context.Context, site string) error {
	if _, err := q.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, BreakerResetChannel, site); err != nil {
		return fmt.Errorf("failed to publish breaker reset for %s: %w", site, err)
	}
	return nil
}

// AlertSink adapts the queue to the notifications.Sink shape.
type AlertSink struct {
	queue *DbQueue
}

// NewAlertSink persists alerts through q.
func NewAlertSink(q *DbQueue) *AlertSink {
	return &AlertSink{queue: q}
}

// Name returns the sink name
func (s *AlertSink) Name() string { return "postgres" }

// Deliver stores the alert
func (s *AlertSink) Deliver(ctx context.Context, a health.Alert) error {
	return s.queue.InsertAlert(ctx, a)
}
