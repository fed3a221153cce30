package notifications

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Listener subscribes to a PostgreSQL NOTIFY channel and hands each payload
// to a callback.
type Listener struct {
	connStr string
	channel string
	handle  func(payload string)
	retry   time.Duration
}

// NewListener creates a listener for channel.
// Returns nil if handle is nil to prevent nil pointer dereferences.
func NewListener(connStr, channel string, handle func(payload string)) *Listener {
	if handle == nil {
		log.Error().Str("channel", channel).Msg("Cannot create notification listener: handler is nil")
		return nil
	}
	return &Listener{
		connStr: connStr,
		channel: channel,
		handle:  handle,
		retry:   5 * time.Second,
	}
}

// Start listens until ctx is cancelled, reconnecting after errors.
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("channel", l.channel).Msg("Notification listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Str("channel", l.channel).Msg("Notification listener error, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(l.retry):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	// Create a dedicated connection for LISTEN
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Notification listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return err
	}

	log.Info().Str("channel", l.channel).Msg("Notification listener started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case notification := <-listener.Notify:
			if notification == nil {
				// Connection lost, reconnect
				return nil
			}
			l.dispatch(notification.Extra)

		case <-time.After(90 * time.Second):
			// Ping to keep connection alive
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) dispatch(payload string) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return
	}
	log.Debug().Str("channel", l.channel).Str("payload", payload).Msg("Received notification")
	l.handle(payload)
}

// StartListener runs a listener in the background when the database allows
// LISTEN. directURL, when reachable, is preferred over connStr because
// connection poolers drop LISTEN sessions. Reports whether a listener started.
func StartListener(ctx context.Context, connStr, directURL, channel string, handle func(payload string)) bool {
	if directURL != "" {
		if testConnection(directURL) {
			if listener := NewListener(directURL, channel, handle); listener != nil {
				go listener.Start(ctx)
				return true
			}
			return false
		}
		log.Warn().Msg("DATABASE_DIRECT_URL connection failed, trying the main connection")
	}

	if !canUseListen(connStr) {
		log.Info().Str("channel", channel).Msg("Connection pooler detected, cross-instance notifications disabled")
		return false
	}

	listener := NewListener(connStr, channel, handle)
	if listener == nil {
		return false
	}
	go listener.Start(ctx)
	return true
}

// testConnection tests if a database connection can be established.
func testConnection(connStr string) bool {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to open direct connection")
		return false
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to ping direct connection")
		return false
	}
	return true
}

// canUseListen checks if the connection string supports LISTEN/NOTIFY.
// Connection poolers like PgBouncer in transaction mode don't support LISTEN.
func canUseListen(connStr string) bool {
	// Supabase's pooler URLs contain "pooler" in the host
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer typically runs on port 6543
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}
