package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/health"
	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	// MaxBatchSize is the maximum number of events to batch before forcing a flush
	MaxBatchSize = 100
	// MaxBatchInterval is the maximum time to wait before flushing a batch
	MaxBatchInterval = 5 * time.Second
	// BatchChannelSize is the buffer size for the event channel
	BatchChannelSize = 500
	// MaxConsecutiveFailures before falling back to individual inserts
	MaxConsecutiveFailures = 3
	// MaxShutdownRetries for final flush attempts
	MaxShutdownRetries = 5
	// ShutdownRetryDelay between retry attempts
	ShutdownRetryDelay = 500 * time.Millisecond
	// maxPendingEvents bounds memory while the database is unreachable
	maxPendingEvents = 10 * BatchChannelSize
)

// sqlStateClass extracts the SQLSTATE class from pgx or lib/pq errors.
func sqlStateClass(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		return pgErr.Code[:2], true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code.Class()), true
	}
	return "", false
}

// isRetryableError determines if an error is infrastructure-related (should retry)
// vs data-related (poison pill that should be skipped)
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if class, ok := sqlStateClass(err); ok {
		switch class {
		case "08", "53", "57", "58":
			// Connection, resources, operator intervention, system
			return true
		case "22", "23", "42":
			// Bad data, constraint violations, bad SQL
			return false
		case "28":
			// Invalid authorisation; retrying will not fix credentials
			return false
		default:
			return true
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "timeout", "too many clients"} {
		if strings.Contains(msg, s) {
			return true
		}
	}

	// Default: assume it's retryable (safer than dropping data)
	return true
}

// QueueExecutor defines the minimal interface needed for batch operations
type QueueExecutor interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
}

// EventBatcher buffers health events and writes them in batches. It plugs
// into the health monitor as an EventObserver.
type EventBatcher struct {
	queue    QueueExecutor
	events   chan EventRecord
	stopCh   chan struct{}
	interval time.Duration
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu               sync.Mutex
	consecutiveFails int
	dropped          int
}

// BatcherOption configures an EventBatcher.
type BatcherOption func(*EventBatcher)

// WithFlushInterval overrides MaxBatchInterval.
func WithFlushInterval(d time.Duration) BatcherOption {
	return func(b *EventBatcher) { b.interval = d }
}

// NewEventBatcher creates and starts a batcher
func NewEventBatcher(queue QueueExecutor, opts ...BatcherOption) *EventBatcher {
	b := &EventBatcher{
		queue:    queue,
		events:   make(chan EventRecord, BatchChannelSize),
		stopCh:   make(chan struct{}),
		interval: MaxBatchInterval,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.processBatches()

	log.Info().
		Int("max_batch_size", MaxBatchSize).
		Dur("max_batch_interval", b.interval).
		Int("channel_size", BatchChannelSize).
		Msg("Event batcher started")

	return b
}

// ObserveEvent queues an event. The monitor calls this inline, so a full
// channel drops the event instead of blocking.
func (b *EventBatcher) ObserveEvent(site string, e health.Event) {
	select {
	case b.events <- EventRecord{Site: site, Event: e}:
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		log.Warn().
			Str("site", site).
			Int("dropped_total", n).
			Msg("Event batch channel full, dropping event")
	}
}

// Dropped reports events discarded because the channel or backlog was full.
func (b *EventBatcher) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *EventBatcher) processBatches() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	batch := make([]EventRecord, 0, MaxBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		err := b.flush(context.Background(), batch)
		if err == nil {
			batch = batch[:0]
			b.mu.Lock()
			b.consecutiveFails = 0
			b.mu.Unlock()
			return
		}

		if isRetryableError(err) {
			log.Warn().
				Err(err).
				Int("batch_size", len(batch)).
				Bool("retryable", true).
				Msg("Event flush failed due to infrastructure issue - will retry")
			if len(batch) > maxPendingEvents {
				over := len(batch) - maxPendingEvents
				batch = append(batch[:0], batch[over:]...)
				b.mu.Lock()
				b.dropped += over
				b.mu.Unlock()
			}
			return
		}

		b.mu.Lock()
		b.consecutiveFails++
		failCount := b.consecutiveFails
		b.mu.Unlock()

		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Int("consecutive_data_failures", failCount).
			Bool("retryable", false).
			Msg("Event flush failed due to data error")

		if failCount >= MaxConsecutiveFailures {
			sentry.CaptureException(fmt.Errorf("event batch poison pill detected after %d consecutive data failures: %w", failCount, err))

			successCount, skippedCount := b.flushIndividually(context.Background(), batch)
			log.Info().
				Int("total", len(batch)).
				Int("success", successCount).
				Int("skipped", skippedCount).
				Msg("Individual insert fallback completed")

			batch = batch[:0]
			b.mu.Lock()
			b.consecutiveFails = 0
			b.mu.Unlock()
		}
	}

	for {
		select {
		case e := <-b.events:
			batch = append(batch, e)
			if len(batch) >= MaxBatchSize {
				flush()
				ticker.Reset(b.interval)
			}

		case <-ticker.C:
			flush()

		case <-b.stopCh:
			for draining := true; draining; {
				select {
				case e := <-b.events:
					batch = append(batch, e)
				default:
					draining = false
				}
			}
			b.finalFlush(batch)
			return
		}
	}
}

// finalFlush retries with a short delay so shutdown loses as little as possible.
func (b *EventBatcher) finalFlush(batch []EventRecord) {
	var lastErr error
	for attempt := 0; attempt < MaxShutdownRetries && len(batch) > 0; attempt++ {
		lastErr = b.flush(context.Background(), batch)
		if lastErr == nil {
			log.Info().
				Int("batch_size", len(batch)).
				Int("attempt", attempt+1).
				Msg("Final event flush successful on shutdown")
			return
		}
		if !isRetryableError(lastErr) {
			break
		}
		log.Warn().
			Err(lastErr).
			Int("batch_size", len(batch)).
			Int("attempt", attempt+1).
			Msg("Final event flush failed - retrying")
		if attempt < MaxShutdownRetries-1 {
			time.Sleep(ShutdownRetryDelay)
		}
	}

	if len(batch) == 0 || lastErr == nil {
		return
	}
	if isRetryableError(lastErr) {
		sentry.CaptureException(fmt.Errorf("database unavailable on shutdown, %d health events not persisted: %w", len(batch), lastErr))
		log.Error().
			Err(lastErr).
			Int("batch_size", len(batch)).
			Msg("Database unavailable on shutdown - health events not persisted")
		return
	}
	_, skipped := b.flushIndividually(context.Background(), batch)
	if skipped > 0 {
		log.Error().Int("skipped", skipped).Msg("Some health events with bad data could not be persisted on shutdown")
	}
}

func (b *EventBatcher) flush(ctx context.Context, batch []EventRecord) error {
	start := time.Now()
	err := b.queue.Execute(ctx, func(tx *sql.Tx) error {
		return insertEvents(ctx, tx, batch)
	})
	if err != nil {
		return err
	}
	log.Debug().
		Int("batch_size", len(batch)).
		Dur("duration", time.Since(start)).
		Msg("Event batch flushed")
	return nil
}

// flushIndividually inserts one event per transaction to isolate poison pills.
// Returns (successCount, skippedCount)
func (b *EventBatcher) flushIndividually(ctx context.Context, batch []EventRecord) (int, int) {
	var success, skipped int
	for _, r := range batch {
		if err := b.flush(ctx, []EventRecord{r}); err != nil {
			log.Error().
				Err(err).
				Str("site", r.Site).
				Str("type", string(r.Event.Type)).
				Msg("Health event failed even in individual mode - skipping")
			skipped++
			continue
		}
		success++
	}
	return success, skipped
}

// Stop flushes what is buffered and stops the batcher
func (b *EventBatcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}
