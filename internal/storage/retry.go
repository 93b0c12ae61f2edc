package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RetryPolicy bounds how often a single record write is attempted again
// after a transient conflict.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// WriteRetry is the policy for robot and request writes.
var WriteRetry = RetryPolicy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond}

// retriableCodes maps Postgres SQLSTATEs that clear on retry to the
// condition name used in logs and metrics.
var retriableCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

// retryReason returns the condition name when err is a transient conflict.
func retryReason(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	reason, ok := retriableCodes[pgErr.Code]
	return reason, ok
}

func isRetriable(err error) bool {
	_, ok := retryReason(err)
	return ok
}

// WithRetry executes fn, retrying transient conflicts up to p.MaxRetries
// times with jittered exponential backoff. onRetry, when non-nil, is called
// before each backoff with the 1-based retry number and the condition name.
func WithRetry(ctx context.Context, p RetryPolicy, onRetry func(retry int, reason string), fn func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := range p.MaxRetries + 1 {
		err = fn()
		reason, ok := retryReason(err)
		if err == nil || !ok {
			return err
		}
		if attempt == p.MaxRetries {
			break
		}
		if onRetry != nil {
			onRetry(attempt+1, reason)
		}
		var jitter time.Duration
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // backoff jitter
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

// retryWrite runs one write to the record kind/key under WriteRetry. Each
// retry is logged with the record key and counted by kind and condition.
func (db *DB) retryWrite(ctx context.Context, kind, key string, fn func() error) error {
	return WithRetry(ctx, WriteRetry, func(retry int, reason string) {
		db.logger.Debug("storage: retrying write", "kind", kind, "key", key, "retry", retry, "reason", reason)
		if db.retries != nil {
			db.retries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", kind),
				attribute.String("reason", reason),
			))
		}
	}, fn)
}
