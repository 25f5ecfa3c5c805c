package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy retries an operation on transient errors with exponential
// backoff. Non-transient errors (constraint violations, syntax errors)
// propagate immediately with their message preserved.
type RetryPolicy struct {
	MaxAttempts uint64        // total attempts, not retries
	BaseDelay   time.Duration // doubled after each failed attempt
	Retryable   func(error) bool
}

// DefaultRetryPolicy matches the service contract: 3 attempts, 500ms base
// delay doubling per attempt, retrying only transient store errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Retryable:   IsTransient,
	}
}

// Do runs op, retrying per the policy. The context bounds the whole
// sequence including backoff sleeps.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, attempts-1)
	b = backoff.WithContext(b, ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// IsTransient classifies an error as retryable: connection loss, pool or
// server resource exhaustion, and network timeouts. Constraint violations,
// syntax errors, and context cancellation are not retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08": // connection exception
			return true
		case "53": // insufficient resources (e.g. 53300 too_many_connections)
			return true
		case "57": // operator intervention (admin shutdown, crash recovery)
			return true
		}
		return false
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
