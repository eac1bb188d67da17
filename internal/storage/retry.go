package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// transient reports whether a failed write may succeed if repeated. Every
// write in this package is idempotent (ON CONFLICT on the row id), so a
// retry after a dropped connection cannot duplicate ledger entries.
func transient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case pgErr.Code == "40001", pgErr.Code == "40P01":
		// serialization_failure, deadlock_detected
		return true
	case strings.HasPrefix(pgErr.Code, "08"):
		// connection_exception class
		return true
	case pgErr.Code == "57P01":
		// admin_shutdown: a failover in progress
		return true
	}
	return false
}

// WithRetry runs fn until it succeeds, fails permanently, or has been
// retried maxRetries times. Delays start at baseDelay and double, with up
// to one extra baseDelay of jitter so concurrent window actors do not
// retry in lockstep.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !transient(err) || attempt == maxRetries {
			return err
		}
		wait := delay + time.Duration(rand.Int64N(int64(delay)+1)) //nolint:gosec // jitter only
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
}
