// Package storage provides the PostgreSQL storage layer for kansa.
//
// It manages connection pooling (via pgxpool), a dedicated connection for
// LISTEN/NOTIFY (direct to Postgres), the session that holds the
// single-instance lock, and implements the audit ledger store, the window
// snapshot store, checkpoints and idempotency keys on top of them.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Retry budget for transient write failures. A ledger flush that exhausts
// it surfaces as an unavailable store and the batch stays buffered.
const (
	writeRetries   = 3
	writeBaseDelay = 20 * time.Millisecond
)

// applicationName tags kansa's sessions in pg_stat_activity.
const applicationName = "kansa"

// DB wraps a pgxpool.Pool for normal queries, a dedicated pgx.Conn for
// LISTEN/NOTIFY and, once acquired, the instance lock session.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	lockMu     sync.Mutex
	lockConn   *pgx.Conn
	lockDSN    string
	logger     *slog.Logger
}

// New creates a new DB with a connection pool.
// poolDSN may point at PgBouncer; notifyDSN must point directly to Postgres
// for LISTEN/NOTIFY support and may be empty to disable the event relay.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		connCfg, err := pgx.ParseConfig(notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
		}
		connCfg.RuntimeParams["application_name"] = applicationName + "-relay"
		notifyConn, err = pgx.ConnectConfig(ctx, connCfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	lockDSN := notifyDSN
	if lockDSN == "" {
		lockDSN = poolDSN
	}
	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		lockDSN:    lockDSN,
		logger:     logger,
	}, nil
}

// Pool exposes the pool for tests and maintenance scripts.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotify reports whether a LISTEN/NOTIFY connection is configured.
func (db *DB) HasNotify() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database and, once acquired, that the
// instance lock session is still alive.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return err
	}
	return db.checkInstanceLock(ctx)
}

// Close shuts down the connection pool, the notify connection and the
// instance lock session.
func (db *DB) Close(ctx context.Context) {
	db.ReleaseInstanceLock(ctx)
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
