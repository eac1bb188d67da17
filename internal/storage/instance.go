package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// instanceLockKey is the session advisory lock held by the running gateway.
// Window actors, chain heads and the global sequence all live in process
// memory, so two gateways on one database would fork the audit chain.
const instanceLockKey int64 = 0x6b616e736101

// ErrInstanceLocked means another gateway already owns the database.
var ErrInstanceLocked = errors.New("storage: another kansa instance holds the database")

// AcquireInstanceLock takes the gateway's exclusive advisory lock on a
// dedicated session and keeps it until ReleaseInstanceLock or Close. The
// session goes to the notify DSN when one is set, since a pooler in
// transaction mode cannot hold session locks.
func (db *DB) AcquireInstanceLock(ctx context.Context) error {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()
	if db.lockConn != nil {
		return nil
	}
	cfg, err := pgx.ParseConfig(db.lockDSN)
	if err != nil {
		return fmt.Errorf("storage: parse lock DSN: %w", err)
	}
	cfg.RuntimeParams["application_name"] = applicationName + "-lock"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: connect lock session: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, instanceLockKey).Scan(&acquired); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("storage: instance lock: %w", err)
	}
	if !acquired {
		_ = conn.Close(ctx)
		return ErrInstanceLocked
	}
	db.lockConn = conn
	db.logger.Info("storage: instance lock acquired")
	return nil
}

// ReleaseInstanceLock ends the lock session. Closing the session is what
// releases the lock, so a crashed gateway never leaves it held.
func (db *DB) ReleaseInstanceLock(ctx context.Context) {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()
	if db.lockConn == nil {
		return
	}
	if err := db.lockConn.Close(ctx); err != nil {
		db.logger.Warn("storage: close lock session", "error", err)
	}
	db.lockConn = nil
}

// ErrInstanceLockLost means the lock session died, so the lock is no longer
// held and another gateway could start against the database.
var ErrInstanceLockLost = errors.New("storage: instance lock session lost")

func (db *DB) checkInstanceLock(ctx context.Context) error {
	db.lockMu.Lock()
	defer db.lockMu.Unlock()
	if db.lockConn == nil {
		return nil
	}
	if err := db.lockConn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrInstanceLockLost, err)
	}
	return nil
}
