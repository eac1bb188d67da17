// Package sqlite is a single-node store backed by modernc.org/sqlite. It
// implements the same ledger, window and idempotency contracts as the
// Postgres store, for deployments without a database server.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/storage"
)

//go:embed schema.sql
var schema string

// Fixed-width UTC timestamps so that text comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var (
	_ ledger.Store           = (*Store)(nil)
	_ governance.WindowStore = (*Store)(nil)
)

// Store wraps a database/sql handle on a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const auditColumns = `id, global_seq, window_id, window_seq, event_type, payload, payload_digest,
	retained_digest, actor, terminal, occurred_at, prev_hash, hash, redacted`

func (s *Store) InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO audit_entries (`+auditColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("sqlite: prepare audit insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range entries {
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("sqlite: marshal audit payload: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID.String(), e.GlobalSeq, e.WindowID.String(), e.WindowSeq, string(e.EventType),
				string(payload), e.PayloadDigest, e.RetainedDigest, e.Actor, e.Terminal, formatTime(e.OccurredAt),
				e.PrevHash, e.Hash, e.Redacted,
			); err != nil {
				return fmt.Errorf("sqlite: insert audit entry: %w", err)
			}
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row scanner) (model.AuditEntry, error) {
	var (
		e                 model.AuditEntry
		id, windowID, typ string
		payload, occurred string
	)
	if err := row.Scan(&id, &e.GlobalSeq, &windowID, &e.WindowSeq, &typ, &payload, &e.PayloadDigest,
		&e.RetainedDigest, &e.Actor, &e.Terminal, &occurred, &e.PrevHash, &e.Hash, &e.Redacted); err != nil {
		return model.AuditEntry{}, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return model.AuditEntry{}, err
	}
	if e.WindowID, err = uuid.Parse(windowID); err != nil {
		return model.AuditEntry{}, err
	}
	if e.OccurredAt, err = parseTime(occurred); err != nil {
		return model.AuditEntry{}, err
	}
	e.EventType = model.AuditEventType(typ)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return model.AuditEntry{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return e, nil
}

func (s *Store) queryAuditEntries(ctx context.Context, query string, args ...any) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListAuditEntries(ctx context.Context, windowID uuid.UUID) ([]model.AuditEntry, error) {
	out, err := s.queryAuditEntries(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE window_id = ? ORDER BY window_seq ASC`,
		windowID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	return out, nil
}

func (s *Store) ListAuditEntriesSince(ctx context.Context, afterSeq int64, limit int) ([]model.AuditEntry, error) {
	out, err := s.queryAuditEntries(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE global_seq > ? ORDER BY global_seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries since %d: %w", afterSeq, err)
	}
	return out, nil
}

func (s *Store) LatestAuditEntry(ctx context.Context, windowID uuid.UUID) (*model.AuditEntry, error) {
	e, err := scanAuditEntry(s.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE window_id = ? ORDER BY window_seq DESC LIMIT 1`,
		windowID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: latest audit entry: %w", err)
	}
	return &e, nil
}

func (s *Store) MaxGlobalSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(global_seq), 0) FROM audit_entries`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("sqlite: max global seq: %w", err)
	}
	return seq, nil
}

// RedactOperators rewrites operator fields in Go, since SQLite's JSON
// functions cannot conditionally replace only the keys that are present.
func (s *Store) RedactOperators(ctx context.Context, before time.Time) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, payload FROM audit_entries WHERE redacted = 0 AND occurred_at < ?`,
			formatTime(before))
		if err != nil {
			return err
		}
		type pending struct{ id, payload string }
		var updates []pending
		for rows.Next() {
			var id, raw string
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return err
			}
			var payload map[string]any
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				rows.Close()
				return err
			}
			if !ledger.RedactPayload(payload) {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				rows.Close()
				return err
			}
			updates = append(updates, pending{id: id, payload: string(data)})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, u := range updates {
			if _, err := tx.ExecContext(ctx,
				`UPDATE audit_entries SET payload = ?, redacted = 1 WHERE id = ?`, u.payload, u.id); err != nil {
				return err
			}
		}
		n = len(updates)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: redact operators: %w", err)
	}
	return n, nil
}

func (s *Store) InsertCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, from_seq, to_seq, chain_count, root_hash, previous_root, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID.String(), cp.FromSeq, cp.ToSeq, cp.ChainCount, cp.RootHash, cp.PreviousRoot, formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert checkpoint: %w", err)
	}
	return nil
}

func (s *Store) LatestCheckpoint(ctx context.Context) (*model.Checkpoint, error) {
	var (
		cp          model.Checkpoint
		id, created string
		prev        sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, from_seq, to_seq, chain_count, root_hash, previous_root, created_at
		 FROM checkpoints ORDER BY to_seq DESC, created_at DESC LIMIT 1`,
	).Scan(&id, &cp.FromSeq, &cp.ToSeq, &cp.ChainCount, &cp.RootHash, &prev, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: latest checkpoint: %w", err)
	}
	if cp.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("sqlite: checkpoint id: %w", err)
	}
	if cp.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("sqlite: checkpoint time: %w", err)
	}
	if prev.Valid {
		cp.PreviousRoot = &prev.String
	}
	return &cp, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) SaveWindow(ctx context.Context, w model.DecisionWindow) error {
	snap, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("sqlite: marshal window: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decision_windows (id, request_id, state, snapshot, opened_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET state = excluded.state, snapshot = excluded.snapshot, updated_at = excluded.updated_at
		 WHERE decision_windows.updated_at <= excluded.updated_at`,
		w.ID.String(), w.Request.ID.String(), string(w.State), string(snap),
		formatTime(w.OpenedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save window: %w", err)
	}
	return nil
}

func (s *Store) GetWindow(ctx context.Context, id uuid.UUID) (model.DecisionWindow, error) {
	return s.getWindow(ctx, `SELECT snapshot FROM decision_windows WHERE id = ?`, id)
}

func (s *Store) GetWindowByRequest(ctx context.Context, requestID uuid.UUID) (model.DecisionWindow, error) {
	return s.getWindow(ctx, `SELECT snapshot FROM decision_windows WHERE request_id = ?`, requestID)
}

func (s *Store) getWindow(ctx context.Context, query string, id uuid.UUID) (model.DecisionWindow, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, query, id.String()).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.DecisionWindow{}, fmt.Errorf("sqlite: window %s: %w", id, model.ErrNotFound)
		}
		return model.DecisionWindow{}, fmt.Errorf("sqlite: get window: %w", err)
	}
	var w model.DecisionWindow
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return model.DecisionWindow{}, fmt.Errorf("sqlite: unmarshal window: %w", err)
	}
	return w, nil
}

// BeginIdempotency reserves key for processing. See storage.DB.BeginIdempotency.
func (s *Store) BeginIdempotency(ctx context.Context, principalID, endpoint, key, requestHash string) (storage.IdempotencyLookup, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (principal_id, endpoint, idempotency_key, request_hash, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'in_progress', ?, ?)
		 ON CONFLICT DO NOTHING`,
		principalID, endpoint, key, requestHash, now, now)
	if err != nil {
		return storage.IdempotencyLookup{}, fmt.Errorf("sqlite: begin idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return storage.IdempotencyLookup{}, nil
	}

	var (
		storedHash, status string
		statusCode         sql.NullInt64
		responseData       sql.NullString
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status, status_code, response_data FROM idempotency_keys
		 WHERE principal_id = ? AND endpoint = ? AND idempotency_key = ?`,
		principalID, endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return storage.IdempotencyLookup{}, fmt.Errorf("sqlite: lookup idempotency: %w", err)
	}
	if storedHash != requestHash {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyInProgress
	}
	return storage.IdempotencyLookup{
		Completed:    true,
		StatusCode:   int(statusCode.Int64),
		ResponseData: json.RawMessage(responseData.String),
	}, nil
}

// CompleteIdempotency stores the final response for a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, principalID, endpoint, key string, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("sqlite: marshal idempotency response: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = 'completed', status_code = ?, response_data = ?, updated_at = ?
		 WHERE principal_id = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		statusCode, string(payload), formatTime(time.Now()), principalID, endpoint, key)
	if err != nil {
		return fmt.Errorf("sqlite: complete idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("sqlite: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation.
func (s *Store) ClearInProgressIdempotency(ctx context.Context, principalID, endpoint, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE principal_id = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		principalID, endpoint, key); err != nil {
		return fmt.Errorf("sqlite: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed and abandoned in-progress keys.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < ?) OR (status = 'in_progress' AND updated_at < ?)`,
		formatTime(now.Add(-completedTTL)), formatTime(now.Add(-inProgressTTL)))
	if err != nil {
		return 0, fmt.Errorf("sqlite: cleanup idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
