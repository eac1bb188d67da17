package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
)

var _ ledger.Store = (*DB)(nil)

const auditColumns = `id, global_seq, window_id, window_seq, event_type, payload, payload_digest,
	retained_digest, actor, terminal, occurred_at, prev_hash, hash, redacted`

// InsertAuditEntries writes a batch in one transaction. Entries whose ID is
// already present are skipped, so a batch retried after an ambiguous
// failure does not duplicate anything.
func (db *DB) InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("storage: marshal audit payload: %w", err)
		}
		rows[i] = []any{
			e.ID, e.GlobalSeq, e.WindowID, e.WindowSeq, string(e.EventType), payload, e.PayloadDigest,
			e.RetainedDigest, e.Actor, e.Terminal, e.OccurredAt, e.PrevHash, e.Hash, e.Redacted,
		}
	}

	return WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, r := range rows {
				batch.Queue(
					`INSERT INTO audit_entries (`+auditColumns+`)
					 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14)
					 ON CONFLICT (id) DO NOTHING`, r...)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("storage: insert audit entries: %w", err)
			}
			return nil
		})
	})
}

func scanAuditEntry(row pgx.Row) (model.AuditEntry, error) {
	var (
		e         model.AuditEntry
		eventType string
		payload   []byte
	)
	if err := row.Scan(&e.ID, &e.GlobalSeq, &e.WindowID, &e.WindowSeq, &eventType, &payload, &e.PayloadDigest,
		&e.RetainedDigest, &e.Actor, &e.Terminal, &e.OccurredAt, &e.PrevHash, &e.Hash, &e.Redacted); err != nil {
		return model.AuditEntry{}, err
	}
	e.EventType = model.AuditEventType(eventType)
	e.OccurredAt = e.OccurredAt.UTC()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return model.AuditEntry{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return e, nil
}

func collectAuditEntries(rows pgx.Rows) ([]model.AuditEntry, error) {
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListAuditEntries returns a window's chain in sequence order.
func (db *DB) ListAuditEntries(ctx context.Context, windowID uuid.UUID) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE window_id = $1 ORDER BY window_seq ASC`,
		windowID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries: %w", err)
	}
	return collectAuditEntries(rows)
}

// ListAuditEntriesSince returns entries after afterSeq in global order.
func (db *DB) ListAuditEntriesSince(ctx context.Context, afterSeq int64, limit int) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE global_seq > $1 ORDER BY global_seq ASC LIMIT $2`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit entries since %d: %w", afterSeq, err)
	}
	return collectAuditEntries(rows)
}

// LatestAuditEntry returns the head of a window's chain, or nil if empty.
func (db *DB) LatestAuditEntry(ctx context.Context, windowID uuid.UUID) (*model.AuditEntry, error) {
	e, err := scanAuditEntry(db.pool.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM audit_entries WHERE window_id = $1 ORDER BY window_seq DESC LIMIT 1`,
		windowID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: latest audit entry: %w", err)
	}
	return &e, nil
}

// MaxGlobalSeq returns the highest global sequence written, or 0.
func (db *DB) MaxGlobalSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(global_seq), 0) FROM audit_entries`,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("storage: max global seq: %w", err)
	}
	return seq, nil
}

// RedactOperators replaces operator-identifying payload fields in entries
// older than before. Digests and hash are untouched; the retained digest
// still pins every other payload key.
func (db *DB) RedactOperators(ctx context.Context, before time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE audit_entries
		 SET payload = (
		         SELECT jsonb_object_agg(key, CASE WHEN key = ANY($2) THEN to_jsonb($3::text) ELSE value END)
		         FROM jsonb_each(payload)
		     ),
		     redacted = true
		 WHERE NOT redacted AND occurred_at < $1 AND payload ?| $2`,
		before, ledger.RedactedFields, ledger.RedactedValue,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: redact operators: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertCheckpoint records a Merkle checkpoint.
func (db *DB) InsertCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, from_seq, to_seq, chain_count, root_hash, previous_root, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ID, cp.FromSeq, cp.ToSeq, cp.ChainCount, cp.RootHash, cp.PreviousRoot, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint, or nil if none exist.
func (db *DB) LatestCheckpoint(ctx context.Context) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := db.pool.QueryRow(ctx,
		`SELECT id, from_seq, to_seq, chain_count, root_hash, previous_root, created_at
		 FROM checkpoints
		 ORDER BY to_seq DESC, created_at DESC
		 LIMIT 1`,
	).Scan(&cp.ID, &cp.FromSeq, &cp.ToSeq, &cp.ChainCount, &cp.RootHash, &cp.PreviousRoot, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: latest checkpoint: %w", err)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return &cp, nil
}
