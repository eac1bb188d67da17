package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/model"
)

var _ governance.WindowStore = (*DB)(nil)

// SaveWindow upserts the latest snapshot of a window. Older snapshots never
// overwrite newer ones.
func (db *DB) SaveWindow(ctx context.Context, w model.DecisionWindow) error {
	snap, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("storage: marshal window: %w", err)
	}
	return WithRetry(ctx, writeRetries, writeBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO decision_windows (id, request_id, state, snapshot, opened_at, updated_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
			 ON CONFLICT (id) DO UPDATE
			 SET state = EXCLUDED.state, snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
			 WHERE decision_windows.updated_at <= EXCLUDED.updated_at`,
			w.ID, w.Request.ID, string(w.State), snap, w.OpenedAt, w.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: save window: %w", err)
		}
		return nil
	})
}

// GetWindow returns the stored snapshot of a window.
func (db *DB) GetWindow(ctx context.Context, id uuid.UUID) (model.DecisionWindow, error) {
	return db.getWindow(ctx, `SELECT snapshot FROM decision_windows WHERE id = $1`, id)
}

// GetWindowByRequest returns the window opened for a request ID.
func (db *DB) GetWindowByRequest(ctx context.Context, requestID uuid.UUID) (model.DecisionWindow, error) {
	return db.getWindow(ctx, `SELECT snapshot FROM decision_windows WHERE request_id = $1`, requestID)
}

func (db *DB) getWindow(ctx context.Context, query string, id uuid.UUID) (model.DecisionWindow, error) {
	var raw []byte
	if err := db.pool.QueryRow(ctx, query, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionWindow{}, fmt.Errorf("storage: window %s: %w", id, model.ErrNotFound)
		}
		return model.DecisionWindow{}, fmt.Errorf("storage: get window: %w", err)
	}
	var w model.DecisionWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.DecisionWindow{}, fmt.Errorf("storage: unmarshal window: %w", err)
	}
	return w, nil
}
