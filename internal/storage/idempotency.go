package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Idempotency-Key outcomes shared by every IdempotencyStore implementation.
var (
	// ErrIdempotencyPayloadMismatch means the key was already used by this
	// principal on this endpoint with a different request body.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrIdempotencyInProgress means another request holds the key.
	ErrIdempotencyInProgress = errors.New("idempotency key request already in progress")
)

const (
	keyInProgress = "in_progress"
	keyCompleted  = "completed"
)

// IdempotencyLookup is the result of reserving a key. Completed is true
// when a stored response should be replayed instead of acting again.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves (principal, endpoint, key) in one round trip.
// A zero lookup with a nil error means the caller owns the key and must
// finish with CompleteIdempotency or ClearInProgressIdempotency.
//
// Abandoned reservations are never taken over: a crash between recording
// an operator action and completing the key must not let a retry record
// the action twice. CleanupIdempotencyKeys releases them after a TTL.
func (db *DB) BeginIdempotency(
	ctx context.Context,
	principalID, endpoint, key, requestHash string,
) (IdempotencyLookup, error) {
	var (
		reserved     bool
		storedHash   *string
		status       *string
		statusCode   *int
		responseData []byte
	)
	// The outer SELECT runs on the statement snapshot, so it cannot see the
	// row the CTE inserts; it only reports a row that already existed.
	err := db.pool.QueryRow(ctx,
		`WITH reserve AS (
			INSERT INTO idempotency_keys (principal_id, endpoint, idempotency_key, request_hash, status)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
			RETURNING 1
		 )
		 SELECT EXISTS (SELECT 1 FROM reserve),
		        k.request_hash, k.status, k.status_code, k.response_data
		 FROM (SELECT 1) AS one
		 LEFT JOIN idempotency_keys k
		   ON k.principal_id = $1 AND k.endpoint = $2 AND k.idempotency_key = $3`,
		principalID, endpoint, key, requestHash, keyInProgress,
	).Scan(&reserved, &storedHash, &status, &statusCode, &responseData)
	if err != nil {
		return IdempotencyLookup{}, fmt.Errorf("storage: begin idempotency: %w", err)
	}

	switch {
	case reserved:
		return IdempotencyLookup{}, nil
	case storedHash == nil:
		// A concurrent reservation committed after our snapshot was taken.
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	case *storedHash != requestHash:
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	case status != nil && *status == keyCompleted:
		lookup := IdempotencyLookup{Completed: true, ResponseData: responseData}
		if statusCode != nil {
			lookup.StatusCode = *statusCode
		}
		return lookup, nil
	default:
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
}

// CompleteIdempotency stores the response for a key this caller reserved.
func (db *DB) CompleteIdempotency(
	ctx context.Context,
	principalID, endpoint, key string,
	statusCode int,
	responseData any,
) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency response: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $4, status_code = $5, response_data = $6::jsonb, updated_at = now()
		 WHERE principal_id = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = $7`,
		principalID, endpoint, key, keyCompleted, statusCode, payload, keyInProgress,
	)
	if err != nil {
		return fmt.Errorf("storage: complete idempotency: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency %q: no reservation held", key)
	}
	return nil
}

// ClearInProgressIdempotency drops a reservation after a failed request so
// the client can retry with the same key.
func (db *DB) ClearInProgressIdempotency(
	ctx context.Context,
	principalID, endpoint, key string,
) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE principal_id = $1 AND endpoint = $2 AND idempotency_key = $3 AND status = $4`,
		principalID, endpoint, key, keyInProgress,
	); err != nil {
		return fmt.Errorf("storage: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys expires completed keys after completedTTL and
// abandoned reservations after inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(
	ctx context.Context,
	completedTTL, inProgressTTL time.Duration,
) (int64, error) {
	now := time.Now()
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = $1 AND updated_at < $2) OR (status = $3 AND updated_at < $4)`,
		keyCompleted, now.Add(-completedTTL), keyInProgress, now.Add(-inProgressTTL),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
