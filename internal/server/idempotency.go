package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/storage"
)

// IdempotencyStore reserves and replays Idempotency-Key responses.
// *storage.DB, *sqlite.Store and *MemoryIdempotencyStore implement it.
type IdempotencyStore interface {
	BeginIdempotency(ctx context.Context, principalID, endpoint, key, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, principalID, endpoint, key string, statusCode int, responseData any) error
	ClearInProgressIdempotency(ctx context.Context, principalID, endpoint, key string) error
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

type idemRecord struct {
	hash       string
	completed  bool
	statusCode int
	response   json.RawMessage
	updatedAt  time.Time
}

// MemoryIdempotencyStore keeps idempotency records in process memory. It
// backs the memory store mode and tests.
type MemoryIdempotencyStore struct {
	clock clock.Clock

	mu      sync.Mutex
	records map[string]*idemRecord
}

// NewMemoryIdempotencyStore returns an empty store. A nil clock uses wall time.
func NewMemoryIdempotencyStore(clk clock.Clock) *MemoryIdempotencyStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryIdempotencyStore{clock: clk, records: make(map[string]*idemRecord)}
}

func idemMapKey(principalID, endpoint, key string) string {
	return principalID + "\x00" + endpoint + "\x00" + key
}

// BeginIdempotency follows the Postgres semantics: the first caller owns the
// key, later callers replay, conflict, or wait.
func (s *MemoryIdempotencyStore) BeginIdempotency(_ context.Context, principalID, endpoint, key, requestHash string) (storage.IdempotencyLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemMapKey(principalID, endpoint, key)
	rec, ok := s.records[k]
	if !ok {
		s.records[k] = &idemRecord{hash: requestHash, updatedAt: s.clock.Now()}
		return storage.IdempotencyLookup{}, nil
	}
	if rec.hash != requestHash {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyPayloadMismatch
	}
	if rec.completed {
		return storage.IdempotencyLookup{
			Completed:    true,
			StatusCode:   rec.statusCode,
			ResponseData: append(json.RawMessage(nil), rec.response...),
		}, nil
	}
	return storage.IdempotencyLookup{}, storage.ErrIdempotencyInProgress
}

// CompleteIdempotency stores the final response for a reserved key.
func (s *MemoryIdempotencyStore) CompleteIdempotency(_ context.Context, principalID, endpoint, key string, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("server: marshal idempotency response: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[idemMapKey(principalID, endpoint, key)]
	if !ok || rec.completed {
		return errors.New("server: complete idempotency: key not found or not in_progress")
	}
	rec.completed = true
	rec.statusCode = statusCode
	rec.response = payload
	rec.updatedAt = s.clock.Now()
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation so the client can retry.
func (s *MemoryIdempotencyStore) ClearInProgressIdempotency(_ context.Context, principalID, endpoint, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemMapKey(principalID, endpoint, key)
	if rec, ok := s.records[k]; ok && !rec.completed {
		delete(s.records, k)
	}
	return nil
}

// CleanupIdempotencyKeys removes old completed records and abandoned in-progress records.
func (s *MemoryIdempotencyStore) CleanupIdempotencyKeys(_ context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		ttl := inProgressTTL
		if rec.completed {
			ttl = completedTTL
		}
		if now.Sub(rec.updatedAt) > ttl {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

type idempotencyHandle struct {
	key         string
	endpoint    string
	principalID string
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// maxIdempotencyKeyLen bounds client-supplied keys.
const maxIdempotencyKeyLen = 255

// beginIdempotentWrite checks/reuses/reserves an idempotency key.
// Returns (nil, true) when no idempotency key is present and caller should proceed normally.
func (h *Handlers) beginIdempotentWrite(
	w http.ResponseWriter,
	r *http.Request,
	principalID, endpoint string,
	payload any,
) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" || h.idempotency == nil {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key exceeds %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}

	lookup, err := h.idempotency.BeginIdempotency(r.Context(), principalID, endpoint, key, hash)
	switch {
	case err == nil:
		if lookup.Completed {
			var replay any
			if len(lookup.ResponseData) > 0 {
				if uErr := json.Unmarshal(lookup.ResponseData, &replay); uErr != nil {
					h.writeInternalError(w, r, "failed to unmarshal idempotent replay payload", uErr)
					return nil, false
				}
			}
			status := lookup.StatusCode
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, r, status, replay)
			return nil, false
		}
		return &idempotencyHandle{key: key, endpoint: endpoint, principalID: principalID}, true
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
		return nil, false
	default:
		h.logger.Error("idempotency lookup failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "idempotency store unavailable")
		return nil, false
	}
}

func (h *Handlers) completeIdempotentWrite(idem *idempotencyHandle, statusCode int, data any) error {
	if idem == nil {
		return nil
	}

	// Finish idempotency in a bounded background context so request
	// cancellation at the edge of a timeout cannot leave a replay gap.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		err := h.idempotency.CompleteIdempotency(writeCtx, idem.principalID, idem.endpoint, idem.key, statusCode, data)
		if err == nil {
			return nil
		}
		lastErr = err
		h.logger.Warn("idempotency finalize attempt failed",
			"attempt", attempt,
			"error", err,
			"endpoint", idem.endpoint,
			"principal_id", idem.principalID,
		)

		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("idempotency finalize context expired: %w", lastErr)
		}
	}
	return fmt.Errorf("failed to complete idempotency record after retries: %w", lastErr)
}

// completeIdempotentWriteBestEffort finalizes an idempotency key without failing
// the already-committed mutation response path.
func (h *Handlers) completeIdempotentWriteBestEffort(r *http.Request, idem *idempotencyHandle, statusCode int, data any) {
	if err := h.completeIdempotentWrite(idem, statusCode, data); err != nil {
		h.logger.Error("failed to finalize idempotency record after committed mutation",
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
	}
}

// clearIdempotentWrite releases a reservation whose mutation did not happen,
// so the client's retry is processed instead of blocked.
func (h *Handlers) clearIdempotentWrite(r *http.Request, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := h.idempotency.ClearInProgressIdempotency(ctx, idem.principalID, idem.endpoint, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record",
			"error", err,
			"endpoint", idem.endpoint,
			"principal_id", idem.principalID,
		)
	}
}

// RunIdempotencyCleanup removes expired idempotency records every interval
// until ctx is done.
func RunIdempotencyCleanup(ctx context.Context, store IdempotencyStore, completedTTL, inProgressTTL, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := store.CleanupIdempotencyKeys(ctx, completedTTL, inProgressTTL)
			if err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("idempotency cleanup", "removed", n)
			}
		}
	}
}
