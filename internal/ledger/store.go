// Package ledger is the append-only, hash-chained audit log. Every window
// owns its own chain; all entries also carry a global sequence number.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/integrity"
	"github.com/ashita-ai/kansa/internal/model"
)

// RedactedValue replaces operator-identifying payload fields during anonymization.
const RedactedValue = integrity.RedactedValue

// RedactedFields are the payload keys rewritten by an anonymization pass.
var RedactedFields = integrity.RedactableFields

// Store persists audit entries and checkpoints. Implementations must make
// InsertAuditEntries atomic and idempotent on entry ID so that a batch
// retried after a failed flush never produces duplicates.
type Store interface {
	InsertAuditEntries(ctx context.Context, entries []model.AuditEntry) error
	ListAuditEntries(ctx context.Context, windowID uuid.UUID) ([]model.AuditEntry, error)
	// ListAuditEntriesSince returns entries with GlobalSeq > afterSeq in
	// global order, at most limit of them.
	ListAuditEntriesSince(ctx context.Context, afterSeq int64, limit int) ([]model.AuditEntry, error)
	// LatestAuditEntry returns the head of a window's chain, or nil when the
	// chain is empty.
	LatestAuditEntry(ctx context.Context, windowID uuid.UUID) (*model.AuditEntry, error)
	MaxGlobalSeq(ctx context.Context) (int64, error)
	// RedactOperators rewrites RedactedFields in non-redacted entries that
	// occurred before the cutoff and returns the number of entries touched.
	RedactOperators(ctx context.Context, before time.Time) (int, error)
	InsertCheckpoint(ctx context.Context, cp model.Checkpoint) error
	LatestCheckpoint(ctx context.Context) (*model.Checkpoint, error)
	Ping(ctx context.Context) error
}
