package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType names what an audit entry records. Window transitions use
// the name of the state entered.
type AuditEventType string

const (
	AuditProposed              AuditEventType = "proposed"
	AuditEvaluating            AuditEventType = "evaluating"
	AuditAutoExecuting         AuditEventType = "auto_executing"
	AuditVetoWindowOpen        AuditEventType = "veto_window_open"
	AuditAwaitingAuthorization AuditEventType = "awaiting_authorization"
	AuditApprovalRecorded      AuditEventType = "approval_recorded"
	AuditEscalated             AuditEventType = "escalated"
	AuditExecuting             AuditEventType = "executing"
	AuditVetoed                AuditEventType = "vetoed"
	AuditRejected              AuditEventType = "rejected"
	AuditCommitted             AuditEventType = "committed"
	AuditRolledBack            AuditEventType = "rolled_back"
	AuditAborted               AuditEventType = "aborted"
	AuditPolicyError           AuditEventType = "policy_error"
	AuditPolicyReloaded        AuditEventType = "policy_reloaded"
	AuditAnonymization         AuditEventType = "anonymization"
	AuditCheckpoint            AuditEventType = "checkpoint"
)

// SystemChainID is the chain that carries entries not tied to a window
// (policy reloads, anonymization passes, checkpoints).
var SystemChainID = uuid.Nil

// AuditEntry is one immutable, hash-chained record.
// Hash = H(PrevHash || canonical(entry)). PayloadDigest commits to the whole
// payload; RetainedDigest commits to everything anonymization may not touch,
// so a redacted entry still pins its non-operator content.
type AuditEntry struct {
	ID             uuid.UUID      `json:"id"`
	GlobalSeq      int64          `json:"global_seq"`
	WindowID       uuid.UUID      `json:"window_id"`
	WindowSeq      int64          `json:"window_seq"`
	EventType      AuditEventType `json:"event_type"`
	Payload        map[string]any `json:"payload"`
	PayloadDigest  string         `json:"payload_digest"`
	RetainedDigest string         `json:"retained_digest"`
	Actor          string         `json:"actor,omitempty"`
	Terminal       bool           `json:"terminal"`
	OccurredAt     time.Time      `json:"occurred_at"`
	PrevHash       string         `json:"prev_hash"`
	Hash           string         `json:"hash"`
	Redacted       bool           `json:"redacted"`
}

// VerifyResult reports the outcome of recomputing a window's chain.
type VerifyResult struct {
	WindowID   uuid.UUID `json:"window_id"`
	Valid      bool      `json:"valid"`
	Entries    int       `json:"entries"`
	BrokenAt   *int64    `json:"broken_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Checkpoint is a Merkle root over chain heads written since the previous one.
type Checkpoint struct {
	ID           uuid.UUID `json:"id"`
	FromSeq      int64     `json:"from_seq"`
	ToSeq        int64     `json:"to_seq"`
	ChainCount   int       `json:"chain_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
