package kansa

import (
	"time"

	"github.com/google/uuid"
)

// AgentType selects how a proposal is treated: fast agents may be
// auto-executed below the policy thresholds, deliberative agents never are.
type AgentType string

const (
	AgentFast         AgentType = "fast"
	AgentDeliberative AgentType = "deliberative"
)

// Window states.
const (
	StateProposed              = "proposed"
	StateEvaluating            = "evaluating"
	StateAutoExecuting         = "auto_executing"
	StateVetoWindowOpen        = "veto_window_open"
	StateAwaitingAuthorization = "awaiting_authorization"
	StateExecuting             = "executing"
	StateVetoed                = "vetoed"
	StateRejected              = "rejected"
	StateEscalated             = "escalated"
	StateCommitted             = "committed"
	StateRolledBack            = "rolled_back"
	StateAborted               = "aborted"
)

// Terminal reports whether a window in state will never change again.
func Terminal(state string) bool {
	switch state {
	case StateCommitted, StateRolledBack, StateAborted:
		return true
	}
	return false
}

// Operator actions.
const (
	ActionVeto    = "veto"
	ActionConfirm = "confirm"
	ActionApprove = "approve"
	ActionReject  = "reject"
)

// Action result statuses.
const (
	ActionAccepted        = "accepted"
	ActionRejected        = "rejected"
	ActionAlreadyResolved = "already_resolved"
)

// ProposeRequest describes an action an agent wants to take.
type ProposeRequest struct {
	// RequestID makes the proposal idempotent. A zero value lets the
	// server assign one.
	RequestID     *uuid.UUID     `json:"request_id,omitempty"`
	AgentType     AgentType      `json:"agent_type"`
	OperationType string         `json:"operation_type"`
	Amount        float64        `json:"amount"`
	Confidence    float64        `json:"confidence"`
	EvidenceRef   string         `json:"evidence_ref,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// ProposeResponse identifies the decision window opened for a proposal.
type ProposeResponse struct {
	WindowID  uuid.UUID  `json:"window_id"`
	RequestID uuid.UUID  `json:"request_id"`
	State     string     `json:"state"`
	Mode      string     `json:"mode"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// DecisionRequest is the proposal as recorded by the server.
type DecisionRequest struct {
	ID            uuid.UUID      `json:"id"`
	AgentID       string         `json:"agent_id"`
	AgentType     AgentType      `json:"agent_type"`
	OperationType string         `json:"operation_type"`
	Amount        float64        `json:"amount"`
	Confidence    float64        `json:"confidence"`
	EvidenceRef   string         `json:"evidence_ref,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// SupervisionMode is the policy's classification of a window. Durations
// are in nanoseconds on the wire.
type SupervisionMode struct {
	Kind              string        `json:"kind"`
	Timeout           time.Duration `json:"timeout,omitempty"`
	SLA               time.Duration `json:"sla,omitempty"`
	RequiredApprovers int           `json:"required_approvers,omitempty"`
}

// Approval is an accepted operator action.
type Approval struct {
	OperatorID string    `json:"operator_id"`
	Action     string    `json:"action"`
	Rationale  string    `json:"rationale,omitempty"`
	At         time.Time `json:"at"`
}

// Outcome is set once a window is terminal.
type Outcome struct {
	Kind                     string    `json:"kind"`
	Reference                string    `json:"reference,omitempty"`
	Reason                   string    `json:"reason,omitempty"`
	Retryable                bool      `json:"retryable,omitempty"`
	CompensationAttempted    bool      `json:"compensation_attempted,omitempty"`
	CompensationError        string    `json:"compensation_error,omitempty"`
	ManualResolutionRequired bool      `json:"manual_resolution_required,omitempty"`
	At                       time.Time `json:"at"`
}

// Window is a decision window.
type Window struct {
	ID              uuid.UUID       `json:"id"`
	Request         DecisionRequest `json:"request"`
	Mode            SupervisionMode `json:"mode"`
	State           string          `json:"state"`
	PolicyVersion   string          `json:"policy_version,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	Actions         []Approval      `json:"actions"`
	EscalationLevel int             `json:"escalation_level"`
	Retryable       bool            `json:"retryable,omitempty"`
	Outcome         *Outcome        `json:"outcome,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ActionResult is the server's answer to an operator action. Rejected
// actions carry the reason and were not recorded.
type ActionResult struct {
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	State    string    `json:"state"`
	WindowID uuid.UUID `json:"window_id"`
}

// ExecutionReport is an executor's asynchronous outcome.
type ExecutionReport struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// CallbackResult reports how an execution report was handled:
// "recorded", "pending", "duplicate" or "ignored".
type CallbackResult struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// AuditEntry is one hash-chained audit record.
type AuditEntry struct {
	ID            uuid.UUID      `json:"id"`
	GlobalSeq     int64          `json:"global_seq"`
	WindowID      uuid.UUID      `json:"window_id"`
	WindowSeq     int64          `json:"window_seq"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	PayloadDigest  string         `json:"payload_digest"`
	RetainedDigest string         `json:"retained_digest"`
	Actor         string         `json:"actor,omitempty"`
	Terminal      bool           `json:"terminal"`
	OccurredAt    time.Time      `json:"occurred_at"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
	Redacted      bool           `json:"redacted"`
}

// VerifyResult reports whether a window's audit chain is intact.
type VerifyResult struct {
	WindowID   uuid.UUID `json:"window_id"`
	Valid      bool      `json:"valid"`
	Entries    int       `json:"entries"`
	BrokenAt   *int64    `json:"broken_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Store         string `json:"store"`
	Ledger        string `json:"ledger"`
	BufferDepth   int    `json:"buffer_depth"`
	BufferStatus  string `json:"buffer_status"`
	OpenWindows   int    `json:"open_windows"`
	PolicyVersion string `json:"policy_version"`
	Uptime        int64  `json:"uptime_seconds"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
