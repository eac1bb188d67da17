package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentType classifies the proposing agent. Policy bands are keyed by it.
type AgentType string

const (
	AgentFast         AgentType = "fast"
	AgentDeliberative AgentType = "deliberative"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	return t == AgentFast || t == AgentDeliberative
}

// DecisionRequest is an action proposed by an agent. Immutable once created.
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

// ModeKind is the tag of a SupervisionMode.
type ModeKind string

const (
	ModeFullAuto       ModeKind = "full_auto"
	ModeHumanOnTheLoop ModeKind = "human_on_the_loop"
	ModeHumanInTheLoop ModeKind = "human_in_the_loop"
	ModeDualControl    ModeKind = "dual_control"
)

// Valid reports whether k names a supervision mode.
func (k ModeKind) Valid() bool {
	switch k {
	case ModeFullAuto, ModeHumanOnTheLoop, ModeHumanInTheLoop, ModeDualControl:
		return true
	}
	return false
}

// SupervisionMode is a tagged variant. Timeout is the veto window for
// HumanOnTheLoop; SLA is the authorization deadline for HumanInTheLoop and
// DualControl (zero means unbounded); RequiredApprovers applies to the
// authorization modes.
type SupervisionMode struct {
	Kind              ModeKind      `json:"kind"`
	Timeout           time.Duration `json:"timeout,omitempty"`
	SLA               time.Duration `json:"sla,omitempty"`
	RequiredApprovers int           `json:"required_approvers,omitempty"`
}

// RequiresAuthorization reports whether the mode waits for explicit approval.
func (m SupervisionMode) RequiresAuthorization() bool {
	return m.Kind == ModeHumanInTheLoop || m.Kind == ModeDualControl
}

// Approval is one recorded human action on a window.
type Approval struct {
	OperatorID     string     `json:"operator_id"`
	Action         ActionType `json:"action"`
	Rationale      string     `json:"rationale,omitempty"`
	NetworkContext string     `json:"network_context,omitempty"`
	At             time.Time  `json:"at"`
}

// OutcomeKind describes how a window terminated.
type OutcomeKind string

const (
	OutcomeCommitted      OutcomeKind = "committed"
	OutcomeRolledBack     OutcomeKind = "rolled_back"
	OutcomeVetoed         OutcomeKind = "vetoed"
	OutcomeRejected       OutcomeKind = "rejected"
	OutcomePolicyError    OutcomeKind = "policy_error"
	OutcomeEscalationCap  OutcomeKind = "escalation_exhausted"
	OutcomeExecutorFailed OutcomeKind = "executor_failed"
	OutcomeShutdown       OutcomeKind = "shutdown"
)

// Outcome is the terminal result of a window.
type Outcome struct {
	Kind                     OutcomeKind `json:"kind"`
	Reference                string      `json:"reference,omitempty"`
	Reason                   string      `json:"reason,omitempty"`
	Retryable                bool        `json:"retryable,omitempty"`
	CompensationAttempted    bool        `json:"compensation_attempted,omitempty"`
	CompensationError        string      `json:"compensation_error,omitempty"`
	ManualResolutionRequired bool        `json:"manual_resolution_required,omitempty"`
	At                       time.Time   `json:"at"`
}

// DecisionWindow is the record governing one DecisionRequest. The manager
// hands out copies; the live value is owned by the window's sequencer.
type DecisionWindow struct {
	ID              uuid.UUID       `json:"id"`
	Request         DecisionRequest `json:"request"`
	Mode            SupervisionMode `json:"mode"`
	State           WindowState     `json:"state"`
	PolicyVersion   string          `json:"policy_version,omitempty"`
	OpenedAt        time.Time       `json:"opened_at"`
	Deadline        *time.Time      `json:"deadline,omitempty"`
	Actions         []Approval      `json:"actions"`
	EscalationLevel int             `json:"escalation_level"`
	Retryable       bool            `json:"retryable,omitempty"`
	Outcome         *Outcome        `json:"outcome,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (w DecisionWindow) Clone() DecisionWindow {
	c := w
	if w.Deadline != nil {
		d := *w.Deadline
		c.Deadline = &d
	}
	c.Actions = append([]Approval(nil), w.Actions...)
	if w.Outcome != nil {
		o := *w.Outcome
		c.Outcome = &o
	}
	return c
}

// ApprovalCount returns the number of approve actions recorded.
func (w DecisionWindow) ApprovalCount() int {
	n := 0
	for _, a := range w.Actions {
		if a.Action == ActionApprove {
			n++
		}
	}
	return n
}
