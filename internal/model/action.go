package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionType is a human intervention on a window.
type ActionType string

const (
	ActionVeto    ActionType = "veto"
	ActionConfirm ActionType = "confirm"
	ActionApprove ActionType = "approve"
	ActionReject  ActionType = "reject"
)

// Valid reports whether a is a known action.
func (a ActionType) Valid() bool {
	switch a {
	case ActionVeto, ActionConfirm, ActionApprove, ActionReject:
		return true
	}
	return false
}

// HumanAction is an operator's intervention submitted through the gateway.
type HumanAction struct {
	WindowID        uuid.UUID  `json:"window_id"`
	Action          ActionType `json:"action"`
	OperatorID      string     `json:"operator_id"`
	Rationale       string     `json:"rationale,omitempty"`
	NetworkContext  string     `json:"network_context,omitempty"`
	ClientRequestID string     `json:"client_request_id,omitempty"`
	// Senior is set by the gateway from the caller's token, never from the
	// request body.
	Senior bool      `json:"senior,omitempty"`
	At     time.Time `json:"at"`
}

// Validate checks the action shape. Rationale requirements that depend on
// the window's policy are checked by the manager.
func (a HumanAction) Validate() error {
	if a.WindowID == uuid.Nil {
		return &ValidationError{Field: "window_id", Reason: "is required"}
	}
	if !a.Action.Valid() {
		return &ValidationError{Field: "action", Reason: "must be one of veto, confirm, approve, reject"}
	}
	if strings.TrimSpace(a.OperatorID) == "" {
		return &ValidationError{Field: "operator_id", Reason: "is required"}
	}
	if err := checkText("operator_id", a.OperatorID); err != nil {
		return err
	}
	if len(a.Rationale) > MaxRationaleLen {
		return &ValidationError{Field: "rationale", Reason: "exceeds maximum length"}
	}
	if err := checkText("rationale", a.Rationale); err != nil {
		return err
	}
	if err := checkText("network_context", a.NetworkContext); err != nil {
		return err
	}
	if (a.Action == ActionVeto || a.Action == ActionReject) && strings.TrimSpace(a.Rationale) == "" {
		return &ValidationError{Field: "rationale", Reason: "is required for " + string(a.Action)}
	}
	return nil
}

// ActionStatus is the synchronous answer to every human action call.
type ActionStatus string

const (
	ActionAccepted        ActionStatus = "accepted"
	ActionRejected        ActionStatus = "rejected"
	ActionAlreadyResolved ActionStatus = "already_resolved"
)

// ActionResult is never empty: Status is always set and Reason explains
// anything other than acceptance.
type ActionResult struct {
	Status   ActionStatus `json:"status"`
	Reason   string       `json:"reason,omitempty"`
	State    WindowState  `json:"state"`
	WindowID uuid.UUID    `json:"window_id"`
}

// Message renders the operator-facing response text.
func (r ActionResult) Message() string {
	switch r.Status {
	case ActionAccepted:
		return "recorded"
	case ActionAlreadyResolved:
		return "already resolved"
	default:
		return "rejected: " + r.Reason
	}
}
