package model

import (
	"time"

	"github.com/google/uuid"
)

// WindowEvent is the stream contract for observer dashboards. One is emitted
// on every state transition; notification outcomes use Kind "notification".
type WindowEvent struct {
	Kind       string         `json:"kind"`
	WindowID   uuid.UUID      `json:"window_id"`
	PriorState WindowState    `json:"prior_state,omitempty"`
	NewState   WindowState    `json:"new_state,omitempty"`
	Actor      string         `json:"actor"`
	At         time.Time      `json:"at"`
	Details    map[string]any `json:"details,omitempty"`
}

// Event kinds.
const (
	EventTransition   = "transition"
	EventNotification = "notification"
	EventEscalation   = "escalation"
	EventApproval     = "approval"
)

// Audit and event actors.
const (
	ActorSystem   = "system"
	ActorTimer    = "timer"
	ActorPolicy   = "policy"
	ActorExecutor = "executor"
	// ActorOperator marks audit entries caused by a human; the operator's
	// identity is kept in the payload so it can be redacted.
	ActorOperator = "operator"
)
