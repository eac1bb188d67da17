package kansa

import (
	"time"

	"github.com/google/uuid"
)

// Role is a principal's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleReader   Role = "reader"
)

// WindowEvent is the public view of a decision window event: one per state
// transition, plus notification, escalation and approval events.
// No internal package imports, so it is safe to use from outside the module.
type WindowEvent struct {
	Kind       string
	WindowID   uuid.UUID
	PriorState string
	NewState   string
	Actor      string
	At         time.Time
	Details    map[string]any
}

// ExecutionRequest is handed to an Executor once a window is allowed to act.
type ExecutionRequest struct {
	WindowID      uuid.UUID
	RequestID     uuid.UUID
	AgentID       string
	OperationType string
	Amount        float64
	Payload       map[string]any
}

// ExecutionResult is an Executor's answer.
type ExecutionResult struct {
	Success bool
	// Pending means the work was accepted and the outcome will be reported
	// later through POST /v1/windows/{id}/execution.
	Pending   bool
	Reference string
	Reason    string
}

// Notification is an operator alert for an open window.
type Notification struct {
	WindowID  uuid.UUID
	Tier      string
	Subject   string
	Body      string
	State     string
	Mode      string
	Priority  string
	Deadline  *time.Time
	AckBefore *time.Time
}
