package model

// WindowState is a position in the decision window lifecycle.
type WindowState string

const (
	StateProposed              WindowState = "proposed"
	StateEvaluating            WindowState = "evaluating"
	StateAutoExecuting         WindowState = "auto_executing"
	StateVetoWindowOpen        WindowState = "veto_window_open"
	StateAwaitingAuthorization WindowState = "awaiting_authorization"
	StateExecuting             WindowState = "executing"
	StateVetoed                WindowState = "vetoed"
	StateRejected              WindowState = "rejected"
	StateEscalated             WindowState = "escalated"
	StateCommitted             WindowState = "committed"
	StateRolledBack            WindowState = "rolled_back"
	StateAborted               WindowState = "aborted"
)

// transitions lists the forward edges of the lifecycle. Escalated may
// re-enter itself as the escalation level increments.
var transitions = map[WindowState][]WindowState{
	StateProposed:              {StateEvaluating},
	StateEvaluating:            {StateAutoExecuting, StateVetoWindowOpen, StateAwaitingAuthorization, StateAborted},
	StateAutoExecuting:         {StateExecuting, StateAborted},
	StateVetoWindowOpen:        {StateExecuting, StateVetoed, StateAborted},
	StateAwaitingAuthorization: {StateExecuting, StateRejected, StateEscalated, StateAborted},
	StateEscalated:             {StateEscalated, StateExecuting, StateRejected, StateAborted},
	StateExecuting:             {StateCommitted, StateRolledBack},
	StateVetoed:                {StateAborted},
	StateRejected:              {StateAborted},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to WindowState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s WindowState) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateAborted
}

// Resolved reports whether the window no longer accepts human actions.
// A window is resolved as soon as it leaves its waiting state.
func (s WindowState) Resolved() bool {
	switch s {
	case StateVetoWindowOpen, StateAwaitingAuthorization, StateEscalated:
		return false
	case StateProposed, StateEvaluating:
		return false
	}
	return true
}
