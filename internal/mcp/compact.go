package mcp

import (
	"fmt"
	"time"

	"github.com/ashita-ai/kansa/internal/model"
)

const maxCompactRationale = 200

// compactWindow returns a minimal representation of a window for MCP
// responses. Drops the raw request payload and per-action network contexts
// that agents don't act on.
func compactWindow(w model.DecisionWindow, now time.Time) map[string]any {
	m := map[string]any{
		"window_id":      w.ID,
		"request_id":     w.Request.ID,
		"operation_type": w.Request.OperationType,
		"amount":         w.Request.Amount,
		"mode":           w.Mode.Kind,
		"state":          w.State,
		"terminal":       w.State.Terminal(),
		"opened_at":      w.OpenedAt,
	}
	if w.PolicyVersion != "" {
		m["policy_version"] = w.PolicyVersion
	}
	if w.Deadline != nil && !w.State.Resolved() {
		m["deadline"] = *w.Deadline
	}
	if w.Mode.RequiresAuthorization() {
		m["approvals"] = w.ApprovalCount()
		m["required_approvers"] = w.Mode.RequiredApprovers
	}
	if w.EscalationLevel > 0 {
		m["escalation_level"] = w.EscalationLevel
	}
	if w.Outcome != nil {
		o := map[string]any{"kind": w.Outcome.Kind}
		if w.Outcome.Reference != "" {
			o["reference"] = w.Outcome.Reference
		}
		if w.Outcome.Reason != "" {
			o["reason"] = truncate(w.Outcome.Reason, maxCompactRationale)
		}
		if w.Outcome.Retryable {
			o["retryable"] = true
		}
		if w.Outcome.ManualResolutionRequired {
			o["manual_resolution_required"] = true
		}
		m["outcome"] = o
	}
	if note := statusNote(w, now); note != "" {
		m["note"] = note
	}
	return m
}

// statusNote tells an agent what it is waiting for. Rules are evaluated in
// priority order; first match wins.
func statusNote(w model.DecisionWindow, now time.Time) string {
	switch w.State {
	case model.StateVetoWindowOpen:
		if w.Deadline != nil {
			return fmt.Sprintf("Executes automatically unless vetoed within %s.", remaining(*w.Deadline, now))
		}
		return "Executes automatically unless vetoed."
	case model.StateAwaitingAuthorization, model.StateEscalated:
		need := w.Mode.RequiredApprovers - w.ApprovalCount()
		if need < 1 {
			need = 1
		}
		s := fmt.Sprintf("Waiting for %d more approval(s).", need)
		if w.Deadline != nil {
			s += fmt.Sprintf(" Escalates in %s.", remaining(*w.Deadline, now))
		}
		return s
	case model.StateExecuting, model.StateAutoExecuting:
		return "Executing. Do not perform the action yourself."
	case model.StateAborted:
		if w.Outcome != nil && w.Outcome.Retryable {
			return "Stopped, but the policy marks this operation retryable. Propose again with a new request_id if still needed."
		}
		return "Stopped. Do not retry this action."
	case model.StateRolledBack:
		if w.Outcome != nil && w.Outcome.ManualResolutionRequired {
			return "Execution failed and compensation did not complete. A human must resolve this."
		}
		return "Execution failed and was rolled back."
	}
	return ""
}

func remaining(deadline, now time.Time) string {
	d := deadline.Sub(now)
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}

// compactEntry returns an audit entry without hashes, which agents never need
// to reason about. Verification is what kansa_verify is for.
func compactEntry(e model.AuditEntry) map[string]any {
	m := map[string]any{
		"seq":         e.WindowSeq,
		"event":       e.EventType,
		"occurred_at": e.OccurredAt,
	}
	if e.Actor != "" {
		m["actor"] = e.Actor
	}
	if r, ok := e.Payload["rationale"].(string); ok && r != "" {
		m["rationale"] = truncate(r, maxCompactRationale)
	}
	if e.Redacted {
		m["redacted"] = true
	}
	return m
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
