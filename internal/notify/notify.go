// Package notify fans alerts for open decision windows out to operator
// channels on a tiered schedule. Delivery never gates the governance state
// machine: sends are retried on their own timers and cancelled the moment a
// window resolves.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/model"
)

// Priority orders alerts for channels that support it.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Message is what a channel delivers to a target.
type Message struct {
	WindowID  uuid.UUID         `json:"window_id"`
	Tier      string            `json:"tier"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	State     model.WindowState `json:"state"`
	Mode      model.ModeKind    `json:"mode"`
	Deadline  *time.Time        `json:"deadline,omitempty"`
	AckBefore *time.Time        `json:"ack_before,omitempty"`
}

// Channel delivers one message. A non-nil error means the send failed and
// may be retried.
type Channel interface {
	Name() string
	Send(ctx context.Context, target string, msg Message, priority Priority) error
}

// Tier is one step of an escalation schedule.
type Tier struct {
	Name      string
	Offset    time.Duration
	Channel   string // empty selects the dispatcher's default channel
	Pool      string
	AckWithin time.Duration
}

// Profile is a named escalation schedule.
type Profile struct {
	Name     string
	Priority Priority
	Tiers    []Tier
}

// Built-in profile names.
const (
	ProfileStandard   = "standard"
	ProfileUrgent     = "urgent"
	ProfileEscalation = "escalation"
)

// StandardProfile alerts the primary pool for a veto window and follows up
// every 15 seconds.
func StandardProfile() Profile {
	return Profile{
		Name:     ProfileStandard,
		Priority: PriorityNormal,
		Tiers: []Tier{
			{Name: "primary", Offset: 0, Pool: "primary", AckWithin: 15 * time.Second},
			{Name: "reminder", Offset: 15 * time.Second, Pool: "primary", AckWithin: 15 * time.Second},
			{Name: "backup", Offset: 30 * time.Second, Pool: "backup", AckWithin: 15 * time.Second},
			{Name: "final_warning", Offset: 45 * time.Second, Pool: "backup"},
		},
	}
}

// UrgentProfile is used for windows awaiting explicit authorization.
func UrgentProfile() Profile {
	return Profile{
		Name:     ProfileUrgent,
		Priority: PriorityHigh,
		Tiers: []Tier{
			{Name: "primary", Offset: 0, Pool: "approvers", AckWithin: 5 * time.Minute},
			{Name: "reminder", Offset: 5 * time.Minute, Pool: "approvers", AckWithin: 10 * time.Minute},
			{Name: "backup", Offset: 15 * time.Minute, Pool: "backup_approvers", AckWithin: 15 * time.Minute},
			{Name: "final_warning", Offset: 30 * time.Minute, Pool: "backup_approvers"},
		},
	}
}

// EscalationProfile pages the senior reviewer pool after an SLA breach.
func EscalationProfile() Profile {
	return Profile{
		Name:     ProfileEscalation,
		Priority: PriorityCritical,
		Tiers: []Tier{
			{Name: "senior", Offset: 0, Pool: "senior_reviewers", AckWithin: 5 * time.Minute},
			{Name: "senior_reminder", Offset: 5 * time.Minute, Pool: "senior_reviewers"},
		},
	}
}

// Profiles returns the built-in profiles by name.
func Profiles() map[string]Profile {
	return map[string]Profile{
		ProfileStandard:   StandardProfile(),
		ProfileUrgent:     UrgentProfile(),
		ProfileEscalation: EscalationProfile(),
	}
}

// Delivery reports the outcome of one send attempt.
type Delivery struct {
	WindowID uuid.UUID
	Tier     string
	Channel  string
	Target   string
	Attempt  int
	Err      error
	// Final is set when no further attempt will be made for this tier.
	Final bool
	At    time.Time
}

// Delivered reports whether the attempt succeeded.
func (d Delivery) Delivered() bool { return d.Err == nil }

// DeliveryReporter receives delivery outcomes asynchronously.
type DeliveryReporter func(Delivery)

func buildMessage(w model.DecisionWindow, p Profile, t Tier, fireAt time.Time) Message {
	msg := Message{
		WindowID: w.ID,
		Tier:     t.Name,
		State:    w.State,
		Mode:     w.Mode.Kind,
		Deadline: w.Deadline,
		Subject:  fmt.Sprintf("[%s] %s decision %s", p.Priority, w.Request.OperationType, w.ID),
	}
	action := "may veto"
	if w.Mode.RequiresAuthorization() {
		action = "must approve or reject"
	}
	msg.Body = fmt.Sprintf("%s agent %q proposes %s for %.2f (confidence %.2f). Operators %s",
		w.Request.AgentType, w.Request.AgentID, w.Request.OperationType, w.Request.Amount, w.Request.Confidence, action)
	if w.Deadline != nil {
		msg.Body += " before " + w.Deadline.UTC().Format(time.RFC3339)
	}
	msg.Body += "."
	if t.AckWithin > 0 {
		ack := fireAt.Add(t.AckWithin)
		msg.AckBefore = &ack
	}
	return msg
}
