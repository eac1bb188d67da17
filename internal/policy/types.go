// Package policy maps a decision request to a supervision mode using a
// declarative, versioned threshold table. Evaluation is pure: it reads an
// immutable Snapshot that is swapped atomically on reload.
package policy

import (
	"time"

	"github.com/ashita-ai/kansa/internal/model"
)

// Table is the YAML policy document.
type Table struct {
	Version            string         `yaml:"version"`
	FullAutoCeiling    float64        `yaml:"full_auto_ceiling"`
	ConfidenceFloor    float64        `yaml:"confidence_floor"`
	DefaultVetoSeconds int            `yaml:"default_veto_seconds"`
	BusinessHours      *BusinessHours `yaml:"business_hours"`
	OffHoursMultiplier float64        `yaml:"off_hours_multiplier"`
	Bands              []Band         `yaml:"bands"`
	Escalation         Escalation     `yaml:"escalation"`
}

// BusinessHours bounds the window in which thresholds apply unscaled.
// Start and End are "HH:MM" in Timezone; Weekdays uses three-letter
// lowercase names and defaults to mon-fri.
type BusinessHours struct {
	Start    string   `yaml:"start"`
	End      string   `yaml:"end"`
	Timezone string   `yaml:"timezone"`
	Weekdays []string `yaml:"weekdays"`
}

// Band is one row of the threshold table. A band matches when the agent type
// agrees (empty matches any), MinAmount <= amount < MaxAmount (nil max is
// unbounded) and confidence >= MinConfidence. The first matching band wins.
type Band struct {
	Name              string         `yaml:"name"`
	AgentType         string         `yaml:"agent_type"`
	MinAmount         float64        `yaml:"min_amount"`
	MaxAmount         *float64       `yaml:"max_amount"`
	MinConfidence     float64        `yaml:"min_confidence"`
	Mode              model.ModeKind `yaml:"mode"`
	TimeoutSeconds    int            `yaml:"timeout_seconds"`
	SLASeconds        int            `yaml:"sla_seconds"`
	RequiredApprovers int            `yaml:"required_approvers"`
	Retryable         bool           `yaml:"retryable"`
	RationaleRequired bool           `yaml:"rationale_required"`
}

// Escalation bounds SLA escalation. MaxTiers may not exceed MaxEscalationTiers.
type Escalation struct {
	MaxTiers   int `yaml:"max_tiers"`
	SLASeconds int `yaml:"sla_seconds"`
}

// MaxEscalationTiers is the hard cap on escalation tiers.
const MaxEscalationTiers = 2

// Decision is the result of evaluating one request.
type Decision struct {
	Mode              model.SupervisionMode
	Band              string
	PolicyVersion     string
	OffHours          bool
	Multiplier        float64
	Retryable         bool
	RationaleRequired bool
	MaxEscalation     int
	EscalationSLA     time.Duration
	Reasons           []string
}

// Fallback band name used when no configured band matches.
const fallbackBand = "fallback_dual_control"

func ptr(f float64) *float64 { return &f }

// DefaultTable is the built-in threshold table used when no policy file is
// configured.
func DefaultTable() Table {
	return Table{
		Version:            "builtin-1",
		FullAutoCeiling:    5_000,
		ConfidenceFloor:    0.6,
		DefaultVetoSeconds: 60,
		BusinessHours: &BusinessHours{
			Start:    "08:00",
			End:      "20:00",
			Timezone: "UTC",
			Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
		},
		OffHoursMultiplier: 0.8,
		Bands: []Band{
			{Name: "auto", MaxAmount: ptr(5_000), Mode: model.ModeFullAuto},
			{Name: "veto", MinAmount: 5_000, MaxAmount: ptr(10_000), MinConfidence: 0.8,
				Mode: model.ModeHumanOnTheLoop, TimeoutSeconds: 60, Retryable: true},
			{Name: "review_low_confidence", MinAmount: 5_000, MaxAmount: ptr(10_000),
				Mode: model.ModeHumanInTheLoop, SLASeconds: 3_600, RequiredApprovers: 1},
			{Name: "review", MinAmount: 10_000, MaxAmount: ptr(50_000),
				Mode: model.ModeHumanInTheLoop, SLASeconds: 1_800, RequiredApprovers: 1},
			{Name: "dual_control", MinAmount: 50_000,
				Mode: model.ModeDualControl, SLASeconds: 3_600, RequiredApprovers: 2, RationaleRequired: true},
		},
		Escalation: Escalation{MaxTiers: MaxEscalationTiers},
	}
}
