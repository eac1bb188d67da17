package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kansa/internal/model"
)

// ErrInvalidTable is returned when a table fails validation.
var ErrInvalidTable = errors.New("policy: invalid table")

// Snapshot is a validated, immutable table ready for evaluation.
type Snapshot struct {
	table      Table
	digest     string
	loc        *time.Location
	startMin   int
	endMin     int
	weekdays   map[time.Weekday]bool
	multiplier float64
	vetoTO     time.Duration
	maxTiers   int
	escSLA     time.Duration
}

// Version returns the table version.
func (s *Snapshot) Version() string { return s.table.Version }

// Digest returns the SHA-256 of the canonical YAML the snapshot was built from.
func (s *Snapshot) Digest() string { return s.digest }

// Table returns a copy of the source table.
func (s *Snapshot) Table() Table {
	t := s.table
	t.Bands = append([]Band(nil), s.table.Bands...)
	return t
}

// Parse decodes a YAML table. Unknown fields are rejected.
func Parse(data []byte) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("policy: decode yaml: %w", err)
	}
	return t, nil
}

// LoadFile reads and parses a YAML table.
func LoadFile(path string) (Table, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTable, fmt.Sprintf(format, args...))
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Compile validates t and builds an immutable Snapshot.
func Compile(t Table) (*Snapshot, error) {
	if strings.TrimSpace(t.Version) == "" {
		return nil, invalid("version is required")
	}
	if len(t.Bands) == 0 {
		return nil, invalid("at least one band is required")
	}
	if t.ConfidenceFloor < 0 || t.ConfidenceFloor > 1 {
		return nil, invalid("confidence_floor must be in [0,1]")
	}
	if t.FullAutoCeiling < 0 || math.IsNaN(t.FullAutoCeiling) {
		return nil, invalid("full_auto_ceiling must be non-negative")
	}

	s := &Snapshot{
		table:      t,
		loc:        time.UTC,
		multiplier: 1,
		vetoTO:     60 * time.Second,
		maxTiers:   MaxEscalationTiers,
	}
	s.table.Bands = append([]Band(nil), t.Bands...)

	if t.OffHoursMultiplier != 0 {
		if t.OffHoursMultiplier < 0 || t.OffHoursMultiplier > 1 {
			return nil, invalid("off_hours_multiplier must be in (0,1]")
		}
		s.multiplier = t.OffHoursMultiplier
	}
	if t.DefaultVetoSeconds < 0 {
		return nil, invalid("default_veto_seconds must be non-negative")
	}
	if t.DefaultVetoSeconds > 0 {
		s.vetoTO = time.Duration(t.DefaultVetoSeconds) * time.Second
	}
	if t.Escalation.MaxTiers < 0 || t.Escalation.MaxTiers > MaxEscalationTiers {
		return nil, invalid("escalation.max_tiers must be between 0 and %d", MaxEscalationTiers)
	}
	if t.Escalation.MaxTiers > 0 {
		s.maxTiers = t.Escalation.MaxTiers
	}
	if t.Escalation.SLASeconds < 0 {
		return nil, invalid("escalation.sla_seconds must be non-negative")
	}
	s.escSLA = time.Duration(t.Escalation.SLASeconds) * time.Second

	if bh := t.BusinessHours; bh != nil {
		tz := bh.Timezone
		if tz == "" {
			tz = "UTC"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, invalid("business_hours.timezone %q: %v", tz, err)
		}
		s.loc = loc
		if s.startMin, err = parseClock(bh.Start); err != nil {
			return nil, invalid("business_hours.start %q must be HH:MM", bh.Start)
		}
		if s.endMin, err = parseClock(bh.End); err != nil {
			return nil, invalid("business_hours.end %q must be HH:MM", bh.End)
		}
		if s.endMin <= s.startMin {
			return nil, invalid("business_hours.end must be after start")
		}
		days := bh.Weekdays
		if len(days) == 0 {
			days = []string{"mon", "tue", "wed", "thu", "fri"}
		}
		s.weekdays = make(map[time.Weekday]bool, len(days))
		for _, d := range days {
			wd, ok := weekdayNames[strings.ToLower(d)]
			if !ok {
				return nil, invalid("business_hours.weekdays: unknown day %q", d)
			}
			s.weekdays[wd] = true
		}
	}

	for i := range s.table.Bands {
		b := &s.table.Bands[i]
		if b.Name == "" {
			b.Name = fmt.Sprintf("band_%d", i)
		}
		if err := validateBand(*b); err != nil {
			return nil, err
		}
		if (b.Mode == model.ModeHumanInTheLoop) && b.RequiredApprovers == 0 {
			b.RequiredApprovers = 1
		}
	}

	raw, err := yaml.Marshal(s.table)
	if err != nil {
		return nil, fmt.Errorf("policy: encode table: %w", err)
	}
	sum := sha256.Sum256(raw)
	s.digest = hex.EncodeToString(sum[:])
	return s, nil
}

func validateBand(b Band) error {
	if b.AgentType != "" && !model.AgentType(b.AgentType).Valid() {
		return invalid("band %s: unknown agent_type %q", b.Name, b.AgentType)
	}
	if !b.Mode.Valid() {
		return invalid("band %s: unknown mode %q", b.Name, b.Mode)
	}
	if b.MinAmount < 0 || math.IsNaN(b.MinAmount) {
		return invalid("band %s: min_amount must be non-negative", b.Name)
	}
	if b.MaxAmount != nil && !(*b.MaxAmount > b.MinAmount) {
		return invalid("band %s: max_amount must exceed min_amount", b.Name)
	}
	if b.MinConfidence < 0 || b.MinConfidence > 1 {
		return invalid("band %s: min_confidence must be in [0,1]", b.Name)
	}
	if b.TimeoutSeconds < 0 || b.SLASeconds < 0 {
		return invalid("band %s: durations must be non-negative", b.Name)
	}
	switch b.Mode {
	case model.ModeHumanOnTheLoop:
		if b.TimeoutSeconds == 0 {
			return invalid("band %s: human_on_the_loop requires timeout_seconds", b.Name)
		}
	case model.ModeDualControl:
		if b.RequiredApprovers < 2 {
			return invalid("band %s: dual_control requires at least 2 approvers", b.Name)
		}
	case model.ModeHumanInTheLoop:
		if b.RequiredApprovers > 1 {
			return invalid("band %s: human_in_the_loop takes a single approver; use dual_control", b.Name)
		}
	}
	return nil
}
