package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/ashita-ai/kansa/internal/model"
)

// OffHours reports whether at falls outside the snapshot's business hours.
// A table without business hours is always in hours.
func (s *Snapshot) OffHours(at time.Time) bool {
	if s.weekdays == nil {
		return false
	}
	local := at.In(s.loc)
	if !s.weekdays[local.Weekday()] {
		return true
	}
	minute := local.Hour()*60 + local.Minute()
	return minute < s.startMin || minute >= s.endMin
}

func (b Band) matches(req model.DecisionRequest, scale float64) bool {
	if b.AgentType != "" && b.AgentType != string(req.AgentType) {
		return false
	}
	if req.Amount < b.MinAmount*scale {
		return false
	}
	if b.MaxAmount != nil && req.Amount >= *b.MaxAmount*scale {
		return false
	}
	return req.Confidence >= b.MinConfidence
}

// Evaluate classifies req against s at time at. It is pure and total: every
// well-formed request gets exactly one mode, falling back to dual control
// when no band matches. Malformed input yields model.ErrPolicy.
func Evaluate(s *Snapshot, req model.DecisionRequest, at time.Time) (Decision, error) {
	if s == nil {
		return Decision{}, fmt.Errorf("%w: no policy snapshot loaded", model.ErrPolicy)
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount < 0 {
		return Decision{}, fmt.Errorf("%w: amount %v is not a non-negative finite number", model.ErrPolicy, req.Amount)
	}
	if math.IsNaN(req.Confidence) || req.Confidence < 0 || req.Confidence > 1 {
		return Decision{}, fmt.Errorf("%w: confidence %v outside [0,1]", model.ErrPolicy, req.Confidence)
	}
	if !req.AgentType.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown agent type %q", model.ErrPolicy, req.AgentType)
	}

	d := Decision{
		PolicyVersion: s.table.Version,
		Multiplier:    1,
		MaxEscalation: s.maxTiers,
	}
	if s.OffHours(at) {
		d.OffHours = true
		d.Multiplier = s.multiplier
		d.Reasons = append(d.Reasons, fmt.Sprintf("off_hours: thresholds scaled by %g", s.multiplier))
	}

	var band *Band
	for i := range s.table.Bands {
		if s.table.Bands[i].matches(req, d.Multiplier) {
			band = &s.table.Bands[i]
			break
		}
	}
	if band == nil {
		d.Band = fallbackBand
		d.Mode = model.SupervisionMode{Kind: model.ModeDualControl, SLA: time.Hour, RequiredApprovers: 2}
		d.RationaleRequired = true
		d.Reasons = append(d.Reasons, "no band matched: fallback to dual control")
		d.EscalationSLA = s.escalationSLA(d.Mode.SLA)
		return d, nil
	}

	d.Band = band.Name
	d.Retryable = band.Retryable
	d.RationaleRequired = band.RationaleRequired
	d.Mode = model.SupervisionMode{Kind: band.Mode}
	switch band.Mode {
	case model.ModeHumanOnTheLoop:
		d.Mode.Timeout = time.Duration(band.TimeoutSeconds) * time.Second
	case model.ModeHumanInTheLoop, model.ModeDualControl:
		d.Mode.SLA = time.Duration(band.SLASeconds) * time.Second
		d.Mode.RequiredApprovers = band.RequiredApprovers
	}
	d.Reasons = append(d.Reasons, "band: "+band.Name)

	if d.Mode.Kind == model.ModeFullAuto {
		ceiling := s.table.FullAutoCeiling * d.Multiplier
		switch {
		case req.Confidence < s.table.ConfidenceFloor:
			d.Mode = model.SupervisionMode{Kind: model.ModeHumanOnTheLoop, Timeout: s.vetoTO}
			d.Reasons = append(d.Reasons, fmt.Sprintf("confidence %.2f below floor %.2f: veto window", req.Confidence, s.table.ConfidenceFloor))
		case s.table.FullAutoCeiling > 0 && req.Amount >= ceiling:
			d.Mode = model.SupervisionMode{Kind: model.ModeHumanOnTheLoop, Timeout: s.vetoTO}
			d.Reasons = append(d.Reasons, fmt.Sprintf("amount at or above full-auto ceiling %g: veto window", ceiling))
		}
	}
	d.EscalationSLA = s.escalationSLA(d.Mode.SLA)
	return d, nil
}

func (s *Snapshot) escalationSLA(base time.Duration) time.Duration {
	if s.escSLA > 0 {
		return s.escSLA
	}
	return base
}
