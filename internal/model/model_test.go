package model_test

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansa/internal/model"
)

func validRequest() model.DecisionRequest {
	return model.DecisionRequest{
		ID:            uuid.New(),
		AgentID:       "carrier-bot",
		AgentType:     model.AgentFast,
		OperationType: "carrier_failover",
		Amount:        7500,
		Confidence:    0.85,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestValidateDecisionRequest_Valid(t *testing.T) {
	require.NoError(t, model.ValidateDecisionRequest(validRequest()))
}

func TestValidateDecisionRequest_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.DecisionRequest)
		field  string
	}{
		{"nil id", func(r *model.DecisionRequest) { r.ID = uuid.Nil }, "request_id"},
		{"bad agent id", func(r *model.DecisionRequest) { r.AgentID = "has space" }, "agent_id"},
		{"unknown agent type", func(r *model.DecisionRequest) { r.AgentType = "slow" }, "agent_type"},
		{"empty operation", func(r *model.DecisionRequest) { r.OperationType = "  " }, "operation_type"},
		{"long operation", func(r *model.DecisionRequest) { r.OperationType = strings.Repeat("x", 201) }, "operation_type"},
		{"negative amount", func(r *model.DecisionRequest) { r.Amount = -1 }, "amount"},
		{"nan amount", func(r *model.DecisionRequest) { r.Amount = math.NaN() }, "amount"},
		{"infinite amount", func(r *model.DecisionRequest) { r.Amount = math.Inf(1) }, "amount"},
		{"confidence above one", func(r *model.DecisionRequest) { r.Confidence = 1.01 }, "confidence"},
		{"confidence below zero", func(r *model.DecisionRequest) { r.Confidence = -0.1 }, "confidence"},
		{"nul in operation", func(r *model.DecisionRequest) { r.OperationType = "pay\x00ment" }, "operation_type"},
		{"invalid utf8 operation", func(r *model.DecisionRequest) { r.OperationType = "pay\xffment" }, "operation_type"},
		{"nul in evidence", func(r *model.DecisionRequest) { r.EvidenceRef = "s3://bucket/\x00" }, "evidence_ref"},
		{"nul nested in payload", func(r *model.DecisionRequest) {
			r.Payload = map[string]any{"lines": []any{map[string]any{"memo": "a\x00b"}}}
		}, "payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			err := model.ValidateDecisionRequest(r)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrValidation))
			var ve *model.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestHumanActionValidate(t *testing.T) {
	base := model.HumanAction{WindowID: uuid.New(), Action: model.ActionVeto, OperatorID: "op-1", Rationale: "wait for verification"}
	require.NoError(t, base.Validate())

	noRationale := base
	noRationale.Rationale = "   "
	assert.ErrorIs(t, noRationale.Validate(), model.ErrValidation)

	reject := base
	reject.Action = model.ActionReject
	reject.Rationale = ""
	assert.ErrorIs(t, reject.Validate(), model.ErrValidation)

	approve := base
	approve.Action = model.ActionApprove
	approve.Rationale = ""
	assert.NoError(t, approve.Validate())

	unknown := base
	unknown.Action = "shrug"
	assert.ErrorIs(t, unknown.Validate(), model.ErrValidation)

	anonymous := base
	anonymous.OperatorID = ""
	assert.ErrorIs(t, anonymous.Validate(), model.ErrValidation)

	nul := base
	nul.Rationale = "looks fine\x00"
	assert.ErrorIs(t, nul.Validate(), model.ErrValidation)

	badUTF8 := base
	badUTF8.Rationale = "caf\xe9"
	assert.ErrorIs(t, badUTF8.Validate(), model.ErrValidation)
}

func TestExecutionReportValidate(t *testing.T) {
	require.NoError(t, model.ExecutionReport{Success: true, Reference: "wire-42"}.Validate())
	assert.ErrorIs(t, model.ExecutionReport{Reference: "wire\x00"}.Validate(), model.ErrValidation)
	assert.ErrorIs(t, model.ExecutionReport{Reason: "\xc3\x28"}.Validate(), model.ErrValidation)
}

func TestCanTransition_ForwardOnly(t *testing.T) {
	assert.True(t, model.CanTransition(model.StateProposed, model.StateEvaluating))
	assert.True(t, model.CanTransition(model.StateVetoWindowOpen, model.StateExecuting))
	assert.True(t, model.CanTransition(model.StateVetoWindowOpen, model.StateVetoed))
	assert.True(t, model.CanTransition(model.StateEscalated, model.StateEscalated))
	assert.True(t, model.CanTransition(model.StateExecuting, model.StateRolledBack))

	assert.False(t, model.CanTransition(model.StateEvaluating, model.StateProposed))
	assert.False(t, model.CanTransition(model.StateExecuting, model.StateVetoWindowOpen))
	assert.False(t, model.CanTransition(model.StateCommitted, model.StateExecuting))
	assert.False(t, model.CanTransition(model.StateVetoWindowOpen, model.StateRejected))

	for _, s := range []model.WindowState{model.StateCommitted, model.StateRolledBack, model.StateAborted} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
		assert.True(t, s.Resolved(), "%s should be resolved", s)
	}
	assert.False(t, model.StateVetoWindowOpen.Resolved())
	assert.False(t, model.StateEscalated.Resolved())
	assert.True(t, model.StateExecuting.Resolved())
}

func TestActionResultMessage(t *testing.T) {
	assert.Equal(t, "recorded", model.ActionResult{Status: model.ActionAccepted}.Message())
	assert.Equal(t, "already resolved", model.ActionResult{Status: model.ActionAlreadyResolved}.Message())
	assert.Equal(t, "rejected: duplicate approver", model.ActionResult{Status: model.ActionRejected, Reason: "duplicate approver"}.Message())
}

func TestDecisionWindowClone_IsDeep(t *testing.T) {
	deadline := time.Now()
	w := model.DecisionWindow{
		Deadline: &deadline,
		Actions:  []model.Approval{{OperatorID: "op-1", Action: model.ActionApprove}},
		Outcome:  &model.Outcome{Kind: model.OutcomeCommitted},
	}
	c := w.Clone()
	c.Actions[0].OperatorID = "op-2"
	c.Outcome.Kind = model.OutcomeRolledBack
	*c.Deadline = deadline.Add(time.Hour)

	assert.Equal(t, "op-1", w.Actions[0].OperatorID)
	assert.Equal(t, model.OutcomeCommitted, w.Outcome.Kind)
	assert.Equal(t, deadline, *w.Deadline)
	assert.Equal(t, 1, w.ApprovalCount())
}
