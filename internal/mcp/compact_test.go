package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kansa/internal/model"
)

func TestCompactWindow(t *testing.T) {
	deadline := epoch.Add(90 * time.Second)
	w := model.DecisionWindow{
		ID:       uuid.New(),
		Request:  model.DecisionRequest{ID: uuid.New(), OperationType: "refund", Amount: 60_000, Payload: map[string]any{"card": "4111"}},
		Mode:     model.SupervisionMode{Kind: model.ModeDualControl, RequiredApprovers: 2},
		State:    model.StateAwaitingAuthorization,
		Deadline: &deadline,
		Actions: []model.Approval{
			{OperatorID: "op-ana", Action: model.ActionApprove, NetworkContext: "10.0.0.0/24"},
		},
	}

	m := compactWindow(w, epoch)
	assert.Equal(t, 1, m["approvals"])
	assert.Equal(t, 2, m["required_approvers"])
	assert.Equal(t, "Waiting for 1 more approval(s). Escalates in 1m30s.", m["note"])
	assert.NotContains(t, m, "payload")
	assert.NotContains(t, m, "actions")
	assert.Equal(t, false, m["terminal"])
}

func TestStatusNote(t *testing.T) {
	tests := []struct {
		name string
		w    model.DecisionWindow
		want string
	}{
		{
			name: "executing",
			w:    model.DecisionWindow{State: model.StateExecuting},
			want: "Executing. Do not perform the action yourself.",
		},
		{
			name: "aborted retryable",
			w:    model.DecisionWindow{State: model.StateAborted, Outcome: &model.Outcome{Kind: model.OutcomeVetoed, Retryable: true}},
			want: "Stopped, but the policy marks this operation retryable. Propose again with a new request_id if still needed.",
		},
		{
			name: "aborted final",
			w:    model.DecisionWindow{State: model.StateAborted, Outcome: &model.Outcome{Kind: model.OutcomeRejected}},
			want: "Stopped. Do not retry this action.",
		},
		{
			name: "rolled back needing a human",
			w:    model.DecisionWindow{State: model.StateRolledBack, Outcome: &model.Outcome{ManualResolutionRequired: true}},
			want: "Execution failed and compensation did not complete. A human must resolve this.",
		},
		{
			name: "committed",
			w:    model.DecisionWindow{State: model.StateCommitted},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusNote(tt.w, epoch))
		})
	}
}

func TestCompactEntry(t *testing.T) {
	e := model.AuditEntry{
		WindowSeq: 4,
		EventType: model.AuditVetoed,
		Actor:     model.ActorOperator,
		Payload:   map[string]any{"rationale": strings.Repeat("r", 300), "operator_id": "op-ana"},
		Hash:      "abc",
		Redacted:  true,
	}
	m := compactEntry(e)
	assert.Equal(t, int64(4), m["seq"])
	assert.Len(t, []rune(m["rationale"].(string)), maxCompactRationale+3)
	assert.Equal(t, true, m["redacted"])
	assert.NotContains(t, m, "hash")
	assert.NotContains(t, m, "operator_id")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "日本...", truncate("日本語テキスト", 2))
}
