package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansa/internal/auth"
	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/ctxutil"
	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/policy"
)

// Tuesday, inside default business hours.
var epoch = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type harness struct {
	srv *Server
	mgr *governance.Manager
	clk *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(epoch)

	l, err := ledger.New(ctx, ledger.NewMemoryStore(), logger, ledger.Options{Clock: clk})
	require.NoError(t, err)
	ev, err := policy.NewEvaluator(policy.DefaultTable(), clk, logger)
	require.NoError(t, err)
	mgr, err := governance.NewManager(governance.Config{
		Ledger: l,
		Policy: ev,
		Clock:  clk,
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &harness{srv: New(mgr, ev, clk, logger, "test"), mgr: mgr, clk: clk}
}

func callerCtx(id string, role model.Role) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: id},
		Role:             role,
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func resultText(t *testing.T, res *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "content should be TextContent")
	return tc.Text
}

func resultJSON(t *testing.T, res *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func (h *harness) propose(t *testing.T, agent string, amount, confidence float64) map[string]any {
	t.Helper()
	res, err := h.srv.handlePropose(callerCtx(agent, model.RoleAgent), toolRequest("kansa_propose", map[string]any{
		"operation_type": "refund",
		"amount":         amount,
		"confidence":     confidence,
	}))
	require.NoError(t, err)
	return resultJSON(t, res)
}

func TestPropose_FullAutoExecutes(t *testing.T) {
	h := newHarness(t)
	out := h.propose(t, "agent-7", 120, 0.95)

	assert.Equal(t, string(model.ModeFullAuto), out["mode"])
	// The executor may already have been started by the time the snapshot is taken.
	assert.Contains(t, []any{string(model.StateAutoExecuting), string(model.StateExecuting)}, out["state"])
	assert.Equal(t, "Executing. Do not perform the action yourself.", out["note"])
	assert.NotEmpty(t, out["window_id"])
}

func TestPropose_VetoWindowHasNote(t *testing.T) {
	h := newHarness(t)
	out := h.propose(t, "agent-7", 7_000, 0.9)

	assert.Equal(t, string(model.StateVetoWindowOpen), out["state"])
	assert.Contains(t, out["note"], "unless vetoed within 1m0s")
	assert.NotNil(t, out["deadline"])
}

func TestPropose_RequiresAgentRole(t *testing.T) {
	h := newHarness(t)

	res, err := h.srv.handlePropose(context.Background(), toolRequest("kansa_propose", map[string]any{
		"operation_type": "refund", "amount": 10.0, "confidence": 0.9,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "authentication required")

	res, err = h.srv.handlePropose(callerCtx("op-ana", model.RoleOperator), toolRequest("kansa_propose", map[string]any{
		"operation_type": "refund", "amount": 10.0, "confidence": 0.9,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "may not call")
}

func TestPropose_ValidationError(t *testing.T) {
	h := newHarness(t)

	res, err := h.srv.handlePropose(callerCtx("agent-7", model.RoleAgent), toolRequest("kansa_propose", map[string]any{
		"operation_type": "refund", "amount": 10.0, "confidence": 1.5,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "confidence")

	res, err = h.srv.handlePropose(callerCtx("agent-7", model.RoleAgent), toolRequest("kansa_propose", map[string]any{
		"operation_type": "refund", "amount": 10.0, "confidence": 0.5, "request_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestPropose_RequestIDIsIdempotent(t *testing.T) {
	h := newHarness(t)
	rid := uuid.NewString()
	args := map[string]any{"operation_type": "refund", "amount": 7_000.0, "confidence": 0.9, "request_id": rid}

	first, err := h.srv.handlePropose(callerCtx("agent-7", model.RoleAgent), toolRequest("kansa_propose", args))
	require.NoError(t, err)
	second, err := h.srv.handlePropose(callerCtx("agent-7", model.RoleAgent), toolRequest("kansa_propose", args))
	require.NoError(t, err)
	assert.Equal(t, resultJSON(t, first)["window_id"], resultJSON(t, second)["window_id"])

	other, err := h.srv.handlePropose(callerCtx("agent-9", model.RoleAgent), toolRequest("kansa_propose", args))
	require.NoError(t, err)
	assert.True(t, other.IsError)
}

func TestStatus_ListsCallersRecentWindows(t *testing.T) {
	h := newHarness(t)
	h.propose(t, "agent-7", 7_000, 0.9)
	h.propose(t, "agent-7", 20_000, 0.9)
	h.propose(t, "agent-9", 7_000, 0.9)

	res, err := h.srv.handleStatus(callerCtx("agent-7", model.RoleAgent), toolRequest("kansa_status", nil))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.EqualValues(t, 2, out["total"])

	h.clk.Advance(2 * time.Hour)
	res, err = h.srv.handleStatus(callerCtx("agent-7", model.RoleAgent), toolRequest("kansa_status", nil))
	require.NoError(t, err)
	assert.EqualValues(t, 0, resultJSON(t, res)["total"])
}

func TestStatus_ByWindowID(t *testing.T) {
	h := newHarness(t)
	id := h.propose(t, "agent-7", 20_000, 0.9)["window_id"].(string)

	res, err := h.srv.handleStatus(callerCtx("dash", model.RoleReader), toolRequest("kansa_status", map[string]any{"window_id": id}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, string(model.StateAwaitingAuthorization), out["state"])
	assert.Contains(t, out["note"], "Waiting for 1 more approval(s).")

	res, err = h.srv.handleStatus(callerCtx("dash", model.RoleReader), toolRequest("kansa_status", map[string]any{"window_id": uuid.NewString()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "window not found", resultText(t, res))

	res, err = h.srv.handleStatus(callerCtx("dash", model.RoleReader), toolRequest("kansa_status", map[string]any{"window_id": "bad"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestAct_VetoThenAlreadyResolved(t *testing.T) {
	h := newHarness(t)
	id := h.propose(t, "agent-7", 7_000, 0.9)["window_id"].(string)

	// Agents cannot act.
	res, err := h.srv.handleAct(callerCtx("agent-7", model.RoleAgent), toolRequest("kansa_act", map[string]any{
		"window_id": id, "action": "confirm",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	// Veto without rationale is rejected.
	res, err = h.srv.handleAct(callerCtx("op-ana", model.RoleOperator), toolRequest("kansa_act", map[string]any{
		"window_id": id, "action": "veto",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(model.ActionRejected))

	res, err = h.srv.handleAct(callerCtx("op-ana", model.RoleOperator), toolRequest("kansa_act", map[string]any{
		"window_id": id, "action": "veto", "rationale": "duplicate refund",
	}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	assert.Equal(t, string(model.ActionAccepted), out["status"])

	res, err = h.srv.handleAct(callerCtx("op-ben", model.RoleOperator), toolRequest("kansa_act", map[string]any{
		"window_id": id, "action": "confirm",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), string(model.ActionAlreadyResolved))
}

func TestAct_DualControlUsesNetworkContext(t *testing.T) {
	h := newHarness(t)
	id := h.propose(t, "agent-7", 60_000, 0.9)["window_id"].(string)

	act := func(op, network string) *mcplib.CallToolResult {
		ctx := ctxutil.WithNetworkContext(callerCtx(op, model.RoleOperator), network)
		res, err := h.srv.handleAct(ctx, toolRequest("kansa_act", map[string]any{
			"window_id": id, "action": "approve", "rationale": "checked with finance",
		}))
		require.NoError(t, err)
		return res
	}

	require.False(t, act("op-ana", "10.1.2.0/24").IsError)
	same := act("op-ben", "10.1.2.0/24")
	assert.True(t, same.IsError)
	assert.Contains(t, resultText(t, same), "network context")

	out := resultJSON(t, act("op-ben", "192.168.7.0/24"))
	assert.Equal(t, string(model.ActionAccepted), out["status"])
	assert.Equal(t, string(model.StateExecuting), out["state"])
}

func TestAuditAndVerify(t *testing.T) {
	h := newHarness(t)
	id := h.propose(t, "agent-7", 7_000, 0.9)["window_id"].(string)
	_, err := h.mgr.RecordAction(context.Background(), model.HumanAction{
		WindowID:   uuid.MustParse(id),
		Action:     model.ActionVeto,
		OperatorID: "op-ana",
		Rationale:  "customer called",
	})
	require.NoError(t, err)

	ctx := callerCtx("agent-7", model.RoleAgent)
	res, err := h.srv.handleAudit(ctx, toolRequest("kansa_audit", map[string]any{"window_id": id}))
	require.NoError(t, err)
	out := resultJSON(t, res)
	entries, ok := out["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 4)
	last := entries[3].(map[string]any)
	assert.Equal(t, string(model.AuditVetoed), last["event"])
	assert.Equal(t, "customer called", last["rationale"])
	assert.NotContains(t, last, "hash")

	res, err = h.srv.handleVerify(ctx, toolRequest("kansa_verify", map[string]any{"window_id": id}))
	require.NoError(t, err)
	out = resultJSON(t, res)
	assert.Equal(t, true, out["valid"])
	assert.EqualValues(t, 4, out["entries"])
}
