package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansa/internal/auth"
	"github.com/ashita-ai/kansa/internal/ctxutil"
	"github.com/ashita-ai/kansa/internal/model"
)

func (s *Server) registerTools() {
	// kansa_propose: submit a side-effecting action for governance.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansa_propose",
			mcplib.WithDescription(`Propose a side-effecting action (refund, payment, account change) for governance.

WHEN TO USE: INSTEAD of performing the action yourself. Policy decides how much
human oversight the action needs based on amount, your confidence, and the
time of day. Some actions execute immediately, some wait for a veto window,
some wait for one or two human approvers.

WHAT YOU GET BACK:
- window_id: follow it with kansa_status
- state: where the window is now
- mode: full_auto, human_on_the_loop, human_in_the_loop or dual_control
- note: what the window is waiting for

Reusing a request_id returns the existing window instead of opening a second one.
Pass one when you may retry the call.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("operation_type",
				mcplib.Description("What the action does, e.g. refund, payout, credit_limit_change"),
				mcplib.Required(),
			),
			mcplib.WithNumber("amount",
				mcplib.Description("Monetary amount at stake. Must be non-negative."),
				mcplib.Required(),
				mcplib.Min(0),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("How certain you are that the action is correct (0.0-1.0). Be honest; low confidence buys more oversight, not rejection."),
				mcplib.Required(),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithString("agent_type",
				mcplib.Description("fast for reactive agents, deliberative for planning agents"),
				mcplib.Enum(string(model.AgentFast), string(model.AgentDeliberative)),
				mcplib.DefaultString(string(model.AgentFast)),
			),
			mcplib.WithString("evidence_ref",
				mcplib.Description("Optional pointer to the evidence behind the proposal (ticket, trace id, URL)"),
			),
			mcplib.WithString("request_id",
				mcplib.Description("Optional UUID that makes the proposal idempotent"),
			),
		),
		s.handlePropose,
	)

	// kansa_status: current state of a window, or the caller's recent windows.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansa_status",
			mcplib.WithDescription(`Check the state of a governed action.

WHEN TO USE: After kansa_propose, until the window is terminal
(committed, rolled_back, aborted). Without window_id, lists the windows you
proposed in the last hour.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("window_id",
				mcplib.Description("Window to inspect. Omit to list your recent windows."),
			),
		),
		s.handleStatus,
	)

	// kansa_audit: the window's audit trail.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansa_audit",
			mcplib.WithDescription("Read the audit trail of a window: every transition and human action, in order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("window_id", mcplib.Description("Window whose trail to read"), mcplib.Required()),
		),
		s.handleAudit,
	)

	// kansa_verify: recompute the window's hash chain.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansa_verify",
			mcplib.WithDescription("Verify that a window's audit trail is intact by recomputing its hash chain."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("window_id", mcplib.Description("Window to verify"), mcplib.Required()),
		),
		s.handleVerify,
	)

	// kansa_act: operator intervention.
	s.mcpServer.AddTool(
		mcplib.NewTool("kansa_act",
			mcplib.WithDescription(`Act on a window as a human operator: veto or confirm an open veto window,
approve or reject a window awaiting authorization. Operators only.
veto and reject require a rationale.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("window_id", mcplib.Description("Window to act on"), mcplib.Required()),
			mcplib.WithString("action",
				mcplib.Description("The intervention"),
				mcplib.Required(),
				mcplib.Enum(string(model.ActionVeto), string(model.ActionConfirm), string(model.ActionApprove), string(model.ActionReject)),
			),
			mcplib.WithString("rationale", mcplib.Description("Why. Required for veto and reject.")),
		),
		s.handleAct,
	)
}

// callerWithRole returns the authenticated caller if it holds one of roles.
func callerWithRole(ctx context.Context, roles ...model.Role) (*auth.Claims, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errorResult("authentication required")
	}
	if !auth.RoleAllows(claims.Role, roles...) {
		return nil, errorResult(fmt.Sprintf("role %s may not call this tool", claims.Role))
	}
	return claims, nil
}

func windowIDArg(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("window_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("window_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult("window_id must be a UUID")
	}
	return id, nil
}

// toolError renders a governance error for an agent. Internal details stay in the log.
func (s *Server) toolError(op string, err error) *mcplib.CallToolResult {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return errorResult(verr.Error())
	case errors.Is(err, model.ErrNotFound):
		return errorResult("window not found")
	case errors.Is(err, model.ErrDependencyUnavailable):
		return errorResult("governance is temporarily unavailable; retry shortly with the same request_id")
	}
	s.logger.Error("mcp: tool failed", "tool", op, "error", err)
	return errorResult(op + " failed")
}

func (s *Server) handlePropose(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := callerWithRole(ctx, model.RoleAgent)
	if denied != nil {
		return denied, nil
	}

	requestID := uuid.New()
	if raw := request.GetString("request_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("request_id must be a UUID"), nil
		}
		requestID = id
	}

	win, err := s.manager.Propose(ctx, model.DecisionRequest{
		ID:            requestID,
		AgentID:       claims.Subject,
		AgentType:     model.AgentType(request.GetString("agent_type", string(model.AgentFast))),
		OperationType: request.GetString("operation_type", ""),
		Amount:        request.GetFloat("amount", -1),
		Confidence:    request.GetFloat("confidence", -1),
		EvidenceRef:   request.GetString("evidence_ref", ""),
	})
	if err != nil {
		return s.toolError("kansa_propose", err), nil
	}
	if win.Request.AgentID != claims.Subject {
		return errorResult("request_id already used by another agent"), nil
	}
	s.proposals.Record(claims.Subject, win.ID)
	return jsonResult(compactWindow(win, s.clock.Now())), nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := callerWithRole(ctx, model.RoleAgent, model.RoleOperator, model.RoleReader)
	if denied != nil {
		return denied, nil
	}
	now := s.clock.Now()

	if request.GetString("window_id", "") == "" {
		ids := s.proposals.Recent(claims.Subject)
		windows := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			w, err := s.manager.Status(ctx, id)
			if err != nil {
				s.logger.Debug("mcp: tracked window unavailable", "window_id", id, "error", err)
				continue
			}
			windows = append(windows, compactWindow(w, now))
		}
		return jsonResult(map[string]any{"windows": windows, "total": len(windows)}), nil
	}

	id, bad := windowIDArg(request)
	if bad != nil {
		return bad, nil
	}
	w, err := s.manager.Status(ctx, id)
	if err != nil {
		return s.toolError("kansa_status", err), nil
	}
	return jsonResult(compactWindow(w, now)), nil
}

func (s *Server) handleAudit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := callerWithRole(ctx, model.RoleAgent, model.RoleOperator, model.RoleReader); denied != nil {
		return denied, nil
	}
	id, bad := windowIDArg(request)
	if bad != nil {
		return bad, nil
	}
	entries, err := s.manager.Audit(ctx, id)
	if err != nil {
		return s.toolError("kansa_audit", err), nil
	}
	out := make([]map[string]any, len(entries))
	for i, e := range entries {
		out[i] = compactEntry(e)
	}
	return jsonResult(map[string]any{"window_id": id, "entries": out}), nil
}

func (s *Server) handleVerify(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := callerWithRole(ctx, model.RoleAgent, model.RoleOperator, model.RoleReader); denied != nil {
		return denied, nil
	}
	id, bad := windowIDArg(request)
	if bad != nil {
		return bad, nil
	}
	res, err := s.manager.Verify(ctx, id)
	if err != nil {
		return s.toolError("kansa_verify", err), nil
	}
	if !res.Valid {
		s.logger.Warn("mcp: audit chain verification failed", "window_id", id, "broken_at", res.BrokenAt, "reason", res.Reason)
	}
	return jsonResult(res), nil
}

func (s *Server) handleAct(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := callerWithRole(ctx, model.RoleOperator)
	if denied != nil {
		return denied, nil
	}
	id, bad := windowIDArg(request)
	if bad != nil {
		return bad, nil
	}

	res, err := s.manager.RecordAction(ctx, model.HumanAction{
		WindowID:       id,
		Action:         model.ActionType(request.GetString("action", "")),
		OperatorID:     claims.Subject,
		Rationale:      request.GetString("rationale", ""),
		NetworkContext: ctxutil.NetworkContextFromContext(ctx),
		Senior:         claims.Senior,
	})
	if err != nil {
		return s.toolError("kansa_act", err), nil
	}
	result := jsonResult(res)
	if res.Status != model.ActionAccepted {
		result.IsError = true
	}
	return result, nil
}
