package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-action: guides an agent to propose instead of act.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-action",
			mcplib.WithPromptDescription("Route a side-effecting action through governance instead of performing it"),
			mcplib.WithArgument("operation_type",
				mcplib.ArgumentDescription("What you are about to do (e.g., refund, payout)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeActionPrompt,
	)

	// review-window: helps an operator decide on a window.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-window",
			mcplib.WithPromptDescription("Summarize a decision window for an operator deciding whether to intervene"),
			mcplib.WithArgument("window_id",
				mcplib.ArgumentDescription("The window to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewWindowPrompt,
	)

	// agent-setup: system prompt snippet explaining the propose-then-poll workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Kansa propose-then-poll workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeActionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	op := request.Params.Arguments["operation_type"]
	if op == "" {
		return nil, fmt.Errorf("operation_type argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Propose the %s action for governance", op),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You are about to perform a %s. Do not perform it directly.

1. CALL kansa_propose with operation_type="%s", the amount at stake, and your
   honest confidence. Generate a request_id and reuse it if you retry.

2. READ the returned state and note:
   - committed or executing: governance let it through.
   - veto_window_open: it executes unless a human vetoes before the deadline.
   - awaiting_authorization: one or more humans must approve first.
   - aborted: it will not happen. Tell the user why.

3. POLL with kansa_status until the window is terminal. Report the outcome
   to the user, including any rationale a human gave.`, op, op),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewWindowPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	windowID := request.Params.Arguments["window_id"]
	if windowID == "" {
		return nil, fmt.Errorf("window_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Review a decision window before intervening",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review decision window %s.

1. READ the resource kansa://windows/%s for the proposal, mode, deadline and
   prior approvals.
2. CALL kansa_audit with window_id="%s" to see what happened so far.
3. DECIDE with kansa_act:
   - veto or confirm while a veto window is open,
   - approve or reject while it awaits authorization.
   Give a rationale. It is required for veto and reject and becomes part of
   the permanent audit trail.

If the answer is "already_resolved", someone else acted first. Nothing more
is needed.`, windowID, windowID, windowID),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Kansa governance workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Kansa, which governs actions that move money or change
customer state. Humans supervise those actions in proportion to their risk.

## The Pattern: Propose, Then Poll

Never perform a governed action yourself. Call kansa_propose and let policy
decide how much oversight it needs. Then follow the window with kansa_status
until it is committed, rolled_back or aborted.

Report your confidence honestly. Low confidence routes the action to a human;
it does not reject it.

Vetoes and rejections are final for that window. If the outcome is marked
retryable and the action is still needed, propose again with a new request_id.`,
				},
			},
		},
	}, nil
}
