// Package mcp exposes the governance core to MCP-compatible agents.
//
// The MCP server offers the same operations as the HTTP API through tools,
// resources and prompts. Agents propose actions and poll their windows;
// operators may act on windows from MCP clients as well. Every tool reads
// the caller's identity from the JWT claims the gateway placed on the
// request context, so MCP calls obey the same roles as HTTP calls.
package mcp

import (
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/governance"
	"github.com/ashita-ai/kansa/internal/policy"
)

// proposalWindow is how long a proposal stays listed for its agent when
// kansa_status is called without a window id.
const proposalWindow = time.Hour

// Server wraps the mcp-go server with the governance manager.
type Server struct {
	mcpServer *mcpserver.MCPServer
	manager   *governance.Manager
	policy    *policy.Evaluator
	proposals *proposalTracker
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources, tools and prompts.
func New(mgr *governance.Manager, pol *policy.Evaluator, clk clock.Clock, logger *slog.Logger, version string) *Server {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Server{
		manager:   mgr,
		policy:    pol,
		proposals: newProposalTracker(clk, proposalWindow),
		clock:     clk,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kansa",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Kansa governs side-effecting actions proposed by agents.
Propose an action with kansa_propose, then follow its window with kansa_status
until it reaches a terminal state (committed, rolled_back or aborted). Never
perform the action yourself once it is proposed: the executor does that after
humans and policy allow it.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
