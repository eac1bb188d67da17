package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Messages, "expected at least one message")
	msg := result.Messages[0]
	assert.Equal(t, mcplib.RoleUser, msg.Role)
	tc, ok := msg.Content.(mcplib.TextContent)
	require.True(t, ok, "message content should be TextContent")
	return tc.Text
}

func TestBeforeActionPrompt(t *testing.T) {
	h := newHarness(t)

	result, err := h.srv.handleBeforeActionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "before-action",
			Arguments: map[string]string{"operation_type": "refund"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, result.Description, "refund")
	text := promptText(t, result)
	assert.Contains(t, text, "kansa_propose")
	assert.Contains(t, text, "kansa_status")
	assert.Contains(t, text, `operation_type="refund"`)

	_, err = h.srv.handleBeforeActionPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "before-action", Arguments: map[string]string{}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation_type")
}

func TestReviewWindowPrompt(t *testing.T) {
	h := newHarness(t)

	result, err := h.srv.handleReviewWindowPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      "review-window",
			Arguments: map[string]string{"window_id": "w-1"},
		},
	})
	require.NoError(t, err)
	text := promptText(t, result)
	assert.Contains(t, text, "kansa://windows/w-1")
	assert.Contains(t, text, "kansa_act")

	_, err = h.srv.handleReviewWindowPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "review-window"},
	})
	require.Error(t, err)
}

func TestAgentSetupPrompt(t *testing.T) {
	h := newHarness(t)

	result, err := h.srv.handleAgentSetupPrompt(context.Background(), mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{Name: "agent-setup"},
	})
	require.NoError(t, err)
	text := promptText(t, result)
	assert.Contains(t, text, "Propose, Then Poll")
	assert.Contains(t, text, "kansa_propose")
}
