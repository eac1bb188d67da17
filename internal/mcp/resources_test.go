package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansa/internal/model"
)

func TestParseWindowURI(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name      string
		uri       string
		want      uuid.UUID
		wantError bool
	}{
		{name: "valid", uri: "kansa://windows/" + id.String(), want: id},
		{name: "empty id", uri: "kansa://windows/", wantError: true},
		{name: "not a uuid", uri: "kansa://windows/abc", wantError: true},
		{name: "wrong prefix", uri: "kansa://policy/" + id.String(), wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWindowURI(tt.uri)
			if tt.wantError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func readResource(t *testing.T, contents []mcplib.ResourceContents) map[string]any {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", tc.MIMEType)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &out))
	return out
}

func TestPolicyResource(t *testing.T) {
	h := newHarness(t)
	contents, err := h.srv.handlePolicyCurrent(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: policyURI},
	})
	require.NoError(t, err)
	out := readResource(t, contents)
	assert.Equal(t, "builtin-1", out["version"])
	assert.NotEmpty(t, out["digest"])
}

func TestWindowResourceHidesNetworkContext(t *testing.T) {
	h := newHarness(t)
	id := uuid.MustParse(h.propose(t, "agent-7", 60_000, 0.9)["window_id"].(string))
	res, err := h.mgr.RecordAction(context.Background(), model.HumanAction{
		WindowID: id, Action: model.ActionApprove, OperatorID: "op-ana",
		Rationale: "ok", NetworkContext: "10.9.8.0/24",
	})
	require.NoError(t, err)
	require.Equal(t, model.ActionAccepted, res.Status)

	uri := "kansa://windows/" + id.String()
	contents, err := h.srv.handleWindow(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: uri},
	})
	require.NoError(t, err)
	out := readResource(t, contents)
	assert.Equal(t, id.String(), out["id"])
	actions := out["actions"].([]any)
	require.Len(t, actions, 1)
	assert.NotContains(t, actions[0], "network_context")

	_, err = h.srv.handleWindow(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kansa://windows/" + uuid.NewString()},
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
