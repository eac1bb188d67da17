package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kansa/internal/model"
)

const (
	policyURI         = "kansa://policy/current"
	windowURIPrefix   = "kansa://windows/"
	windowURITemplate = "kansa://windows/{id}"
)

func (s *Server) registerResources() {
	// kansa://policy/current: the active policy table.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			policyURI,
			"Current Policy",
			mcplib.WithResourceDescription("The active supervision policy: amount bands, confidence floors, business hours"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePolicyCurrent,
	)

	// kansa://windows/{id}: a single decision window.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			windowURITemplate,
			"Decision Window",
			mcplib.WithTemplateDescription("Full state of one decision window"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleWindow,
	)
}

func (s *Server) handlePolicyCurrent(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	snap := s.policy.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("mcp: no policy loaded")
	}
	data, err := json.MarshalIndent(map[string]any{
		"version": snap.Version(),
		"digest":  snap.Digest(),
		"table":   snap.Table(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal policy: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      policyURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleWindow(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseWindowURI(uri)
	if err != nil {
		return nil, err
	}
	w, err := s.manager.Status(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: window %s: %w", id, err)
	}

	// Operator network contexts are not for agents.
	w = w.Clone()
	for i := range w.Actions {
		w.Actions[i].NetworkContext = ""
	}
	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal window: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func parseWindowURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, windowURIPrefix)
	if !ok || raw == "" {
		return uuid.Nil, fmt.Errorf("mcp: invalid window URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid window URI: %s: %w", uri, model.ErrValidation)
	}
	return id, nil
}
