package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"screenwatch://about",
			"Screenwatch About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, observer policy and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"screenwatch://catalog",
			"Dialog Catalog",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Dialog categories, their probes and the URL transition rules the observers use."),
		),
		s.handleCatalogResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"screenwatch://session/{sessionId}/events{?limit}",
			"Session Observer Events",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Recent observer events of a session (default 25, max 500)."),
		),
		s.handleSessionEventsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	policy := s.cfg.Observer.EscalationPolicy
	if policy == "" {
		policy = "advisory"
	}
	payload := map[string]interface{}{
		"name":              s.cfg.Server.Name,
		"version":           s.cfg.Server.Version,
		"escalation_policy": policy,
		"poll_interval":     s.cfg.Observer.GetPollInterval().String(),
		"handled":           s.monitor.Registry().Categories(),
		"always_escalated":  s.monitor.Registry().Escalating(),
		"notes": []string{
			"Call launch-browser, create-session, then start-monitoring.",
			"Poll observer-events with since_ms; manual_intervention means a person has to act.",
			"requires_human(S, C) and recurring_escalation(S, C) summarise escalations per session.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handleCatalogResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.monitor.Catalog())
}

func (s *Server) handleSessionEventsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	limit := clamp(getIntArg(map[string]interface{}{"limit": argString(request.Params.Arguments["limit"])}, "limit", 25), 1, 500)

	events := s.monitor.Events(sessionID, time.Time{}, limit)
	payloads := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		p := ev.Payload()
		p["type"] = ev.Type
		payloads = append(payloads, p)
	}

	return jsonResource(request.Params.URI, map[string]interface{}{
		"session_id": sessionID,
		"limit":      limit,
		"count":      len(payloads),
		"events":     payloads,
	})
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
