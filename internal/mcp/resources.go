package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/fleet/internal/model"
)

const (
	robotsURI        = "fleet://robots"
	robotURIPrefix   = "fleet://robots/"
	requestsInFlight = "fleet://requests/in-progress"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			robotsURI,
			"Robots",
			mcplib.WithResourceDescription("Every robot's live record"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRobotsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			requestsInFlight,
			"Requests In Progress",
			mcplib.WithResourceDescription("Requests that have not reached a terminal status, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleInProgressResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			robotURIPrefix+"{name}",
			"Robot",
			mcplib.WithTemplateDescription("One robot's live record"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRobotResource,
	)
}

func (s *Server) handleRobotsResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	out := make([]model.Robot, 0, s.robots.Len())
	for _, name := range s.robots.Names() {
		snap, err := s.snapshot(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("mcp: robots: %w", err)
		}
		out = append(out, snap)
	}
	return jsonContents(robotsURI, out)
}

func (s *Server) handleRobotResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	name, err := parseRobotURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	snap, err := s.snapshot(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("mcp: robot: %w", err)
	}
	return jsonContents(request.Params.URI, snap)
}

func (s *Server) handleInProgressResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	status := model.RequestInProgress
	reqs, err := s.store.ListRequests(ctx, model.RequestFilter{Status: &status, Limit: 100})
	if err != nil {
		return nil, fmt.Errorf("mcp: requests in progress: %w", err)
	}
	if reqs == nil {
		reqs = []model.Request{}
	}
	return jsonContents(requestsInFlight, reqs)
}

// parseRobotURI extracts the robot name from fleet://robots/{name}.
func parseRobotURI(uri string) (string, error) {
	name, ok := strings.CutPrefix(uri, robotURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid robot URI: %s", uri)
	}
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("mcp: invalid robot name in URI: %s", uri)
	}
	return name, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
