package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/service/robot"
	"github.com/ashita-ai/fleet/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("submit_assignments",
			mcplib.WithDescription(`Create pickup/delivery requests and route robots through target nodes.

Every request is created first. Then each assignment's targets are turned
into jobs in order: a target matching an unconsumed request's pickup node is
a PICKUP, one matching a delivery node is a DELIVERY, anything else is
TRAVEL. Routes come from the warehouse graph.

WHAT YOU GET BACK:
- success: false if any assignment failed; the message names each failure
- request_ids: every request created, in input order
- assignments: per-robot job ids and how many started or queued

EXAMPLE: requests=[{"pickup_node_id":100,"delivery_node_id":200}],
assignments=[{"robot_name":"R1","target_node_ids":[100,200]}]`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithArray("requests",
				mcplib.Description("Pickup-to-delivery requests"),
				mcplib.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pickup_node_id":   map[string]any{"type": "integer"},
						"delivery_node_id": map[string]any{"type": "integer"},
					},
					"required": []string{"pickup_node_id", "delivery_node_id"},
				}),
			),
			mcplib.WithArray("assignments",
				mcplib.Description("Ordered target node lists, one per robot"),
				mcplib.Required(),
				mcplib.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"robot_name":      map[string]any{"type": "string"},
						"target_node_ids": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
					},
					"required": []string{"robot_name", "target_node_ids"},
				}),
			),
		),
		s.handleSubmit,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("list_robots",
			mcplib.WithDescription("List every robot with status, cells, current job and queue."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListRobots,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_robot",
			mcplib.WithDescription("Get one robot's full record: status, cells, current job, queue and last known position."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("robot_name", mcplib.Description("Robot name"), mcplib.Required()),
		),
		s.handleGetRobot,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_request",
			mcplib.WithDescription("Get a request's status (IN_PROGRESS, COMPLETED, FAILED, CANCELLED), robot and timestamps."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("request_id", mcplib.Description("Request UUID from submit_assignments"), mcplib.Required()),
		),
		s.handleGetRequest,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cancel_job",
			mcplib.WithDescription(`Cancel the job a robot is executing. Its request becomes CANCELLED and the
robot moves on to the next queued job. Fails if the robot is not busy.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("robot_name", mcplib.Description("Robot name"), mcplib.Required()),
		),
		s.handleCancelJob,
	)
}

func (s *Server) handleSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments())
	if err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	var in model.SubmitRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	res, err := s.dispatcher.Submit(ctx, in)
	if err != nil {
		return errorResult(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return jsonResult(res)
}

func (s *Server) handleListRobots(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	out := make([]model.Robot, 0, s.robots.Len())
	for _, name := range s.robots.Names() {
		snap, err := s.snapshot(ctx, name)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		out = append(out, snap)
	}
	return jsonResult(map[string]any{"robots": out, "total": len(out)})
}

func (s *Server) handleGetRobot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("robot_name", "")
	if name == "" {
		return errorResult("robot_name is required"), nil
	}
	snap, err := s.snapshot(ctx, name)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleGetRequest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw := request.GetString("request_id", "")
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid request_id: %q", raw)), nil
	}
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errorResult(fmt.Sprintf("request %s not found", id)), nil
		}
		return errorResult(fmt.Sprintf("get request failed: %v", err)), nil
	}
	return jsonResult(req)
}

func (s *Server) handleCancelJob(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("robot_name", "")
	if name == "" {
		return errorResult("robot_name is required"), nil
	}
	ctl, err := s.robots.Get(name)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	job, err := ctl.CancelCurrentJob(ctx)
	if err != nil {
		if errors.Is(err, robot.ErrNoActiveJob) {
			return errorResult(fmt.Sprintf("robot %s has no active job", name)), nil
		}
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return jsonResult(model.CancelResult{Robot: name, JobID: job.ID, RequestID: job.RequestID})
}

func (s *Server) snapshot(ctx context.Context, name string) (model.Robot, error) {
	ctl, err := s.robots.Get(name)
	if err != nil {
		return model.Robot{}, err
	}
	return ctl.Snapshot(ctx)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return textResult(string(data)), nil
}
