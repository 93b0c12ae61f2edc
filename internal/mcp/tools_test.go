package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/oracle"
	"github.com/ashita-ai/fleet/internal/service/dispatch"
	"github.com/ashita-ai/fleet/internal/service/fleet"
	"github.com/ashita-ai/fleet/internal/service/robot"
	"github.com/ashita-ai/fleet/internal/storage"
	"github.com/ashita-ai/fleet/internal/testutil"
	"github.com/ashita-ai/fleet/internal/transport/transporttest"
)

type fixture struct {
	srv   *Server
	store *storage.MemoryStore
	tr    *transporttest.Fake
}

// newFixture runs robot R1 at node 1 on a line graph 1 - 2 - 3.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := testutil.TestLogger()

	graph, err := oracle.OpenSQLite(":memory:")
	require.NoError(t, err)
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, graph.UpsertNode(ctx, 1, model.Node{ID: id, Height: 1.0, Type: model.NodeShelf}))
	}
	for _, e := range [][2]int64{{1, 2}, {2, 3}} {
		require.NoError(t, graph.UpsertEdge(ctx, 1, e[0], e[1], 1))
		require.NoError(t, graph.UpsertEdge(ctx, 1, e[1], e[0], 1))
	}

	f := &fixture{store: storage.NewMemoryStore(), tr: &transporttest.Fake{}}
	start := int64(1)
	ctl := robot.NewController(robot.Config{Name: "R1", CellHeights: []float64{1.0}, InitialNode: &start},
		f.tr, f.store, logger)
	reg, err := fleet.NewRegistry(logger, ctl)
	require.NoError(t, err)

	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.Run(ctx, ready)
	}()
	<-ready
	t.Cleanup(func() {
		cancel()
		<-done
		_ = graph.Close()
	})

	disp := dispatch.New(reg, oracle.NewClient(graph, 1, logger), f.store, logger)
	f.srv = New(reg, disp, f.store, logger, "test")
	return f
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func (f *fixture) submit(t *testing.T) model.SubmitResult {
	t.Helper()
	result, err := f.srv.handleSubmit(context.Background(), toolRequest("submit_assignments", map[string]any{
		"requests": []any{
			map[string]any{"pickup_node_id": 2, "delivery_node_id": 3},
		},
		"assignments": []any{
			map[string]any{"robot_name": "R1", "target_node_ids": []any{2, 3}},
		},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var res model.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &res))
	return res
}

func TestRegisterTools(t *testing.T) {
	f := newFixture(t)
	assert.NotNil(t, f.srv.MCPServer(), "MCPServer() accessor should work")
}

func TestHandleSubmit(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	assert.True(t, res.Success, res.Message)
	require.Len(t, res.RequestIDs, 1)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, 1, res.Assignments[0].Dispatched)
	assert.Equal(t, 1, res.Assignments[0].Queued)

	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, model.OpPickup, sent[0].Goal.Operation)
}

func TestHandleSubmit_InvalidInput(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleSubmit(context.Background(), toolRequest("submit_assignments", map[string]any{
		"requests": []any{},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "assignments")

	result, err = f.srv.handleSubmit(context.Background(), toolRequest("submit_assignments", map[string]any{
		"assignments": "R1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "invalid arguments")
}

func TestHandleListRobots(t *testing.T) {
	f := newFixture(t)
	result, err := f.srv.handleListRobots(context.Background(), toolRequest("list_robots", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Robots []model.Robot `json:"robots"`
		Total  int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, model.RobotIdle, resp.Robots[0].Status)
}

func TestHandleGetRobot(t *testing.T) {
	f := newFixture(t)
	f.submit(t)

	result, err := f.srv.handleGetRobot(context.Background(), toolRequest("get_robot", map[string]any{"robot_name": "R1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var r model.Robot
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &r))
	assert.Equal(t, model.RobotBusy, r.Status)
	assert.Len(t, r.Queue, 1)

	result, err = f.srv.handleGetRobot(context.Background(), toolRequest("get_robot", map[string]any{"robot_name": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "ghost")

	result, err = f.srv.handleGetRobot(context.Background(), toolRequest("get_robot", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleGetRequest(t *testing.T) {
	f := newFixture(t)
	res := f.submit(t)

	result, err := f.srv.handleGetRequest(context.Background(), toolRequest("get_request", map[string]any{
		"request_id": res.RequestIDs[0].String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var req model.Request
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &req))
	assert.Equal(t, model.RequestInProgress, req.Status)
	require.NotNil(t, req.RobotName)
	assert.Equal(t, "R1", *req.RobotName)

	result, err = f.srv.handleGetRequest(context.Background(), toolRequest("get_request", map[string]any{
		"request_id": uuid.NewString(),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")

	result, err = f.srv.handleGetRequest(context.Background(), toolRequest("get_request", map[string]any{
		"request_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleCancelJob(t *testing.T) {
	f := newFixture(t)

	result, err := f.srv.handleCancelJob(context.Background(), toolRequest("cancel_job", map[string]any{"robot_name": "R1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "no active job")

	res := f.submit(t)
	result, err = f.srv.handleCancelJob(context.Background(), toolRequest("cancel_job", map[string]any{"robot_name": "R1"}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var cr model.CancelResult
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &cr))
	require.NotNil(t, cr.RequestID)
	assert.Equal(t, res.RequestIDs[0], *cr.RequestID)

	got, err := f.store.GetRequest(context.Background(), res.RequestIDs[0])
	require.NoError(t, err)
	assert.Equal(t, model.RequestCancelled, got.Status)
}

func TestErrorResult(t *testing.T) {
	result := errorResult("test error message")
	require.True(t, result.IsError)
	require.Len(t, result.Content, 1)

	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "content should be TextContent")
	assert.Equal(t, "test error message", tc.Text)
	assert.Equal(t, "text", tc.Type)
}
