package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/oracle"
	"github.com/ashita-ai/fleet/internal/ratelimit"
	"github.com/ashita-ai/fleet/internal/server"
	"github.com/ashita-ai/fleet/internal/service/dispatch"
	"github.com/ashita-ai/fleet/internal/service/fleet"
	"github.com/ashita-ai/fleet/internal/service/robot"
	"github.com/ashita-ai/fleet/internal/storage"
	"github.com/ashita-ai/fleet/internal/testutil"
	"github.com/ashita-ai/fleet/internal/transport/transporttest"
)

const graphID = 1

type env struct {
	t     *testing.T
	url   string
	store *storage.MemoryStore
	tr    *transporttest.Fake
	reg   *fleet.Registry
}

// newEnv serves one robot R1 at node 1 on a triangle 1 - 100 - 200.
func newEnv(t *testing.T, configure ...func(*server.ServerConfig)) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := testutil.TestLogger()

	graph, err := oracle.OpenSQLite(":memory:")
	require.NoError(t, err)
	for _, id := range []int64{1, 100, 200} {
		require.NoError(t, graph.UpsertNode(ctx, graphID, model.Node{ID: id, Height: 1.0, Type: model.NodeShelf}))
	}
	for _, e := range [][2]int64{{1, 100}, {100, 200}, {1, 200}} {
		require.NoError(t, graph.UpsertEdge(ctx, graphID, e[0], e[1], 1))
		require.NoError(t, graph.UpsertEdge(ctx, graphID, e[1], e[0], 1))
	}

	e := &env{t: t, store: storage.NewMemoryStore(), tr: &transporttest.Fake{}}
	// The broker only sees notifications on listened channels.
	require.NoError(t, e.store.Listen(ctx, storage.ChannelRobots))
	require.NoError(t, e.store.Listen(ctx, storage.ChannelRequests))

	start := int64(1)
	ctl := robot.NewController(robot.Config{Name: "R1", CellHeights: []float64{0.5, 1.0, 1.5}, InitialNode: &start},
		e.tr, e.store, logger)
	e.reg, err = fleet.NewRegistry(logger, ctl)
	require.NoError(t, err)

	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.reg.Run(ctx, ready)
	}()
	<-ready

	broker := server.NewBroker(e.store, logger)
	go broker.Start(ctx)

	cfg := server.ServerConfig{
		Store:               e.store,
		Robots:              e.reg,
		Dispatcher:          dispatch.New(e.reg, oracle.NewClient(graph, graphID, logger), e.store, logger),
		Logger:              logger,
		Broker:              broker,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	srv := httptest.NewServer(server.New(cfg).Handler())
	e.url = srv.URL

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		_ = graph.Close()
	})
	return e
}

type envelope struct {
	Data    json.RawMessage   `json:"data"`
	HasMore bool              `json:"has_more"`
	Error   model.ErrorDetail `json:"error"`
	Meta    model.ResponseMeta
}

func (e *env) do(method, path string, body any) (*http.Response, envelope) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, e.url+path, &buf)
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer func() { _ = resp.Body.Close() }()

	var out envelope
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (e *env) robot() model.Robot {
	e.t.Helper()
	resp, body := e.do(http.MethodGet, "/v1/robots/R1", nil)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return decode[model.Robot](e.t, body.Data)
}

func (e *env) request(id uuid.UUID) model.Request {
	e.t.Helper()
	resp, body := e.do(http.MethodGet, "/v1/requests/"+id.String(), nil)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	return decode[model.Request](e.t, body.Data)
}

func scenario() model.SubmitRequest {
	return model.SubmitRequest{
		Requests:    []model.RequestInput{{PickupNodeID: 100, DeliveryNodeID: 200}},
		Assignments: []model.AssignmentInput{{RobotName: "R1", TargetNodeIDs: []int64{100, 200}}},
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[model.HealthResponse](t, body.Data)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "not_configured", h.Postgres)
	assert.Equal(t, 1, h.Robots)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestRequestIDPropagated(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequest(http.MethodGet, e.url+"/v1/robots/nope", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-me")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "trace-me", body.Meta.RequestID)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
}

func TestSubmit_FullLifecycle(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(http.MethodPost, "/v1/submit", scenario())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[model.SubmitResult](t, body.Data)
	require.True(t, res.Success, res.Message)
	require.Len(t, res.RequestIDs, 1)
	assert.Equal(t, 1, res.Assignments[0].Dispatched)
	assert.Equal(t, 1, res.Assignments[0].Queued)
	reqID := res.RequestIDs[0]

	r := e.robot()
	assert.Equal(t, model.RobotBusy, r.Status)
	require.NotNil(t, r.CurrentJob)
	assert.Equal(t, model.OpPickup, r.CurrentJob.Operation)
	assert.Len(t, r.Queue, 1)

	e.tr.Goal(0).Succeed()
	r = e.robot()
	require.NotNil(t, r.CurrentJob)
	assert.Equal(t, model.OpDelivery, r.CurrentJob.Operation)
	got := e.request(reqID)
	assert.Equal(t, model.RequestInProgress, got.Status)
	assert.NotNil(t, got.PickedUpAt)

	e.tr.Goal(1).Succeed()
	r = e.robot()
	assert.Equal(t, model.RobotIdle, r.Status)
	assert.Nil(t, r.CurrentJob)
	assert.Equal(t, model.RequestCompleted, e.request(reqID).Status)
	for _, c := range r.Cells {
		assert.Nil(t, c.Occupant)
	}
}

func TestSubmit_InvalidBody(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(http.MethodPost, "/v1/submit", `{"requests":[],"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	resp, body = e.do(http.MethodPost, "/v1/submit", model.SubmitRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Error.Message, "assignments")
}

func TestSubmit_BodyTooLarge(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) { c.MaxRequestBodyBytes = 16 })
	resp, body := e.do(http.MethodPost, "/v1/submit", scenario())
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
}

func TestSubmit_UnknownRobotIsPartialFailure(t *testing.T) {
	e := newEnv(t)
	in := scenario()
	in.Assignments[0].RobotName = "ghost"

	resp, body := e.do(http.MethodPost, "/v1/submit", in)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[model.SubmitResult](t, body.Data)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "ghost")
	require.Len(t, res.RequestIDs, 1)
	assert.Equal(t, model.RequestFailed, e.request(res.RequestIDs[0]).Status)
}

func TestSubmit_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, func(c *server.ServerConfig) { c.Limiter = limiter })

	resp, _ := e.do(http.MethodPost, "/v1/submit", scenario())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(http.MethodPost, "/v1/submit", scenario())
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Reads are not limited.
	resp, _ = e.do(http.MethodGet, "/v1/robots", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListRobots(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(http.MethodGet, "/v1/robots", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	robots := decode[[]model.Robot](t, body.Data)
	require.Len(t, robots, 1)
	assert.Equal(t, "R1", robots[0].Name)
	assert.Equal(t, model.RobotIdle, robots[0].Status)
	assert.Len(t, robots[0].Cells, 3)
}

func TestCancelJob(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(http.MethodPost, "/v1/robots/R1/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, body.Error.Code)

	resp, body = e.do(http.MethodPost, "/v1/submit", scenario())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reqID := decode[model.SubmitResult](t, body.Data).RequestIDs[0]

	resp, body = e.do(http.MethodPost, "/v1/robots/R1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cr := decode[model.CancelResult](t, body.Data)
	assert.Equal(t, "R1", cr.Robot)
	require.NotNil(t, cr.RequestID)
	assert.Equal(t, reqID, *cr.RequestID)
	assert.Len(t, e.tr.Cancelled(), 1)
	assert.Equal(t, model.RequestCancelled, e.request(reqID).Status)
}

func TestClearQueue(t *testing.T) {
	e := newEnv(t)
	in := model.SubmitRequest{
		Assignments: []model.AssignmentInput{{RobotName: "R1", TargetNodeIDs: []int64{100, 200, 1}}},
	}
	resp, _ := e.do(http.MethodPost, "/v1/submit", in)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(http.MethodPost, "/v1/robots/R1/clear-queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[model.ClearQueueResult](t, body.Data).Cleared)
	assert.Empty(t, e.robot().Queue)
}

func TestActivateDeactivate(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(http.MethodPost, "/v1/robots/R1/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RobotInactive, decode[model.Robot](t, body.Data).Status)

	resp, body = e.do(http.MethodPost, "/v1/submit", scenario())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[model.SubmitResult](t, body.Data)
	assert.False(t, res.Success)
	assert.Empty(t, e.tr.Sent())

	resp, body = e.do(http.MethodPost, "/v1/robots/R1/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RobotIdle, decode[model.Robot](t, body.Data).Status)

	// Busy robots cannot be disabled.
	resp, _ = e.do(http.MethodPost, "/v1/submit", scenario())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(http.MethodPost, "/v1/robots/R1/deactivate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, body.Error.Code)
}

func TestListRequests(t *testing.T) {
	e := newEnv(t)
	in := model.SubmitRequest{
		Requests: []model.RequestInput{
			{PickupNodeID: 100, DeliveryNodeID: 200},
			{PickupNodeID: 200, DeliveryNodeID: 1},
			{PickupNodeID: 1, DeliveryNodeID: 200},
		},
		Assignments: []model.AssignmentInput{{RobotName: "R1", TargetNodeIDs: []int64{100}}},
	}
	resp, _ := e.do(http.MethodPost, "/v1/submit", in)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(http.MethodGet, "/v1/requests?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Request](t, body.Data), 2)
	assert.True(t, body.HasMore)

	// Only the first request reached the robot; the others were never
	// handed to a controller.
	resp, body = e.do(http.MethodGet, "/v1/requests?status=FAILED", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Request](t, body.Data), 2)
	assert.False(t, body.HasMore)

	resp, body = e.do(http.MethodGet, "/v1/requests?robot=R1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]model.Request](t, body.Data), 1)

	resp, body = e.do(http.MethodGet, "/v1/requests?status=LOST", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)
}

func TestGetRequest_Errors(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(http.MethodGet, "/v1/requests/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	resp, body = e.do(http.MethodGet, "/v1/requests/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)
}

func TestOpenAPISpec(t *testing.T) {
	e := newEnv(t, func(c *server.ServerConfig) { c.OpenAPISpec = []byte("openapi: 3.1.0\n") })
	resp, err := http.Get(e.url + "/openapi.yaml")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

// readEvents returns the next SSE events from r as (event, data) pairs until
// stop reports true or the stream ends.
func readEvents(t *testing.T, sc *bufio.Scanner, stop func(event, data string) bool) {
	t.Helper()
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if stop(event, strings.TrimPrefix(line, "data: ")) {
				return
			}
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
}

func subscribe(t *testing.T, e *env, query string) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url+"/v1/subscribe?"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewScanner(resp.Body)
}

func TestSubscribe_Robot(t *testing.T) {
	e := newEnv(t)
	sc := subscribe(t, e, "robot=R1")

	// First event is the current record.
	readEvents(t, sc, func(event, data string) bool {
		require.Equal(t, server.EventRobot, event)
		var r model.Robot
		require.NoError(t, json.Unmarshal([]byte(data), &r))
		assert.Equal(t, "R1", r.Name)
		return true
	})

	resp, _ := e.do(http.MethodPost, "/v1/robots/R1/deactivate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	readEvents(t, sc, func(event, data string) bool {
		var r model.Robot
		require.NoError(t, json.Unmarshal([]byte(data), &r))
		return event == server.EventRobot && r.Status == model.RobotInactive
	})
}

func TestSubscribe_Request(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(http.MethodPost, "/v1/submit", scenario())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reqID := decode[model.SubmitResult](t, body.Data).RequestIDs[0]

	sc := subscribe(t, e, "request="+reqID.String())
	readEvents(t, sc, func(event, data string) bool {
		require.Equal(t, server.EventRequest, event)
		var r model.Request
		require.NoError(t, json.Unmarshal([]byte(data), &r))
		assert.Equal(t, reqID, r.ID)
		return true
	})

	e.tr.Goal(0).Succeed()
	e.robot()
	e.tr.Goal(1).Succeed()

	readEvents(t, sc, func(event, data string) bool {
		require.Equal(t, server.EventRequest, event)
		var r model.Request
		require.NoError(t, json.Unmarshal([]byte(data), &r))
		return r.Status == model.RequestCompleted
	})
}

func TestSubscribe_Errors(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(http.MethodGet, "/v1/subscribe?robot=ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)

	resp, body = e.do(http.MethodGet, "/v1/subscribe?request=xyz", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	resp, _ = e.do(http.MethodGet, "/v1/subscribe?request="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
