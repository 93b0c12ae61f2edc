// Package oracle answers route queries over the warehouse graph.
//
// Client wraps a Graph backend and is the only place node data is
// validated: everything past it works with model.Node values whose ids,
// order and types have been checked.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/telemetry"
)

var (
	// ErrNoPath means the end node is unreachable from the start node.
	ErrNoPath = errors.New("oracle: no path")
	// ErrUnknownNode means a requested id does not exist in the graph.
	ErrUnknownNode = errors.New("oracle: unknown node")
)

// Graph is a route backend. ShortestPath returns an empty slice when there
// is no path. NodesByIDs may return fewer rows than requested when ids are
// unknown; Client turns that into ErrUnknownNode.
type Graph interface {
	ShortestPath(ctx context.Context, graphID, start, end int64) ([]int64, error)
	NodesByIDs(ctx context.Context, graphID int64, ids []int64) ([]model.Node, error)
}

// Client is a typed, validating front for a Graph bound to one graph id.
type Client struct {
	graph   Graph
	graphID int64
	logger  *slog.Logger

	group    singleflight.Group
	duration metric.Float64Histogram
}

// NewClient creates a Client for graphID.
func NewClient(graph Graph, graphID int64, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	hist, _ := telemetry.Meter("fleet/oracle").Float64Histogram("fleet.route.duration",
		metric.WithDescription("Route oracle query latency"),
		metric.WithUnit("ms"))
	return &Client{graph: graph, graphID: graphID, logger: logger, duration: hist}
}

// GraphID returns the graph this client queries.
func (c *Client) GraphID() int64 { return c.graphID }

// ShortestPath returns node ids from start to end inclusive. It returns
// ErrNoPath when the backend finds no route.
func (c *Client) ShortestPath(ctx context.Context, start, end int64) ([]int64, error) {
	began := time.Now()
	path, err := c.graph.ShortestPath(ctx, c.graphID, start, end)
	c.record(ctx, "shortest_path", began, err)
	if err != nil {
		return nil, fmt.Errorf("oracle: shortest path %d->%d: %w", start, end, err)
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("oracle: shortest path %d->%d: %w", start, end, ErrNoPath)
	}
	if path[0] != start || path[len(path)-1] != end {
		return nil, fmt.Errorf("oracle: shortest path %d->%d: backend returned path %d..%d",
			start, end, path[0], path[len(path)-1])
	}
	return path, nil
}

// NodesByIDs resolves ids to full node records in the same order. Identical
// concurrent lookups share one backend call. The shared call is not bound to
// any one caller's cancellation; each caller stops waiting when its own ctx
// ends.
func (c *Client) NodesByIDs(ctx context.Context, ids []int64) ([]model.Node, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("oracle: nodes by ids: empty id list")
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(idsKey(ids), func() (any, error) {
		began := time.Now()
		nodes, err := c.graph.NodesByIDs(shared, c.graphID, ids)
		c.record(shared, "nodes_by_ids", began, err)
		return nodes, err
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("oracle: nodes by ids: %w", ctx.Err())
	}
	if res.Err != nil {
		return nil, fmt.Errorf("oracle: nodes by ids: %w", res.Err)
	}
	nodes := res.Val.([]model.Node)

	if len(nodes) != len(ids) {
		missing := missingIDs(ids, nodes)
		return nil, fmt.Errorf("oracle: nodes %v: %w", missing, ErrUnknownNode)
	}
	out := make([]model.Node, len(nodes))
	for i, n := range nodes {
		if n.ID != ids[i] {
			return nil, fmt.Errorf("oracle: node %d returned at position %d, want %d", n.ID, i, ids[i])
		}
		if _, err := model.ParseNodeType(string(n.Type)); err != nil {
			return nil, fmt.Errorf("oracle: node %d: %w", n.ID, err)
		}
		out[i] = n
	}
	return out, nil
}

func (c *Client) record(ctx context.Context, op string, began time.Time, err error) {
	if c.duration == nil {
		return
	}
	c.duration.Record(ctx, float64(time.Since(began).Milliseconds()),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("error", err != nil),
		))
}

func idsKey(ids []int64) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}

func missingIDs(ids []int64, nodes []model.Node) []int64 {
	have := make(map[int64]bool, len(nodes))
	for _, n := range nodes {
		have[n.ID] = true
	}
	var missing []int64
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
