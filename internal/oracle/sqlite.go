package oracle

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/fleet/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	graph_id INTEGER NOT NULL,
	id       INTEGER NOT NULL,
	alias    TEXT,
	tag_id   TEXT,
	x        REAL NOT NULL,
	y        REAL NOT NULL,
	height   REAL NOT NULL DEFAULT 0,
	type     TEXT NOT NULL CHECK(type IN ('waypoint', 'conveyor', 'shelf', 'cell', 'depot')),
	PRIMARY KEY (graph_id, id)
);

CREATE TABLE IF NOT EXISTS edges (
	graph_id INTEGER NOT NULL,
	source   INTEGER NOT NULL,
	target   INTEGER NOT NULL,
	cost     REAL NOT NULL CHECK(cost >= 0),
	PRIMARY KEY (graph_id, source, target)
);
`

// SQLiteGraph is a file-backed Graph for offline maps and development. It
// computes shortest paths in process with Dijkstra over the stored edges.
type SQLiteGraph struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the graph database at path. Use
// ":memory:" for a throwaway graph.
func OpenSQLite(path string) (*SQLiteGraph, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("oracle: open sqlite %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every in-memory connection is its own database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("oracle: create sqlite schema: %w", err)
	}
	return &SQLiteGraph{db: db}, nil
}

// Close closes the database.
func (g *SQLiteGraph) Close() error { return g.db.Close() }

// UpsertNode inserts or replaces a node.
func (g *SQLiteGraph) UpsertNode(ctx context.Context, graphID int64, n model.Node) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO nodes (graph_id, id, alias, tag_id, x, y, height, type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (graph_id, id) DO UPDATE SET
		   alias = excluded.alias, tag_id = excluded.tag_id,
		   x = excluded.x, y = excluded.y, height = excluded.height, type = excluded.type`,
		graphID, n.ID, n.Alias, n.TagID, n.X, n.Y, n.Height, strings.ToLower(string(n.Type)))
	if err != nil {
		return fmt.Errorf("oracle: upsert node %d: %w", n.ID, err)
	}
	return nil
}

// UpsertEdge inserts or replaces a directed edge.
func (g *SQLiteGraph) UpsertEdge(ctx context.Context, graphID, source, target int64, cost float64) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO edges (graph_id, source, target, cost) VALUES (?, ?, ?, ?)
		 ON CONFLICT (graph_id, source, target) DO UPDATE SET cost = excluded.cost`,
		graphID, source, target, cost)
	if err != nil {
		return fmt.Errorf("oracle: upsert edge %d->%d: %w", source, target, err)
	}
	return nil
}

func (g *SQLiteGraph) ShortestPath(ctx context.Context, graphID, start, end int64) ([]int64, error) {
	var known int
	if err := g.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE graph_id = ? AND id IN (?, ?)`, graphID, start, end,
	).Scan(&known); err != nil {
		return nil, fmt.Errorf("check endpoints: %w", err)
	}
	want := 2
	if start == end {
		want = 1
	}
	if known < want {
		return nil, nil
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT source, target, cost FROM edges WHERE graph_id = ?`, graphID)
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	adj := make(map[int64][]edge)
	for rows.Next() {
		var e edge
		var source int64
		if err := rows.Scan(&source, &e.to, &e.cost); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		adj[source] = append(adj[source], e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dijkstra(adj, start, end), nil
}

func (g *SQLiteGraph) NodesByIDs(ctx context.Context, graphID int64, ids []int64) ([]model.Node, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, graphID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, alias, tag_id, x, y, height, type FROM nodes
		 WHERE graph_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]model.Node, len(ids))
	for rows.Next() {
		var (
			n   model.Node
			typ string
		)
		if err := rows.Scan(&n.ID, &n.Alias, &n.TagID, &n.X, &n.Y, &n.Height, &typ); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if n.Type, err = model.ParseNodeType(typ); err != nil {
			return nil, fmt.Errorf("node %d: %w", n.ID, err)
		}
		byID[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve request order; a path may repeat no node, but callers may.
	nodes := make([]model.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := byID[id]; ok {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

type edge struct {
	to   int64
	cost float64
}

type item struct {
	node int64
	dist float64
}

type minHeap []item

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].node < h[j].node
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *minHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// dijkstra returns the cheapest path from start to end, or nil.
func dijkstra(adj map[int64][]edge, start, end int64) []int64 {
	dist := map[int64]float64{start: 0}
	prev := make(map[int64]int64)
	done := make(map[int64]bool)
	h := &minHeap{{node: start}}

	for h.Len() > 0 {
		cur := heap.Pop(h).(item)
		if done[cur.node] {
			continue
		}
		done[cur.node] = true
		if cur.node == end {
			break
		}
		for _, e := range adj[cur.node] {
			nd := cur.dist + e.cost
			if d, ok := dist[e.to]; !ok || nd < d {
				dist[e.to] = nd
				prev[e.to] = cur.node
				heap.Push(h, item{node: e.to, dist: nd})
			}
		}
	}
	if !done[end] {
		return nil
	}

	path := []int64{end}
	for n := end; n != start; {
		n = prev[n]
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
