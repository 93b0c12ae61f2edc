package oracle

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/fleet/internal/model"
)

// PostgresGraph calls the graph service's SQL functions
// wh_astar_shortest_path and wh_get_nodes_by_ids.
type PostgresGraph struct {
	pool *pgxpool.Pool
}

// NewPostgresGraph creates a PostgresGraph on pool.
func NewPostgresGraph(pool *pgxpool.Pool) *PostgresGraph {
	return &PostgresGraph{pool: pool}
}

func (g *PostgresGraph) ShortestPath(ctx context.Context, graphID, start, end int64) ([]int64, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT * FROM wh_astar_shortest_path($1, $2, $3)`, graphID, start, end)
	if err != nil {
		return nil, fmt.Errorf("query wh_astar_shortest_path: %w", err)
	}
	defer rows.Close()

	var path []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan path node: %w", err)
		}
		path = append(path, id)
	}
	return path, rows.Err()
}

func (g *PostgresGraph) NodesByIDs(ctx context.Context, graphID int64, ids []int64) ([]model.Node, error) {
	rows, err := g.pool.Query(ctx,
		`SELECT id, alias, tag_id, x, y, height, type FROM wh_get_nodes_by_ids($1, $2)`, graphID, ids)
	if err != nil {
		return nil, fmt.Errorf("query wh_get_nodes_by_ids: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
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
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
