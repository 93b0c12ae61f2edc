package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/fleet/internal/model"
)

const requestColumns = `id, pickup_node_id, delivery_node_id, robot_name, status, picked_up_at, created_at, updated_at`

// CreateRequests inserts reqs with COPY and notifies ChannelRequests once per
// request, all in one transaction.
func (db *DB) CreateRequests(ctx context.Context, reqs []model.Request) error {
	if len(reqs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(reqs))
	ids := make([]uuid.UUID, len(reqs))
	for i, r := range reqs {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows[i] = []any{r.ID, r.PickupNodeID, r.DeliveryNodeID, r.RobotName, string(r.Status), created, created}
		ids[i] = r.ID
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"requests"},
		[]string{"id", "pickup_node_id", "delivery_node_id", "robot_name", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("storage: insert requests: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT pg_notify($1, id::text) FROM unnest($2::uuid[]) AS id`,
		ChannelRequests, ids,
	); err != nil {
		return fmt.Errorf("storage: notify %s: %w", ChannelRequests, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit requests: %w", err)
	}
	return nil
}

// GetRequest returns the stored request with id.
func (db *DB) GetRequest(ctx context.Context, id uuid.UUID) (model.Request, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Request{}, fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
		}
		return model.Request{}, fmt.Errorf("storage: get request %s: %w", id, err)
	}
	return r, nil
}

// ListRequests returns requests newest first, narrowed by f.
func (db *DB) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.Request, error) {
	query, args := buildRequestQuery(normalizeFilter(f))
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list requests: %w", err)
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AssignRequest records the robot carrying the request.
func (db *DB) AssignRequest(ctx context.Context, id uuid.UUID, robot string) error {
	return db.updateRequest(ctx, id, "assign",
		`UPDATE requests SET robot_name = $2, updated_at = now() WHERE id = $1`, id, robot)
}

// MarkRequestPickedUp stamps the time the item was loaded into a cell.
func (db *DB) MarkRequestPickedUp(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.updateRequest(ctx, id, "mark picked up",
		`UPDATE requests SET picked_up_at = $2, updated_at = now() WHERE id = $1`, id, at)
}

// TransitionRequest moves an IN_PROGRESS request to status. The row lock
// taken by UPDATE serializes concurrent writers for the same id.
func (db *DB) TransitionRequest(ctx context.Context, id uuid.UUID, status model.RequestStatus) (bool, error) {
	var applied bool
	err := db.retryWrite(ctx, "request", id.String(), func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE requests SET status = $2, updated_at = now()
			 WHERE id = $1 AND status = $3`,
			id, string(status), string(model.RequestInProgress))
		if err != nil {
			return fmt.Errorf("storage: transition request %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM requests WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("storage: transition request %s: %w", id, err)
			}
			if !exists {
				return fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
			}
			applied = false
			return nil
		}
		if err := notifyTx(ctx, tx, ChannelRequests, id.String()); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit request %s: %w", id, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (db *DB) updateRequest(ctx context.Context, id uuid.UUID, op, query string, args ...any) error {
	return db.retryWrite(ctx, "request", id.String(), func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("storage: %s request %s: %w", op, id, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
		}
		if err := notifyTx(ctx, tx, ChannelRequests, id.String()); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit request %s: %w", id, err)
		}
		return nil
	})
}

// buildRequestQuery renders the SELECT for ListRequests with positional
// arguments in filter order, then LIMIT and OFFSET.
func buildRequestQuery(f model.RequestFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.RobotName != nil {
		args = append(args, *f.RobotName)
		where = append(where, fmt.Sprintf("robot_name = $%d", len(args)))
	}
	query := `SELECT ` + requestColumns + ` FROM requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return query, args
}

func scanRequest(row pgx.Row) (model.Request, error) {
	var (
		r      model.Request
		status string
	)
	if err := row.Scan(&r.ID, &r.PickupNodeID, &r.DeliveryNodeID, &r.RobotName, &status,
		&r.PickedUpAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.Request{}, err
	}
	r.Status = model.RequestStatus(status)
	return r, nil
}
