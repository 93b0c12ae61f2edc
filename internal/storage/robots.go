package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/fleet/internal/model"
)

// SaveRobot upserts the robot record and notifies ChannelRobots.
func (db *DB) SaveRobot(ctx context.Context, r model.Robot) error {
	cells, err := json.Marshal(r.Cells)
	if err != nil {
		return fmt.Errorf("storage: encode cells: %w", err)
	}
	queue, err := json.Marshal(nonNilJobs(r.Queue))
	if err != nil {
		return fmt.Errorf("storage: encode queue: %w", err)
	}
	var currentJob, pose []byte
	if r.CurrentJob != nil {
		if currentJob, err = json.Marshal(r.CurrentJob); err != nil {
			return fmt.Errorf("storage: encode current job: %w", err)
		}
	}
	if r.Pose != nil {
		if pose, err = json.Marshal(r.Pose); err != nil {
			return fmt.Errorf("storage: encode pose: %w", err)
		}
	}
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return db.retryWrite(ctx, "robot", r.Name, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO robots (name, status, cells, current_job, queue, last_node_id, pose, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (name) DO UPDATE SET
			   status = EXCLUDED.status,
			   cells = EXCLUDED.cells,
			   current_job = EXCLUDED.current_job,
			   queue = EXCLUDED.queue,
			   last_node_id = EXCLUDED.last_node_id,
			   pose = EXCLUDED.pose,
			   updated_at = EXCLUDED.updated_at`,
			r.Name, string(r.Status), cells, currentJob, queue, r.LastNodeID, pose, updatedAt,
		); err != nil {
			return fmt.Errorf("storage: save robot %s: %w", r.Name, err)
		}
		if err := notifyTx(ctx, tx, ChannelRobots, r.Name); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit robot %s: %w", r.Name, err)
		}
		return nil
	})
}

const robotColumns = `name, status, cells, current_job, queue, last_node_id, pose, updated_at`

// GetRobot returns the stored record for name.
func (db *DB) GetRobot(ctx context.Context, name string) (model.Robot, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+robotColumns+` FROM robots WHERE name = $1`, name)
	r, err := scanRobot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Robot{}, fmt.Errorf("storage: robot %s: %w", name, ErrNotFound)
		}
		return model.Robot{}, fmt.Errorf("storage: get robot %s: %w", name, err)
	}
	return r, nil
}

// ListRobots returns every stored robot ordered by name.
func (db *DB) ListRobots(ctx context.Context) ([]model.Robot, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+robotColumns+` FROM robots ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list robots: %w", err)
	}
	defer rows.Close()

	var robots []model.Robot
	for rows.Next() {
		r, err := scanRobot(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan robot: %w", err)
		}
		robots = append(robots, r)
	}
	return robots, rows.Err()
}

func scanRobot(row pgx.Row) (model.Robot, error) {
	var (
		r                              model.Robot
		status                         string
		cells, currentJob, queue, pose []byte
	)
	if err := row.Scan(&r.Name, &status, &cells, &currentJob, &queue, &r.LastNodeID, &pose, &r.UpdatedAt); err != nil {
		return model.Robot{}, err
	}
	r.Status = model.RobotStatus(status)
	if err := json.Unmarshal(cells, &r.Cells); err != nil {
		return model.Robot{}, fmt.Errorf("decode cells: %w", err)
	}
	if len(queue) > 0 {
		if err := json.Unmarshal(queue, &r.Queue); err != nil {
			return model.Robot{}, fmt.Errorf("decode queue: %w", err)
		}
	}
	if len(currentJob) > 0 {
		var j model.Job
		if err := json.Unmarshal(currentJob, &j); err != nil {
			return model.Robot{}, fmt.Errorf("decode current job: %w", err)
		}
		r.CurrentJob = &j
	}
	if len(pose) > 0 {
		var p model.Pose
		if err := json.Unmarshal(pose, &p); err != nil {
			return model.Robot{}, fmt.Errorf("decode pose: %w", err)
		}
		r.Pose = &p
	}
	return r, nil
}

func nonNilJobs(jobs []model.Job) []model.Job {
	if jobs == nil {
		return []model.Job{}
	}
	return jobs
}
