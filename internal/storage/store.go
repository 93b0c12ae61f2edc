package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/model"
)

// Store is the state store contract shared by DB and MemoryStore.
//
// Every write publishes the changed entity's key on its channel once the
// write is durable. Request status writes are serialized per request id and
// only move a request out of IN_PROGRESS; terminal statuses are final.
type Store interface {
	SaveRobot(ctx context.Context, r model.Robot) error
	GetRobot(ctx context.Context, name string) (model.Robot, error)
	ListRobots(ctx context.Context) ([]model.Robot, error)

	CreateRequests(ctx context.Context, reqs []model.Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (model.Request, error)
	ListRequests(ctx context.Context, f model.RequestFilter) ([]model.Request, error)
	AssignRequest(ctx context.Context, id uuid.UUID, robot string) error
	MarkRequestPickedUp(ctx context.Context, id uuid.UUID, at time.Time) error
	// TransitionRequest moves an IN_PROGRESS request to status. It reports
	// false, with no error, when the request had already left IN_PROGRESS.
	TransitionRequest(ctx context.Context, id uuid.UUID, status model.RequestStatus) (bool, error)

	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*MemoryStore)(nil)
)

const defaultListLimit = 100

func normalizeFilter(f model.RequestFilter) model.RequestFilter {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
