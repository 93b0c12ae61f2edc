package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/model"
)

type notification struct {
	channel string
	payload string
}

// MemoryStore is an in-process Store. Notifications go to a single listener
// queue; once the queue is full further notifications are dropped, matching
// how a lagging Postgres listener loses nothing only while it keeps up.
type MemoryStore struct {
	mu       sync.Mutex
	robots   map[string]model.Robot
	requests map[uuid.UUID]model.Request

	listenMu sync.RWMutex
	listened map[string]bool
	notes    chan notification
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		robots:   make(map[string]model.Robot),
		requests: make(map[uuid.UUID]model.Request),
		listened: make(map[string]bool),
		notes:    make(chan notification, 4096),
	}
}

func (m *MemoryStore) SaveRobot(_ context.Context, r model.Robot) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.robots[r.Name] = r.Clone()
	m.notify(ChannelRobots, r.Name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetRobot(_ context.Context, name string) (model.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.robots[name]
	if !ok {
		return model.Robot{}, fmt.Errorf("storage: robot %s: %w", name, ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRobots(_ context.Context) ([]model.Robot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Robot, 0, len(m.robots))
	for _, r := range m.robots {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateRequests(_ context.Context, reqs []model.Request) error {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range reqs {
		if _, exists := m.requests[r.ID]; exists {
			return fmt.Errorf("storage: request %s already exists", r.ID)
		}
	}
	for _, r := range reqs {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = r.CreatedAt
		m.requests[r.ID] = r
		m.notify(ChannelRequests, r.ID.String())
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id uuid.UUID) (model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return model.Request{}, fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f model.RequestFilter) ([]model.Request, error) {
	f = normalizeFilter(f)
	m.mu.Lock()
	var out []model.Request
	for _, r := range m.requests {
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.RobotName != nil && (r.RobotName == nil || *r.RobotName != *f.RobotName) {
			continue
		}
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AssignRequest(_ context.Context, id uuid.UUID, robot string) error {
	return m.mutateRequest(id, func(r *model.Request) { r.RobotName = &robot })
}

func (m *MemoryStore) MarkRequestPickedUp(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.mutateRequest(id, func(r *model.Request) { r.PickedUpAt = &at })
}

func (m *MemoryStore) TransitionRequest(_ context.Context, id uuid.UUID, status model.RequestStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
	}
	if r.Status.Terminal() {
		return false, nil
	}
	r.Status = status
	r.UpdatedAt = time.Now().UTC()
	m.requests[id] = r
	m.notify(ChannelRequests, id.String())
	return true, nil
}

func (m *MemoryStore) mutateRequest(id uuid.UUID, fn func(*model.Request)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("storage: request %s: %w", id, ErrNotFound)
	}
	fn(&r)
	r.UpdatedAt = time.Now().UTC()
	m.requests[id] = r
	m.notify(ChannelRequests, id.String())
	return nil
}

func (m *MemoryStore) Listen(_ context.Context, channel string) error {
	m.listenMu.Lock()
	m.listened[channel] = true
	m.listenMu.Unlock()
	return nil
}

func (m *MemoryStore) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case n := <-m.notes:
		return n.channel, n.payload, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// notify is called with m.mu held so notifications leave in write order.
func (m *MemoryStore) notify(channel, payload string) {
	m.listenMu.RLock()
	on := m.listened[channel]
	m.listenMu.RUnlock()
	if !on {
		return
	}
	select {
	case m.notes <- notification{channel: channel, payload: payload}:
	default:
	}
}
