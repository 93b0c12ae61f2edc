package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/fleet/internal/model"
)

func newRequest(pickup, delivery int64) model.Request {
	return model.Request{
		ID:             uuid.New(),
		PickupNodeID:   pickup,
		DeliveryNodeID: delivery,
		Status:         model.RequestInProgress,
	}
}

func TestMemoryStoreRobotRoundtrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.GetRobot(ctx, "R1")
	require.ErrorIs(t, err, ErrNotFound)

	r := model.Robot{
		Name:   "R1",
		Status: model.RobotIdle,
		Cells:  []model.Cell{{Index: 0, Height: 0.5}, {Index: 1, Height: 1.0}},
	}
	require.NoError(t, m.SaveRobot(ctx, r))

	got, err := m.GetRobot(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, model.RobotIdle, got.Status)
	assert.Len(t, got.Cells, 2)
	assert.False(t, got.UpdatedAt.IsZero())

	// Mutating the returned copy must not leak into the store.
	got.Cells[0].Height = 9
	again, err := m.GetRobot(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, again.Cells[0].Height)
}

func TestMemoryStoreListRobotsSorted(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	for _, name := range []string{"R3", "R1", "R2"} {
		require.NoError(t, m.SaveRobot(ctx, model.Robot{Name: name, Status: model.RobotIdle}))
	}
	robots, err := m.ListRobots(ctx)
	require.NoError(t, err)
	require.Len(t, robots, 3)
	assert.Equal(t, "R1", robots[0].Name)
	assert.Equal(t, "R3", robots[2].Name)
}

func TestMemoryStoreTransitionIsFinal(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	req := newRequest(100, 200)
	require.NoError(t, m.CreateRequests(ctx, []model.Request{req}))

	applied, err := m.TransitionRequest(ctx, req.ID, model.RequestCompleted)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = m.TransitionRequest(ctx, req.ID, model.RequestFailed)
	require.NoError(t, err)
	assert.False(t, applied, "terminal status must not be overwritten")

	got, err := m.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, got.Status)
}

func TestMemoryStoreTransitionUnknown(t *testing.T) {
	_, err := NewMemoryStore().TransitionRequest(context.Background(), uuid.New(), model.RequestFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreConcurrentTransitionsSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	req := newRequest(1, 2)
	require.NoError(t, m.CreateRequests(ctx, []model.Request{req}))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, status := range []model.RequestStatus{model.RequestCompleted, model.RequestFailed, model.RequestCancelled} {
		for range 10 {
			wg.Add(1)
			go func(s model.RequestStatus) {
				defer wg.Done()
				ok, err := m.TransitionRequest(ctx, req.ID, s)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(status)
		}
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestMemoryStoreAssignAndPickup(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	req := newRequest(100, 200)
	require.NoError(t, m.CreateRequests(ctx, []model.Request{req}))

	require.NoError(t, m.AssignRequest(ctx, req.ID, "R1"))
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkRequestPickedUp(ctx, req.ID, at))

	got, err := m.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RobotName)
	assert.Equal(t, "R1", *got.RobotName)
	require.NotNil(t, got.PickedUpAt)
	assert.True(t, at.Equal(*got.PickedUpAt))
	assert.Equal(t, model.RequestInProgress, got.Status)

	assert.ErrorIs(t, m.AssignRequest(ctx, uuid.New(), "R1"), ErrNotFound)
}

func TestMemoryStoreCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	req := newRequest(1, 2)
	require.NoError(t, m.CreateRequests(ctx, []model.Request{req}))
	assert.Error(t, m.CreateRequests(ctx, []model.Request{newRequest(3, 4), req}))

	all, err := m.ListRequests(ctx, model.RequestFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1, "a failed batch must not insert anything")
}

func TestMemoryStoreListRequestsFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a, b, c := newRequest(1, 2), newRequest(3, 4), newRequest(5, 6)
	require.NoError(t, m.CreateRequests(ctx, []model.Request{a, b, c}))
	require.NoError(t, m.AssignRequest(ctx, a.ID, "R1"))
	require.NoError(t, m.AssignRequest(ctx, b.ID, "R2"))
	_, err := m.TransitionRequest(ctx, b.ID, model.RequestFailed)
	require.NoError(t, err)

	failed := model.RequestFailed
	got, err := m.ListRequests(ctx, model.RequestFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	r1 := "R1"
	got, err = m.ListRequests(ctx, model.RequestFilter{RobotName: &r1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = m.ListRequests(ctx, model.RequestFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStoreNotifiesListenedChannelsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m := NewMemoryStore()

	// Writes before Listen are not delivered.
	require.NoError(t, m.SaveRobot(ctx, model.Robot{Name: "early"}))

	require.NoError(t, m.Listen(ctx, ChannelRobots))
	require.NoError(t, m.Listen(ctx, ChannelRequests))

	req := newRequest(1, 2)
	require.NoError(t, m.SaveRobot(ctx, model.Robot{Name: "R1"}))
	require.NoError(t, m.CreateRequests(ctx, []model.Request{req}))

	ch, payload, err := m.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChannelRobots, ch)
	assert.Equal(t, "R1", payload)

	ch, payload, err = m.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, ChannelRequests, ch)
	assert.Equal(t, req.ID.String(), payload)
}

func TestMemoryStoreWaitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := NewMemoryStore().WaitForNotification(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
