package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/storage"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func assertSilent(t *testing.T, ch chan []byte) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(storage.NewMemoryStore(), testLogger())

	ch1 := broker.Subscribe(Filter{})
	ch2 := broker.Subscribe(Filter{})

	event := formatSSE(EventRobot, `{"name":"R1"}`)
	broker.broadcast(EventRobot, "R1", event)
	assert.Equal(t, string(event), receive(t, ch1))
	assert.Equal(t, string(event), receive(t, ch2))

	// Unsubscribe ch1, broadcast again: only ch2 should receive.
	broker.Unsubscribe(ch1)
	event2 := formatSSE(EventRobot, `{"name":"R2"}`)
	broker.broadcast(EventRobot, "R2", event2)
	assert.Equal(t, string(event2), receive(t, ch2))

	broker.Unsubscribe(ch2)
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("robot", `{"name":"R1"}`))
	assert.Equal(t, "event: robot\ndata: {\"name\":\"R1\"}\n\n", got)
}

func TestFilterMatches(t *testing.T) {
	id := uuid.New()
	cases := []struct {
		name  string
		f     Filter
		event string
		key   string
		want  bool
	}{
		{"all robots", Filter{}, EventRobot, "R1", true},
		{"all requests", Filter{}, EventRequest, id.String(), true},
		{"robot match", Filter{Robot: "R1"}, EventRobot, "R1", true},
		{"robot mismatch", Filter{Robot: "R1"}, EventRobot, "R2", false},
		{"robot filter skips requests", Filter{Robot: "R1"}, EventRequest, id.String(), false},
		{"request match", Filter{Request: id}, EventRequest, id.String(), true},
		{"request mismatch", Filter{Request: id}, EventRequest, uuid.NewString(), false},
		{"request filter skips robots", Filter{Request: id}, EventRobot, "R1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.f.matches(tc.event, tc.key))
		})
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(storage.NewMemoryStore(), testLogger())

	slow := broker.Subscribe(Filter{})
	fast := broker.Subscribe(Filter{})

	// Fill the slow subscriber's buffer.
	for range 65 {
		broker.broadcast(EventRobot, "R1", formatSSE(EventRobot, "fill"))
	}
	for range 64 {
		<-fast
	}

	event := formatSSE(EventRobot, "after-fill")
	broker.broadcast(EventRobot, "R1", event)
	assert.Equal(t, string(event), receive(t, fast))

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestBrokerReloadsRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemoryStore()
	broker := NewBroker(store, testLogger())
	// Listen up front so no write below races the broker's own Listen.
	require.NoError(t, store.Listen(ctx, storage.ChannelRobots))
	require.NoError(t, store.Listen(ctx, storage.ChannelRequests))

	robots := broker.Subscribe(Filter{Robot: "R1"})
	defer broker.Unsubscribe(robots)
	id := uuid.New()
	requests := broker.Subscribe(Filter{Request: id})
	defer broker.Unsubscribe(requests)

	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.Start(ctx)
	}()

	require.NoError(t, store.SaveRobot(ctx, model.Robot{Name: "R2", Status: model.RobotIdle}))
	require.NoError(t, store.SaveRobot(ctx, model.Robot{Name: "R1", Status: model.RobotBusy}))
	require.NoError(t, store.CreateRequests(ctx, []model.Request{
		{ID: uuid.New(), PickupNodeID: 1, DeliveryNodeID: 2, Status: model.RequestInProgress},
		{ID: id, PickupNodeID: 3, DeliveryNodeID: 4, Status: model.RequestInProgress},
	}))

	got := receive(t, robots)
	require.True(t, strings.HasPrefix(got, "event: robot\ndata: "))
	var r model.Robot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(got, "event: robot\ndata: "))), &r))
	assert.Equal(t, "R1", r.Name)
	assert.Equal(t, model.RobotBusy, r.Status)

	got = receive(t, requests)
	assert.Contains(t, got, id.String())
	assertSilent(t, robots)
	assertSilent(t, requests)

	cancel()
	<-done
}

func TestBrokerCurrent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	broker := NewBroker(store, testLogger())

	require.NoError(t, store.SaveRobot(ctx, model.Robot{Name: "R1", Status: model.RobotIdle}))
	ev, err := broker.Current(ctx, Filter{Robot: "R1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ev), "event: robot\n"))

	_, err = broker.Current(ctx, Filter{Request: uuid.New()})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
