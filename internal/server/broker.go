package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/storage"
)

// SSE event names.
const (
	EventRobot   = "robot"
	EventRequest = "request"
)

// Filter selects which events a subscriber receives. The zero value
// receives everything.
type Filter struct {
	Robot   string
	Request uuid.UUID
}

func (f Filter) matches(event, key string) bool {
	switch {
	case f.Robot != "":
		return event == EventRobot && key == f.Robot
	case f.Request != uuid.Nil:
		return event == EventRequest && key == f.Request.String()
	default:
		return true
	}
}

// Broker fans out store change notifications to SSE subscribers. Each
// notification carries only the entity key; the broker re-reads the record
// and broadcasts its full JSON representation.
type Broker struct {
	store  storage.Store
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]Filter
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(store storage.Store, logger *slog.Logger) *Broker {
	return &Broker{
		store:       store,
		logger:      logger,
		subscribers: make(map[chan []byte]Filter),
	}
}

// Start listens on the robot and request channels. It blocks until ctx is
// cancelled, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	for _, ch := range []string{storage.ChannelRobots, storage.ChannelRequests} {
		if err := b.store.Listen(ctx, ch); err != nil {
			b.logger.Error("broker: listen", "channel", ch, "error", err)
			return
		}
	}
	b.logger.Info("broker: listening for notifications",
		"channels", []string{storage.ChannelRobots, storage.ChannelRequests})

	for {
		channel, payload, err := b.store.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.dispatch(ctx, channel, payload)
	}
}

func (b *Broker) dispatch(ctx context.Context, channel, key string) {
	var event string
	switch channel {
	case storage.ChannelRobots:
		event = EventRobot
	case storage.ChannelRequests:
		event = EventRequest
	default:
		return
	}
	if !b.wanted(event, key) {
		return
	}
	data, err := b.load(ctx, event, key)
	if err != nil {
		b.logger.Warn("broker: reload record", "event", event, "key", key, "error", err)
		return
	}
	b.broadcast(event, key, formatSSE(event, string(data)))
}

// Current returns the SSE event for the record f names, for use as the
// first event of a filtered stream.
func (b *Broker) Current(ctx context.Context, f Filter) ([]byte, error) {
	event, key := EventRobot, f.Robot
	if f.Robot == "" {
		event, key = EventRequest, f.Request.String()
	}
	data, err := b.load(ctx, event, key)
	if err != nil {
		return nil, err
	}
	return formatSSE(event, string(data)), nil
}

func (b *Broker) load(ctx context.Context, event, key string) ([]byte, error) {
	if event == EventRobot {
		r, err := b.store.GetRobot(ctx, key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, err
	}
	req, err := b.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

// Subscribe returns a channel that receives SSE-formatted events matching f.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(f Filter) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = f
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) wanted(event, key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, f := range b.subscribers {
		if f.matches(event, key) {
			return true
		}
	}
	return false
}

// broadcast sends an event to all matching subscribers. Slow subscribers
// with a full buffer miss the event.
func (b *Broker) broadcast(event, key string, msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, f := range b.subscribers {
		if !f.matches(event, key) {
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
