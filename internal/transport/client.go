package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/codec"
)

// Default connection timings.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Addr         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Client is a Transport speaking CBOR frames over TCP to one robot agent.
// The connection is dialed on first use and redialed after it breaks.
type Client struct {
	addr         string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	enc     *codec.Encoder
	goals   map[uuid.UUID]Handler
	stateFn func(State)
	closed  bool
}

var (
	_ Transport   = (*Client)(nil)
	_ StateSource = (*Client)(nil)
)

// NewClient creates a Client. It does not dial.
func NewClient(cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		addr:         cfg.Addr,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger.With("robot_addr", cfg.Addr),
		goals:        make(map[uuid.UUID]Handler),
	}
}

// OnState registers fn to receive robot telemetry frames.
func (c *Client) OnState(fn func(State)) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

// Connect dials the agent if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnLocked(ctx)
}

// SendGoal registers h and writes the goal frame. If the write fails the
// goal is forgotten and no handler call follows.
func (c *Client) SendGoal(ctx context.Context, goal Goal, h Handler) (Handle, error) {
	handle := Handle{GoalID: uuid.New()}
	f, err := newFrame(frameGoal, handle.GoalID, goal)
	if err != nil {
		return Handle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnLocked(ctx); err != nil {
		return Handle{}, err
	}
	c.goals[handle.GoalID] = h
	if err := c.writeLocked(f); err != nil {
		delete(c.goals, handle.GoalID)
		return Handle{}, fmt.Errorf("transport: send goal: %w", err)
	}
	return handle, nil
}

// Cancel asks the agent to stop the goal. The agent answers with a
// cancelled result, delivered to the goal's handler like any other.
func (c *Client) Cancel(ctx context.Context, h Handle) error {
	f, err := newFrame(frameCancel, h.GoalID, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.goals[h.GoalID]; !ok {
		return nil
	}
	if c.conn == nil {
		return ErrConnectionLost
	}
	if err := c.writeLocked(f); err != nil {
		return fmt.Errorf("transport: cancel goal: %w", err)
	}
	return nil
}

// Close drops the connection. Goals still in flight receive
// ErrConnectionLost.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) ensureConnLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.enc = codec.NewEncoder(conn)
	c.logger.Info("transport: connected")
	go c.readLoop(conn)
	return nil
}

func (c *Client) writeLocked(f frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.enc.Encode(f); err != nil {
		// readLoop sees the close and fails whatever else is in flight.
		_ = c.conn.Close()
		return err
	}
	return nil
}

// dropLocked forgets conn and returns the goals that were riding on it.
func (c *Client) dropLocked(conn net.Conn) map[uuid.UUID]Handler {
	if c.conn != conn {
		return nil
	}
	_ = conn.Close()
	c.conn = nil
	c.enc = nil
	pending := c.goals
	c.goals = make(map[uuid.UUID]Handler)
	return pending
}

func (c *Client) readLoop(conn net.Conn) {
	dec := codec.NewDecoder(conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			c.mu.Lock()
			closed := c.closed
			pending := c.dropLocked(conn)
			c.mu.Unlock()
			if !closed && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("transport: connection lost", "error", err, "in_flight", len(pending))
			}
			for id, h := range pending {
				h.OnError(Handle{GoalID: id}, ErrConnectionLost)
			}
			return
		}
		c.dispatch(f)
	}
}

// dispatch delivers one frame. Handlers are called without c.mu held so they
// may call back into the client.
func (c *Client) dispatch(f frame) {
	handle := Handle{GoalID: f.GoalID}
	switch f.Type {
	case frameFeedback:
		c.mu.Lock()
		h, ok := c.goals[f.GoalID]
		c.mu.Unlock()
		if !ok {
			return
		}
		var fb Feedback
		if err := f.decodeBody(&fb); err != nil {
			c.logger.Warn("transport: bad feedback frame", "error", err)
			return
		}
		h.OnFeedback(handle, fb)

	case frameResult, frameError:
		c.mu.Lock()
		h, ok := c.goals[f.GoalID]
		delete(c.goals, f.GoalID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("transport: terminal frame for unknown goal", "goal_id", f.GoalID)
			return
		}
		if f.Type == frameError {
			var eb errorBody
			if err := f.decodeBody(&eb); err != nil {
				eb.Message = err.Error()
			}
			h.OnError(handle, errors.New(eb.Message))
			return
		}
		var r Result
		if err := f.decodeBody(&r); err != nil {
			h.OnError(handle, err)
			return
		}
		h.OnResult(handle, r)

	case frameState:
		c.mu.Lock()
		fn := c.stateFn
		c.mu.Unlock()
		if fn == nil {
			return
		}
		var s State
		if err := f.decodeBody(&s); err != nil {
			c.logger.Warn("transport: bad state frame", "error", err)
			return
		}
		fn(s)

	default:
		diag, _ := codec.Diagnose(f.Body)
		c.logger.Warn("transport: unknown frame type", "type", f.Type, "body", diag)
	}
}
