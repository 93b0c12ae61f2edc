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

// Executor runs goals on the robot side. Execute blocks until the goal ends;
// ctx is cancelled when the orchestrator cancels the goal or disconnects.
// Returning an error produces an error frame; returning a Result produces a
// result frame.
type Executor interface {
	Execute(ctx context.Context, goal Goal, feedback func(Feedback)) (Result, error)
}

// Agent serves the robot end of the protocol: it accepts orchestrator
// connections and runs each received goal through an Executor.
type Agent struct {
	exec   Executor
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*agentConn]struct{}
	wg    sync.WaitGroup
}

// NewAgent creates an Agent.
func NewAgent(exec Executor, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		exec:   exec,
		logger: logger,
		conns:  make(map[*agentConn]struct{}),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// every open connection and waits for running goals to stop.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			a.closeConns()
			a.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		ac := &agentConn{
			conn:  conn,
			enc:   codec.NewEncoder(conn),
			goals: make(map[uuid.UUID]context.CancelFunc),
		}
		a.mu.Lock()
		a.conns[ac] = struct{}{}
		a.mu.Unlock()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serveConn(ctx, ac)
			a.mu.Lock()
			delete(a.conns, ac)
			a.mu.Unlock()
		}()
	}
}

func (a *Agent) closeConns() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ac := range a.conns {
		_ = ac.conn.Close()
	}
}

// PublishState sends a telemetry frame to every connected orchestrator.
func (a *Agent) PublishState(s State) {
	f, err := newFrame(frameState, uuid.Nil, s)
	if err != nil {
		a.logger.Warn("agent: encode state", "error", err)
		return
	}
	a.mu.Lock()
	conns := make([]*agentConn, 0, len(a.conns))
	for ac := range a.conns {
		conns = append(conns, ac)
	}
	a.mu.Unlock()
	for _, ac := range conns {
		if err := ac.send(f); err != nil {
			a.logger.Debug("agent: publish state", "error", err)
		}
	}
}

type agentConn struct {
	conn net.Conn

	wmu sync.Mutex
	enc *codec.Encoder

	gmu   sync.Mutex
	goals map[uuid.UUID]context.CancelFunc
}

func (ac *agentConn) send(f frame) error {
	ac.wmu.Lock()
	defer ac.wmu.Unlock()
	_ = ac.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return ac.enc.Encode(f)
}

func (a *Agent) serveConn(ctx context.Context, ac *agentConn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ac.conn.Close()

	var running sync.WaitGroup
	defer running.Wait()

	dec := codec.NewDecoder(ac.conn)
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			if connCtx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				a.logger.Debug("agent: connection closed", "error", err)
			}
			return
		}
		switch f.Type {
		case frameGoal:
			var goal Goal
			if err := f.decodeBody(&goal); err != nil {
				a.reply(ac, frameError, f.GoalID, errorBody{Message: err.Error()})
				continue
			}
			goalCtx, goalCancel := context.WithCancel(connCtx)
			ac.gmu.Lock()
			ac.goals[f.GoalID] = goalCancel
			ac.gmu.Unlock()
			running.Add(1)
			go func(id uuid.UUID) {
				defer running.Done()
				a.run(goalCtx, ac, id, goal)
				ac.gmu.Lock()
				delete(ac.goals, id)
				ac.gmu.Unlock()
				goalCancel()
			}(f.GoalID)

		case frameCancel:
			ac.gmu.Lock()
			if cancelGoal, ok := ac.goals[f.GoalID]; ok {
				cancelGoal()
			}
			ac.gmu.Unlock()

		default:
			a.logger.Warn("agent: unexpected frame", "type", f.Type)
		}
	}
}

func (a *Agent) run(ctx context.Context, ac *agentConn, id uuid.UUID, goal Goal) {
	res, err := a.exec.Execute(ctx, goal, func(fb Feedback) {
		if ctx.Err() != nil {
			return
		}
		a.reply(ac, frameFeedback, id, fb)
	})
	switch {
	case err != nil && ctx.Err() != nil:
		a.reply(ac, frameResult, id, Result{Status: ResultCancelled, Message: "cancelled"})
	case err != nil:
		a.reply(ac, frameError, id, errorBody{Message: err.Error()})
	default:
		a.reply(ac, frameResult, id, res)
	}
}

func (a *Agent) reply(ac *agentConn, typ string, id uuid.UUID, body any) {
	f, err := newFrame(typ, id, body)
	if err != nil {
		a.logger.Warn("agent: encode reply", "type", typ, "error", err)
		return
	}
	if err := ac.send(f); err != nil {
		a.logger.Debug("agent: send reply", "type", typ, "error", err)
	}
}
