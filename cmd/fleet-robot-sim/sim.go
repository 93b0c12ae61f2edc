package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/transport"
)

// simulator is a transport.Executor that walks a goal's path one node per
// step, reporting feedback at each node.
type simulator struct {
	step    time.Duration
	failAt  int64 // Node id where the goal ends with an error; 0 disables.
	abortAt int64 // Node id where the goal ends aborted; 0 disables.
	logger  *slog.Logger

	// publish receives a telemetry frame after every move. May be nil.
	publish func(transport.State)

	mu   sync.Mutex
	pose model.Pose
	last *int64
}

var _ transport.Executor = (*simulator)(nil)

func (s *simulator) Execute(ctx context.Context, goal transport.Goal, feedback func(transport.Feedback)) (transport.Result, error) {
	log := s.logger.With("job_id", goal.JobID, "operation", goal.Operation)
	if len(goal.Nodes) == 0 {
		return transport.Result{Status: transport.ResultAborted, Message: "empty path"}, nil
	}
	log.Info("sim: goal started", "nodes", len(goal.Nodes), "robot_cell", goal.RobotCell)

	for i, n := range goal.Nodes {
		if i > 0 {
			select {
			case <-ctx.Done():
				log.Info("sim: goal cancelled", "at_node", s.lastNode())
				return transport.Result{}, ctx.Err()
			case <-time.After(s.step):
			}
		}
		if s.failAt != 0 && n.ID == s.failAt {
			log.Warn("sim: injected fault", "node", n.ID)
			return transport.Result{}, fmt.Errorf("simulated drive fault at node %d", n.ID)
		}
		s.moveTo(n)
		id := n.ID
		feedback(transport.Feedback{LastNodeID: &id, Phase: "moving"})
		if s.abortAt != 0 && n.ID == s.abortAt {
			log.Warn("sim: injected abort", "node", n.ID)
			return transport.Result{
				Status:  transport.ResultAborted,
				Message: fmt.Sprintf("simulated obstacle at node %d", n.ID),
			}, nil
		}
	}

	if phase := handlingPhase(goal.Operation); phase != "" {
		target := goal.Nodes[len(goal.Nodes)-1].ID
		feedback(transport.Feedback{LastNodeID: &target, Phase: phase})
		select {
		case <-ctx.Done():
			return transport.Result{}, ctx.Err()
		case <-time.After(s.step):
		}
	}

	log.Info("sim: goal succeeded")
	return transport.Result{Status: transport.ResultSucceeded}, nil
}

func handlingPhase(op model.Operation) string {
	switch op {
	case model.OpPickup:
		return "loading"
	case model.OpDelivery:
		return "unloading"
	default:
		return ""
	}
}

func (s *simulator) moveTo(n model.Node) {
	s.mu.Lock()
	heading := s.pose.A
	if dx, dy := n.X-s.pose.X, n.Y-s.pose.Y; dx != 0 || dy != 0 {
		heading = math.Atan2(dy, dx)
	}
	s.pose = model.Pose{X: n.X, Y: n.Y, A: heading, Timestamp: time.Now().UTC()}
	id := n.ID
	s.last = &id
	state := s.stateLocked()
	s.mu.Unlock()

	if s.publish != nil {
		s.publish(state)
	}
}

func (s *simulator) lastNode() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return 0
	}
	return *s.last
}

// state returns the current telemetry frame.
func (s *simulator) state() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *simulator) stateLocked() transport.State {
	pose := s.pose
	var last *int64
	if s.last != nil {
		id := *s.last
		last = &id
	}
	return transport.State{Pose: &pose, LastNodeID: last}
}
