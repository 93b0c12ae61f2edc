// Package transport carries robot goals to robot agents and relays their
// feedback and terminal events back.
//
// The contract is action-shaped: SendGoal returns a Handle, the Handler then
// receives zero or more feedback messages followed by exactly one result or
// error. Nothing is delivered for a goal after its terminal event.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/model"
)

// ErrConnectionLost is delivered through OnError for every goal still in
// flight when the connection to the agent breaks.
var ErrConnectionLost = errors.New("transport: connection to robot lost")

// ErrClosed is returned by SendGoal and Cancel after Close.
var ErrClosed = errors.New("transport: closed")

// NoCell marks a goal that does not touch a storage cell.
const NoCell = -1

// Goal is the command sent to a robot for one job.
type Goal struct {
	JobID     uuid.UUID       `cbor:"job_id"`
	Operation model.Operation `cbor:"operation"`
	Nodes     []model.Node    `cbor:"nodes"`
	RobotCell int             `cbor:"robot_cell"`
}

// Feedback is a progress report for an executing goal.
type Feedback struct {
	LastNodeID *int64 `cbor:"last_node_id,omitempty"`
	Phase      string `cbor:"phase,omitempty"`
}

// ResultStatus is how a goal ended.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultAborted   ResultStatus = "aborted"
	ResultCancelled ResultStatus = "cancelled"
)

// Result is the terminal outcome of a goal the agent ran to an end.
type Result struct {
	Status  ResultStatus `cbor:"status"`
	Message string       `cbor:"message,omitempty"`
}

// State is unsolicited robot telemetry.
type State struct {
	Pose       *model.Pose `cbor:"pose,omitempty"`
	LastNodeID *int64      `cbor:"last_node_id,omitempty"`
}

// Handle identifies one sent goal.
type Handle struct {
	GoalID uuid.UUID
}

// Handler receives events for one goal. Calls for a single goal are
// sequential and end with exactly one OnResult or OnError.
type Handler interface {
	OnFeedback(h Handle, fb Feedback)
	OnResult(h Handle, r Result)
	OnError(h Handle, err error)
}

// Transport sends goals to a single robot.
type Transport interface {
	SendGoal(ctx context.Context, goal Goal, h Handler) (Handle, error)
	Cancel(ctx context.Context, h Handle) error
	Close() error
}

// StateSource is implemented by transports that relay robot telemetry.
type StateSource interface {
	OnState(fn func(State))
}
