package robot

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrRobotInactive is returned by SendJob while an operator has the
	// robot disabled.
	ErrRobotInactive = errors.New("robot: robot is inactive")
	// ErrNoAvailableCell means every cell is occupied.
	ErrNoAvailableCell = errors.New("robot: no available cell")
	// ErrItemNotFound means no cell holds the request's item.
	ErrItemNotFound = errors.New("robot: item not found in any cell")
	// ErrNoActiveJob is returned by CancelCurrentJob when nothing is running.
	ErrNoActiveJob = errors.New("robot: no active job")
	// ErrEmptyPath rejects a job whose path has no nodes.
	ErrEmptyPath = errors.New("robot: job path is empty")
	// ErrRequestClosed means the job's request already reached a terminal
	// status, so the job is not started.
	ErrRequestClosed = errors.New("robot: request already closed")
	// ErrRobotBusy is returned by SetInactive while a job is executing.
	ErrRobotBusy = errors.New("robot: robot is busy")
	// ErrRobotOffline is returned by operator transitions before Initialize.
	ErrRobotOffline = errors.New("robot: robot is offline")
	// ErrStopped is returned once the controller's Run loop has exited.
	ErrStopped = errors.New("robot: controller stopped")
)

// JobExecutionError reports a job that the transport or the robot failed
// after it was handed over for execution. It moves the robot to ERROR.
type JobExecutionError struct {
	Robot     string
	JobID     uuid.UUID
	RequestID *uuid.UUID
	Err       error
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("robot %s: job %s failed: %v", e.Robot, e.JobID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
