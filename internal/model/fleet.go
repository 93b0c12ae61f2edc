// Package model defines the core domain types for the fleet orchestrator.
//
// Nodes arrive from the route oracle and are copied into job paths by value.
// Robots and requests correspond directly to the records kept in the state
// store and streamed to subscribers.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeType classifies a warehouse location.
type NodeType string

const (
	NodeWaypoint NodeType = "WAYPOINT"
	NodeConveyor NodeType = "CONVEYOR"
	NodeShelf    NodeType = "SHELF"
	NodeCell     NodeType = "CELL"
	NodeDepot    NodeType = "DEPOT"
)

// ParseNodeType maps the graph service's lowercase type names onto NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "waypoint", "WAYPOINT":
		return NodeWaypoint, nil
	case "conveyor", "CONVEYOR":
		return NodeConveyor, nil
	case "shelf", "SHELF":
		return NodeShelf, nil
	case "cell", "CELL":
		return NodeCell, nil
	case "depot", "DEPOT":
		return NodeDepot, nil
	default:
		return "", fmt.Errorf("unknown node type %q", s)
	}
}

// Node is a warehouse location. Paths carry copies, never references.
type Node struct {
	ID     int64    `json:"id" cbor:"id"`
	Alias  *string  `json:"alias,omitempty" cbor:"alias,omitempty"`
	TagID  *string  `json:"tag_id,omitempty" cbor:"tag_id,omitempty"`
	X      float64  `json:"x" cbor:"x"`
	Y      float64  `json:"y" cbor:"y"`
	Height float64  `json:"height" cbor:"height"`
	Type   NodeType `json:"type" cbor:"type"`
}

// Operation is what a robot does at the end of a job's path.
type Operation string

const (
	OpTravel   Operation = "TRAVEL"
	OpPickup   Operation = "PICKUP"
	OpDelivery Operation = "DELIVERY"
)

// JobProgress is the latest feedback reported for an executing job.
type JobProgress struct {
	LastNodeID *int64    `json:"last_node_id,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Job is a unit of work for one robot. Path is never empty; its last node is
// the hop's target.
type Job struct {
	ID        uuid.UUID    `json:"id"`
	Operation Operation    `json:"operation"`
	Path      []Node       `json:"path"`
	RequestID *uuid.UUID   `json:"request_id,omitempty"`
	CellIndex *int         `json:"cell_index,omitempty"`
	Progress  *JobProgress `json:"progress,omitempty"`
}

// Target returns the last node of the job's path.
func (j Job) Target() Node {
	return j.Path[len(j.Path)-1]
}

// RequestStatus is the lifecycle state of a pickup-to-delivery request.
type RequestStatus string

const (
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
	RequestCancelled  RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s != RequestInProgress
}

// Request is a user-level pickup-to-delivery intent. Requests are never
// deleted; terminal statuses are final.
type Request struct {
	ID             uuid.UUID     `json:"id"`
	PickupNodeID   int64         `json:"pickup_node_id"`
	DeliveryNodeID int64         `json:"delivery_node_id"`
	RobotName      *string       `json:"robot_name,omitempty"`
	Status         RequestStatus `json:"status"`
	PickedUpAt     *time.Time    `json:"picked_up_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Cell is a robot-local storage slot.
type Cell struct {
	Index    int        `json:"index"`
	Height   float64    `json:"height"`
	Occupant *uuid.UUID `json:"occupant,omitempty"`
}

// RobotStatus is the robot state machine position.
type RobotStatus string

const (
	RobotOffline  RobotStatus = "OFFLINE"
	RobotIdle     RobotStatus = "IDLE"
	RobotInactive RobotStatus = "INACTIVE"
	RobotBusy     RobotStatus = "BUSY"
	RobotError    RobotStatus = "ERROR"
)

// Pose is the robot's last reported planar position and heading.
type Pose struct {
	X         float64   `json:"x" cbor:"x"`
	Y         float64   `json:"y" cbor:"y"`
	A         float64   `json:"a" cbor:"a"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
}

// Robot is the persisted record for one robot. It is written only by that
// robot's controller.
type Robot struct {
	Name       string      `json:"name"`
	Status     RobotStatus `json:"status"`
	Cells      []Cell      `json:"cells"`
	CurrentJob *Job        `json:"current_job,omitempty"`
	Queue      []Job       `json:"queue"`
	LastNodeID *int64      `json:"last_node_id,omitempty"`
	Pose       *Pose       `json:"pose,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	Status    *RequestStatus
	RobotName *string
	Limit     int
	Offset    int
}

// Clone returns a copy that shares no mutable slices or pointers with r.
// Job paths are shared; they are never modified after construction.
func (r Robot) Clone() Robot {
	out := r
	out.Cells = append([]Cell(nil), r.Cells...)
	out.Queue = append([]Job(nil), r.Queue...)
	if r.CurrentJob != nil {
		j := *r.CurrentJob
		out.CurrentJob = &j
	}
	if r.LastNodeID != nil {
		id := *r.LastNodeID
		out.LastNodeID = &id
	}
	if r.Pose != nil {
		p := *r.Pose
		out.Pose = &p
	}
	return out
}

// PlanningNode is where the next submitted hop starts: the target of the
// last queued job, else the current job's target, else the last known node.
func (r Robot) PlanningNode() (int64, bool) {
	if n := len(r.Queue); n > 0 {
		return r.Queue[n-1].Target().ID, true
	}
	if r.CurrentJob != nil {
		return r.CurrentJob.Target().ID, true
	}
	if r.LastNodeID != nil {
		return *r.LastNodeID, true
	}
	return 0, false
}
