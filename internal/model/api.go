package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Submission size limits. A single submit call creates every request up
// front, so an unbounded batch would translate directly into unbounded
// store writes.
const (
	MaxRequestsPerSubmit    = 500
	MaxAssignmentsPerSubmit = 100
	MaxTargetsPerAssignment = 200
)

// RequestInput is one pickup-to-delivery pair in a submit call.
type RequestInput struct {
	PickupNodeID   int64 `json:"pickup_node_id"`
	DeliveryNodeID int64 `json:"delivery_node_id"`
}

// AssignmentInput routes one robot through an ordered list of target nodes.
type AssignmentInput struct {
	RobotName     string  `json:"robot_name"`
	TargetNodeIDs []int64 `json:"target_node_ids"`
}

// SubmitRequest is the request body for POST /v1/submit.
type SubmitRequest struct {
	Requests    []RequestInput    `json:"requests"`
	Assignments []AssignmentInput `json:"assignments"`
}

// ValidateSubmit checks shape and size limits before any request is created.
func ValidateSubmit(req SubmitRequest) error {
	if len(req.Assignments) == 0 {
		return fmt.Errorf("assignments must not be empty")
	}
	if len(req.Requests) > MaxRequestsPerSubmit {
		return fmt.Errorf("requests exceeds maximum of %d", MaxRequestsPerSubmit)
	}
	if len(req.Assignments) > MaxAssignmentsPerSubmit {
		return fmt.Errorf("assignments exceeds maximum of %d", MaxAssignmentsPerSubmit)
	}
	for i, r := range req.Requests {
		if r.PickupNodeID == r.DeliveryNodeID {
			return fmt.Errorf("requests[%d]: pickup and delivery must differ", i)
		}
	}
	for i, a := range req.Assignments {
		if a.RobotName == "" {
			return fmt.Errorf("assignments[%d]: robot_name is required", i)
		}
		if len(a.TargetNodeIDs) == 0 {
			return fmt.Errorf("assignments[%d]: target_node_ids must not be empty", i)
		}
		if len(a.TargetNodeIDs) > MaxTargetsPerAssignment {
			return fmt.Errorf("assignments[%d]: target_node_ids exceeds maximum of %d", i, MaxTargetsPerAssignment)
		}
	}
	return nil
}

// AssignmentResult reports how far one assignment got.
type AssignmentResult struct {
	RobotName  string      `json:"robot_name"`
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Dispatched int         `json:"dispatched"`
	Queued     int         `json:"queued"`
	JobIDs     []uuid.UUID `json:"job_ids"`
}

// SubmitResult is the response of a submit call. RequestIDs lists every
// request created, whatever happened to the assignments.
type SubmitResult struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	RequestIDs  []uuid.UUID        `json:"request_ids"`
	Assignments []AssignmentResult `json:"assignments"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// CancelResult is the response of POST /v1/robots/{name}/cancel.
type CancelResult struct {
	Robot     string     `json:"robot"`
	JobID     uuid.UUID  `json:"job_id"`
	RequestID *uuid.UUID `json:"request_id,omitempty"`
}

// ClearQueueResult is the response of POST /v1/robots/{name}/clear-queue.
type ClearQueueResult struct {
	Robot   string `json:"robot"`
	Cleared int    `json:"cleared"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Robots   int    `json:"robots"`
	Uptime   int64  `json:"uptime_seconds"`
}
