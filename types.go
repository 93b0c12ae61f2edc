package fleet

import "github.com/ashita-ai/fleet/internal/model"

// Public names for the records the App reads and writes. They are aliases,
// so values pass between embedders and the internal packages unchanged.
type (
	Robot            = model.Robot
	Request          = model.Request
	Node             = model.Node
	Job              = model.Job
	SubmitRequest    = model.SubmitRequest
	SubmitResult     = model.SubmitResult
	RequestInput     = model.RequestInput
	AssignmentInput  = model.AssignmentInput
	AssignmentResult = model.AssignmentResult
)
