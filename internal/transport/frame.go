package transport

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/codec"
)

// Frame types on the wire.
const (
	frameGoal     = "goal"
	frameCancel   = "cancel"
	frameFeedback = "feedback"
	frameResult   = "result"
	frameError    = "error"
	frameState    = "state"
)

// frame is the envelope for every message in either direction. Body is
// decoded according to Type.
type frame struct {
	Type   string           `cbor:"type"`
	GoalID uuid.UUID        `cbor:"goal_id"`
	Body   codec.RawMessage `cbor:"body,omitempty"`
}

type errorBody struct {
	Message string `cbor:"message"`
}

func newFrame(typ string, goalID uuid.UUID, body any) (frame, error) {
	f := frame{Type: typ, GoalID: goalID}
	if body != nil {
		raw, err := codec.Marshal(body)
		if err != nil {
			return frame{}, fmt.Errorf("transport: encode %s body: %w", typ, err)
		}
		f.Body = raw
	}
	return f, nil
}

func (f frame) decodeBody(v any) error {
	if len(f.Body) == 0 {
		return fmt.Errorf("transport: %s frame has no body", f.Type)
	}
	if err := codec.Unmarshal(f.Body, v); err != nil {
		return fmt.Errorf("transport: decode %s body: %w", f.Type, err)
	}
	return nil
}
