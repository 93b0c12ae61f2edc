// Package transporttest provides an in-memory Transport for tests. Goals are
// recorded and their events are delivered by the test.
package transporttest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/fleet/internal/transport"
)

// Sent is one recorded SendGoal call.
type Sent struct {
	Goal    transport.Goal
	Handle  transport.Handle
	Handler transport.Handler
}

// Fake records goals and cancellations.
type Fake struct {
	mu        sync.Mutex
	sent      []Sent
	cancelled []transport.Handle
	sendErr   error
	onState   func(transport.State)
}

var (
	_ transport.Transport   = (*Fake)(nil)
	_ transport.StateSource = (*Fake)(nil)
)

// FailSends makes subsequent SendGoal calls return err. nil restores.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *Fake) SendGoal(_ context.Context, goal transport.Goal, h transport.Handler) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return transport.Handle{}, f.sendErr
	}
	handle := transport.Handle{GoalID: uuid.New()}
	f.sent = append(f.sent, Sent{Goal: goal, Handle: handle, Handler: h})
	return handle, nil
}

func (f *Fake) Cancel(_ context.Context, h transport.Handle) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, h)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error { return nil }

func (f *Fake) OnState(fn func(transport.State)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

// Sent returns a copy of every goal sent so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Goal returns the i-th sent goal. It panics if there is none.
func (f *Fake) Goal(i int) Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// Last returns the most recent sent goal. It panics if there is none.
func (f *Fake) Last() Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// Cancelled returns the handles passed to Cancel.
func (f *Fake) Cancelled() []transport.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Handle(nil), f.cancelled...)
}

// Succeed delivers a succeeded result for s.
func (s Sent) Succeed() {
	s.Handler.OnResult(s.Handle, transport.Result{Status: transport.ResultSucceeded})
}

// Abort delivers an aborted result for s.
func (s Sent) Abort(msg string) {
	s.Handler.OnResult(s.Handle, transport.Result{Status: transport.ResultAborted, Message: msg})
}

// Fail delivers err for s.
func (s Sent) Fail(err error) {
	s.Handler.OnError(s.Handle, err)
}

// Feedback delivers a progress report for s.
func (s Sent) Feedback(lastNode int64, phase string) {
	s.Handler.OnFeedback(s.Handle, transport.Feedback{LastNodeID: &lastNode, Phase: phase})
}

// PublishState delivers robot telemetry to the registered state callback.
func (f *Fake) PublishState(s transport.State) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
