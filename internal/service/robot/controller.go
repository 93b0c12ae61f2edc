// Package robot implements the per-robot controller: job queue, cell
// allocation, goal dispatch over the command transport, and persistence of
// the robot record.
//
// Each Controller is an actor. Run owns the robot state; every public
// method and every transport callback is a closure sent to the Run loop and
// executed one at a time, so no state is shared between goroutines.
package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/storage"
	"github.com/ashita-ai/fleet/internal/telemetry"
	"github.com/ashita-ai/fleet/internal/transport"
)

const inboxSize = 64

// Disposition is what SendJob did with a job.
type Disposition string

const (
	Accepted Disposition = "accepted"
	Queued   Disposition = "queued"
)

// Config is the static description of one robot.
type Config struct {
	Name        string
	CellHeights []float64
	InitialNode *int64
}

// Controller drives one robot.
type Controller struct {
	name      string
	transport transport.Transport
	store     storage.Store
	logger    *slog.Logger

	inbox   chan func(context.Context)
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run loop.
	robot  model.Robot
	handle *transport.Handle

	dispatched metric.Int64Counter
	queued     metric.Int64Counter
	completed  metric.Int64Counter
}

// NewController creates a controller in OFFLINE state. Call Run, then
// Initialize.
func NewController(cfg Config, tr transport.Transport, store storage.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("fleet/robot")
	dispatched, _ := meter.Int64Counter("fleet.jobs.dispatched",
		metric.WithDescription("Jobs whose goal was sent to a robot"))
	queued, _ := meter.Int64Counter("fleet.jobs.queued",
		metric.WithDescription("Jobs appended to a robot queue"))
	completed, _ := meter.Int64Counter("fleet.jobs.completed",
		metric.WithDescription("Jobs that reached a terminal outcome"))

	c := &Controller{
		name:      cfg.Name,
		transport: tr,
		store:     store,
		logger:    logger.With("robot", cfg.Name),
		inbox:     make(chan func(context.Context), inboxSize),
		done:      make(chan struct{}),
		robot: model.Robot{
			Name:       cfg.Name,
			Status:     model.RobotOffline,
			Cells:      NewCells(cfg.CellHeights),
			LastNodeID: cfg.InitialNode,
		},
		dispatched: dispatched,
		queued:     queued,
		completed:  completed,
	}
	if src, ok := tr.(transport.StateSource); ok {
		src.OnState(func(s transport.State) {
			c.post(func(ctx context.Context) { c.onState(ctx, s) })
		})
	}
	return c
}

// Name returns the robot name.
func (c *Controller) Name() string { return c.name }

// Run processes controller operations until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("robot %s: already running", c.name)
	}
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.inbox:
			fn(ctx)
		}
	}
}

// Initialize brings an OFFLINE robot to IDLE, restoring cell occupancy,
// queue and position from the stored record when one exists, then starts
// any restored queue.
func (c *Controller) Initialize(ctx context.Context) error {
	_, err := call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.initialize(ctx)
	})
	return err
}

// SendJob runs job now if the robot is IDLE, otherwise appends it to the
// queue. INACTIVE robots reject jobs. Cell preparation failures and goal
// send failures are returned; the latter as *JobExecutionError.
func (c *Controller) SendJob(ctx context.Context, job model.Job) (Disposition, error) {
	if err := validateJob(job); err != nil {
		return "", err
	}
	return call(ctx, c, func(ctx context.Context) (Disposition, error) {
		return c.sendJob(ctx, job)
	})
}

// CancelCurrentJob cancels the executing job, marks its request CANCELLED
// and moves on to the next queued job.
func (c *Controller) CancelCurrentJob(ctx context.Context) (model.Job, error) {
	return call(ctx, c, c.cancelCurrentJob)
}

// ClearQueue drops every queued job and cancels their requests. It returns
// the number of jobs dropped.
func (c *Controller) ClearQueue(ctx context.Context) (int, error) {
	return call(ctx, c, c.clearQueue)
}

// SetInactive disables the robot. Allowed from IDLE and ERROR.
func (c *Controller) SetInactive(ctx context.Context) error {
	_, err := call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.setInactive(ctx)
	})
	return err
}

// SetActive returns an INACTIVE or ERROR robot to IDLE and resumes the
// queue from its front.
func (c *Controller) SetActive(ctx context.Context) error {
	_, err := call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.setActive(ctx)
	})
	return err
}

// Snapshot returns a copy of the robot record.
func (c *Controller) Snapshot(ctx context.Context) (model.Robot, error) {
	return call(ctx, c, func(context.Context) (model.Robot, error) {
		return c.robot.Clone(), nil
	})
}

// call runs fn on the Run loop and waits for its result. If ctx ends before
// the loop picks fn up, fn is skipped and ctx's error returned; once fn has
// started its result is always returned.
func call[T any](ctx context.Context, c *Controller, fn func(context.Context) (T, error)) (T, error) {
	type reply struct {
		v   T
		err error
	}
	var zero T
	var claimed atomic.Bool
	replies := make(chan reply, 1)
	op := func(loopCtx context.Context) {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		v, err := fn(loopCtx)
		replies <- reply{v, err}
	}

	select {
	case c.inbox <- op:
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	wait := func() (T, error) {
		select {
		case r := <-replies:
			return r.v, r.err
		case <-c.done:
			select {
			case r := <-replies:
				return r.v, r.err
			default:
				return zero, ErrStopped
			}
		}
	}
	select {
	case r := <-replies:
		return r.v, r.err
	case <-c.done:
		if claimed.CompareAndSwap(false, true) {
			return zero, ErrStopped
		}
		return wait()
	case <-ctx.Done():
		if claimed.CompareAndSwap(false, true) {
			return zero, ctx.Err()
		}
		return wait()
	}
}

// post queues fn on the Run loop without waiting.
func (c *Controller) post(fn func(context.Context)) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

func validateJob(job model.Job) error {
	if len(job.Path) == 0 {
		return ErrEmptyPath
	}
	switch job.Operation {
	case model.OpTravel:
	case model.OpPickup, model.OpDelivery:
		if job.RequestID == nil {
			return fmt.Errorf("robot: %s job %s has no request", job.Operation, job.ID)
		}
	default:
		return fmt.Errorf("robot: job %s has unknown operation %q", job.ID, job.Operation)
	}
	return nil
}

func (c *Controller) initialize(ctx context.Context) error {
	if c.robot.Status != model.RobotOffline {
		return nil
	}

	stored, err := c.store.GetRobot(ctx, c.name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("robot %s: load stored record: %w", c.name, err)
	default:
		c.restore(ctx, stored)
	}

	c.robot.Status = model.RobotIdle
	c.persist(ctx)
	c.logger.Info("robot: initialized", "queued", len(c.robot.Queue))
	c.drain(ctx)
	return nil
}

// restore carries over state from a previous run. A job that was executing
// when the process stopped has an unknown outcome; its request is failed.
func (c *Controller) restore(ctx context.Context, stored model.Robot) {
	for _, sc := range stored.Cells {
		if sc.Occupant == nil || sc.Index < 0 || sc.Index >= len(c.robot.Cells) {
			continue
		}
		req, err := c.store.GetRequest(ctx, *sc.Occupant)
		if err != nil || req.Status.Terminal() {
			continue
		}
		id := *sc.Occupant
		c.robot.Cells[sc.Index].Occupant = &id
	}
	c.robot.Queue = append([]model.Job(nil), stored.Queue...)
	if stored.LastNodeID != nil {
		c.robot.LastNodeID = stored.LastNodeID
	}
	c.robot.Pose = stored.Pose

	if job := stored.CurrentJob; job != nil {
		c.logger.Warn("robot: job interrupted by restart", "job_id", job.ID)
		if job.RequestID != nil {
			c.closeRequest(ctx, *job.RequestID, model.RequestFailed)
		}
	}
}

func (c *Controller) sendJob(ctx context.Context, job model.Job) (Disposition, error) {
	switch c.robot.Status {
	case model.RobotInactive:
		return "", ErrRobotInactive
	case model.RobotIdle:
		if err := c.start(ctx, job); err != nil {
			return "", err
		}
		return Accepted, nil
	default:
		c.robot.Queue = append(c.robot.Queue, job)
		c.queued.Add(ctx, 1, metric.WithAttributes(attribute.String("robot", c.name)))
		c.persist(ctx)
		return Queued, nil
	}
}

// start prepares job's cell and hands it to the transport. A preparation
// failure fails the job's request and leaves the robot untouched. Jobs of a
// request that is already closed are refused.
func (c *Controller) start(ctx context.Context, job model.Job) error {
	if c.requestClosed(ctx, job) {
		return fmt.Errorf("robot %s: job %s: %w", c.name, job.ID, ErrRequestClosed)
	}
	job, err := c.prepare(job)
	if err != nil {
		if job.RequestID != nil {
			c.closeRequest(ctx, *job.RequestID, model.RequestFailed)
		}
		return fmt.Errorf("robot %s: job %s: %w", c.name, job.ID, err)
	}

	goal := transport.Goal{
		JobID:     job.ID,
		Operation: job.Operation,
		Nodes:     job.Path,
		RobotCell: transport.NoCell,
	}
	if job.CellIndex != nil {
		goal.RobotCell = *job.CellIndex
	}

	h, err := c.transport.SendGoal(ctx, goal, goalEvents{c})
	if err != nil {
		jerr := &JobExecutionError{Robot: c.name, JobID: job.ID, RequestID: job.RequestID, Err: err}
		c.fault(ctx, job, jerr)
		return jerr
	}

	c.handle = &h
	c.robot.Status = model.RobotBusy
	c.robot.CurrentJob = &job
	if job.RequestID != nil {
		if err := c.store.AssignRequest(ctx, *job.RequestID, c.name); err != nil {
			c.logger.Error("robot: assign request failed", "request_id", *job.RequestID, "error", err)
		}
	}
	c.persist(ctx)
	c.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("robot", c.name),
		attribute.String("operation", string(job.Operation)),
	))
	c.logger.Info("robot: job dispatched", "job_id", job.ID, "operation", job.Operation,
		"target", job.Target().ID)
	return nil
}

// requestClosed reports whether job's request reached a terminal status.
// A request the store cannot find does not block the job.
func (c *Controller) requestClosed(ctx context.Context, job model.Job) bool {
	if job.RequestID == nil {
		return false
	}
	req, err := c.store.GetRequest(ctx, *job.RequestID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("robot: request lookup failed", "request_id", *job.RequestID, "error", err)
		}
		return false
	}
	return req.Status.Terminal()
}

func (c *Controller) prepare(job model.Job) (model.Job, error) {
	job.CellIndex = nil
	switch job.Operation {
	case model.OpPickup:
		i, err := Allocate(c.robot.Cells, job.Target().Height)
		if err != nil {
			return job, err
		}
		job.CellIndex = &i
	case model.OpDelivery:
		i, err := Find(c.robot.Cells, *job.RequestID)
		if err != nil {
			return job, err
		}
		job.CellIndex = &i
	}
	return job, nil
}

// drain starts queued jobs while the robot is IDLE. Jobs that cannot be
// prepared are discarded; a send failure leaves the robot in ERROR with the
// rest of the queue intact.
func (c *Controller) drain(ctx context.Context) {
	for c.robot.Status == model.RobotIdle && len(c.robot.Queue) > 0 {
		job := c.robot.Queue[0]
		c.robot.Queue = append([]model.Job(nil), c.robot.Queue[1:]...)

		err := c.start(ctx, job)
		if err == nil {
			return
		}
		var jerr *JobExecutionError
		if errors.As(err, &jerr) {
			return
		}
		c.logger.Warn("robot: discarding queued job", "job_id", job.ID, "error", err)
		c.record(ctx, "rejected")
		c.persist(ctx)
	}
}

func (c *Controller) cancelCurrentJob(ctx context.Context) (model.Job, error) {
	if c.robot.Status != model.RobotBusy || c.robot.CurrentJob == nil {
		return model.Job{}, ErrNoActiveJob
	}
	job := *c.robot.CurrentJob
	if c.handle != nil {
		if err := c.transport.Cancel(ctx, *c.handle); err != nil {
			c.logger.Warn("robot: transport cancel failed", "job_id", job.ID, "error", err)
		}
	}
	c.handle = nil
	c.robot.CurrentJob = nil
	c.robot.Status = model.RobotIdle
	if job.RequestID != nil {
		c.closeRequest(ctx, *job.RequestID, model.RequestCancelled)
	}
	c.record(ctx, "cancelled")
	c.persist(ctx)
	c.logger.Info("robot: job cancelled", "job_id", job.ID)
	c.drain(ctx)
	return job, nil
}

// clearQueue cancels the requests of queued jobs. The current job's request
// is left alone; its own result decides its fate.
func (c *Controller) clearQueue(ctx context.Context) (int, error) {
	n := len(c.robot.Queue)
	if n == 0 {
		return 0, nil
	}
	var current uuid.UUID
	if j := c.robot.CurrentJob; j != nil && j.RequestID != nil {
		current = *j.RequestID
	}
	seen := make(map[uuid.UUID]bool)
	for _, job := range c.robot.Queue {
		if job.RequestID == nil || seen[*job.RequestID] || *job.RequestID == current {
			continue
		}
		seen[*job.RequestID] = true
		c.closeRequest(ctx, *job.RequestID, model.RequestCancelled)
	}
	c.robot.Queue = nil
	c.persist(ctx)
	c.logger.Info("robot: queue cleared", "dropped", n)
	return n, nil
}

func (c *Controller) setInactive(ctx context.Context) error {
	switch c.robot.Status {
	case model.RobotInactive:
		return nil
	case model.RobotBusy:
		return ErrRobotBusy
	case model.RobotOffline:
		return ErrRobotOffline
	}
	c.robot.Status = model.RobotInactive
	c.persist(ctx)
	c.logger.Info("robot: set inactive")
	return nil
}

func (c *Controller) setActive(ctx context.Context) error {
	switch c.robot.Status {
	case model.RobotIdle, model.RobotBusy:
		return nil
	case model.RobotOffline:
		return ErrRobotOffline
	}
	c.logger.Info("robot: set active", "from", c.robot.Status, "queued", len(c.robot.Queue))
	c.robot.Status = model.RobotIdle
	c.persist(ctx)
	c.drain(ctx)
	return nil
}

// goalEvents relays transport callbacks for a goal onto the Run loop.
type goalEvents struct{ c *Controller }

func (g goalEvents) OnFeedback(h transport.Handle, fb transport.Feedback) {
	g.c.post(func(ctx context.Context) { g.c.onFeedback(ctx, h, fb) })
}

func (g goalEvents) OnResult(h transport.Handle, r transport.Result) {
	g.c.post(func(ctx context.Context) { g.c.onResult(ctx, h, r) })
}

func (g goalEvents) OnError(h transport.Handle, err error) {
	g.c.post(func(ctx context.Context) { g.c.onError(ctx, h, err) })
}

// current reports whether h belongs to the executing job. Events for any
// other handle are stale: cancelled goals and duplicate terminal events.
func (c *Controller) current(h transport.Handle) bool {
	return c.handle != nil && *c.handle == h && c.robot.CurrentJob != nil
}

func (c *Controller) onFeedback(ctx context.Context, h transport.Handle, fb transport.Feedback) {
	if !c.current(h) {
		return
	}
	job := *c.robot.CurrentJob
	job.Progress = &model.JobProgress{
		LastNodeID: fb.LastNodeID,
		Phase:      fb.Phase,
		UpdatedAt:  time.Now().UTC(),
	}
	c.robot.CurrentJob = &job
	if fb.LastNodeID != nil {
		id := *fb.LastNodeID
		c.robot.LastNodeID = &id
	}
	c.persist(ctx)
}

func (c *Controller) onResult(ctx context.Context, h transport.Handle, r transport.Result) {
	if !c.current(h) {
		c.logger.Debug("robot: ignoring stale result", "goal_id", h.GoalID, "status", r.Status)
		return
	}
	job := *c.robot.CurrentJob

	switch r.Status {
	case transport.ResultSucceeded:
	case transport.ResultCancelled:
		// Cancelled on the robot side, not through CancelCurrentJob.
		c.handle = nil
		c.robot.CurrentJob = nil
		c.robot.Status = model.RobotIdle
		if job.RequestID != nil {
			c.closeRequest(ctx, *job.RequestID, model.RequestCancelled)
		}
		c.record(ctx, "cancelled")
		c.persist(ctx)
		c.drain(ctx)
		return
	default:
		c.fault(ctx, job, &JobExecutionError{
			Robot: c.name, JobID: job.ID, RequestID: job.RequestID,
			Err: fmt.Errorf("goal %s: %s", r.Status, r.Message),
		})
		return
	}

	c.handle = nil
	switch job.Operation {
	case model.OpPickup:
		id := *job.RequestID
		c.robot.Cells[*job.CellIndex].Occupant = &id
		if err := c.store.MarkRequestPickedUp(ctx, id, time.Now().UTC()); err != nil {
			c.logger.Error("robot: mark picked up failed", "request_id", id, "error", err)
		}
	case model.OpDelivery:
		c.robot.Cells[*job.CellIndex].Occupant = nil
		c.closeRequest(ctx, *job.RequestID, model.RequestCompleted)
	}

	target := job.Target().ID
	c.robot.LastNodeID = &target
	c.robot.CurrentJob = nil
	c.robot.Status = model.RobotIdle
	c.record(ctx, "succeeded")
	c.persist(ctx)
	c.logger.Info("robot: job completed", "job_id", job.ID, "operation", job.Operation)
	c.drain(ctx)
}

func (c *Controller) onError(ctx context.Context, h transport.Handle, err error) {
	if !c.current(h) {
		c.logger.Debug("robot: ignoring stale error", "goal_id", h.GoalID, "error", err)
		return
	}
	job := *c.robot.CurrentJob
	c.fault(ctx, job, &JobExecutionError{Robot: c.name, JobID: job.ID, RequestID: job.RequestID, Err: err})
}

// fault moves the robot to ERROR and fails job's request. The queue is kept
// until SetActive.
func (c *Controller) fault(ctx context.Context, job model.Job, jerr *JobExecutionError) {
	c.handle = nil
	c.robot.CurrentJob = nil
	c.robot.Status = model.RobotError
	if job.RequestID != nil {
		c.closeRequest(ctx, *job.RequestID, model.RequestFailed)
	}
	c.record(ctx, "failed")
	c.persist(ctx)
	c.logger.Error("robot: job failed", "job_id", job.ID, "error", jerr.Err, "queued", len(c.robot.Queue))
}

func (c *Controller) onState(ctx context.Context, s transport.State) {
	changed := false
	if s.Pose != nil {
		p := *s.Pose
		c.robot.Pose = &p
		changed = true
	}
	if s.LastNodeID != nil && (c.robot.LastNodeID == nil || *c.robot.LastNodeID != *s.LastNodeID) {
		id := *s.LastNodeID
		c.robot.LastNodeID = &id
		changed = true
	}
	if changed {
		c.persist(ctx)
	}
}

// closeRequest moves a request to a terminal status. Cells held by a
// request that did not complete are released.
func (c *Controller) closeRequest(ctx context.Context, id uuid.UUID, status model.RequestStatus) {
	applied, err := c.store.TransitionRequest(ctx, id, status)
	if err != nil {
		c.logger.Error("robot: request transition failed", "request_id", id, "status", status, "error", err)
	} else if !applied {
		c.logger.Debug("robot: request already closed", "request_id", id, "status", status)
	}
	if status != model.RequestCompleted {
		if i, err := Release(c.robot.Cells, id); err == nil {
			c.logger.Info("robot: cell released", "cell", i, "request_id", id)
		}
	}
}

func (c *Controller) persist(ctx context.Context) {
	c.robot.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveRobot(ctx, c.robot); err != nil {
		c.logger.Error("robot: persist failed", "error", err)
	}
}

func (c *Controller) record(ctx context.Context, outcome string) {
	c.completed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("robot", c.name),
		attribute.String("outcome", outcome),
	))
}
