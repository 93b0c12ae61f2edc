// Package dispatch turns a batch of pickup/delivery requests and robot
// assignments into jobs and hands them to robot controllers.
//
// A submission is planned up front: every request is created, then each
// assignment's targets are classified as PICKUP, DELIVERY or TRAVEL in
// assignment order. Execution routes each hop through the oracle and sends
// the job. Assignments for different robots run concurrently; assignments
// for the same robot run in submission order while holding that robot's
// lock, so hops from concurrent submissions never interleave.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/fleet/internal/model"
	"github.com/ashita-ai/fleet/internal/service/fleet"
	"github.com/ashita-ai/fleet/internal/service/robot"
	"github.com/ashita-ai/fleet/internal/storage"
	"github.com/ashita-ai/fleet/internal/telemetry"
)

var (
	// ErrPathComputationFailed aborts the remaining hops of an assignment.
	ErrPathComputationFailed = errors.New("dispatch: path computation failed")
	// ErrInvalidInput wraps submission validation failures.
	ErrInvalidInput = errors.New("dispatch: invalid input")
)

// RouteOracle is the route query surface the dispatcher needs.
type RouteOracle interface {
	ShortestPath(ctx context.Context, start, end int64) ([]int64, error)
	NodesByIDs(ctx context.Context, ids []int64) ([]model.Node, error)
}

var tracer = telemetry.Tracer("fleet/dispatch")

// Dispatcher plans and executes submissions.
type Dispatcher struct {
	robots *fleet.Registry
	oracle RouteOracle
	store  storage.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	duration metric.Float64Histogram
}

// New creates a Dispatcher.
func New(robots *fleet.Registry, oracle RouteOracle, store storage.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	hist, _ := telemetry.Meter("fleet/dispatch").Float64Histogram("fleet.dispatch.duration",
		metric.WithDescription("Time to plan and dispatch a submission"),
		metric.WithUnit("ms"))
	return &Dispatcher{
		robots:   robots,
		oracle:   oracle,
		store:    store,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		duration: hist,
	}
}

// hop is one planned leg of an assignment.
type hop struct {
	target    int64
	operation model.Operation
	request   *uuid.UUID
	// followUp is a request delivered at the same node right after a pickup.
	followUp *uuid.UUID
}

type plannedAssignment struct {
	index int
	input model.AssignmentInput
	hops  []hop
}

// Submit creates the requests, then plans and dispatches every assignment.
// The returned result lists every created request even when assignments
// fail. An error is returned only when nothing could be attempted.
func (d *Dispatcher) Submit(ctx context.Context, in model.SubmitRequest) (model.SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "dispatch.submit", trace.WithAttributes(
		attribute.Int("fleet.requests", len(in.Requests)),
		attribute.Int("fleet.assignments", len(in.Assignments)),
	))
	defer span.End()
	began := time.Now()
	defer func() {
		d.duration.Record(ctx, float64(time.Since(began).Milliseconds()))
	}()

	if err := model.ValidateSubmit(in); err != nil {
		return model.SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	reqs := make([]model.Request, len(in.Requests))
	ids := make([]uuid.UUID, len(in.Requests))
	for i, r := range in.Requests {
		ids[i] = uuid.New()
		reqs[i] = model.Request{
			ID:             ids[i],
			PickupNodeID:   r.PickupNodeID,
			DeliveryNodeID: r.DeliveryNodeID,
			Status:         model.RequestInProgress,
		}
	}
	if err := d.store.CreateRequests(ctx, reqs); err != nil {
		return model.SubmitResult{}, fmt.Errorf("dispatch: create requests: %w", err)
	}
	// The requests exist now; a caller that goes away must not leave them
	// half dispatched.
	ctx = context.WithoutCancel(ctx)

	plans := plan(reqs, in.Assignments)
	results := make([]model.AssignmentResult, len(plans))

	// Group by robot, keeping submission order within each robot.
	var order []string
	groups := make(map[string][]plannedAssignment)
	for _, p := range plans {
		name := p.input.RobotName
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], p)
	}

	var (
		handedMu sync.Mutex
		handed   = make(map[uuid.UUID]bool)
	)
	markHanded := func(id uuid.UUID) {
		handedMu.Lock()
		handed[id] = true
		handedMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range order {
		g.Go(func() error {
			unlock := d.lockRobot(name)
			defer unlock()
			for _, p := range groups[name] {
				results[p.index] = d.execute(gctx, p, markHanded)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Requests that never reached a controller would stay IN_PROGRESS
	// forever; nobody else owns them.
	for _, id := range ids {
		if handed[id] {
			continue
		}
		if _, err := d.store.TransitionRequest(ctx, id, model.RequestFailed); err != nil {
			d.logger.Error("dispatch: fail orphaned request", "request_id", id, "error", err)
		}
	}

	res := model.SubmitResult{Success: true, RequestIDs: ids, Assignments: results}
	var failed []string
	dispatched, queued := 0, 0
	for _, r := range results {
		dispatched += r.Dispatched
		queued += r.Queued
		if !r.Success {
			res.Success = false
			failed = append(failed, r.RobotName+": "+r.Message)
		}
	}
	if res.Success {
		res.Message = fmt.Sprintf("%d jobs sent (%d started, %d queued) for %d requests",
			dispatched+queued, dispatched, queued, len(ids))
	} else {
		res.Message = fmt.Sprintf("%d of %d assignments failed: %s",
			len(failed), len(results), strings.Join(failed, "; "))
	}
	span.SetAttributes(attribute.Bool("fleet.success", res.Success))
	d.logger.Info("dispatch: submission processed",
		"requests", len(ids), "assignments", len(results), "success", res.Success,
		"started", dispatched, "queued", queued)
	return res, nil
}

// plan classifies every target. Each hop consumes the first request not yet
// consumed whose pickup (or delivery) node matches. A delivery is only
// planned for a request already picked up by an earlier hop on the same
// robot. When a target is both a pickup and another request's delivery, the
// hop is a PICKUP and the delivery becomes a follow-up job at the same node.
func plan(reqs []model.Request, assignments []model.AssignmentInput) []plannedAssignment {
	pickedBy := make([]string, len(reqs))
	delivered := make([]bool, len(reqs))

	pickup := func(owner string, target int64) *uuid.UUID {
		for i := range reqs {
			if pickedBy[i] == "" && reqs[i].PickupNodeID == target {
				pickedBy[i] = owner
				id := reqs[i].ID
				return &id
			}
		}
		return nil
	}
	drop := func(owner string, target int64) *uuid.UUID {
		for i := range reqs {
			if !delivered[i] && pickedBy[i] == owner && reqs[i].DeliveryNodeID == target {
				delivered[i] = true
				id := reqs[i].ID
				return &id
			}
		}
		return nil
	}

	plans := make([]plannedAssignment, len(assignments))
	for i, a := range assignments {
		p := plannedAssignment{index: i, input: a, hops: make([]hop, 0, len(a.TargetNodeIDs))}
		for _, target := range a.TargetNodeIDs {
			h := hop{target: target, operation: model.OpTravel}
			pick := pickup(a.RobotName, target)
			del := drop(a.RobotName, target)
			switch {
			case pick != nil:
				h.operation, h.request, h.followUp = model.OpPickup, pick, del
			case del != nil:
				h.operation, h.request = model.OpDelivery, del
			}
			p.hops = append(p.hops, h)
		}
		plans[i] = p
	}
	return plans
}

func (d *Dispatcher) execute(ctx context.Context, p plannedAssignment, handed func(uuid.UUID)) model.AssignmentResult {
	res := model.AssignmentResult{RobotName: p.input.RobotName, JobIDs: []uuid.UUID{}}
	fail := func(err error) model.AssignmentResult {
		res.Message = err.Error()
		d.logger.Warn("dispatch: assignment failed", "robot", res.RobotName, "error", err)
		return res
	}

	ctl, err := d.robots.Get(p.input.RobotName)
	if err != nil {
		return fail(err)
	}
	snap, err := ctl.Snapshot(ctx)
	if err != nil {
		return fail(fmt.Errorf("read robot state: %w", err))
	}
	current, ok := snap.PlanningNode()
	if !ok {
		return fail(fmt.Errorf("%w: robot %s has no known position", ErrPathComputationFailed, ctl.Name()))
	}

	send := func(job model.Job) error {
		disp, err := ctl.SendJob(ctx, job)
		if err != nil {
			return err
		}
		if job.RequestID != nil {
			handed(*job.RequestID)
		}
		res.JobIDs = append(res.JobIDs, job.ID)
		if disp == robot.Accepted {
			res.Dispatched++
		} else {
			res.Queued++
		}
		return nil
	}

	for i, h := range p.hops {
		nodes, err := d.route(ctx, current, h.target)
		if err != nil {
			return fail(fmt.Errorf("hop %d (node %d): %w", i+1, h.target, err))
		}
		job := model.Job{ID: uuid.New(), Operation: h.operation, Path: nodes, RequestID: h.request}
		if err := send(job); err != nil {
			return fail(fmt.Errorf("hop %d (node %d): %w", i+1, h.target, err))
		}
		if h.followUp != nil {
			drop := model.Job{
				ID:        uuid.New(),
				Operation: model.OpDelivery,
				Path:      []model.Node{nodes[len(nodes)-1]},
				RequestID: h.followUp,
			}
			if err := send(drop); err != nil {
				return fail(fmt.Errorf("hop %d (node %d) delivery: %w", i+1, h.target, err))
			}
		}
		current = h.target
	}
	res.Success = true
	return res
}

// route resolves the shortest path from start to end into full nodes.
func (d *Dispatcher) route(ctx context.Context, start, end int64) ([]model.Node, error) {
	ids, err := d.oracle.ShortestPath(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPathComputationFailed, err)
	}
	nodes, err := d.oracle.NodesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPathComputationFailed, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty path %d->%d", ErrPathComputationFailed, start, end)
	}
	return nodes, nil
}

func (d *Dispatcher) lockRobot(name string) func() {
	d.mu.Lock()
	l, ok := d.locks[name]
	if !ok {
		l = &sync.Mutex{}
		d.locks[name] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}
