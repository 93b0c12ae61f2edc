// Package fleet holds the robot controllers known to the process.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/fleet/internal/service/robot"
)

// ErrRobotNotFound is returned for names that are not in the registry.
var ErrRobotNotFound = errors.New("fleet: robot not found")

// Registry maps robot names to controllers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	controllers map[string]*robot.Controller
	logger      *slog.Logger
}

// NewRegistry builds a registry. Duplicate names are an error.
func NewRegistry(logger *slog.Logger, controllers ...*robot.Controller) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{controllers: make(map[string]*robot.Controller, len(controllers)), logger: logger}
	for _, c := range controllers {
		if _, dup := r.controllers[c.Name()]; dup {
			return nil, fmt.Errorf("fleet: duplicate robot %q", c.Name())
		}
		r.controllers[c.Name()] = c
	}
	return r, nil
}

// Get returns the controller for name.
func (r *Registry) Get(name string) (*robot.Controller, error) {
	c, ok := r.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRobotNotFound, name)
	}
	return c, nil
}

// Names returns robot names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.controllers))
	for n := range r.controllers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of robots.
func (r *Registry) Len() int { return len(r.controllers) }

// Run starts every controller loop, initializes each robot, and blocks until
// ctx is cancelled. ready, if non-nil, is closed once all robots are
// initialized. A robot that fails to initialize stays OFFLINE and is logged.
func (r *Registry) Run(ctx context.Context, ready chan<- struct{}) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range r.controllers {
		g.Go(func() error { return c.Run(gctx) })
	}

	inits, initCtx := errgroup.WithContext(gctx)
	for _, c := range r.controllers {
		inits.Go(func() error {
			if err := c.Initialize(initCtx); err != nil {
				r.logger.Error("fleet: robot initialize failed", "robot", c.Name(), "error", err)
			}
			return nil
		})
	}
	_ = inits.Wait()
	if ready != nil {
		close(ready)
	}
	r.logger.Info("fleet: robots started", "count", len(r.controllers))
	return g.Wait()
}
