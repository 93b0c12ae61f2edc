// fleet-robot-sim serves the robot end of the fleet command protocol. It
// accepts orchestrator connections, drives each goal along its path one node
// per step and reports feedback, telemetry and a result, so the orchestrator
// can be exercised without hardware.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ashita-ai/fleet/internal/transport"
)

type options struct {
	listen        string
	name          string
	step          time.Duration
	failAt        int64
	abortAt       int64
	stateInterval time.Duration
	logLevel      string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("fleet-robot-sim", pflag.ContinueOnError)
	fs.StringVar(&o.listen, "listen", "127.0.0.1:7400", "address to accept orchestrator connections on")
	fs.StringVar(&o.name, "name", "sim", "robot name used in logs")
	fs.DurationVar(&o.step, "step", 500*time.Millisecond, "time to travel between adjacent nodes")
	fs.Int64Var(&o.failAt, "fail-at", 0, "report a drive fault on reaching this node id (0 disables)")
	fs.Int64Var(&o.abortAt, "abort-at", 0, "abort the goal after reaching this node id (0 disables)")
	fs.DurationVar(&o.stateInterval, "state-interval", 2*time.Second, "telemetry publish interval while idle (0 disables)")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if o.step < 0 {
		return options{}, fmt.Errorf("--step must not be negative")
	}
	if o.failAt < 0 || o.abortAt < 0 {
		return options{}, fmt.Errorf("--fail-at and --abort-at must not be negative")
	}
	return o, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("robot", o.name)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", o.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", o.listen, err)
	}

	sim := &simulator{step: o.step, failAt: o.failAt, abortAt: o.abortAt, logger: logger}
	agent := transport.NewAgent(sim, logger)
	sim.publish = agent.PublishState

	if o.stateInterval > 0 {
		go func() {
			ticker := time.NewTicker(o.stateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					agent.PublishState(sim.state())
				}
			}
		}()
	}

	logger.Info("robot simulator listening", "addr", ln.Addr().String(),
		"step", o.step, "fail_at", o.failAt, "abort_at", o.abortAt)
	if err := agent.Serve(ctx, ln); err != nil {
		return err
	}
	logger.Info("robot simulator stopped")
	return nil
}
