// Package fleet is the public API for embedding the warehouse fleet
// orchestrator.
//
//	app, err := fleet.New(
//	    fleet.WithVersion(version),
//	    fleet.WithLogger(logger),
//	    fleet.WithFleetConfig("fleet.yaml"),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round. Public
// record types are aliases of the internal model types.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/fleet/api"
	"github.com/ashita-ai/fleet/internal/config"
	"github.com/ashita-ai/fleet/internal/mcp"
	"github.com/ashita-ai/fleet/internal/oracle"
	"github.com/ashita-ai/fleet/internal/ratelimit"
	"github.com/ashita-ai/fleet/internal/server"
	"github.com/ashita-ai/fleet/internal/service/dispatch"
	fleetsvc "github.com/ashita-ai/fleet/internal/service/fleet"
	"github.com/ashita-ai/fleet/internal/service/robot"
	"github.com/ashita-ai/fleet/internal/storage"
	"github.com/ashita-ai/fleet/internal/telemetry"
	"github.com/ashita-ai/fleet/internal/transport"
	"github.com/ashita-ai/fleet/migrations"
)

const (
	shutdownHTTPTimeout   = 10 * time.Second
	shutdownRobotsTimeout = 5 * time.Second
)

// App is the orchestrator lifecycle. Construct with New(), run with Run().
type App struct {
	cfg        config.Config
	store      storage.Store
	db         *storage.DB // nil with the memory store
	robots     *fleetsvc.Registry
	dispatcher *dispatch.Dispatcher
	broker     *server.Broker
	limiter    ratelimit.Limiter
	srv        *server.Server
	listener   net.Listener

	transports []Transport
	closers    []func()

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	// Set by Run.
	cancelRobots context.CancelFunc
	robotsDone   chan struct{}
}

// New loads configuration, connects the state store and route oracle,
// builds one controller per robot in the fleet file and wires the HTTP and
// MCP surfaces. It starts no goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		if cfg.GraphDatabaseURL == cfg.DatabaseURL {
			cfg.GraphDatabaseURL = o.databaseURL
		}
		cfg.DatabaseURL = o.databaseURL
	}
	if o.fleetConfigPath != "" {
		cfg.FleetConfigPath = o.fleetConfigPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("fleet starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	fleetFile, err := config.LoadFleet(cfg.FleetConfigPath)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		listener: o.listener,
		logger:   logger,
		version:  version,
	}
	ctx := context.Background()

	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Robots:      len(fleetFile.Robots),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.otelShutdown(context.Background()) })

	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	routes := o.routeOracle
	if routes == nil {
		routes, err = a.openRouteOracle(ctx, fleetFile)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	factory := o.transportFactory
	if factory == nil {
		factory = a.dialTransport
	}
	controllers := make([]*robot.Controller, 0, len(fleetFile.Robots))
	for _, spec := range fleetFile.Robots {
		tr, err := factory(spec)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("transport for robot %s: %w", spec.Name, err)
		}
		a.transports = append(a.transports, tr)
		controllers = append(controllers, robot.NewController(robot.Config{
			Name:        spec.Name,
			CellHeights: spec.CellHeights,
			InitialNode: spec.InitialNode,
		}, tr, a.store, logger))
	}

	a.robots, err = fleetsvc.NewRegistry(logger, controllers...)
	if err != nil {
		a.close()
		return nil, err
	}
	a.dispatcher = dispatch.New(a.robots, routes, a.store, logger)
	a.broker = server.NewBroker(a.store, logger)

	if cfg.SubmitRateLimit > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.SubmitRateLimit, cfg.SubmitRateBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.SubmitRateLimit, "burst", cfg.SubmitRateBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srvCfg := server.ServerConfig{
		Store:               a.store,
		Robots:              a.robots,
		Dispatcher:          a.dispatcher,
		Logger:              logger,
		Limiter:             a.limiter,
		Broker:              a.broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	}
	if a.db != nil {
		srvCfg.Pinger = a.db
	}
	if cfg.EnableMCP {
		srvCfg.MCPServer = mcp.New(a.robots, a.dispatcher, a.store, logger, version).MCPServer()
	} else {
		logger.Info("mcp: disabled")
	}
	a.srv = server.New(srvCfg)

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case "memory":
		a.store = storage.NewMemoryStore()
		a.logger.Warn("state store: memory", "risk", "robot and request records are lost on restart")
		return nil
	default:
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.cfg.NotifyURL, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.closers = append(a.closers, func() { db.Close(context.Background()) })
		db.RegisterPoolMetrics()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		a.db = db
		a.store = db
		return nil
	}
}

// openRouteOracle connects the configured graph backend. The SQLite backend
// is seeded from the fleet file's graph section when one is present.
func (a *App) openRouteOracle(ctx context.Context, f config.Fleet) (RouteOracle, error) {
	switch a.cfg.GraphBackend {
	case "sqlite":
		g, err := oracle.OpenSQLite(a.cfg.GraphSQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = g.Close() })
		if f.Graph != nil {
			if err := seedGraph(ctx, g, a.cfg.GraphID, f.Graph); err != nil {
				return nil, err
			}
			a.logger.Info("route oracle: seeded sqlite graph",
				"nodes", len(f.Graph.Nodes), "edges", len(f.Graph.Edges))
		}
		a.logger.Info("route oracle: sqlite", "path", a.cfg.GraphSQLitePath, "graph_id", a.cfg.GraphID)
		return oracle.NewClient(g, a.cfg.GraphID, a.logger), nil
	default:
		var pool *pgxpool.Pool
		if a.db != nil && a.cfg.GraphDatabaseURL == a.cfg.DatabaseURL {
			pool = a.db.Pool()
		} else {
			p, err := pgxpool.New(ctx, a.cfg.GraphDatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("route oracle: connect: %w", err)
			}
			a.closers = append(a.closers, p.Close)
			pool = p
		}
		a.logger.Info("route oracle: postgres", "graph_id", a.cfg.GraphID)
		return oracle.NewClient(oracle.NewPostgresGraph(pool), a.cfg.GraphID, a.logger), nil
	}
}

func seedGraph(ctx context.Context, g *oracle.SQLiteGraph, graphID int64, seed *config.GraphSeed) error {
	for _, ns := range seed.Nodes {
		n, err := ns.Node()
		if err != nil {
			return fmt.Errorf("seed graph: node %d: %w", ns.ID, err)
		}
		if err := g.UpsertNode(ctx, graphID, n); err != nil {
			return fmt.Errorf("seed graph: %w", err)
		}
	}
	for _, e := range seed.Edges {
		if err := g.UpsertEdge(ctx, graphID, e.From, e.To, e.Cost); err != nil {
			return fmt.Errorf("seed graph: %w", err)
		}
		if e.Bidirectional {
			if err := g.UpsertEdge(ctx, graphID, e.To, e.From, e.Cost); err != nil {
				return fmt.Errorf("seed graph: %w", err)
			}
		}
	}
	return nil
}

func (a *App) dialTransport(spec RobotSpec) (Transport, error) {
	return transport.NewClient(transport.ClientConfig{
		Addr:         spec.Address,
		DialTimeout:  a.cfg.DialTimeout,
		WriteTimeout: a.cfg.GoalTimeout,
		Logger:       a.logger.With("robot", spec.Name),
	}), nil
}

// Handler returns the root HTTP handler, for tests and for embedders that
// serve it themselves.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Submit creates the requests and dispatches the assignments, exactly like
// POST /v1/submit.
func (a *App) Submit(ctx context.Context, in SubmitRequest) (SubmitResult, error) {
	return a.dispatcher.Submit(ctx, in)
}

// Robot returns the live record of the named robot.
func (a *App) Robot(ctx context.Context, name string) (Robot, error) {
	c, err := a.robots.Get(name)
	if err != nil {
		return Robot{}, err
	}
	return c.Snapshot(ctx)
}

// Run starts the robot controllers, the SSE broker and the HTTP server,
// then blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	go a.broker.Start(ctx)

	robotsCtx, cancel := context.WithCancel(ctx)
	a.cancelRobots = cancel
	a.robotsDone = make(chan struct{})
	ready := make(chan struct{})
	go func() {
		defer close(a.robotsDone)
		if err := a.robots.Run(robotsCtx, ready); err != nil {
			a.logger.Error("robot controllers stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if a.listener != nil {
			err = a.srv.Serve(a.listener)
		} else {
			err = a.srv.Start()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ready:
		a.logger.Info("fleet ready", "robots", a.robots.Len())
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, stops
// the robot controllers, then closes the transports, the store and the OTEL
// providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("fleet shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.cancelRobots != nil {
		a.cancelRobots()
		select {
		case <-a.robotsDone:
		case <-time.After(shutdownRobotsTimeout):
			a.logger.Warn("robot controllers did not stop in time")
		}
	}

	for _, tr := range a.transports {
		if err := tr.Close(); err != nil {
			a.logger.Debug("transport close", "error", err)
		}
	}
	_ = a.limiter.Close()
	a.close()

	a.logger.Info("fleet stopped")
	return nil
}

// close runs the registered closers in reverse order of acquisition.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
