package fleet

import (
	"log/slog"
	"net"
)

// Option configures an App.
type Option func(*resolvedOptions)

type resolvedOptions struct {
	port             int
	databaseURL      string
	fleetConfigPath  string
	logger           *slog.Logger
	version          string
	transportFactory TransportFactory
	routeOracle      RouteOracle
	listener         net.Listener
}

// WithPort overrides the TCP port from config (FLEET_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the state store connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithFleetConfig overrides the fleet file path (FLEET_CONFIG env var).
func WithFleetConfig(path string) Option {
	return func(o *resolvedOptions) { o.fleetConfigPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithTransport replaces the TCP transport used to reach robot agents.
// The factory is called once per robot in the fleet file.
func WithTransport(f TransportFactory) Option {
	return func(o *resolvedOptions) { o.transportFactory = f }
}

// WithRouteOracle replaces the configured graph backend. GRAPH_BACKEND and
// the fleet file's graph section are then ignored.
func WithRouteOracle(r RouteOracle) Option {
	return func(o *resolvedOptions) { o.routeOracle = r }
}

// WithListener makes Run serve HTTP on ln instead of listening on the
// configured port.
func WithListener(ln net.Listener) Option {
	return func(o *resolvedOptions) { o.listener = ln }
}
