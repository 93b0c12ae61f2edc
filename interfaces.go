package fleet

import (
	"github.com/ashita-ai/fleet/internal/config"
	"github.com/ashita-ai/fleet/internal/service/dispatch"
	"github.com/ashita-ai/fleet/internal/transport"
)

// Transport carries goals to a single robot. Every sent goal must end with
// exactly one result or error delivered to its handler.
type Transport = transport.Transport

// RouteOracle answers shortest-path and node-detail queries over the
// warehouse graph.
type RouteOracle = dispatch.RouteOracle

// RobotSpec is one robot entry of the fleet file.
type RobotSpec = config.RobotSpec

// TransportFactory builds the transport for one robot of the fleet file.
// The default dials the robot's address over TCP.
type TransportFactory func(spec RobotSpec) (Transport, error)
