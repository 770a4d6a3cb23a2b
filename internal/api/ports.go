package api

import (
	"context"

	"github.com/fleet-relay/dlr/internal/driver"
	"github.com/fleet-relay/dlr/internal/relay"
	"github.com/fleet-relay/dlr/internal/telemetry"
)

// ConnectionPort defines what the subscriber transports need from the hub.
type ConnectionPort interface {
	Connect(w telemetry.Writer, transport telemetry.Transport) (*telemetry.Client, error)
	Serve(ctx context.Context, client *telemetry.Client) error
	Send(connID string, msg telemetry.Message) bool
	ActiveCount() int
}

// DriverReadPort defines the read side of the driver directory.
type DriverReadPort interface {
	Get(driverID string) (*driver.Driver, error)
	List() *driver.DriverList
}

// Compile-time assertions for port conformance
var _ relay.RelayPort = (*relay.Relay)(nil)
var _ ConnectionPort = (*telemetry.Hub)(nil)
var _ DriverReadPort = (*driver.Directory)(nil)
