package relay

import (
	"context"

	"github.com/fleet-relay/dlr/internal/audit"
	"github.com/fleet-relay/dlr/internal/driver"
	"github.com/fleet-relay/dlr/internal/eventlog"
	"github.com/fleet-relay/dlr/internal/metrics"
)

// RelayPort defines what the transports need from the relay.
type RelayPort interface {
	Subscribe(ctx context.Context, connID string, req SubscribeRequest) error
	Unsubscribe(ctx context.Context, connID string) error
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
	Reset(ctx context.Context) (int, error)
	Recent(limit int) ([]eventlog.Event, int)
	Status() Status
	ReportFault(ctx context.Context, err error, correlationID string)
}

// DriverDirectory receives every stored event.
type DriverDirectory interface {
	Record(event eventlog.Event)
	Reset()
}

// AuditLogger records producer actions.
type AuditLogger interface {
	LogAction(ctx context.Context, action, driverID string, params map[string]any, outcome string, err error)
}

// Metrics receives relay counters.
type Metrics interface {
	EventIngested(stored int)
	EventRejected(reason string)
	StoreSize(stored int)
	Delivered(kind string, n int)
	Subscribed(result string)
	Fault()
}

// Compile-time assertions
var (
	_ RelayPort       = (*Relay)(nil)
	_ DriverDirectory = (*driver.Directory)(nil)
	_ AuditLogger     = (*audit.Logger)(nil)
	_ Metrics         = metrics.Recorder{}
)

type noopMetrics struct{}

func (noopMetrics) EventIngested(int)     {}
func (noopMetrics) EventRejected(string)  {}
func (noopMetrics) StoreSize(int)         {}
func (noopMetrics) Delivered(string, int) {}
func (noopMetrics) Subscribed(string)     {}
func (noopMetrics) Fault()                {}
