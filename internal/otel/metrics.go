package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Clawdeck metric instruments.
type Metrics struct {
	ReconcileDuration metric.Float64Histogram
	ReconcileRepairs  metric.Int64Counter
	RPCDuration       metric.Float64Histogram
	RPCErrors         metric.Int64Counter
	GatewayReconnects metric.Int64Counter
	TasksDispatched   metric.Int64Counter
	DispatchRejects   metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ReconcileDuration, err = meter.Float64Histogram("clawdeck.reconcile.duration",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileRepairs, err = meter.Int64Counter("clawdeck.reconcile.repairs",
		metric.WithDescription("Board repairs applied by reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCDuration, err = meter.Float64Histogram("clawdeck.rpc.duration",
		metric.WithDescription("Gateway request round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RPCErrors, err = meter.Int64Counter("clawdeck.rpc.errors",
		metric.WithDescription("Gateway request error count"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayReconnects, err = meter.Int64Counter("clawdeck.gateway.reconnects",
		metric.WithDescription("Automatic gateway reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("clawdeck.dispatch.sent",
		metric.WithDescription("Tasks handed to agent sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchRejects, err = meter.Int64Counter("clawdeck.dispatch.rejects",
		metric.WithDescription("Dispatches refused by the gateway"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("clawdeck.sessions.active",
		metric.WithDescription("Number of currently active sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
