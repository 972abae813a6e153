package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawdeck/internal/gateway"
	otelPkg "github.com/basket/clawdeck/internal/otel"
	"github.com/basket/clawdeck/internal/reconcile"
	"github.com/basket/clawdeck/internal/sched"
)

// gatewayAPI is the slice of the gateway client the daemon wires up. It is
// satisfied by *gateway.Client and covers both the dispatcher's and the
// reconciler's needs.
type gatewayAPI interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect()
	SessionsList(ctx context.Context) ([]gateway.GatewaySession, error)
	SessionsCreate(ctx context.Context, channel, peer string) (gateway.GatewaySession, error)
	ChatSend(ctx context.Context, sessionKey, message, model string) error
}

// instrumentedGateway wraps the gateway client with client spans and RPC
// latency/error counters. Connect and Connected pass through untouched.
type instrumentedGateway struct {
	gatewayAPI
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
}

func (g *instrumentedGateway) SessionsList(ctx context.Context) ([]gateway.GatewaySession, error) {
	var sessions []gateway.GatewaySession
	err := g.timed(ctx, "sessions.list", func(ctx context.Context) error {
		var err error
		sessions, err = g.gatewayAPI.SessionsList(ctx)
		return err
	})
	return sessions, err
}

func (g *instrumentedGateway) SessionsCreate(ctx context.Context, channel, peer string) (gateway.GatewaySession, error) {
	var session gateway.GatewaySession
	err := g.timed(ctx, "sessions.create", func(ctx context.Context) error {
		var err error
		session, err = g.gatewayAPI.SessionsCreate(ctx, channel, peer)
		return err
	})
	return session, err
}

func (g *instrumentedGateway) ChatSend(ctx context.Context, sessionKey, message, model string) error {
	return g.timed(ctx, "chat.send", func(ctx context.Context) error {
		return g.gatewayAPI.ChatSend(ctx, sessionKey, message, model)
	})
}

func (g *instrumentedGateway) timed(ctx context.Context, method string, fn func(context.Context) error) error {
	ctx, span := otelPkg.StartClientSpan(ctx, g.tracer, "gateway."+method,
		otelPkg.AttrMethod.String(method))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	g.metrics.RPCDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelPkg.AttrMethod.String(method)))
	if err != nil {
		g.metrics.RPCErrors.Add(ctx, 1,
			metric.WithAttributes(otelPkg.AttrMethod.String(method)))
	}
	return err
}

// instrumentedReconciler wraps the reconcile engine with a span per pass and
// duration/repair counters. Debounced passes record nothing.
type instrumentedReconciler struct {
	engine  sched.Reconciler
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
}

func (r *instrumentedReconciler) Reconcile(ctx context.Context) (reconcile.Result, error) {
	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "reconcile.pass")
	defer span.End()

	start := time.Now()
	result, err := r.engine.Reconcile(ctx)
	if err == nil && result.Ran {
		r.metrics.ReconcileDuration.Record(ctx, time.Since(start).Seconds())
		repairs := result.SessionsEnded + result.TasksErrored + result.AgentsReset + result.SessionsBackfilled
		if repairs > 0 {
			r.metrics.ReconcileRepairs.Add(ctx, int64(repairs))
		}
	}
	return result, err
}
