package main

import (
	"context"
	"errors"
	"testing"

	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawdeck/internal/gateway"
	"github.com/basket/clawdeck/internal/reconcile"
)

type stubGateway struct {
	sessions   []gateway.GatewaySession
	created    gateway.GatewaySession
	err        error
	lastMethod string
	lastKey    string
}

func (s *stubGateway) Connect(ctx context.Context) error { return s.err }

func (s *stubGateway) Connected() bool { return s.err == nil }

func (s *stubGateway) Disconnect() {}

func (s *stubGateway) SessionsList(ctx context.Context) ([]gateway.GatewaySession, error) {
	s.lastMethod = "sessions.list"
	return s.sessions, s.err
}

func (s *stubGateway) SessionsCreate(ctx context.Context, channel, peer string) (gateway.GatewaySession, error) {
	s.lastMethod = "sessions.create"
	return s.created, s.err
}

func (s *stubGateway) ChatSend(ctx context.Context, sessionKey, message, model string) error {
	s.lastMethod = "chat.send"
	s.lastKey = sessionKey
	return s.err
}

func instrumented(t *testing.T, stub *stubGateway) *instrumentedGateway {
	t.Helper()
	return &instrumentedGateway{
		gatewayAPI: stub,
		tracer:     nooptrace.NewTracerProvider().Tracer("test"),
		metrics:    noopMetrics(t),
	}
}

func TestInstrumentedGateway_PassesThroughValues(t *testing.T) {
	stub := &stubGateway{
		sessions: []gateway.GatewaySession{{ID: "gs-1", Key: "agent:main:cron"}},
		created:  gateway.GatewaySession{ID: "gs-2", Key: "agent:worker:subagent"},
	}
	gw := instrumented(t, stub)
	ctx := context.Background()

	sessions, err := gw.SessionsList(ctx)
	if err != nil {
		t.Fatalf("SessionsList: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "gs-1" {
		t.Fatalf("SessionsList = %+v, want the stub's session", sessions)
	}

	created, err := gw.SessionsCreate(ctx, "cron", "main")
	if err != nil {
		t.Fatalf("SessionsCreate: %v", err)
	}
	if created.ID != "gs-2" {
		t.Fatalf("SessionsCreate ID = %q, want gs-2", created.ID)
	}

	if err := gw.ChatSend(ctx, "agent:main:cron", "hello", ""); err != nil {
		t.Fatalf("ChatSend: %v", err)
	}
	if stub.lastKey != "agent:main:cron" {
		t.Fatalf("ChatSend forwarded key %q", stub.lastKey)
	}
}

func TestInstrumentedGateway_PropagatesErrors(t *testing.T) {
	wantErr := errors.New("gateway closed")
	gw := instrumented(t, &stubGateway{err: wantErr})

	if _, err := gw.SessionsList(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("SessionsList err = %v, want %v", err, wantErr)
	}
	if err := gw.ChatSend(context.Background(), "k", "m", ""); !errors.Is(err, wantErr) {
		t.Fatalf("ChatSend err = %v, want %v", err, wantErr)
	}
}

type stubReconciler struct {
	result reconcile.Result
	err    error
	calls  int
}

func (s *stubReconciler) Reconcile(ctx context.Context) (reconcile.Result, error) {
	s.calls++
	return s.result, s.err
}

func TestInstrumentedReconciler_PassesThrough(t *testing.T) {
	stub := &stubReconciler{result: reconcile.Result{Ran: true, SessionsEnded: 2, TasksErrored: 1}}
	r := &instrumentedReconciler{
		engine:  stub,
		tracer:  nooptrace.NewTracerProvider().Tracer("test"),
		metrics: noopMetrics(t),
	}

	result, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result != stub.result {
		t.Fatalf("Reconcile result = %+v, want %+v", result, stub.result)
	}
	if stub.calls != 1 {
		t.Fatalf("engine called %d times, want 1", stub.calls)
	}
}

func TestInstrumentedReconciler_PropagatesError(t *testing.T) {
	wantErr := errors.New("gateway unreachable")
	r := &instrumentedReconciler{
		engine:  &stubReconciler{err: wantErr},
		tracer:  nooptrace.NewTracerProvider().Tracer("test"),
		metrics: noopMetrics(t),
	}

	if _, err := r.Reconcile(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Reconcile err = %v, want %v", err, wantErr)
	}
}
