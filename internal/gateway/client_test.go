package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/gateway"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// fakeGateway speaks the server side of the protocol: challenge on accept,
// then answers requests. Tests steer it through rejectAuth, dropOnConnect,
// challengeDelay, and the respond hook.
type fakeGateway struct {
	t  *testing.T
	ts *httptest.Server

	mu            sync.Mutex
	accepted      int
	tokens        []string
	connectParams json.RawMessage
	requests      []gateway.Frame
	conn          *websocket.Conn

	writeMu sync.Mutex

	rejectAuth     bool
	dropOnConnect  bool
	challengeDelay time.Duration
	respond        func(req gateway.Frame) (gateway.Frame, bool)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{t: t}
	fg.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fg.mu.Lock()
		fg.accepted++
		fg.tokens = append(fg.tokens, r.URL.Query().Get("token"))
		fg.conn = conn
		delay := fg.challengeDelay
		fg.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		fg.serve(conn)
	}))
	t.Cleanup(fg.ts.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + fg.ts.URL[len("http"):]
}

func (fg *fakeGateway) write(conn *websocket.Conn, frame gateway.Frame) error {
	fg.writeMu.Lock()
	defer fg.writeMu.Unlock()
	return wsjson.Write(context.Background(), conn, frame)
}

func (fg *fakeGateway) serve(conn *websocket.Conn) {
	challenge := gateway.Frame{
		Type:    "event",
		Event:   "connect.challenge",
		Payload: json.RawMessage(`{"nonce":"n-1"}`),
	}
	if err := fg.write(conn, challenge); err != nil {
		return
	}
	for {
		var req gateway.Frame
		if err := wsjson.Read(context.Background(), conn, &req); err != nil {
			return
		}
		if req.Method == "connect" {
			fg.mu.Lock()
			fg.connectParams = req.Params
			reject := fg.rejectAuth
			drop := fg.dropOnConnect
			fg.mu.Unlock()
			if drop {
				_ = conn.Close(websocket.StatusGoingAway, "dropped")
				return
			}
			if reject {
				notOK := false
				_ = fg.write(conn, gateway.Frame{
					Type:  "res",
					ID:    req.ID,
					OK:    &notOK,
					Error: &gateway.FrameError{Code: "EAUTH", Message: "invalid token"},
				})
				continue
			}
			ok := true
			_ = fg.write(conn, gateway.Frame{
				Type:    "res",
				ID:      req.ID,
				OK:      &ok,
				Payload: json.RawMessage(`{"protocol":3}`),
			})
			continue
		}
		fg.mu.Lock()
		fg.requests = append(fg.requests, req)
		hook := fg.respond
		fg.mu.Unlock()
		if hook != nil {
			frame, reply := hook(req)
			if !reply {
				continue
			}
			_ = fg.write(conn, frame)
			continue
		}
		ok := true
		_ = fg.write(conn, gateway.Frame{Type: "res", ID: req.ID, OK: &ok, Payload: json.RawMessage(`{}`)})
	}
}

// push sends an unsolicited frame on the most recent connection.
func (fg *fakeGateway) push(frame gateway.Frame) {
	fg.t.Helper()
	fg.mu.Lock()
	conn := fg.conn
	fg.mu.Unlock()
	if conn == nil {
		fg.t.Fatal("push: no active connection")
	}
	if err := fg.write(conn, frame); err != nil {
		fg.t.Fatalf("push: %v", err)
	}
}

// dropConn closes the server side of the most recent connection, the way a
// gateway restart would.
func (fg *fakeGateway) dropConn() {
	fg.t.Helper()
	fg.mu.Lock()
	conn := fg.conn
	fg.mu.Unlock()
	if conn == nil {
		fg.t.Fatal("dropConn: no active connection")
	}
	_ = conn.Close(websocket.StatusGoingAway, "gateway restart")
}

func (fg *fakeGateway) acceptedCount() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return fg.accepted
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(fg *fakeGateway, eventBus *bus.Bus) *gateway.Client {
	return gateway.NewClient(gateway.Config{
		URL:      fg.url(),
		Token:    "tok-secret-1234",
		ClientID: "clawdeck-test",
	}, eventBus, testLogger())
}

func connectTestClient(t *testing.T, fg *fakeGateway, eventBus *bus.Bus) *gateway.Client {
	t.Helper()
	client := newTestClient(fg, eventBus)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

func waitEvent(t *testing.T, sub *bus.Subscription, topic string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within 3s", topic)
		}
	}
}

func TestClientConnectCompletesHandshake(t *testing.T) {
	fg := newFakeGateway(t)
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicGatewayConnected)
	defer eventBus.Unsubscribe(sub)

	client := connectTestClient(t, fg, eventBus)
	if !client.Connected() {
		t.Fatal("client should report connected")
	}

	fg.mu.Lock()
	tokens := append([]string(nil), fg.tokens...)
	connectParams := fg.connectParams
	fg.mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "tok-secret-1234" {
		t.Fatalf("dial tokens = %v", tokens)
	}

	var params struct {
		MinProtocol int `json:"minProtocol"`
		MaxProtocol int `json:"maxProtocol"`
		Client      struct {
			ID   string `json:"id"`
			Mode string `json:"mode"`
		} `json:"client"`
		Auth struct {
			Token string `json:"token"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(connectParams, &params); err != nil {
		t.Fatalf("decode connect params: %v", err)
	}
	if params.MinProtocol != 3 || params.MaxProtocol != 3 {
		t.Fatalf("protocol range = %d..%d, want 3..3", params.MinProtocol, params.MaxProtocol)
	}
	if params.Client.ID != "clawdeck-test" || params.Client.Mode != "backend" {
		t.Fatalf("client identity = %+v", params.Client)
	}
	if params.Auth.Token != "tok-secret-1234" {
		t.Fatal("connect request should carry the auth token")
	}

	ev := waitEvent(t, sub, bus.TopicGatewayConnected)
	state, ok := ev.Payload.(bus.GatewayStateEvent)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if strings.Contains(state.URL, "tok-secret-1234") {
		t.Fatalf("connected event leaks token: %s", state.URL)
	}
}

func TestClientConcurrentConnectSharesOneAttempt(t *testing.T) {
	fg := newFakeGateway(t)
	fg.challengeDelay = 50 * time.Millisecond
	client := newTestClient(fg, nil)
	t.Cleanup(client.Disconnect)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs <- client.Connect(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent connect: %v", err)
		}
	}
	if got := fg.acceptedCount(); got != 1 {
		t.Fatalf("accepted %d connections, want 1", got)
	}

	// A repeat connect on an established client is a no-op.
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("repeat connect: %v", err)
	}
	if got := fg.acceptedCount(); got != 1 {
		t.Fatalf("repeat connect opened a new socket: %d", got)
	}
}

func TestClientCallBeforeConnectFailsFast(t *testing.T) {
	fg := newFakeGateway(t)
	client := newTestClient(fg, nil)

	_, err := client.Call(context.Background(), "sessions.list", struct{}{})
	if !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if got := fg.acceptedCount(); got != 0 {
		t.Fatalf("call before connect touched the socket: %d accepts", got)
	}
}

func TestClientCallRoundTrip(t *testing.T) {
	fg := newFakeGateway(t)
	fg.respond = func(req gateway.Frame) (gateway.Frame, bool) {
		if req.Method != "node.describe" {
			return gateway.Frame{}, false
		}
		ok := true
		return gateway.Frame{Type: "res", ID: req.ID, OK: &ok, Payload: json.RawMessage(`{"id":"node-1","online":true}`)}, true
	}
	client := connectTestClient(t, fg, nil)

	payload, err := client.Call(context.Background(), "node.describe", map[string]string{"nodeId": "node-1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.Contains(string(payload), `"node-1"`) {
		t.Fatalf("payload = %s", payload)
	}
}

func TestClientCallSurfacesGatewayError(t *testing.T) {
	fg := newFakeGateway(t)
	fg.respond = func(req gateway.Frame) (gateway.Frame, bool) {
		notOK := false
		return gateway.Frame{
			Type:  "res",
			ID:    req.ID,
			OK:    &notOK,
			Error: &gateway.FrameError{Message: "no such session"},
		}, true
	}
	client := connectTestClient(t, fg, nil)

	_, err := client.Call(context.Background(), "sessions.send", map[string]string{"sessionId": "missing"})
	var rpcErr *gateway.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Message != "no such session" {
		t.Fatalf("message = %q", rpcErr.Message)
	}
}

func TestClientCallHandlesLegacyEnvelope(t *testing.T) {
	fg := newFakeGateway(t)
	fg.respond = func(req gateway.Frame) (gateway.Frame, bool) {
		return gateway.Frame{ID: req.ID, Result: json.RawMessage(`{"legacy":true}`)}, true
	}
	client := connectTestClient(t, fg, nil)

	payload, err := client.Call(context.Background(), "node.list", struct{}{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(payload) != `{"legacy":true}` {
		t.Fatalf("payload = %s", payload)
	}
}

func TestClientCancelledCallLeavesClientUsable(t *testing.T) {
	fg := newFakeGateway(t)
	var withheld struct {
		sync.Mutex
		id gateway.FrameID
	}
	fg.respond = func(req gateway.Frame) (gateway.Frame, bool) {
		if req.Method == "slow.op" {
			withheld.Lock()
			withheld.id = req.ID
			withheld.Unlock()
			return gateway.Frame{}, false
		}
		ok := true
		return gateway.Frame{Type: "res", ID: req.ID, OK: &ok, Payload: json.RawMessage(`{}`)}, true
	}
	client := connectTestClient(t, fg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Call(ctx, "slow.op", struct{}{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// Deliver the response late: it must be ignored, and the client must
	// keep working.
	withheld.Lock()
	lateID := withheld.id
	withheld.Unlock()
	ok := true
	fg.push(gateway.Frame{Type: "res", ID: lateID, OK: &ok, Payload: json.RawMessage(`{"late":true}`)})

	if _, err := client.Call(context.Background(), "node.list", struct{}{}); err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
}

func TestClientAuthRejectionLeavesDisconnected(t *testing.T) {
	fg := newFakeGateway(t)
	fg.rejectAuth = true
	client := newTestClient(fg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Connect(ctx)
	if err == nil {
		t.Fatal("connect should fail on rejected auth")
	}
	if !strings.Contains(err.Error(), "gateway authentication") {
		t.Fatalf("err = %v", err)
	}
	if client.Connected() {
		t.Fatal("client should not report connected")
	}
	if got := fg.acceptedCount(); got != 1 {
		t.Fatalf("accepted = %d, want 1 (no retry)", got)
	}
	if _, err := client.Call(context.Background(), "sessions.list", struct{}{}); !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("call after failed auth: %v", err)
	}
}

func TestClientDropDuringHandshakeIsTransportError(t *testing.T) {
	fg := newFakeGateway(t)
	fg.dropOnConnect = true
	client := newTestClient(fg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.Connect(ctx)
	if err == nil {
		t.Fatal("connect should fail when the gateway drops mid-handshake")
	}
	if strings.Contains(err.Error(), "gateway authentication") {
		t.Fatalf("transport drop reported as auth failure: %v", err)
	}
	if !strings.Contains(err.Error(), "connection lost") {
		t.Fatalf("err = %v, want the transport cause", err)
	}
	if client.Connected() {
		t.Fatal("client should not report connected")
	}
}

func TestClientRedialsAfterConnectionDrop(t *testing.T) {
	prev := gateway.SetReconnectInterval(50 * time.Millisecond)
	defer gateway.SetReconnectInterval(prev)

	fg := newFakeGateway(t)
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicGatewayConnected)
	defer eventBus.Unsubscribe(sub)

	client := connectTestClient(t, fg, eventBus)
	waitEvent(t, sub, bus.TopicGatewayConnected)

	fg.dropConn()

	// The client redials on its own and repeats the challenge handshake on
	// the new socket.
	waitEvent(t, sub, bus.TopicGatewayConnected)
	if got := fg.acceptedCount(); got != 2 {
		t.Fatalf("accepted = %d, want 2", got)
	}
	if !client.Connected() {
		t.Fatal("client should report connected after redial")
	}
	if _, err := client.Call(context.Background(), "sessions.list", struct{}{}); err != nil {
		t.Fatalf("call after redial: %v", err)
	}

	// An explicit disconnect stops the redial loop.
	client.Disconnect()
	time.Sleep(200 * time.Millisecond)
	if got := fg.acceptedCount(); got != 2 {
		t.Fatalf("accepted = %d after disconnect, want 2", got)
	}
}

func TestClientDisconnectStopsTraffic(t *testing.T) {
	fg := newFakeGateway(t)
	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicGatewayDisconnected)
	defer eventBus.Unsubscribe(sub)

	client := connectTestClient(t, fg, eventBus)
	client.Disconnect()

	if client.Connected() {
		t.Fatal("client should report disconnected")
	}
	if _, err := client.Call(context.Background(), "sessions.list", struct{}{}); !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("call after disconnect: %v", err)
	}
	ev := waitEvent(t, sub, bus.TopicGatewayDisconnected)
	state, ok := ev.Payload.(bus.GatewayStateEvent)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if state.Reason != "disconnect requested" {
		t.Fatalf("reason = %q", state.Reason)
	}
}

func TestClientRepublishesNotifications(t *testing.T) {
	fg := newFakeGateway(t)
	eventBus := bus.New()
	named := eventBus.Subscribe(bus.TopicGatewayEventPrefix + "agent.output")
	defer eventBus.Unsubscribe(named)
	all := eventBus.Subscribe(bus.TopicGatewayNotification)
	defer eventBus.Unsubscribe(all)

	connectTestClient(t, fg, eventBus)
	fg.push(gateway.Frame{
		Type:    "event",
		Event:   "agent.output",
		Payload: json.RawMessage(`{"text":"hello"}`),
	})

	ev := waitEvent(t, named, bus.TopicGatewayEventPrefix+"agent.output")
	n, ok := ev.Payload.(gateway.Notification)
	if !ok {
		t.Fatalf("payload type %T", ev.Payload)
	}
	if n.Name != "agent.output" || n.Kind != "event" {
		t.Fatalf("notification = %+v", n)
	}
	if !strings.Contains(string(n.Payload), "hello") {
		t.Fatalf("payload = %s", n.Payload)
	}
	waitEvent(t, all, bus.TopicGatewayNotification)
}

func TestClientRequestTimeoutNamesMethod(t *testing.T) {
	err := &gateway.RequestTimeoutError{Method: "sessions.list"}
	if got := err.Error(); !strings.Contains(got, "sessions.list") || !strings.Contains(got, "timeout") {
		t.Fatalf("timeout error = %q", got)
	}
}

func TestClientSetTokenAppliesOnNextConnect(t *testing.T) {
	fg := newFakeGateway(t)
	client := connectTestClient(t, fg, nil)

	client.SetToken("tok-rotated-5678")
	client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	fg.mu.Lock()
	tokens := append([]string(nil), fg.tokens...)
	fg.mu.Unlock()
	if len(tokens) != 2 {
		t.Fatalf("dial count = %d, want 2", len(tokens))
	}
	if tokens[1] != "tok-rotated-5678" {
		t.Fatalf("second dial token = %q, want rotated value", tokens[1])
	}
}
