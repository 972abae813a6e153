package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/basket/clawdeck/internal/bus"
	"github.com/basket/clawdeck/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	connectTimeout = 10 * time.Second
	callTimeout    = 30 * time.Second

	minProtocol = 3
	maxProtocol = 3

	maxFrameBytes = 1 << 20
)

// reconnectInterval is the fixed wait before redialing after an established
// connection drops. Overridden in tests.
var reconnectInterval = 10 * time.Second

// Config carries the connection settings for one gateway.
type Config struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://127.0.0.1:18789/ws.
	URL string

	// Token authenticates the client. It rides in the dial URI and in the
	// post-challenge connect request, and is redacted from all diagnostics.
	Token string

	// ClientID names this client to the gateway.
	ClientID string

	// ClientVersion is reported in the connect handshake.
	ClientVersion string
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        *connectAuth  `json:"auth,omitempty"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token"`
}

// Client owns the process's single gateway connection: dial, challenge
// handshake, request/response correlation, notification fan-out, and fixed
// interval reconnection after an established connection drops.
//
// Construct one per process and hand it to every collaborator; Client is safe
// for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus
	calls  *correlator

	writeMu sync.Mutex // socket writes are the only serialization point

	mu             sync.Mutex
	conn           *websocket.Conn
	readCancel     context.CancelFunc
	gen            int // bumped on every attach/detach so stale callbacks no-op
	socketOpen     bool
	authenticated  bool
	connected      bool
	everConnected  bool
	reconnectOff   bool
	reconnectTimer *time.Timer
	challenge      chan json.RawMessage
	attempt        chan struct{} // closed when the in-flight connect attempt settles
	attemptErr     error
}

// NewClient builds a disconnected client. Call Connect to establish the link.
func NewClient(cfg Config, eventBus *bus.Bus, logger *slog.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "clawdeck"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "clawdeck/dev"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		bus:    eventBus,
		calls:  newCorrelator(),
	}
}

// Connected reports whether calls can be issued right now. All three signals
// must agree: socket open, authenticated, and the connected flag.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketOpen && c.authenticated && c.connected
}

// SetToken replaces the auth token used by future connect attempts. A rotated
// credential takes effect on the next dial; the current session keeps its own.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.cfg.Token = token
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Token
}

// Connect establishes the connection and completes the challenge handshake.
// It is idempotent: when already connected it returns immediately, and when
// an attempt is in flight every caller shares that attempt's outcome instead
// of opening another socket.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.socketOpen && c.authenticated && c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.attempt != nil {
		wait := c.attempt
		c.mu.Unlock()
		select {
		case <-wait:
			c.mu.Lock()
			err := c.attemptErr
			c.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wait := make(chan struct{})
	c.attempt = wait
	c.mu.Unlock()

	err := c.connectAttempt(ctx)

	c.mu.Lock()
	c.attemptErr = err
	c.attempt = nil
	c.mu.Unlock()
	close(wait)
	return err
}

func (c *Client) connectAttempt(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// Any pre-existing socket is torn down first, listeners detached.
	c.detach(websocket.StatusNormalClosure, "superseded")

	token := c.token()
	dialURL, err := c.dialURL(token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(attemptCtx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", shared.Redact(c.cfg.URL), err)
	}
	conn.SetReadLimit(maxFrameBytes)

	challenge := make(chan json.RawMessage, 1)
	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.readCancel = readCancel
	c.socketOpen = true
	c.authenticated = false
	c.connected = false
	c.reconnectOff = false
	c.challenge = challenge
	c.mu.Unlock()

	go c.readLoop(readCtx, conn, gen)

	// Phase 1: the gateway speaks first with its challenge event.
	select {
	case _, ok := <-challenge:
		if !ok {
			c.abortAttempt(conn, gen)
			return errors.New("connection closed before challenge")
		}
	case <-attemptCtx.Done():
		c.abortAttempt(conn, gen)
		return c.attemptTimeout(ctx, "challenge")
	}

	// Phase 2: answer with a correlated connect request. Resolving this
	// request, not the socket opening, is what makes the client connected.
	params := connectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: connectClient{
			ID:       c.cfg.ClientID,
			Version:  c.cfg.ClientVersion,
			Platform: runtime.GOOS,
			Mode:     "backend",
		},
	}
	if token != "" {
		params.Auth = &connectAuth{Token: token}
	}
	id, resultCh := c.calls.register("connect")
	frame, err := requestFrame(id, "connect", params)
	if err != nil {
		c.calls.remove(id)
		c.abortAttempt(conn, gen)
		return err
	}
	if err := c.send(attemptCtx, conn, frame); err != nil {
		c.calls.remove(id)
		c.abortAttempt(conn, gen)
		return fmt.Errorf("send connect request: %w", err)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			c.abortAttempt(conn, gen)
			// Only a gateway-reported rejection is an auth failure; a socket
			// that died mid-handshake keeps its transport error.
			var rpcErr *RPCError
			if errors.As(res.err, &rpcErr) {
				return fmt.Errorf("gateway authentication: %w", res.err)
			}
			return fmt.Errorf("connect handshake: %w", res.err)
		}
	case <-attemptCtx.Done():
		c.calls.remove(id)
		c.abortAttempt(conn, gen)
		return c.attemptTimeout(ctx, "authentication")
	}

	c.mu.Lock()
	if gen != c.gen {
		// The socket died between the auth response and here.
		c.mu.Unlock()
		return errors.New("connection lost during handshake")
	}
	c.authenticated = true
	c.connected = true
	c.everConnected = true
	c.mu.Unlock()

	c.logger.Info("gateway connected", "url", shared.Redact(c.cfg.URL), "client_id", c.cfg.ClientID)
	c.publish(bus.TopicGatewayConnected, bus.GatewayStateEvent{URL: shared.Redact(c.cfg.URL)})
	return nil
}

func (c *Client) attemptTimeout(ctx context.Context, phase string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("connect timeout after %s awaiting %s", connectTimeout, phase)
}

// dialURL embeds the token as a query parameter on the configured endpoint.
func (c *Client) dialURL(token string) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("gateway url scheme %q: want ws or wss", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// abortAttempt tears down a half-built connection without scheduling a
// reconnect; a failed initial attempt is the caller's to retry.
func (c *Client) abortAttempt(conn *websocket.Conn, gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	readCancel := c.readCancel
	c.readCancel = nil
	c.conn = nil
	c.socketOpen = false
	c.authenticated = false
	c.connected = false
	c.challenge = nil
	c.mu.Unlock()

	if readCancel != nil {
		readCancel()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "handshake aborted")
}

// Disconnect closes the connection for good: the reconnect timer is
// cancelled, listeners are detached before the close so no spurious
// reconnect gets scheduled, and every flag resets. A later Connect starts
// over from scratch.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectOff = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	readCancel := c.readCancel
	c.readCancel = nil
	wasConnected := c.connected
	c.socketOpen = false
	c.authenticated = false
	c.connected = false
	if c.challenge != nil {
		close(c.challenge)
		c.challenge = nil
	}
	c.mu.Unlock()

	if readCancel != nil {
		readCancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.calls.failAll(ErrNotConnected)

	if wasConnected {
		c.logger.Info("gateway disconnected", "url", shared.Redact(c.cfg.URL))
		c.publish(bus.TopicGatewayDisconnected, bus.GatewayStateEvent{URL: shared.Redact(c.cfg.URL), Reason: "disconnect requested"})
	}
}

// Call sends one request and waits for its response. It fails immediately
// with ErrNotConnected unless the connection is fully established, and
// rejects with a RequestTimeoutError naming the method when no response
// arrives within the window.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if !(c.socketOpen && c.authenticated && c.connected) || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	id, resultCh := c.calls.register(method)
	frame, err := requestFrame(id, method, params)
	if err != nil {
		c.calls.remove(id)
		return nil, err
	}
	if err := c.send(ctx, conn, frame); err != nil {
		c.calls.remove(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		c.calls.remove(id)
		return nil, &RequestTimeoutError{Method: method}
	case <-ctx.Done():
		c.calls.remove(id)
		return nil, ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, conn, frame)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			c.socketClosed(gen, err)
			return
		}
		c.dispatch(frame, gen)
	}
}

// dispatch classifies one inbound frame: responses settle their pending
// request, the challenge event drives the handshake, and anything else with
// a method or event name is an unsolicited notification.
func (c *Client) dispatch(frame Frame, gen int) {
	if frame.isResponse() {
		id := string(frame.ID)
		payload, err := frame.result()
		method := c.calls.method(id)
		if !c.calls.settle(id, payload, err) {
			c.logger.Debug("response for unknown request id", "id", id)
			return
		}
		c.logger.Debug("response settled", "method", method, "id", id)
		return
	}
	if frame.isChallenge() {
		c.mu.Lock()
		var challenge chan json.RawMessage
		if gen == c.gen {
			challenge = c.challenge
			c.challenge = nil
		}
		c.mu.Unlock()
		if challenge == nil {
			c.logger.Debug("unexpected challenge frame dropped")
			return
		}
		challenge <- frame.Payload
		return
	}
	if frame.isNotification() {
		c.notify(frame)
		return
	}
	c.logger.Debug("unclassifiable frame dropped", "type", frame.Type)
}

// socketClosed handles an unexpected read failure. It resets the connection
// state, fails all pending requests, and schedules a reconnect only when an
// established connection was lost; a half-finished handshake surfaces its
// error to the connecting caller instead.
func (c *Client) socketClosed(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	wasConnected := c.connected
	c.conn = nil
	c.readCancel = nil
	c.socketOpen = false
	c.authenticated = false
	c.connected = false
	if c.challenge != nil {
		close(c.challenge)
		c.challenge = nil
	}
	shouldReconnect := wasConnected && c.everConnected && !c.reconnectOff
	c.mu.Unlock()

	c.calls.failAll(fmt.Errorf("connection lost: %w", cause))

	if !wasConnected {
		return
	}
	c.logger.Warn("gateway connection lost", "error", shared.Redact(cause.Error()))
	c.publish(bus.TopicGatewayDisconnected, bus.GatewayStateEvent{URL: shared.Redact(c.cfg.URL), Reason: "connection lost"})
	if shouldReconnect {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the single reconnect timer. Re-entrant calls while
// one is pending are no-ops.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectOff || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(reconnectInterval, c.reconnectNow)
}

func (c *Client) reconnectNow() {
	c.mu.Lock()
	c.reconnectTimer = nil
	off := c.reconnectOff
	c.mu.Unlock()
	if off {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		// Quietly try again on the same interval.
		c.logger.Debug("gateway reconnect failed", "error", shared.Redact(err.Error()))
		c.scheduleReconnect()
	}
}

func (c *Client) publish(topic string, payload any) {
	if c.bus != nil {
		c.bus.Publish(topic, payload)
	}
}

// detach closes any current socket with listeners already detached, so the
// close never triggers the reconnect path.
func (c *Client) detach(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn := c.conn
	readCancel := c.readCancel
	if conn != nil {
		c.gen++
	}
	c.conn = nil
	c.readCancel = nil
	c.socketOpen = false
	c.authenticated = false
	c.connected = false
	if c.challenge != nil {
		close(c.challenge)
		c.challenge = nil
	}
	c.mu.Unlock()

	if readCancel != nil {
		readCancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}
