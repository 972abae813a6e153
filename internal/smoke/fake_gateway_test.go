package smoke

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wireFrame mirrors the gateway envelope: req/res/event frames plus the
// fields each shape uses.
type wireFrame struct {
	Type    string          `json:"type,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// fakeGateway is a real websocket server speaking the gateway's server side:
// challenge on accept, connect handshake, then method dispatch against a
// mutable session list. It outlives individual connections, so one instance
// serves a daemon plus any number of one-shot CLI processes.
type fakeGateway struct {
	t  *testing.T
	ts *httptest.Server

	mu       sync.Mutex
	sessions []map[string]any
	connects int
	creates  int
	chatKeys []string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{t: t}
	fg.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fg.serve(conn)
	}))
	t.Cleanup(fg.ts.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + fg.ts.URL[len("http"):] + "/ws"
}

func (fg *fakeGateway) serve(conn *websocket.Conn) {
	ctx := context.Background()
	challenge := wireFrame{
		Type:    "event",
		Event:   "connect.challenge",
		Payload: json.RawMessage(`{"nonce":"smoke-nonce"}`),
	}
	if err := wsjson.Write(ctx, conn, challenge); err != nil {
		return
	}
	for {
		var req wireFrame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		ok := true
		resp := wireFrame{Type: "res", ID: req.ID, OK: &ok}
		switch req.Method {
		case "connect":
			fg.mu.Lock()
			fg.connects++
			fg.mu.Unlock()
			resp.Payload = json.RawMessage(`{"protocol":3}`)
		case "sessions.list":
			fg.mu.Lock()
			raw, err := json.Marshal(fg.sessions)
			fg.mu.Unlock()
			if err != nil {
				return
			}
			resp.Payload = raw
		case "sessions.create":
			var params struct {
				Channel string `json:"channel"`
				Peer    string `json:"peer"`
			}
			_ = json.Unmarshal(req.Params, &params)
			fg.mu.Lock()
			fg.creates++
			session := map[string]any{
				"id":  fmt.Sprintf("gs-%d", fg.creates),
				"key": fmt.Sprintf("%s:%s:main", params.Channel, params.Peer),
			}
			fg.sessions = append(fg.sessions, session)
			raw, err := json.Marshal(session)
			fg.mu.Unlock()
			if err != nil {
				return
			}
			resp.Payload = raw
		case "chat.send":
			var params struct {
				SessionKey string `json:"sessionKey"`
			}
			_ = json.Unmarshal(req.Params, &params)
			fg.mu.Lock()
			fg.chatKeys = append(fg.chatKeys, params.SessionKey)
			fg.mu.Unlock()
			resp.Payload = json.RawMessage(`{}`)
		default:
			resp.Payload = json.RawMessage(`{}`)
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

func (fg *fakeGateway) clearSessions() {
	fg.mu.Lock()
	fg.sessions = nil
	fg.mu.Unlock()
}

func (fg *fakeGateway) addSession(id, key string) {
	fg.mu.Lock()
	fg.sessions = append(fg.sessions, map[string]any{"id": id, "key": key, "status": "active"})
	fg.mu.Unlock()
}

func (fg *fakeGateway) chatCount() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return len(fg.chatKeys)
}

func (fg *fakeGateway) chatKeysCopy() []string {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return append([]string(nil), fg.chatKeys...)
}

func (fg *fakeGateway) sessionCount() int {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return len(fg.sessions)
}
