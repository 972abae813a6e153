package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type wireFrame struct {
	Type   string      `json:"type"`
	ID     string      `json:"id,omitempty"`
	Method string      `json:"method,omitempty"`
	Params interface{} `json:"params,omitempty"`
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	endpoint := flag.String("url", "ws://127.0.0.1:18789/ws", "gateway websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "auth token the gateway expects")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	// A tokenless client must never get past the handshake: either the
	// upgrade is refused outright or the connect request comes back not-ok.
	unauthConn, _, unauthErr := websocket.Dial(ctx, *endpoint, nil)
	if unauthErr != nil {
		fmt.Printf("AUTH_CHECK tokenless dial refused: %v\n", unauthErr)
	} else {
		verifyTokenlessRefused(ctx, unauthConn)
	}

	dialURL, err := withTokenQuery(*endpoint, secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad url: %v\n", err)
		os.Exit(1)
	}
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", redact(err.Error(), secret))
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	// The gateway speaks first. Nothing may be sent before its challenge.
	challenge := readFrame(ctx, conn, secret)
	if !isChallenge(challenge) {
		fmt.Fprintf(os.Stderr, "expected connect.challenge as first frame, got %s\n", redact(mustJSON(challenge), secret))
		os.Exit(1)
	}

	writeFrame(ctx, conn, connectRequest("1", secret), secret)
	resp := awaitResponse(ctx, conn, "1", secret)
	if !frameOK(resp) {
		fmt.Fprintf(os.Stderr, "connect rejected: %s\n", redact(mustJSON(resp), secret))
		os.Exit(1)
	}
	if proto := payloadField(resp, "protocol"); proto != nil {
		fmt.Printf("HANDSHAKE accepted protocol=%v\n", proto)
	} else {
		fmt.Println("HANDSHAKE accepted")
	}

	for i, method := range []string{"sessions.list", "node.list"} {
		id := strconv.Itoa(i + 2)
		writeFrame(ctx, conn, wireFrame{Type: "req", ID: id, Method: method, Params: map[string]interface{}{}}, secret)
		resp := awaitResponse(ctx, conn, id, secret)
		if !frameOK(resp) {
			fmt.Fprintf(os.Stderr, "expected successful %s, got %s\n", method, redact(mustJSON(resp), secret))
			os.Exit(1)
		}
		switch method {
		case "sessions.list":
			if !hasListPayload(resp, "sessions") {
				fmt.Fprintln(os.Stderr, "sessions.list: unrecognized payload shape")
				os.Exit(1)
			}
		case "node.list":
			if !hasListPayload(resp, "nodes") {
				fmt.Fprintln(os.Stderr, "node.list: unrecognized payload shape")
				os.Exit(1)
			}
		}
	}

	fmt.Println("VERDICT PASS")
}

// verifyTokenlessRefused drives a handshake with no auth block and demands
// the gateway refuse it. A dropped socket counts as a refusal; a successful
// connect response is the one fatal outcome.
func verifyTokenlessRefused(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "done")
	req := connectRequest("0", "")
	sent := false
	for {
		var frame map[string]interface{}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			fmt.Println("AUTH_CHECK tokenless connect refused")
			return
		}
		fmt.Printf("<< %s\n", mustJSON(frame))
		if isChallenge(frame) && !sent {
			fmt.Printf(">> %s\n", mustJSON(req))
			if err := wsjson.Write(ctx, conn, req); err != nil {
				fmt.Println("AUTH_CHECK tokenless connect refused")
				return
			}
			sent = true
			continue
		}
		if !isResponse(frame) {
			continue
		}
		if frameOK(frame) {
			fmt.Fprintln(os.Stderr, "expected tokenless connect to be rejected but it succeeded")
			os.Exit(1)
		}
		fmt.Println("AUTH_CHECK tokenless connect refused")
		return
	}
}

// connectRequest builds the handshake request. An empty token omits the
// auth block entirely, which is the tokenless-client shape.
func connectRequest(id, token string) wireFrame {
	params := map[string]interface{}{
		"minProtocol": 3,
		"maxProtocol": 3,
		"client": map[string]interface{}{
			"id":       "gateway-check",
			"version":  "dev",
			"platform": runtime.GOOS,
			"mode":     "backend",
		},
	}
	if token != "" {
		params["auth"] = map[string]interface{}{"token": token}
	}
	return wireFrame{Type: "req", ID: id, Method: "connect", Params: params}
}

func withTokenQuery(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(s, secret string) string {
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f wireFrame, secret string) {
	fmt.Printf(">> %s\n", redact(mustJSON(f), secret))
	if err := wsjson.Write(ctx, conn, f); err != nil {
		fmt.Fprintf(os.Stderr, "write failed: %v\n", redact(err.Error(), secret))
		os.Exit(1)
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn, secret string) map[string]interface{} {
	var frame map[string]interface{}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		fmt.Fprintf(os.Stderr, "read failed: %v\n", redact(err.Error(), secret))
		os.Exit(1)
	}
	fmt.Printf("<< %s\n", redact(mustJSON(frame), secret))
	return frame
}

// awaitResponse reads until the response for the given id arrives, letting
// any events the gateway pushes in between scroll past.
func awaitResponse(ctx context.Context, conn *websocket.Conn, id, secret string) map[string]interface{} {
	for {
		frame := readFrame(ctx, conn, secret)
		if isResponse(frame) && frameID(frame) == id {
			return frame
		}
	}
}

func frameID(frame map[string]interface{}) string {
	switch v := frame["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func isChallenge(frame map[string]interface{}) bool {
	return frame["type"] == "event" && frame["event"] == "connect.challenge"
}

func isResponse(frame map[string]interface{}) bool {
	if frameID(frame) == "" {
		return false
	}
	if frame["type"] == "res" {
		return true
	}
	_, hasResult := frame["result"]
	_, hasErr := frame["error"]
	return frame["type"] == nil && (hasResult || hasErr)
}

// frameOK accepts both the typed envelope and the legacy result/error one.
// A response with no error and no explicit ok:false counts as success.
func frameOK(frame map[string]interface{}) bool {
	if errVal, ok := frame["error"]; ok && errVal != nil {
		return false
	}
	if okVal, ok := frame["ok"].(bool); ok {
		return okVal
	}
	return true
}

func payloadField(frame map[string]interface{}, key string) interface{} {
	payload, ok := frame["payload"].(map[string]interface{})
	if !ok {
		if payload, ok = frame["result"].(map[string]interface{}); !ok {
			return nil
		}
	}
	return payload[key]
}

// hasListPayload accepts the two shapes gateways emit for list calls: a
// bare array, or an object wrapping the array under the given key.
func hasListPayload(frame map[string]interface{}, key string) bool {
	raw, ok := frame["payload"]
	if !ok {
		raw = frame["result"]
	}
	switch v := raw.(type) {
	case []interface{}:
		return true
	case map[string]interface{}:
		_, wrapped := v[key].([]interface{})
		return wrapped
	}
	return false
}
