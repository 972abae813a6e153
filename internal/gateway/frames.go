package gateway

import (
	"encoding/json"
	"fmt"
)

const (
	frameTypeRequest  = "req"
	frameTypeResponse = "res"
	frameTypeEvent    = "event"

	eventConnectChallenge = "connect.challenge"
)

// FrameID is a request correlation identifier. The gateway is expected to
// echo ids back verbatim, but older builds emit numeric ids, so decoding
// accepts either form and canonicalizes to the decimal string.
type FrameID string

func (id *FrameID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("frame id: %w", err)
		}
		*id = FrameID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("frame id: %w", err)
	}
	*id = FrameID(n.String())
	return nil
}

// Frame is one wire message in either direction. The same struct covers the
// three current shapes (req, res, event) plus the legacy response envelope
// that carries result/error without a type tag.
type Frame struct {
	Type    string          `json:"type,omitempty"`
	ID      FrameID         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`

	// Legacy response envelope.
	Result json.RawMessage `json:"result,omitempty"`
}

// FrameError is the gateway's error object inside a response frame.
type FrameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// isResponse reports whether the frame answers a request, covering both the
// typed envelope and the legacy one.
func (f Frame) isResponse() bool {
	if f.ID == "" {
		return false
	}
	if f.Type == frameTypeResponse {
		return true
	}
	return f.Type == "" && (f.Result != nil || f.Error != nil)
}

// isChallenge reports whether the frame is the gateway's auth challenge.
func (f Frame) isChallenge() bool {
	return f.Type == frameTypeEvent && f.Event == eventConnectChallenge
}

// isNotification reports whether the frame is an unsolicited push. Response
// frames are excluded; whether a method frame matches a pending request is
// the dispatcher's decision, not the codec's.
func (f Frame) isNotification() bool {
	return !f.isResponse() && (f.Event != "" || f.Method != "")
}

// result extracts the success payload or the gateway-reported error from a
// response frame of either envelope.
func (f Frame) result() (json.RawMessage, error) {
	if f.Error != nil {
		return nil, &RPCError{Code: f.Error.Code, Message: f.Error.Message}
	}
	if f.Type == frameTypeResponse {
		if f.OK != nil && !*f.OK {
			return nil, &RPCError{Message: "request failed"}
		}
		return f.Payload, nil
	}
	return f.Result, nil
}

func requestFrame(id, method string, params any) (Frame, error) {
	frame := Frame{Type: frameTypeRequest, ID: FrameID(id), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		frame.Params = raw
	}
	return frame, nil
}
