package gateway

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Call when the socket is not open, not
// authenticated, or the connected flag is down. No traffic is attempted.
var ErrNotConnected = errors.New("gateway not connected")

// RequestTimeoutError reports a request that saw no response within the
// per-request window.
type RequestTimeoutError struct {
	Method string
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request timeout: %s", e.Method)
}

// RPCError carries a gateway-reported failure for one request.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}
