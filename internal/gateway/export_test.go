package gateway

import "time"

// SetReconnectInterval overrides the redial delay and returns the previous
// value so tests can restore it.
func SetReconnectInterval(d time.Duration) time.Duration {
	prev := reconnectInterval
	reconnectInterval = d
	return prev
}
