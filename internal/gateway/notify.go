package gateway

import (
	"encoding/json"

	"github.com/basket/clawdeck/internal/bus"
)

// Notification is an unsolicited gateway frame: an event, or a request-style
// frame whose id matches no pending call. Payload is carried opaque; the
// subscriber that cares decodes it.
type Notification struct {
	Name    string
	Kind    string // "event" or "method"
	Payload json.RawMessage
}

// notify republishes an unsolicited frame on the bus, once under its own
// name and once on the catch-all topic.
func (c *Client) notify(frame Frame) {
	n := Notification{}
	switch {
	case frame.Event != "":
		n.Name = frame.Event
		n.Kind = "event"
		n.Payload = frame.Payload
	case frame.Method != "":
		n.Name = frame.Method
		n.Kind = "method"
		n.Payload = frame.Params
	default:
		return
	}
	c.logger.Debug("gateway notification", "name", n.Name, "kind", n.Kind)
	c.publish(bus.TopicGatewayEventPrefix+n.Name, n)
	c.publish(bus.TopicGatewayNotification, n)
}
