package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Task topics.
const (
	TopicTaskUpdated    = "task.updated"
	TopicTaskDispatched = "task.dispatched"
)

// Session topics.
const (
	TopicSessionStarted = "session.started"
	TopicSessionEnded   = "session.ended"
)

// Agent topics.
const (
	TopicAgentStatusChanged = "agent.status_changed"
)

// Gateway topics. Named gateway events are published under the
// "gateway.event." prefix plus the event kind; every unsolicited frame is
// additionally mirrored to TopicGatewayNotification so a single subscriber
// can observe the full stream.
const (
	TopicGatewayConnected    = "gateway.connected"
	TopicGatewayDisconnected = "gateway.disconnected"
	TopicGatewayEventPrefix  = "gateway.event."
	TopicGatewayNotification = "gateway.notification"
)

// TaskUpdatedEvent is published when a task's status or dispatch error changes.
type TaskUpdatedEvent struct {
	TaskID        string // Task ID
	AgentID       string // Owning agent, may be empty
	Status        string // Current status (e.g. in_progress)
	DispatchError string // Dispatch error text, empty when clear
	Reason        string // What changed (e.g. reconcile.session_lost)
}

// SessionStartedEvent is published when a local session row is created.
type SessionStartedEvent struct {
	SessionID        string // Local session ID
	AgentID          string // Owning agent
	GatewaySessionID string // Remote session the row mirrors
	TaskID           string // Linked task, may be empty
}

// SessionEndedEvent is published when a local session is marked ended.
type SessionEndedEvent struct {
	SessionID        string // Local session ID
	AgentID          string // Owning agent
	GatewaySessionID string // Remote session the row mirrored
	Reason           string // Why it ended
}

// AgentStatusEvent is published when an agent's status changes.
type AgentStatusEvent struct {
	AgentID   string // Agent ID
	OldStatus string // Previous status (e.g. working)
	NewStatus string // New status (e.g. standby)
}

// GatewayStateEvent is published on gateway connect/disconnect transitions.
type GatewayStateEvent struct {
	URL    string // Gateway URL with credentials redacted
	Reason string // Cause of the transition, empty on clean connect
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
