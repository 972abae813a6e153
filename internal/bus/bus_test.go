package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicTaskUpdated)
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskUpdated, TaskUpdatedEvent{TaskID: "t1", Status: "in_progress"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskUpdated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskUpdated)
		}
		payload, ok := event.Payload.(TaskUpdatedEvent)
		if !ok {
			t.Fatalf("payload type = %T, want TaskUpdatedEvent", event.Payload)
		}
		if payload.TaskID != "t1" {
			t.Fatalf("task id = %q, want t1", payload.TaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to named gateway events only.
	gwSub := b.Subscribe(TopicGatewayEventPrefix)
	defer b.Unsubscribe(gwSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicGatewayEventPrefix+"chat", "delta")
	b.Publish(TopicAgentStatusChanged, AgentStatusEvent{AgentID: "a1"})

	// gwSub should receive the chat event but not the agent event.
	select {
	case event := <-gwSub.Ch():
		if event.Topic != TopicGatewayEventPrefix+"chat" {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicGatewayEventPrefix+"chat")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for gateway event")
	}

	select {
	case event := <-gwSub.Ch():
		t.Fatalf("unexpected event on gwSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicGatewayNotification)
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicGatewayNotification, i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSessionEnded)

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(TopicSessionEnded)
	sub2 := b.Subscribe(TopicSessionEnded)
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicSessionEnded, SessionEndedEvent{SessionID: "s1", Reason: "reconcile"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			payload := event.Payload.(SessionEndedEvent)
			if payload.SessionID != "s1" {
				t.Fatalf("session id = %q, want s1", payload.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTaskUpdated, TaskUpdatedEvent{TaskID: "t", Status: "assigned"})
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
