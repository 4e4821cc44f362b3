package api

import (
	"encoding/json"
	"testing"
	"time"
)

func newHubClient(buffer int) *Client {
	return &Client{send: make(chan []byte, buffer)}
}

// register/join through the hub channels; unbuffered sends mean the hub has
// received each operation before the next one is issued, so ordering is
// deterministic.
func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(discardLogger())
	go hub.Run()
	return hub
}

func receiveEvent(t *testing.T, client *Client) OutgoingEvent {
	t.Helper()
	select {
	case payload, ok := <-client.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var event OutgoingEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return OutgoingEvent{}
	}
}

func expectNothing(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload := <-client.send:
		t.Fatalf("unexpected delivery: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliversToJoinedRoom(t *testing.T) {
	hub := startHub(t)
	member := newHubClient(8)
	outsider := newHubClient(8)

	hub.Register <- member
	hub.Register <- outsider
	hub.join <- subscription{client: member, conversationId: "c1"}

	hub.Publish("c1", OutgoingEvent{Kind: EventMessageCreated, ConversationId: "c1"})

	event := receiveEvent(t, member)
	if event.Kind != EventMessageCreated || event.ConversationId != "c1" {
		t.Errorf("event = %+v", event)
	}
	expectNothing(t, outsider)
}

func TestHubJoinIsIdempotent(t *testing.T) {
	hub := startHub(t)
	client := newHubClient(8)

	hub.Register <- client
	hub.join <- subscription{client: client, conversationId: "c1"}
	hub.join <- subscription{client: client, conversationId: "c1"}

	hub.Publish("c1", OutgoingEvent{Kind: EventMessageCreated, ConversationId: "c1"})

	receiveEvent(t, client)
	expectNothing(t, client)
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	hub := startHub(t)
	client := newHubClient(8)

	hub.Register <- client
	hub.join <- subscription{client: client, conversationId: "c1"}
	hub.leave <- subscription{client: client, conversationId: "c1"}

	hub.Publish("c1", OutgoingEvent{Kind: EventMessageCreated, ConversationId: "c1"})
	expectNothing(t, client)
}

func TestHubPublishReachesEveryConnection(t *testing.T) {
	hub := startHub(t)
	// Two devices of the same user, plus another member.
	deviceA := newHubClient(8)
	deviceB := newHubClient(8)
	other := newHubClient(8)

	for _, c := range []*Client{deviceA, deviceB, other} {
		hub.Register <- c
		hub.join <- subscription{client: c, conversationId: "c1"}
	}

	hub.Publish("c1", OutgoingEvent{Kind: EventSeenChanged, ConversationId: "c1"})

	for _, c := range []*Client{deviceA, deviceB, other} {
		if event := receiveEvent(t, c); event.Kind != EventSeenChanged {
			t.Errorf("event = %+v", event)
		}
	}
}

func TestHubEvictsSlowConsumer(t *testing.T) {
	hub := startHub(t)
	slow := newHubClient(1)
	healthy := newHubClient(8)

	hub.Register <- slow
	hub.Register <- healthy
	hub.join <- subscription{client: slow, conversationId: "c1"}
	hub.join <- subscription{client: healthy, conversationId: "c1"}

	// First publish fills the slow client's buffer; the second finds it full
	// and evicts the connection instead of blocking the room.
	hub.Publish("c1", OutgoingEvent{Kind: EventMessageCreated, ConversationId: "c1"})
	hub.Publish("c1", OutgoingEvent{Kind: EventMessageCreated, ConversationId: "c1"})

	receiveEvent(t, healthy)
	receiveEvent(t, healthy)

	// Drain the buffered event, then the closed channel marks the eviction.
	receiveEvent(t, slow)
	select {
	case _, ok := <-slow.send:
		if ok {
			t.Error("slow client received a second event instead of being evicted")
		}
	case <-time.After(time.Second):
		t.Error("slow client send channel never closed")
	}

	// The room keeps working for everyone else.
	hub.Publish("c1", OutgoingEvent{Kind: EventReactionChanged, ConversationId: "c1"})
	if event := receiveEvent(t, healthy); event.Kind != EventReactionChanged {
		t.Errorf("event = %+v", event)
	}
}

func TestHubUnregisterCleansRooms(t *testing.T) {
	hub := startHub(t)
	client := newHubClient(8)

	hub.Register <- client
	hub.join <- subscription{client: client, conversationId: "c1"}
	hub.join <- subscription{client: client, conversationId: "c2"}
	hub.unregister <- client

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed send channel after unregister")
		}
	case <-time.After(time.Second):
		t.Error("send channel never closed")
	}

	// Publishing to its old rooms must not panic or deliver.
	hub.Publish("c1", OutgoingEvent{Kind: EventMessageCreated, ConversationId: "c1"})
	hub.Publish("c2", OutgoingEvent{Kind: EventMessageCreated, ConversationId: "c2"})
}
