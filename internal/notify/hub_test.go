package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestClient(topics ...string) *Client {
	return &Client{send: make(chan Event, sendBufferSize), topics: topics}
}

func TestHubPublishDeliversToSubscribedTopic(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	nodeUUID := uuid.New()
	topic := NodeTopic(nodeUUID)
	client := newTestClient(topic)
	hub.Subscribe(client)

	waitForConnected(t, hub, 1)

	hub.Publish(Event{Type: EventFinished, Topic: topic, Payload: map[string]string{"error": ""}})

	select {
	case ev := <-client.send:
		if ev.Topic != topic || ev.Type != EventFinished {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("client did not receive published event")
	}
}

func TestHubPublishIgnoresOtherTopics(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newTestClient(NodeTopic(uuid.New()))
	hub.Subscribe(client)
	waitForConnected(t, hub, 1)

	hub.Publish(Event{Type: EventFinished, Topic: NodeTopic(uuid.New())})

	select {
	case ev := <-client.send:
		t.Fatalf("client received event for a topic it didn't subscribe to: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	topic := NodeTopic(uuid.New())
	client := newTestClient(topic)
	hub.Subscribe(client)
	waitForConnected(t, hub, 1)

	hub.Unsubscribe(client)
	waitForConnected(t, hub, 0)

	hub.Publish(Event{Type: EventFinished, Topic: topic})
	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatalf("unsubscribed client still received an event")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("unsubscribed client's send channel was not closed")
	}
}

func waitForConnected(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectedCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub connected count never reached %d (stuck at %d)", want, hub.ConnectedCount())
}
