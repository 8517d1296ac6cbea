package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func receiveMessage(t *testing.T, stream <-chan Message) Message {
	t.Helper()
	select {
	case message := <-stream:
		return message
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for bridge message")
		return Message{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx := context.Background()

	first, cancelFirst := dispatcher.Subscribe(ctx)
	defer cancelFirst()
	second, cancelSecond := dispatcher.Subscribe(ctx)
	defer cancelSecond()

	dispatcher.Publish(Message{
		Type: MessageTypeQueueRequest,
		Request: &QueuedRequest{
			URL:    "/api/beneficiaries",
			Method: "POST",
			Body:   json.RawMessage(`{"name":"Amina"}`),
		},
	})

	for _, stream := range []<-chan Message{first, second} {
		message := receiveMessage(t, stream)
		if message.Type != MessageTypeQueueRequest {
			t.Fatalf("unexpected message type: %q", message.Type)
		}
		if message.Request == nil || message.Request.URL != "/api/beneficiaries" {
			t.Fatalf("unexpected request payload: %#v", message.Request)
		}
		if message.Timestamp.IsZero() {
			t.Fatalf("expected publish to stamp the message")
		}
	}
}

func TestPublishIgnoresEmptyType(t *testing.T) {
	dispatcher := NewDispatcher()
	stream, cancel := dispatcher.Subscribe(context.Background())
	defer cancel()

	dispatcher.Publish(Message{})

	select {
	case message := <-stream:
		t.Fatalf("expected no delivery for empty type, got %#v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	_, cancel := dispatcher.Subscribe(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overflow the subscriber buffer without ever draining it.
		for i := 0; i < 100; i++ {
			dispatcher.Publish(Message{Type: MessageTypeSyncRequired})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a subscriber that never drains")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	_, cancel := dispatcher.Subscribe(context.Background())

	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", dispatcher.SubscriberCount())
	}
	cancel()
	cancel() // idempotent
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after cleanup, got %d", dispatcher.SubscriberCount())
	}
}

func TestContextCancellationUnsubscribes(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancelCtx := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	cancelCtx()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected context cancellation to unsubscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
