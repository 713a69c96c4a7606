package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemory_PublishConsume(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	want := NewPresenceMessage("sess-1", "part-1")
	if err := q.Publish(ctx, want); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-msgs:
		if got.Type != TypePresenceConfirmed {
			t.Errorf("type = %s, want %s", got.Type, TypePresenceConfirmed)
		}
		p, err := DecodePresence(got.Body)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if p.SessionID != "sess-1" || p.ParticipantID != "part-1" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemory_ConsumerStopsOnCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	msgs, _ := q.Consume(ctx)
	cancel()

	select {
	case _, ok := <-msgs:
		if ok {
			t.Error("message delivered after cancel")
		}
	case <-time.After(time.Second):
		t.Error("consumer channel not closed after cancel")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := NewPresenceMessage("sess-1", "part-1")
	got := deserialize(serialize(msg))
	if got.Type != msg.Type || string(got.Body) != string(msg.Body) {
		t.Errorf("round trip changed message: %+v -> %+v", msg, got)
	}
}
