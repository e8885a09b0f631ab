package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestDegradedCreateAndGetSession(t *testing.T) {
	b := New("", 0)
	defer b.Close()

	if !b.Degraded() {
		t.Fatal("expected degraded mode with empty addr")
	}

	s, err := b.CreateSession(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID == "" {
		t.Fatal("expected non-empty session id")
	}

	got, err := b.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.OwnerID != "owner-1" {
		t.Errorf("owner = %q, want owner-1", got.OwnerID)
	}
}

func TestTouchUpdatesConversationAndStream(t *testing.T) {
	b := New("", 0)
	defer b.Close()

	s, _ := b.CreateSession(context.Background(), "owner-1")
	if err := b.Touch(context.Background(), s.ID, 42, "stream-abc"); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, _ := b.Get(context.Background(), s.ID)
	if got.CurrentConversation != 42 {
		t.Errorf("conversation = %d, want 42", got.CurrentConversation)
	}
	if got.InFlightStream != "stream-abc" {
		t.Errorf("stream handle = %q, want stream-abc", got.InFlightStream)
	}
}

func TestGetUnknownSessionErrors(t *testing.T) {
	b := New("", 0)
	defer b.Close()

	if _, err := b.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown session id")
	}
}

func TestPublishSubscribeDegradedMode(t *testing.T) {
	b := New("", 0)
	defer b.Close()

	topic := DocumentProgressTopic(7)
	sub := b.Subscribe(context.Background(), topic)
	defer sub.Close()

	event := DocumentProgressEvent{DocumentID: 7, Stage: "embedding", Progress: 60, State: "processing"}
	if err := b.Publish(context.Background(), topic, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-sub.C:
		var got DocumentProgressEvent
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Stage != "embedding" || got.Progress != 60 {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestChatStreamTopicNaming(t *testing.T) {
	if got := ChatStreamTopic("sess-1"); got != "chat/sess-1/stream" {
		t.Errorf("ChatStreamTopic = %q", got)
	}
}
