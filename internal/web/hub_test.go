package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))
	ts := httptest.NewServer(http.HandlerFunc(hub.Serve))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(Event{Type: EventAnswered, CardID: 42, Deck: "Japanese::Core", Ease: 3})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != EventAnswered || event.CardID != 42 || event.Ease != 3 {
		t.Errorf("event = %+v", event)
	}
	if event.At.IsZero() {
		t.Error("event timestamp not set")
	}
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))

	// Subscribe directly and never drain, overflowing the buffer.
	ch := hub.subscribe()
	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(Event{Type: EventCardShown, CardID: int64(i)})
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount() = %d, want slow subscriber dropped", hub.SubscriberCount())
	}

	// The channel was closed by the hub; draining must terminate.
	for range ch {
	}
}

func TestHub_UnsubscribeIdempotentWithDrop(t *testing.T) {
	hub := NewHub(slog.New(slog.DiscardHandler))
	ch := hub.subscribe()

	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(Event{Type: EventCardShown})
	}
	// Already dropped by Publish; a second unsubscribe must not panic.
	hub.unsubscribe(ch)
}
