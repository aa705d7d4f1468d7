package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventType labels what happened in a review session.
type EventType string

const (
	// EventAnswered is published when a card's rating is accepted.
	EventAnswered EventType = "answered"

	// EventRegenerated is published when a card's content is replaced.
	EventRegenerated EventType = "regenerated"

	// EventCardShown is published when the interactive session moves to a
	// card.
	EventCardShown EventType = "card_shown"
)

// Event is one review event, serialized as JSON on the websocket stream.
type Event struct {
	Type   EventType `json:"type"`
	CardID int64     `json:"cardId,omitempty"`
	Deck   string    `json:"deck,omitempty"`
	Ease   int       `json:"ease,omitempty"`
	At     time.Time `json:"at"`
}

// writeTimeout bounds a single websocket write so one stuck client cannot
// hold the hub's publish path.
const writeTimeout = 5 * time.Second

// subscriberBuffer is the per-client event queue length. Clients that fall
// further behind are disconnected.
const subscriberBuffer = 16

// Hub fans review events out to connected websocket clients. Slow clients
// are dropped rather than back-pressuring publishers.
type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Publish sends an event to every connected client. Never blocks: clients
// whose buffer is full miss the event and are closed on their next write.
func (h *Hub) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			h.logger.Warn("dropping slow websocket subscriber")
			close(ch)
			delete(h.subscribers, ch)
		}
	}
}

// SubscriberCount returns the number of connected clients.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	if _, ok := h.subscribers[ch]; ok {
		close(ch)
		delete(h.subscribers, ch)
	}
	h.mu.Unlock()
}

// Serve upgrades the request to a websocket and streams events until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "hub closed")

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Reads are discarded; the stream is one-way. CloseRead surfaces the
	// client's close frame through ctx.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case data, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "event backlog overflow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
