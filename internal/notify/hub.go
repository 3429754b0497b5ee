// Package notify delivers replies nobody asked for in the moment, such as the
// output of a scheduled job, to wherever the user is listening.
package notify

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const KindScheduled Kind = "scheduled"

type Message struct {
	UserID    string    `json:"user_id"`
	Kind      Kind      `json:"type"`
	Text      string    `json:"text"`
	JobID     int64     `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink is a push front-end (Telegram, TUI). Deliver returns ErrUnknownUser
// when the sink has no route to the user.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

var ErrUnknownUser = errors.New("no route to user")

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

func (f SinkFunc) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

const subscriberBuffer = 64

type Hub struct {
	mu          sync.RWMutex
	sinks       map[string]Sink
	subscribers map[string]map[int]chan Message
	nextSubID   int
	logger      *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sinks:       make(map[string]Sink),
		subscribers: make(map[string]map[int]chan Message),
		logger:      logger,
	}
}

func (h *Hub) Register(name string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[name] = sink
}

func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, name)
}

// Subscribe returns a buffered stream of messages for userID and a cancel
// func that closes it.
func (h *Hub) Subscribe(userID string) (<-chan Message, func()) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Message, subscriberBuffer)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[int]chan Message)
	}
	h.subscribers[userID][id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[userID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(h.subscribers, userID)
		}
	}
}

// Publish fans msg out to the user's subscribers. A full subscriber buffer
// drops the message for that subscriber only. It returns how many
// subscribers received it.
func (h *Hub) Publish(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subscribers[msg.UserID] {
		select {
		case ch <- msg:
			delivered++
		default:
			h.logger.Warn("dropping notification for slow subscriber", zap.String("user_id", msg.UserID))
		}
	}
	return delivered
}

// Deliver sends msg to every sink and subscriber. It returns the number of
// endpoints that accepted it; zero means the user is not connected anywhere.
func (h *Hub) Deliver(ctx context.Context, msg Message) int {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.sinks))
	for name := range h.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	sinks := make([]Sink, 0, len(names))
	for _, name := range names {
		sinks = append(sinks, h.sinks[name])
	}
	h.mu.RUnlock()

	delivered := 0
	for i, sink := range sinks {
		err := sink.Deliver(ctx, msg)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrUnknownUser):
		default:
			h.logger.Warn("notification sink failed",
				zap.String("sink", names[i]),
				zap.String("user_id", msg.UserID),
				zap.Error(err),
			)
		}
	}
	return delivered + h.Publish(msg)
}
