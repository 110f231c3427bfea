// Package ws implements the real-time layer: a hub of authenticated
// WebSocket sessions subscribed to lifecycle event topics.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Envelope is the wire format for every broadcast frame.
type Envelope struct {
	EventType string    `json:"event_type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks live sessions and their topic subscriptions and fans
// lifecycle events out to them. It implements broadcast.Broadcaster.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*session]struct{}
	topics   map[string]map[*session]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*session]struct{}),
		topics:   make(map[string]map[*session]struct{}),
	}
}

// Broadcast delivers one event to every session subscribed to the
// topic. Delivery is at-most-once per session: a session whose send
// buffer is full is dropped rather than allowed to stall the rest.
func (h *Hub) Broadcast(_ context.Context, topic string, payload any) {
	data, err := json.Marshal(Envelope{
		EventType: topic,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("marshal broadcast envelope", "topic", topic, "error", err)
		return
	}

	var stalled []*session
	h.mu.RLock()
	for s := range h.topics[topic] {
		select {
		case s.send <- data:
		default:
			stalled = append(stalled, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range stalled {
		slog.Warn("dropping slow websocket session", "identity", s.identity, "topic", topic)
		h.disconnect(s)
	}
}

// ConnectionCount returns the number of live sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// SubscriberCount returns the number of sessions subscribed to topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// add registers an authenticated session.
func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

// subscribe adds the session to each topic set. Topics are validated by
// the session before they reach the hub.
func (h *Hub) subscribe(s *session, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	for _, topic := range topics {
		set, ok := h.topics[topic]
		if !ok {
			set = make(map[*session]struct{})
			h.topics[topic] = set
		}
		set[s] = struct{}{}
	}
}

// disconnect removes the session from the live set and every topic set
// and cancels its loops. Safe to call more than once.
func (h *Hub) disconnect(s *session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		for topic, set := range h.topics {
			delete(set, s)
			if len(set) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	h.mu.Unlock()

	s.cancel()
}
