package notify

import "sync"

// Subscriber is one live connection as seen by the hub
type Subscriber interface {
	// ID is unique per connection
	ID() string
	// TrySend queues payload without blocking and reports whether it was accepted
	TrySend(payload []byte) bool
	// Done is closed once the connection is gone
	Done() <-chan struct{}
	// Close tears the connection down
	Close()
}

// Hub maps topics to their current subscribers
type Hub struct {
	mu          sync.RWMutex
	topics      map[string]map[string]Subscriber // topic -> subscriberID -> subscriber
	memberships map[string]map[string]struct{}   // subscriberID -> topics
}

// NewHub creates an empty topic registry
func NewHub() *Hub {
	return &Hub{
		topics:      make(map[string]map[string]Subscriber),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join subscribes sub to topic. Joining twice is a no-op.
func (h *Hub) Join(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[topic] = subs
	}
	subs[sub.ID()] = sub

	joined, ok := h.memberships[sub.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[sub.ID()] = joined
	}
	joined[topic] = struct{}{}
}

// Leave unsubscribes sub from topic. Leaving a topic never joined is a no-op.
func (h *Hub) Leave(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(topic, sub.ID())
}

// Remove drops every membership of sub; call it when the connection closes
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for topic := range h.memberships[sub.ID()] {
		h.leaveLocked(topic, sub.ID())
	}
	delete(h.memberships, sub.ID())
}

// Subscribers returns a copy of the current subscribers of topic, safe to iterate
// while others join or leave
func (h *Hub) Subscribers(topic string) []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.topics[topic]
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// Count returns the number of subscribers of topic
func (h *Hub) Count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Topics returns the topics sub currently belongs to
func (h *Hub) Topics(sub Subscriber) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.memberships[sub.ID()]))
	for topic := range h.memberships[sub.ID()] {
		out = append(out, topic)
	}
	return out
}

func (h *Hub) leaveLocked(topic, subID string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if joined, ok := h.memberships[subID]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(h.memberships, subID)
		}
	}
}
