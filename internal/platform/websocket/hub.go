package websocket

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Client is one connected browser. Send is closed by Hub.Unregister.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
}

// Hub indexes registered clients by topic.
type Hub struct {
	mu      sync.RWMutex
	members map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		members: make(map[*Client]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[c] = struct{}{}
	initial := c.Topics
	c.Topics = nil
	h.subscribeLocked(c, initial)
}

// Unregister drops c from every topic and closes its Send channel. Calling
// it for an unknown or already removed client does nothing.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[c]; !ok {
		return
	}
	h.unsubscribeLocked(c, c.Topics)
	delete(h.members, c)
	close(c.Send)
}

// Subscribe adds topics to c, ignoring blanks and ones it already has.
func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(c, topics)
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, topics)
}

func (h *Hub) subscribeLocked(c *Client, topics []string) {
	for _, t := range topics {
		if t == "" || slices.Contains(c.Topics, t) {
			continue
		}
		set, ok := h.topics[t]
		if !ok {
			set = make(map[*Client]struct{})
			h.topics[t] = set
		}
		set[c] = struct{}{}
		c.Topics = append(c.Topics, t)
	}
}

func (h *Hub) unsubscribeLocked(c *Client, topics []string) {
	for _, t := range slices.Clone(topics) {
		if set, ok := h.topics[t]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.topics, t)
			}
		}
		c.Topics = slices.DeleteFunc(c.Topics, func(have string) bool { return have == t })
	}
}

// ProcessMessage applies a subscribe or unsubscribe request from c. Other
// actions are ignored.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	}
}

// Broadcast queues event once for every client subscribed to at least one
// of its topics. A client whose buffer is full misses it.
func (h *Hub) Broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("websocket: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := make(map[*Client]bool)
	for _, t := range event.Topics() {
		for c := range h.topics[t] {
			if delivered[c] {
				continue
			}
			delivered[c] = true
			select {
			case c.Send <- payload:
			default:
				log.Warn().Str("client_id", c.ID).Str("type", event.Type).Msg("websocket: client buffer full, event dropped")
			}
		}
	}
}

// Publish implements EventPublisher for a single-process deployment.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
