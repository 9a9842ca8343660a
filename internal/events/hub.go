// Package events fans queue lifecycle events out to live subscribers.
package events

import (
	"strings"
	"sync"

	"github.com/ent0n29/livehelp/internal/protocol"
)

const subscriberBuffer = 256

// Hub delivers events to subscribers of one group, or of every group when
// subscribed with an empty group id. Slow subscribers miss events rather
// than block publishers.
type Hub struct {
	mu          sync.Mutex
	nextSubID   int
	subscribers map[string]map[int]chan protocol.QueueEvent
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[int]chan protocol.QueueEvent)}
}

func (h *Hub) Subscribe(groupID string) (<-chan protocol.QueueEvent, func()) {
	groupID = strings.TrimSpace(groupID)
	ch := make(chan protocol.QueueEvent, subscriberBuffer)

	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[groupID]; !ok {
		h.subscribers[groupID] = make(map[int]chan protocol.QueueEvent)
	}
	h.subscribers[groupID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subscribers[groupID]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(h.subscribers, groupID)
			}
		})
	}
}

func (h *Hub) Publish(evt protocol.QueueEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	deliver(h.subscribers[evt.GroupID], evt)
	if evt.GroupID != "" {
		deliver(h.subscribers[""], evt)
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.subscribers {
		n += len(subs)
	}
	return n
}

func deliver(subs map[int]chan protocol.QueueEvent, evt protocol.QueueEvent) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
