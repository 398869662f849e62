package events

import (
	"context"
	"strings"
	"sync"
)

const subscriberBuffer = 256

// Hub broadcasts events to live subscribers of a run. Slow subscribers drop events
// rather than block the run.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[int]chan Event
	nextSubID   int
	dropped     int
	onDrop      func()
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]map[int]chan Event)}
}

// OnDrop registers fn to be called, under the hub lock, for every dropped delivery.
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Subscribe returns a channel of events for runID and a func that unsubscribes and
// closes it.
func (h *Hub) Subscribe(runID string) (<-chan Event, func()) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	if _, ok := h.subscribers[runID]; !ok {
		h.subscribers[runID] = make(map[int]chan Event)
	}
	h.subscribers[runID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.subscribers[runID]
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(h.subscribers, runID)
			}
		})
	}
}

func (h *Hub) LogEvent(_ context.Context, ev Event) error {
	if ev.RunID == "" {
		return nil
	}
	ev = Stamp(ev)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers[ev.RunID] {
		select {
		case ch <- ev:
		default:
			h.dropped++
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
	return nil
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
