package core

import (
	"sync"

	"auctionchain/core/events"
	"auctionchain/core/types"
	"auctionchain/observability"
)

const defaultEventBuffer = 1024

type eventWithPayload interface {
	Event() *types.Event
}

type subscriber struct {
	ch chan *types.Event
}

// eventHub retains the most recent committed events and fans them out to live
// subscribers. Slow subscribers lose events instead of blocking the node.
type eventHub struct {
	mu       sync.RWMutex
	ring     []*types.Event
	next     int
	full     bool
	subs     map[*subscriber]struct{}
	external events.Fanout
}

func newEventHub(size int) *eventHub {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventHub{
		ring: make([]*types.Event, size),
		subs: make(map[*subscriber]struct{}),
	}
}

// Emit implements events.Emitter.
func (h *eventHub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}

	h.mu.Lock()
	h.ring[h.next] = event.Clone()
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.full = true
	}
	external := h.external
	for sub := range h.subs {
		select {
		case sub.ch <- event.Clone():
		default:
			observability.Events().RecordDropped()
		}
	}
	h.mu.Unlock()

	observability.Events().RecordPublished(event.Type)
	external.Emit(evt)
}

func (h *eventHub) addEmitter(emitter events.Emitter) {
	if emitter == nil {
		return
	}
	h.mu.Lock()
	h.external = append(h.external, emitter)
	h.mu.Unlock()
}

func (h *eventHub) subscribe(buffer int) (<-chan *types.Event, func()) {
	_, ch, cancel := h.subscribeFrom("", 0, buffer)
	return ch, cancel
}

// subscribeFrom snapshots up to backlog retained events and registers the
// subscriber under one lock, so every event lands either in the snapshot or
// on the channel, never both.
func (h *eventHub) subscribeFrom(auctionID string, backlog, buffer int) ([]*types.Event, <-chan *types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan *types.Event, buffer)}
	var snapshot []*types.Event
	h.mu.Lock()
	if backlog > 0 {
		snapshot = h.recentLocked(auctionID, backlog)
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return snapshot, sub.ch, cancel
}

// recent returns up to limit retained events, oldest first. A non-empty
// auctionID keeps only events whose id attribute matches.
func (h *eventHub) recent(auctionID string, limit int) []*types.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.recentLocked(auctionID, limit)
}

func (h *eventHub) recentLocked(auctionID string, limit int) []*types.Event {
	ordered := make([]*types.Event, 0, len(h.ring))
	if h.full {
		ordered = append(ordered, h.ring[h.next:]...)
	}
	ordered = append(ordered, h.ring[:h.next]...)

	out := make([]*types.Event, 0, len(ordered))
	for _, evt := range ordered {
		if evt == nil {
			continue
		}
		if auctionID != "" && evt.Attributes["id"] != auctionID {
			continue
		}
		out = append(out, evt.Clone())
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
