package streaming

import (
	"context"
	"sync"
)

// subscriberBuffer is the per-subscriber channel capacity. Publish
// never blocks; a subscriber that falls further behind loses the
// overflow instead of stalling the run scheduler.
const subscriberBuffer = 64

// subscription is one registered consumer with its filter pre-compiled.
type subscription struct {
	ch    chan StreamEvent
	runID string
	types map[string]struct{} // nil means every event type
}

func (s *subscription) wants(e StreamEvent) bool {
	if s.runID != "" && s.runID != e.RunID {
		return false
	}
	if s.types == nil {
		return true
	}
	_, ok := s.types[e.EventType]
	return ok
}

// MemoryHub fans run events out to in-process subscribers. There is no
// replay: events published before a subscription are only available
// through the store's event log.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish delivers the event to every matching subscriber. Full
// subscriber buffers drop the event for that subscriber only.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a consumer for events matching the filter. The
// returned cancel is idempotent and closes the channel, so range loops
// over it terminate once the caller unsubscribes.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sub := &subscription{
		ch:    make(chan StreamEvent, subscriberBuffer),
		runID: filter.RunID,
	}
	if len(filter.EventTypes) > 0 {
		sub.types = make(map[string]struct{}, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			// No publisher can still hold the channel once it has left the map.
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}
