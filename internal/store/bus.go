package store

import (
	"sync"

	"github.com/noorcity/messaging/internal/chat"
)

// Bus is the live fan-out transport between append and the room's
// subscribers. The NATS bus in internal/messaging implements it for
// multi-instance deployments; InprocBus serves a single process. Delivery
// may be at-least-once; the store deduplicates before handing messages to
// callers. Per-room publish order must be preserved per subscriber, which
// the store guarantees on the publish side by serializing publishes of one
// room under the room's append lock.
type Bus interface {
	Publish(roomID string, msg chat.Message) error
	// Subscribe registers a handler for a room's feed and returns a cancel
	// function. Cancel must be safe to call more than once.
	Subscribe(roomID string, handler func(chat.Message)) (func() error, error)
}

// InprocBus is a process-local Bus. Publish delivers synchronously to every
// registered handler in subscription order.
type InprocBus struct {
	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]func(chat.Message) // roomID -> id -> handler
}

// NewInprocBus returns an empty in-process bus.
func NewInprocBus() *InprocBus {
	return &InprocBus{handlers: make(map[string]map[int]func(chat.Message))}
}

// Publish delivers msg to every handler subscribed to the room.
func (b *InprocBus) Publish(roomID string, msg chat.Message) error {
	b.mu.RLock()
	ids := make([]int, 0, len(b.handlers[roomID]))
	for id := range b.handlers[roomID] {
		ids = append(ids, id)
	}
	// Stable order keeps delivery deterministic across handlers.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	handlers := make([]func(chat.Message), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[roomID][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	return nil
}

// Subscribe registers a handler for the room and returns its cancel function.
func (b *InprocBus) Subscribe(roomID string, handler func(chat.Message)) (func() error, error) {
	b.mu.Lock()
	b.next++
	id := b.next
	if b.handlers[roomID] == nil {
		b.handlers[roomID] = make(map[int]func(chat.Message))
	}
	b.handlers[roomID][id] = handler
	b.mu.Unlock()

	cancel := func() error {
		b.mu.Lock()
		if hs, ok := b.handlers[roomID]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(b.handlers, roomID)
			}
		}
		b.mu.Unlock()
		return nil
	}
	return cancel, nil
}
