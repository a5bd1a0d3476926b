// Package store implements the durable, per-room ordered message log behind
// the chat core. A Store composes a Backend (the durable append-only log)
// with a Bus (the live fan-out transport) and layers on top of them the
// guarantees callers rely on: server-assigned monotonic timestamps, idempotent
// retries keyed by client message ID, and exactly-once in-order delivery to
// every live subscriber of a room.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/noorcity/messaging/internal/chat"
)

// Backend is the durable log the store commits messages to. Implementations
// must make Append atomic: a message is either fully committed or absent.
// Ordering within a room is the store's concern; the backend only has to
// return history sorted by (ServerTS, ClientMsgID).
type Backend interface {
	// Append durably commits a message.
	Append(ctx context.Context, msg chat.Message) error

	// History returns the newest limit messages of a room in ascending
	// order. limit <= 0 means no limit.
	History(ctx context.Context, roomID string, limit int) ([]chat.Message, error)

	// LastTimestamp returns the highest committed server timestamp in a
	// room, or 0 if the room has no messages.
	LastTimestamp(ctx context.Context, roomID string) (int64, error)

	// Lookup returns the committed message with the given idempotency tuple,
	// if any.
	Lookup(ctx context.Context, roomID, senderID, clientMsgID string) (chat.Message, bool, error)

	Close() error
}

// MemoryBackend is an in-memory Backend. It backs unit tests and is handy
// for single-process development; production deployments use the pebble or
// postgres backends.
type MemoryBackend struct {
	mu    sync.RWMutex
	rooms map[string][]chat.Message
	index map[string]chat.Message // dedupKey -> message
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		rooms: make(map[string][]chat.Message),
		index: make(map[string]chat.Message),
	}
}

func dedupKey(roomID, senderID, clientMsgID string) string {
	return roomID + "\x00" + senderID + "\x00" + clientMsgID
}

// Append commits the message to the room's in-memory log.
func (b *MemoryBackend) Append(ctx context.Context, msg chat.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[msg.RoomID] = append(b.rooms[msg.RoomID], msg)
	b.index[dedupKey(msg.RoomID, msg.SenderID, msg.ClientMsgID)] = msg
	return nil
}

// History returns the newest limit messages of the room in ascending order.
func (b *MemoryBackend) History(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msgs := b.rooms[roomID]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// LastTimestamp returns the highest committed timestamp in the room.
func (b *MemoryBackend) LastTimestamp(ctx context.Context, roomID string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var last int64
	for _, m := range b.rooms[roomID] {
		if m.ServerTS > last {
			last = m.ServerTS
		}
	}
	return last, nil
}

// Lookup returns the committed message for an idempotency tuple, if any.
func (b *MemoryBackend) Lookup(ctx context.Context, roomID, senderID, clientMsgID string) (chat.Message, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg, ok := b.index[dedupKey(roomID, senderID, clientMsgID)]
	return msg, ok, nil
}

// Close is a no-op for the in-memory backend.
func (b *MemoryBackend) Close() error { return nil }
