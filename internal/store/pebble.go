package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/noorcity/messaging/internal/chat"
)

// PebbleBackend is an embedded durable Backend on top of a Pebble key-value
// store. It needs no external infrastructure, which makes it the default for
// single-instance deployments and integration tests.
//
// Key layout:
//
//	room:<roomID>:msg:<server_ts padded to 20 digits>-<clientMsgID> -> message JSON
//	room:<roomID>:dedup:<senderID>:<clientMsgID>                    -> message JSON
//
// The zero-padded timestamp makes a prefix scan of room:<roomID>:msg: yield
// messages in commit order.
type PebbleBackend struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	log.Printf("[store] pebble opened at %s", path)
	return &PebbleBackend{db: db}, nil
}

func msgKey(roomID string, ts int64, clientMsgID string) []byte {
	return []byte(fmt.Sprintf("room:%s:msg:%020d-%s", roomID, ts, clientMsgID))
}

func msgPrefix(roomID string) []byte {
	return []byte("room:" + roomID + ":msg:")
}

func pebbleDedupKey(roomID, senderID, clientMsgID string) []byte {
	return []byte("room:" + roomID + ":dedup:" + senderID + ":" + clientMsgID)
}

// Append commits the message and its dedup index entry in one synced batch,
// so the commit is atomic and survives process crash.
func (b *PebbleBackend) Append(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pebble: marshal message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(msgKey(msg.RoomID, msg.ServerTS, msg.ClientMsgID), data, nil); err != nil {
		return fmt.Errorf("pebble: batch set message: %w", err)
	}
	if err := batch.Set(pebbleDedupKey(msg.RoomID, msg.SenderID, msg.ClientMsgID), data, nil); err != nil {
		return fmt.Errorf("pebble: batch set dedup: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: commit: %w", err)
	}
	return nil
}

// History returns the newest limit messages of a room in ascending order.
func (b *PebbleBackend) History(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := msgPrefix(roomID)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: iterator: %w", err)
	}
	defer iter.Close()

	var out []chat.Message
	if limit > 0 {
		// Walk backwards to collect only the newest limit entries, then
		// reverse into ascending order.
		for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
			msg, err := decodeMessage(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, iter.Error()
	}

	for ok := iter.First(); ok; ok = iter.Next() {
		msg, err := decodeMessage(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, iter.Error()
}

// LastTimestamp returns the highest committed timestamp in a room, or 0.
func (b *PebbleBackend) LastTimestamp(ctx context.Context, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := msgPrefix(roomID)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble: iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	msg, err := decodeMessage(iter.Value())
	if err != nil {
		return 0, err
	}
	return msg.ServerTS, nil
}

// Lookup returns the committed message for an idempotency tuple, if any.
func (b *PebbleBackend) Lookup(ctx context.Context, roomID, senderID, clientMsgID string) (chat.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	value, closer, err := b.db.Get(pebbleDedupKey(roomID, senderID, clientMsgID))
	if err == pebble.ErrNotFound {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("pebble: get: %w", err)
	}
	defer closer.Close()
	msg, err := decodeMessage(value)
	if err != nil {
		return chat.Message{}, false, err
	}
	return msg, true, nil
}

// Close closes the underlying database.
func (b *PebbleBackend) Close() error {
	return b.db.Close()
}

func decodeMessage(value []byte) (chat.Message, error) {
	var msg chat.Message
	data := append([]byte(nil), value...)
	if err := json.Unmarshal(data, &msg); err != nil {
		return chat.Message{}, fmt.Errorf("pebble: invalid message JSON: %w", err)
	}
	return msg, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	// All-0xff prefix cannot occur with our textual keys.
	return bytes.Repeat([]byte{0xff}, len(prefix)+1)
}
