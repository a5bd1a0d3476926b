package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noorcity/messaging/internal/chat"
	"github.com/noorcity/messaging/internal/metrics"
)

// ErrDuplicateClientMsgID is returned by Append when the (room, sender,
// clientMsgID) tuple was already committed. The returned message is the
// original commit; callers reconcile against it instead of surfacing an
// error to the user.
var ErrDuplicateClientMsgID = errors.New("store: duplicate client message ID")

// DefaultReplayLimit bounds how much history a new subscription replays.
const DefaultReplayLimit = 200

// Config holds store tuning parameters.
type Config struct {
	ReplayLimit int // max messages replayed on subscribe; <= 0 means DefaultReplayLimit
}

// Store is the message log facade. Appends of a single room are serialized
// under a per-room lock, which makes timestamp assignment atomic: no two
// messages in a room ever share a server timestamp. Deployments that run
// several instances route a room's writers to one instance (the room key is
// deterministic, so routing is too); subscribers may live on any instance
// and follow the room over the bus.
type Store struct {
	backend Backend
	bus     Bus
	replay  int

	mu    sync.Mutex
	rooms map[string]*roomState
}

// roomState carries the per-room append lock and logical clock.
type roomState struct {
	mu     sync.Mutex
	lastTS int64
	loaded bool
}

// New creates a Store over the given durable backend and fan-out bus.
func New(backend Backend, bus Bus, config Config) *Store {
	replay := config.ReplayLimit
	if replay <= 0 {
		replay = DefaultReplayLimit
	}
	return &Store{
		backend: backend,
		bus:     bus,
		replay:  replay,
		rooms:   make(map[string]*roomState),
	}
}

func (s *Store) room(roomID string) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomState{}
		s.rooms[roomID] = r
	}
	return r
}

// Append validates, timestamps and durably commits a message, then fans it
// out to live subscribers. The server timestamp is a per-room logical clock:
// strictly greater than every previously committed timestamp in the room and
// aligned with wall-clock milliseconds when the clock permits. Retried sends
// that reuse a clientMsgID get the original message back wrapped in
// ErrDuplicateClientMsgID; nothing is committed twice.
func (s *Store) Append(ctx context.Context, roomID, senderID, senderName, body, clientMsgID string) (chat.Message, error) {
	start := time.Now()

	body, err := chat.ValidateBody(body)
	if err != nil {
		metrics.MessagesAppended.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}
	if clientMsgID == "" {
		metrics.MessagesAppended.WithLabelValues("rejected").Inc()
		return chat.Message{}, fmt.Errorf("store: client message ID is required")
	}
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	room := s.room(roomID)
	room.mu.Lock()
	defer room.mu.Unlock()

	if !room.loaded {
		last, err := s.backend.LastTimestamp(ctx, roomID)
		if err != nil {
			return chat.Message{}, fmt.Errorf("store: load room clock: %w", err)
		}
		room.lastTS = last
		room.loaded = true
	}

	if orig, ok, err := s.backend.Lookup(ctx, roomID, senderID, clientMsgID); err != nil {
		return chat.Message{}, fmt.Errorf("store: dedup lookup: %w", err)
	} else if ok {
		metrics.MessagesAppended.WithLabelValues("duplicate").Inc()
		return orig, ErrDuplicateClientMsgID
	}

	ts := time.Now().UnixMilli()
	if ts <= room.lastTS {
		ts = room.lastTS + 1
	}

	msg := chat.Message{
		RoomID:      roomID,
		SenderID:    senderID,
		SenderName:  senderName,
		Body:        body,
		ServerTS:    ts,
		ClientMsgID: clientMsgID,
	}

	if err := s.backend.Append(ctx, msg); err != nil {
		return chat.Message{}, fmt.Errorf("store: append: %w", err)
	}
	room.lastTS = ts

	// Publish while still holding the room lock so the bus observes commits
	// of this room in timestamp order. A publish failure is not an append
	// failure: the message is durable and will be replayed to the next
	// subscription; live subscribers elsewhere miss it until then.
	if err := s.bus.Publish(roomID, msg); err != nil {
		log.Printf("[store] publish room=%s client_msg_id=%s: %v", roomID, clientMsgID, err)
	}

	metrics.MessagesAppended.WithLabelValues("committed").Inc()
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// History returns the newest messages of a room in ascending order, capped
// at the replay limit.
func (s *Store) History(ctx context.Context, roomID string) ([]chat.Message, error) {
	msgs, err := s.backend.History(ctx, roomID, s.replay)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	return msgs, nil
}

// Subscribe opens a live subscription on a room. The returned subscription
// first delivers the room's existing history in order, then every newly
// committed message exactly once, in commit order, including the caller's
// own appends. Close the subscription to release the underlying bus
// resources; Close is idempotent.
func (s *Store) Subscribe(ctx context.Context, roomID string) (*Subscription, error) {
	sub := newSubscription(roomID)

	// The bus subscription is registered before history is read. Any message
	// committed after the history snapshot therefore reaches the gate, and
	// any message published before registration is in the snapshot; overlap
	// is removed by the subscription's dedup set.
	cancel, err := s.bus.Subscribe(roomID, sub.deliver)
	if err != nil {
		return nil, fmt.Errorf("store: subscribe: %w", err)
	}
	sub.cancelBus = cancel

	history, err := s.backend.History(ctx, roomID, s.replay)
	if err != nil {
		_ = cancel()
		return nil, fmt.Errorf("store: subscribe history: %w", err)
	}
	sub.open(history)

	go sub.run()
	metrics.LiveSubscriptions.Inc()
	return sub, nil
}

// Subscription is one live, ordered view of a room's messages. Messages are
// read from C; the channel is closed after Close.
type Subscription struct {
	ID     string
	RoomID string

	mu      sync.Mutex
	gated   bool           // true until history has been queued
	pending []chat.Message // live messages held back while gated
	queue   []chat.Message
	seen    map[string]bool // senderID+clientMsgID, for exactly-once
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	out       chan chat.Message
	cancelBus func() error
	closeOnce sync.Once
}

func newSubscription(roomID string) *Subscription {
	return &Subscription{
		ID:     uuid.New().String(),
		RoomID: roomID,
		gated:  true,
		seen:   make(map[string]bool),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan chat.Message, 64),
	}
}

// C returns the channel messages are delivered on.
func (sub *Subscription) C() <-chan chat.Message { return sub.out }

// deliver is the bus handler. While the subscription is gated (history not
// yet queued) live messages are parked so replay stays in front of them.
func (sub *Subscription) deliver(msg chat.Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	if sub.gated {
		sub.pending = append(sub.pending, msg)
		return
	}
	sub.push(msg)
}

// open queues the history snapshot and releases any parked live messages.
func (sub *Subscription) open(history []chat.Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, m := range history {
		sub.push(m)
	}
	sub.gated = false
	for _, m := range sub.pending {
		sub.push(m)
	}
	sub.pending = nil
}

// push queues a message unless it was already delivered. Callers hold sub.mu.
func (sub *Subscription) push(msg chat.Message) {
	key := msg.SenderID + "\x00" + msg.ClientMsgID
	if sub.seen[key] {
		return
	}
	sub.seen[key] = true
	sub.queue = append(sub.queue, msg)
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// run drains the internal queue into the out channel in order. The queue is
// unbounded so a slow consumer stalls only its own subscription, never the
// bus handler or the appender.
func (sub *Subscription) run() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, msg := range batch {
			select {
			case sub.out <- msg:
				metrics.MessagesDelivered.Inc()
			case <-sub.done:
				return
			}
		}

		select {
		case <-sub.wake:
		case <-sub.done:
			return
		}
	}
}

// Close cancels the bus subscription and stops delivery. Safe to call more
// than once.
func (sub *Subscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()
		close(sub.done)
		if sub.cancelBus != nil {
			err = sub.cancelBus()
		}
		metrics.LiveSubscriptions.Dec()
	})
	return err
}
