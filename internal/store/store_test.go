package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/noorcity/messaging/internal/chat"
)

func newTestStore() *Store {
	return New(NewMemoryBackend(), NewInprocBus(), Config{})
}

// recv reads n messages from the subscription or fails the test.
func recv(t *testing.T, sub *Subscription, n int) []chat.Message {
	t.Helper()
	out := make([]chat.Message, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d of %d messages", len(out), n)
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestAppend_AssignsMonotonicTimestamps(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var last int64
	for i := 0; i < 50; i++ {
		msg, err := s.Append(ctx, "u1#u2", "u1", "Alice", fmt.Sprintf("message %d", i), fmt.Sprintf("c%d", i))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.ServerTS <= last {
			t.Fatalf("timestamp not strictly increasing: %d after %d", msg.ServerTS, last)
		}
		last = msg.ServerTS
	}
}

func TestAppend_EmptyBody(t *testing.T) {
	s := newTestStore()
	if _, err := s.Append(context.Background(), "u1#u2", "u1", "Alice", "   ", "c1"); !errors.Is(err, chat.ErrEmptyBody) {
		t.Errorf("blank body: got %v, want ErrEmptyBody", err)
	}
}

func TestAppend_DuplicateClientMsgID(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first, err := s.Append(ctx, "u1#u2", "u1", "Alice", "Bonjour", "retry-1")
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	second, err := s.Append(ctx, "u1#u2", "u1", "Alice", "Bonjour", "retry-1")
	if !errors.Is(err, ErrDuplicateClientMsgID) {
		t.Fatalf("second append: got %v, want ErrDuplicateClientMsgID", err)
	}
	if second != first {
		t.Errorf("duplicate append should return the original message: %+v vs %+v", second, first)
	}

	history, err := s.History(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("store should contain exactly one message, got %d", len(history))
	}
}

func TestAppend_SameClientMsgIDDifferentSenders(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if _, err := s.Append(ctx, "u1#u2", "u1", "Alice", "ping", "shared"); err != nil {
		t.Fatalf("u1 append: %v", err)
	}
	if _, err := s.Append(ctx, "u1#u2", "u2", "Bob", "pong", "shared"); err != nil {
		t.Fatalf("u2 append with same clientMsgID should commit: %v", err)
	}
}

func TestSubscribe_HistoryThenLive(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "u1#u2", "u1", "Alice", fmt.Sprintf("old %d", i), fmt.Sprintf("h%d", i)); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}

	sub, err := s.Subscribe(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := s.Append(ctx, "u1#u2", "u2", "Bob", "new", "l0"); err != nil {
		t.Fatalf("live append: %v", err)
	}

	msgs := recv(t, sub, 4)
	for i := 0; i < 3; i++ {
		if msgs[i].Body != fmt.Sprintf("old %d", i) {
			t.Errorf("history message %d out of order: %q", i, msgs[i].Body)
		}
	}
	if msgs[3].Body != "new" {
		t.Errorf("live message should follow history, got %q", msgs[3].Body)
	}
	for i := 1; i < len(msgs); i++ {
		if !msgs[i-1].Less(msgs[i]) {
			t.Errorf("messages %d and %d not in order", i-1, i)
		}
	}
}

func TestSubscribe_EmptyRoomReachableImmediately(t *testing.T) {
	s := newTestStore()
	sub, err := s.Subscribe(context.Background(), "a#b")
	if err != nil {
		t.Fatalf("subscribe on empty room: %v", err)
	}
	defer sub.Close()

	if _, err := s.Append(context.Background(), "a#b", "a", "A", "first", "c1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs := recv(t, sub, 1)
	if msgs[0].Body != "first" {
		t.Errorf("unexpected first message: %q", msgs[0].Body)
	}
}

func TestSubscribe_WriterSeesOwnMessages(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	sent, err := s.Append(ctx, "u1#u2", "u1", "Alice", "echo me", "c1")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	got := recv(t, sub, 1)[0]
	if got != sent {
		t.Errorf("writer should observe its own commit: %+v vs %+v", got, sent)
	}
}

func TestSubscribe_AllSubscribersSeeSameTotalOrder(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	subA, err := s.Subscribe(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	defer subA.Close()
	subB, err := s.Subscribe(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("subscribe B: %v", err)
	}
	defer subB.Close()

	const perWriter = 25
	var wg sync.WaitGroup
	for _, w := range []struct{ id, name string }{{"u1", "Alice"}, {"u2", "Bob"}} {
		wg.Add(1)
		go func(id, name string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, "u1#u2", id, name, fmt.Sprintf("%s %d", id, i), fmt.Sprintf("%s-%d", id, i)); err != nil {
					t.Errorf("append %s %d: %v", id, i, err)
				}
			}
		}(w.id, w.name)
	}
	wg.Wait()

	total := 2 * perWriter
	a := recv(t, subA, total)
	b := recv(t, subB, total)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("subscribers diverge at %d: %+v vs %+v", i, a[i], b[i])
		}
	}

	// Per-writer order must match append order.
	seen := map[string]int{}
	for _, m := range a {
		var idx int
		if _, err := fmt.Sscanf(m.Body, m.SenderID+" %d", &idx); err != nil {
			t.Fatalf("unexpected body %q", m.Body)
		}
		if idx != seen[m.SenderID] {
			t.Fatalf("writer %s message %d observed out of order (want %d)", m.SenderID, idx, seen[m.SenderID])
		}
		seen[m.SenderID]++
	}
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	s := newTestStore()
	sub, err := s.Subscribe(context.Background(), "u1#u2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("first close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("second close should be a no-op: %v", err)
	}

	// After close no further deliveries arrive and the channel drains shut.
	if _, err := s.Append(context.Background(), "u1#u2", "u1", "Alice", "after close", "c9"); err != nil {
		t.Fatalf("append: %v", err)
	}
	select {
	case msg, ok := <-sub.C():
		if ok {
			t.Errorf("unexpected delivery after close: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Error("channel should be closed after Close")
	}
}

func TestStore_ReplayLimit(t *testing.T) {
	s := New(NewMemoryBackend(), NewInprocBus(), Config{ReplayLimit: 5})
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if _, err := s.Append(ctx, "u1#u2", "u1", "Alice", fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sub, err := s.Subscribe(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	msgs := recv(t, sub, 5)
	if msgs[0].Body != "m7" || msgs[4].Body != "m11" {
		t.Errorf("replay should be the newest 5 messages, got %q..%q", msgs[0].Body, msgs[4].Body)
	}
}

func TestAppend_CancelledContext(t *testing.T) {
	s := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Append(ctx, "u1#u2", "u1", "Alice", "never", "c1"); err == nil {
		t.Fatal("append with cancelled context should fail")
	}
	history, err := s.History(context.Background(), "u1#u2")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("cancelled append must leave no partial message, found %d", len(history))
	}
}
