package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/noorcity/messaging/internal/chat"
)

func openTestPebble(t *testing.T) *PebbleBackend {
	t.Helper()
	b, err := OpenPebble(t.TempDir())
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("close pebble: %v", err)
		}
	})
	return b
}

func TestPebble_AppendAndHistoryOrder(t *testing.T) {
	b := openTestPebble(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		msg := chat.Message{
			RoomID:      "u1#u2",
			SenderID:    "u1",
			SenderName:  "Alice",
			Body:        fmt.Sprintf("m%d", i),
			ServerTS:    int64(1000 + i),
			ClientMsgID: fmt.Sprintf("c%d", i),
		}
		if err := b.Append(ctx, msg); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	history, err := b.History(ctx, "u1#u2", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("got %d messages, want 10", len(history))
	}
	for i, m := range history {
		if m.Body != fmt.Sprintf("m%d", i) {
			t.Errorf("message %d out of order: %q", i, m.Body)
		}
	}

	newest, err := b.History(ctx, "u1#u2", 3)
	if err != nil {
		t.Fatalf("limited history: %v", err)
	}
	if len(newest) != 3 || newest[0].Body != "m7" || newest[2].Body != "m9" {
		t.Errorf("limited history should be newest ascending, got %v", newest)
	}
}

func TestPebble_RoomsAreIsolated(t *testing.T) {
	b := openTestPebble(t)
	ctx := context.Background()

	if err := b.Append(ctx, chat.Message{RoomID: "a#b", SenderID: "a", Body: "one", ServerTS: 1, ClientMsgID: "c1"}); err != nil {
		t.Fatalf("append a#b: %v", err)
	}
	if err := b.Append(ctx, chat.Message{RoomID: "a#c", SenderID: "a", Body: "two", ServerTS: 2, ClientMsgID: "c2"}); err != nil {
		t.Fatalf("append a#c: %v", err)
	}

	history, err := b.History(ctx, "a#b", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Body != "one" {
		t.Errorf("room a#b should only see its own messages: %v", history)
	}
}

func TestPebble_LastTimestamp(t *testing.T) {
	b := openTestPebble(t)
	ctx := context.Background()

	last, err := b.LastTimestamp(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("empty room: %v", err)
	}
	if last != 0 {
		t.Errorf("empty room should report 0, got %d", last)
	}

	for _, ts := range []int64{5, 9, 12} {
		if err := b.Append(ctx, chat.Message{RoomID: "u1#u2", SenderID: "u1", Body: "x", ServerTS: ts, ClientMsgID: fmt.Sprintf("c%d", ts)}); err != nil {
			t.Fatalf("append ts=%d: %v", ts, err)
		}
	}
	last, err = b.LastTimestamp(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("last timestamp: %v", err)
	}
	if last != 12 {
		t.Errorf("got %d, want 12", last)
	}
}

func TestPebble_Lookup(t *testing.T) {
	b := openTestPebble(t)
	ctx := context.Background()

	want := chat.Message{RoomID: "u1#u2", SenderID: "u1", SenderName: "Alice", Body: "hello", ServerTS: 7, ClientMsgID: "c7"}
	if err := b.Append(ctx, want); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, ok, err := b.Lookup(ctx, "u1#u2", "u1", "c7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatal("committed message not found")
	}
	if got != want {
		t.Errorf("lookup mismatch: %+v vs %+v", got, want)
	}

	if _, ok, err := b.Lookup(ctx, "u1#u2", "u2", "c7"); err != nil || ok {
		t.Errorf("lookup with wrong sender should miss, ok=%v err=%v", ok, err)
	}
}

func TestPebble_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Append(ctx, chat.Message{RoomID: "u1#u2", SenderID: "u1", Body: "durable", ServerTS: 1, ClientMsgID: "c1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = OpenPebble(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()

	history, err := b.History(ctx, "u1#u2", 0)
	if err != nil {
		t.Fatalf("history after reopen: %v", err)
	}
	if len(history) != 1 || history[0].Body != "durable" {
		t.Errorf("message should survive reopen, got %v", history)
	}
}

func TestStoreOnPebble_EndToEnd(t *testing.T) {
	b := openTestPebble(t)
	s := New(b, NewInprocBus(), Config{})
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "u1#u2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := s.Append(ctx, "u1#u2", "u1", "Alice", "Bonjour", "c1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	msg := recv(t, sub, 1)[0]
	if msg.Body != "Bonjour" || msg.SenderName != "Alice" {
		t.Errorf("unexpected delivery: %+v", msg)
	}
}
