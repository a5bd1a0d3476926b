package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/noorcity/messaging/internal/chat"
	"github.com/noorcity/messaging/internal/smartreply"
	"github.com/noorcity/messaging/internal/store"
)

func testConfig() Config {
	return Config{
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		MaxAttempts: 3,
		EventBuffer: 64,
	}
}

func newTestSession(t *testing.T, st MessageStore, callerID, callerName, peerID string) *Session {
	t.Helper()
	s, err := New(st, smartreply.NewEngine(), callerID, callerName, peerID, testConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_InvalidParticipants(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	if _, err := New(st, smartreply.NewEngine(), "u1", "Alice", "u1", testConfig()); !errors.Is(err, chat.ErrInvalidParticipants) {
		t.Errorf("self conversation: got %v, want ErrInvalidParticipants", err)
	}
	if _, err := New(st, smartreply.NewEngine(), "", "Alice", "u2", testConfig()); !errors.Is(err, chat.ErrInvalidParticipants) {
		t.Errorf("empty caller: got %v, want ErrInvalidParticipants", err)
	}
}

func TestOpen_EmptyHistoryReachesLive(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	s := newTestSession(t, st, "u1", "Alice", "u2")

	if s.State() != StateIdle {
		t.Fatalf("fresh session should be idle, got %s", s.State())
	}
	if s.RoomID() != "u1#u2" {
		t.Fatalf("unexpected room ID %s", s.RoomID())
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != StateLive {
		t.Errorf("session should be live after open, got %s", s.State())
	}
}

func TestTwoSessions_SameRoomSameOrder(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	ctx := context.Background()

	alice := newTestSession(t, st, "u1", "Alice", "u2")
	if err := alice.Open(ctx); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if _, err := alice.Send(ctx, "Bonjour"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "alice's confirmed message", func() bool { return len(alice.Messages()) == 1 })
	sent := alice.Messages()[0]
	if sent.ServerTS == 0 {
		t.Error("committed message should carry a server timestamp")
	}

	// The peer resolves the same room from the reversed pair and observes
	// the message at the same timestamp.
	bob := newTestSession(t, st, "u2", "Bob", "u1")
	if bob.RoomID() != alice.RoomID() {
		t.Fatalf("room IDs differ: %s vs %s", bob.RoomID(), alice.RoomID())
	}
	if err := bob.Open(ctx); err != nil {
		t.Fatalf("open bob: %v", err)
	}
	waitFor(t, "bob's replayed history", func() bool { return len(bob.Messages()) == 1 })
	got := bob.Messages()[0]
	if got != sent {
		t.Errorf("peers observe different messages: %+v vs %+v", got, sent)
	}
}

func TestSend_PendingReconciledOnce(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	ctx := context.Background()

	s := newTestSession(t, st, "u1", "Alice", "u2")
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	clientMsgID, err := s.Send(ctx, "première")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "confirmation", func() bool { return len(s.Messages()) == 1 && len(s.Pending()) == 0 })

	view := s.Messages()
	if view[0].ClientMsgID != clientMsgID {
		t.Errorf("confirmed message should carry the returned clientMsgID")
	}
	count := 0
	for _, m := range view {
		if m.ClientMsgID == clientMsgID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("pending entry must reconcile to exactly one view entry, got %d", count)
	}
}

func TestSend_ClientSuppliedIDDedupesRetry(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	ctx := context.Background()

	s := newTestSession(t, st, "u1", "Alice", "u2")
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	id, err := s.SendWithClientMsgID(ctx, "réessayé", "client-7")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "client-7" {
		t.Errorf("supplied ID should be used as-is, got %q", id)
	}
	waitFor(t, "confirmation", func() bool { return len(s.Messages()) == 1 && len(s.Pending()) == 0 })

	// A client that never saw the confirmation resends with the same ID.
	// The retry must succeed without committing a second message.
	if _, err := s.SendWithClientMsgID(ctx, "réessayé", "client-7"); err != nil {
		t.Fatalf("retried send: %v", err)
	}
	if got := len(s.Messages()); got != 1 {
		t.Errorf("view has %d messages after retry, want 1", got)
	}
	if len(s.Pending()) != 0 {
		t.Errorf("retry must not leave a pending entry: %v", s.Pending())
	}
}

func TestSend_EmptyBodyRejectedImmediately(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	s := newTestSession(t, st, "u1", "Alice", "u2")
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Send(context.Background(), "  \n "); !errors.Is(err, chat.ErrEmptyBody) {
		t.Errorf("blank send: got %v, want ErrEmptyBody", err)
	}
	if len(s.Pending()) != 0 {
		t.Error("rejected send must not leave a pending entry")
	}
}

func TestInbound_RefreshesSuggestions(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	ctx := context.Background()

	alice := newTestSession(t, st, "u1", "Alice", "u2")
	bob := newTestSession(t, st, "u2", "Bob", "u1")
	if err := alice.Open(ctx); err != nil {
		t.Fatalf("open alice: %v", err)
	}
	if err := bob.Open(ctx); err != nil {
		t.Fatalf("open bob: %v", err)
	}

	if _, err := bob.Send(ctx, "Bonjour, ça va ?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "alice's suggestions", func() bool { return len(alice.Suggestions()) > 0 })
	sugg := alice.Suggestions()
	if sugg[0].Text != "Bonjour !" {
		t.Errorf("greeting should rank first, got %q", sugg[0].Text)
	}

	// The sender's own message must not refresh the sender's suggestions.
	waitFor(t, "bob's confirmation", func() bool { return len(bob.Messages()) == 1 })
	if len(bob.Suggestions()) != 0 {
		t.Errorf("outbound message refreshed the sender's suggestions: %v", bob.Suggestions())
	}
}

func TestSend_OnClosedSession(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	s := newTestSession(t, st, "u1", "Alice", "u2")

	if _, err := s.Send(context.Background(), "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("send on idle session: got %v, want ErrSessionClosed", err)
	}

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	if _, err := s.Send(context.Background(), "hello"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("send on closed session: got %v, want ErrSessionClosed", err)
	}
}

func TestReopen_AfterClose(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	ctx := context.Background()

	s := newTestSession(t, st, "u1", "Alice", "u2")
	if err := s.Open(ctx); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s.Send(ctx, "avant fermeture"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "confirmation", func() bool { return len(s.Messages()) == 1 })
	s.Close()

	if err := s.Open(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s.State() != StateLive {
		t.Fatalf("reopened session should be live, got %s", s.State())
	}
	// The replayed history must not duplicate what the view already holds.
	if got := len(s.Messages()); got != 1 {
		t.Errorf("view has %d messages after reopen, want 1", got)
	}
	if _, err := s.Send(ctx, "après réouverture"); err != nil {
		t.Fatalf("send after reopen: %v", err)
	}
	waitFor(t, "second confirmation", func() bool { return len(s.Messages()) == 2 })
}

// brokenBackend fails every read so Subscribe cannot complete; failures
// count configures how many Subscribe calls fail before it heals.
type brokenBackend struct {
	*store.MemoryBackend
	failures int
	calls    int
}

func (b *brokenBackend) History(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	b.calls++
	if b.failures < 0 || b.calls <= b.failures {
		return nil, fmt.Errorf("transport down")
	}
	return b.MemoryBackend.History(ctx, roomID, limit)
}

func TestOpen_BoundedRetriesThenConnectionFailed(t *testing.T) {
	backend := &brokenBackend{MemoryBackend: store.NewMemoryBackend(), failures: -1}
	st := store.New(backend, store.NewInprocBus(), store.Config{})
	s := newTestSession(t, st, "u1", "Alice", "u2")

	err := s.Open(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("open: got %v, want ErrConnectionFailed", err)
	}
	if s.State() != StateClosed {
		t.Errorf("session should be closed after giving up, got %s", s.State())
	}
	if backend.calls != testConfig().MaxAttempts {
		t.Errorf("got %d subscribe attempts, want %d", backend.calls, testConfig().MaxAttempts)
	}
}

func TestOpen_RetriesThroughTransientFailure(t *testing.T) {
	backend := &brokenBackend{MemoryBackend: store.NewMemoryBackend(), failures: 2}
	st := store.New(backend, store.NewInprocBus(), store.Config{})
	s := newTestSession(t, st, "u1", "Alice", "u2")

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open should succeed on the third attempt: %v", err)
	}
	if s.State() != StateLive {
		t.Errorf("session should be live, got %s", s.State())
	}
}

func TestEvents_CarrySuggestionsAndConfirmations(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	ctx := context.Background()

	alice := newTestSession(t, st, "u1", "Alice", "u2")
	if err := alice.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := alice.Send(ctx, "Bonjour"); err != nil {
		t.Fatalf("send: %v", err)
	}

	var sawPending, sawConfirmed bool
	timeout := time.After(2 * time.Second)
	for !(sawPending && sawConfirmed) {
		select {
		case ev := <-alice.Events():
			switch ev.Type {
			case EventMessagePending:
				sawPending = true
			case EventMessageConfirmed:
				sawConfirmed = true
				if ev.Message.Body != "Bonjour" {
					t.Errorf("confirmed wrong message: %+v", ev.Message)
				}
			}
		case <-timeout:
			t.Fatalf("timed out, pending=%v confirmed=%v", sawPending, sawConfirmed)
		}
	}
}
