package main

import (
	"testing"

	"github.com/noorcity/messaging/internal/session"
	"github.com/noorcity/messaging/internal/smartreply"
	"github.com/noorcity/messaging/internal/store"
)

func newRegistrySession(t *testing.T, st *store.Store, callerID, peerID string) *session.Session {
	t.Helper()
	sess, err := session.New(st, smartreply.NewEngine(), callerID, "Tester", peerID, session.DefaultConfig())
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestSessionRegistry_DropsSelfClosedSession(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	sess := newRegistrySession(t, st, "u1", "u2")
	roomID := sess.RoomID()

	registry := newSessionRegistry()
	entry := &sessionEntry{sess: sess, done: make(chan struct{})}
	registry.put("conn-1", roomID, entry)

	if registry.getOpen("conn-1", roomID) != entry {
		t.Fatal("usable entry should be returned")
	}

	// The session gives up on its own, without going through the registry.
	sess.Close()

	if got := registry.getOpen("conn-1", roomID); got != nil {
		t.Errorf("dead session should be dropped from the registry, got %+v", got)
	}
	select {
	case <-entry.done:
	default:
		t.Error("dropped entry should have its event pump released")
	}

	// The room is usable again with a fresh session.
	fresh := newRegistrySession(t, st, "u1", "u2")
	replacement := &sessionEntry{sess: fresh, done: make(chan struct{})}
	registry.put("conn-1", roomID, replacement)
	if registry.getOpen("conn-1", roomID) != replacement {
		t.Error("replacement entry should be returned after the dead one was dropped")
	}
}

func TestSessionRegistry_RemoveEntryKeepsReplacement(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	old := newRegistrySession(t, st, "u1", "u2")
	roomID := old.RoomID()

	registry := newSessionRegistry()
	stale := &sessionEntry{sess: old, done: make(chan struct{})}
	registry.put("conn-1", roomID, stale)

	fresh := newRegistrySession(t, st, "u1", "u2")
	replacement := &sessionEntry{sess: fresh, done: make(chan struct{})}
	registry.put("conn-1", roomID, replacement)

	// A pump for the stale entry must not evict the replacement.
	if registry.removeEntry("conn-1", roomID, stale) {
		t.Error("stale entry should not match the current mapping")
	}
	if registry.getOpen("conn-1", roomID) != replacement {
		t.Error("replacement should still be registered")
	}
	if !registry.removeEntry("conn-1", roomID, replacement) {
		t.Error("matching entry should be removed")
	}
}

func TestSessionEntry_ReleaseIdempotent(t *testing.T) {
	st := store.New(store.NewMemoryBackend(), store.NewInprocBus(), store.Config{})
	sess := newRegistrySession(t, st, "u1", "u2")

	entry := &sessionEntry{sess: sess, done: make(chan struct{})}
	entry.release()
	entry.release()

	select {
	case <-entry.done:
	default:
		t.Error("release should close the done channel")
	}
	if sess.State() != session.StateClosed {
		t.Errorf("release should close the session, got state %s", sess.State())
	}
}
