// Package messaging provides the NATS-backed fan-out transport for the
// message store. Every committed message is published on a per-room subject
// so that subscribers on any server instance observe the room's live feed.
// It handles connection lifecycle, per-subscriber subscriptions, and drain
// on shutdown.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/noorcity/messaging/internal/chat"
)

// SubjectRoomPrefix is the NATS subject prefix for room feeds; the room ID
// is appended as the final token: chat.room.<roomID>.
const SubjectRoomPrefix = "chat.room."

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "messaging-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus is the NATS-backed room fan-out used by the message store. The zero
// value is not usable; use Connect.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // subscriber key -> subscription
	next int                           // subscriber key counter
}

// Connect establishes the NATS connection and returns a ready Bus.
func Connect(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends a committed message to its room's subject. Callers must
// publish messages of one room from a single goroutine at a time; NATS then
// preserves publish order per subscriber.
func (b *Bus) Publish(roomID string, msg chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats: marshal message: %w", err)
	}
	if err := b.conn.Publish(SubjectRoomPrefix+roomID, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", SubjectRoomPrefix+roomID, err)
	}
	return nil
}

// Subscribe registers a handler for a room's live feed and returns a cancel
// function. Each call creates an independent NATS subscription, so multiple
// subscribers to the same room on one instance do not share delivery state.
// Frames that do not decode as messages are logged and dropped.
func (b *Bus) Subscribe(roomID string, handler func(chat.Message)) (func() error, error) {
	subject := SubjectRoomPrefix + roomID
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg chat.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("[nats] drop malformed frame on %s: %v", subject, err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.next++
	key := fmt.Sprintf("%s#%d", subject, b.next)
	b.subs[key] = sub
	b.mu.Unlock()

	cancel := func() error {
		b.mu.Lock()
		s, ok := b.subs[key]
		delete(b.subs, key)
		b.mu.Unlock()
		if !ok {
			return nil // already cancelled
		}
		if err := s.Unsubscribe(); err != nil {
			return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
		}
		return nil
	}
	return cancel, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] bus closed")
}
