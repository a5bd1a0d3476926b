// Package client provides a reusable WebSocket load test client for the
// NoorCity messaging core. It connects using gobwas/ws (the same library the
// server uses), presents its identity through the X-User-ID / X-User-Name
// headers the gateway expects, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeListContacts      = "list_contacts"
	TypeOpenConversation  = "open_conversation"
	TypeMessage           = "message"
	TypeCloseConversation = "close_conversation"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeContacts           = "contacts"
	TypeConversationOpened = "conversation_opened"
	TypeMessagePending     = "message_pending"
	TypeSmartReplies       = "smart_replies"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the messaging
// gateway. It manages the WebSocket lifecycle and dispatches incoming
// messages to registered handlers.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a load test client connected to the given WebSocket URL as the
// given user. The connection is established immediately and a background
// goroutine begins reading messages.
func New(ctx context.Context, url, userID, userName string) (*Client, error) {
	header := http.Header{}
	header.Set("X-User-ID", userID)
	header.Set("X-User-Name", userName)

	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// UserID returns the identity this client connected as.
func (c *Client) UserID() string {
	return c.userID
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// OpenConversation asks the server to open (or reopen) the conversation with
// the given peer. The conversation_opened confirmation arrives through the
// registered handler.
func (c *Client) OpenConversation(peerID string) error {
	return c.Send(map[string]string{
		"type":    TypeOpenConversation,
		"peer_id": peerID,
	})
}

// SendMessage sends a chat message into an open conversation.
func (c *Client) SendMessage(roomID, body string) error {
	return c.Send(map[string]string{
		"type":    TypeMessage,
		"room_id": roomID,
		"body":    body,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
