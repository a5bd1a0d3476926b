// Package protocol defines the WebSocket message types exchanged with the
// presentation layer. All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/noorcity/messaging/internal/chat"
	"github.com/noorcity/messaging/internal/directory"
	"github.com/noorcity/messaging/internal/smartreply"
)

// Client -> Server message types.
const (
	TypeListContacts      = "list_contacts"
	TypeOpenConversation  = "open_conversation"
	TypeSendMessage       = "message"
	TypeCloseConversation = "close_conversation"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeContacts           = "contacts"
	TypeConversationOpened = "conversation_opened"
	TypeMessage            = "message"
	TypeMessagePending     = "message_pending"
	TypeSmartReplies       = "smart_replies"
	TypeRateLimited        = "rate_limited"
	TypeError              = "error"
	TypePong               = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidParticipants  = "invalid_participants"
	CodeDirectoryUnavailable = "directory_unavailable"
	CodeEmptyBody            = "empty_body"
	CodeConnectionFailed     = "connection_failed"
	CodeSessionClosed        = "session_closed"
	CodeParseError           = "parse_error"
	CodeInternal             = "internal"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ListContactsMsg requests the caller's eligible conversation targets,
// optionally filtered by a display-name substring.
type ListContactsMsg struct {
	Type  string `json:"type"`
	Query string `json:"query,omitempty"`
}

// OpenConversationMsg opens (or reopens) the conversation with a peer.
type OpenConversationMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
}

// SendMessageMsg is an outbound chat message for an open conversation. The
// client may supply its own message ID so a retried send after a dropped
// connection dedupes instead of appending twice.
type SendMessageMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"room_id"`
	Body        string `json:"body"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// CloseConversationMsg closes the conversation view for a room.
type CloseConversationMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ContactsMsg carries the eligible target list.
type ContactsMsg struct {
	Type  string           `json:"type"`
	Users []directory.User `json:"users"`
}

// ConversationOpenedMsg confirms that a conversation reached the live state.
type ConversationOpenedMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
}

// ServerMessageMsg relays one committed message of the room's ordered feed,
// history and live alike.
type ServerMessageMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// MessagePendingMsg reports an optimistic outbound message that has not yet
// been observed committed.
type MessagePendingMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
}

// SmartRepliesMsg carries the current suggestion set for a room.
type SmartRepliesMsg struct {
	Type        string                  `json:"type"`
	RoomID      string                  `json:"room_id"`
	Suggestions []smartreply.Suggestion `json:"suggestions"`
}

// RateLimitedMsg tells the client it is sending too fast.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeListContacts:
		var m ListContactsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseConversation:
		var m CloseConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
