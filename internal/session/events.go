package session

import (
	"github.com/noorcity/messaging/internal/chat"
	"github.com/noorcity/messaging/internal/smartreply"
)

// EventType discriminates the events a session emits to the presentation
// layer.
type EventType string

const (
	// EventStateChanged reports a state machine transition.
	EventStateChanged EventType = "state_changed"

	// EventMessage reports an inbound message appended to the view.
	EventMessage EventType = "message"

	// EventMessagePending reports an optimistic outbound message awaiting
	// commit confirmation.
	EventMessagePending EventType = "message_pending"

	// EventMessageConfirmed reports that a pending outbound message was
	// observed committed; the pending entry is replaced by the confirmed one.
	EventMessageConfirmed EventType = "message_confirmed"

	// EventSuggestions reports a fresh smart-reply set derived from the
	// latest inbound message.
	EventSuggestions EventType = "suggestions"
)

// Event is one notification on the session's event stream. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type        EventType
	State       State
	Message     chat.Message
	Suggestions []smartreply.Suggestion
}
