// Package chat defines the core message model for one-to-one conversations:
// the wire shape of a persisted message, deterministic room-key derivation
// from a participant pair, and body validation rules.
package chat

// Message is a single persisted chat message. ServerTS is assigned by the
// message store at commit time; the sender's device clock is never trusted
// for ordering. SenderName is denormalized at write time so the presentation
// layer can render history without a directory lookup; a later display-name
// change does not rewrite old messages.
type Message struct {
	RoomID      string `json:"room_id"`
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Body        string `json:"body"`
	ServerTS    int64  `json:"server_ts"` // milliseconds since epoch, monotonic per room
	ClientMsgID string `json:"client_msg_id"`
}

// Less reports whether m sorts before other in the room's total order:
// by server timestamp, ties broken by client message ID. Timestamps are
// strictly increasing per room at commit time, so the tie-break only matters
// at delivery boundaries where streams are merged.
func (m Message) Less(other Message) bool {
	if m.ServerTS != other.ServerTS {
		return m.ServerTS < other.ServerTS
	}
	return m.ClientMsgID < other.ClientMsgID
}
