package chat

import (
	"errors"
	"fmt"
	"strings"
)

// RoomKeySeparator joins the two participant IDs in a room key. User IDs are
// validated to never contain it, so SplitRoomKey is unambiguous.
const RoomKeySeparator = "#"

// reservedIDBytes are bytes a user ID may not contain: the room key
// separator, and the bytes the storage backends use as key structure. A
// user ID carrying one of these could forge a key that falls inside another
// room's keyspace.
const reservedIDBytes = RoomKeySeparator + ":\x00"

// ErrInvalidParticipants is returned when a room key is requested for an
// empty, malformed or identical pair of user IDs.
var ErrInvalidParticipants = errors.New("chat: invalid participant pair")

// RoomKey derives the canonical room ID for a pair of users. The pair is
// unordered: RoomKey(a, b) == RoomKey(b, a). The derivation is pure, so any
// party that knows both IDs can locate the room without a lookup.
func RoomKey(userA, userB string) (string, error) {
	if userA == "" || userB == "" {
		return "", fmt.Errorf("%w: empty user ID", ErrInvalidParticipants)
	}
	if strings.ContainsAny(userA, reservedIDBytes) || strings.ContainsAny(userB, reservedIDBytes) {
		return "", fmt.Errorf("%w: user ID contains a reserved byte", ErrInvalidParticipants)
	}
	if userA == userB {
		return "", fmt.Errorf("%w: cannot open a conversation with yourself", ErrInvalidParticipants)
	}
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + RoomKeySeparator + userB, nil
}

// SplitRoomKey returns the two participant IDs encoded in a room key.
func SplitRoomKey(roomID string) (string, string, error) {
	a, b, ok := strings.Cut(roomID, RoomKeySeparator)
	if !ok || a == "" || b == "" ||
		strings.ContainsAny(a, reservedIDBytes) || strings.ContainsAny(b, reservedIDBytes) {
		return "", "", fmt.Errorf("%w: malformed room ID %q", ErrInvalidParticipants, roomID)
	}
	return a, b, nil
}

// IsParticipant reports whether userID is one of the two users encoded in
// the room key.
func IsParticipant(roomID, userID string) bool {
	a, b, err := SplitRoomKey(roomID)
	if err != nil {
		return false
	}
	return userID == a || userID == b
}
