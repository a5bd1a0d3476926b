package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxBodyBytes = 4096 // max encoded size
	MaxBodyChars = 2000 // max character count
)

// ErrEmptyBody is returned when a message body is empty after trimming
// whitespace. It is a local validation failure, never retried.
var ErrEmptyBody = errors.New("chat: message body is empty")

// ValidateBody checks that a message body meets content requirements and
// returns the trimmed body to be committed.
func ValidateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if len(body) > MaxBodyBytes {
		return "", fmt.Errorf("chat: body exceeds %d byte limit", MaxBodyBytes)
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return "", fmt.Errorf("chat: body exceeds %d character limit", MaxBodyChars)
	}
	if !utf8.ValidString(body) {
		return "", fmt.Errorf("chat: body contains invalid UTF-8")
	}
	return body, nil
}
