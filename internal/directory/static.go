package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// StaticSource serves a fixed user list. It backs deployments without an
// identity database, and tests.
type StaticSource struct {
	users []User
}

// NewStaticSource creates a source over the given users.
func NewStaticSource(users []User) *StaticSource {
	return &StaticSource{users: users}
}

// LoadStaticSource reads a JSON array of users from a file.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read contacts file: %w", err)
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("directory: parse contacts file: %w", err)
	}
	return &StaticSource{users: users}, nil
}

// Users returns a copy of the configured list.
func (s *StaticSource) Users(_ context.Context) ([]User, error) {
	out := make([]User, len(s.users))
	copy(out, s.users)
	return out, nil
}
