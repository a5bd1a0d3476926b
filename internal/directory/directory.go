// Package directory resolves which accounts a caller may start a
// conversation with. User records are owned by the identity service; this
// package only reads them, keeps a Redis copy of the last good list so a
// directory outage degrades to a stale list instead of an error, and offers
// a pure name filter for the presentation layer.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleCitizen       Role = "citizen"
	RoleTechnician    Role = "technician"
	RoleAdministrator Role = "administrator"
)

// User is a read-only account record as served by the identity collaborator.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// ErrUnavailable is returned when the directory source failed and no cached
// list exists. The condition is transient; callers retry or keep showing
// whatever list they already have.
var ErrUnavailable = errors.New("directory: user directory unavailable")

// Source is the identity collaborator's read interface.
type Source interface {
	Users(ctx context.Context) ([]User, error)
}

const (
	cacheKey = "directory:users"
	cacheTTL = 10 * time.Minute
)

// Directory serves eligibility lookups over a Source with a Redis-backed
// stale fallback. The Redis client may be nil, in which case failures are
// surfaced directly.
type Directory struct {
	source Source
	rdb    *redis.Client
}

// New creates a Directory over the given source. rdb may be nil.
func New(source Source, rdb *redis.Client) *Directory {
	return &Directory{source: source, rdb: rdb}
}

// EligibleTargets returns every known user except the caller. Ordering is
// whatever the source produced; the display layer sorts. On source failure
// the last cached list is served when present, otherwise ErrUnavailable.
func (d *Directory) EligibleTargets(ctx context.Context, callerID string) ([]User, error) {
	users, err := d.source.Users(ctx)
	if err != nil {
		cached, ok := d.cached(ctx)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		log.Printf("[directory] source failed, serving cached list: %v", err)
		users = cached
	} else {
		d.refreshCache(ctx, users)
	}

	out := make([]User, 0, len(users))
	for _, u := range users {
		if u.ID == callerID {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (d *Directory) cached(ctx context.Context) ([]User, bool) {
	if d.rdb == nil {
		return nil, false
	}
	data, err := d.rdb.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return nil, false
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		log.Printf("[directory] corrupt cache entry: %v", err)
		return nil, false
	}
	return users, true
}

// refreshCache stores the latest good list. Best effort: cache failures are
// logged, never surfaced.
func (d *Directory) refreshCache(ctx context.Context, users []User) {
	if d.rdb == nil {
		return
	}
	data, err := json.Marshal(users)
	if err != nil {
		log.Printf("[directory] marshal cache entry: %v", err)
		return
	}
	if err := d.rdb.Set(ctx, cacheKey, data, cacheTTL).Err(); err != nil {
		log.Printf("[directory] cache refresh failed: %v", err)
	}
}

// Filter returns the users whose display name contains query
// case-insensitively, preserving relative order. An empty query matches
// everyone.
func Filter(users []User, query string) []User {
	if query == "" {
		return users
	}
	q := strings.ToLower(query)
	out := make([]User, 0, len(users))
	for _, u := range users {
		if strings.Contains(strings.ToLower(u.Name), q) {
			out = append(out, u)
		}
	}
	return out
}
