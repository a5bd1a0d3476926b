// Package ratelimit provides Redis-backed send throttling using the
// INCR + EXPIRE fixed-window algorithm. The gateway applies it per sender
// before a message reaches the store, so one noisy client cannot flood a
// conversation or the bus.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a throttling policy: the Redis key prefix, the maximum
// number of actions allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleSend allows 10 outbound messages per 10 seconds per sender.
	RuleSend = Rule{Key: "rl:send:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 5 WebSocket connections per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis. A nil Limiter (or a
// Limiter over a nil client) allows everything, so deployments without
// Redis degrade to unthrottled rather than broken.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow reports whether the identifier is within the rule's budget. It
// increments the window counter and sets the expiry on first access. On
// Redis errors the method fails open so a Redis outage never blocks
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) bool {
	if l == nil || l.client == nil {
		return true
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR %s: %v (failing open)", key, err)
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE %s: %v (failing open)", key, err)
			// The counter has no TTL and would throttle forever; best
			// effort removal.
			l.client.Del(ctx, key)
			return true
		}
	}
	return int(count) <= rule.Limit
}

// RetryAfter returns how long the identifier should wait before the window
// resets. Zero when the key has no TTL or on errors.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	if l == nil || l.client == nil {
		return 0
	}
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
