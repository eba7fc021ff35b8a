// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. roomd throttles broadcasts per user and websocket upgrades
// per client address.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/roomchat/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:bcast:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleBroadcast allows 10 broadcasts per 10 seconds per user.
	RuleBroadcast = Rule{Key: "rl:bcast:", Limit: 10, Window: 10 * time.Second}

	// RuleConnect allows 20 websocket upgrades per minute per client address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    *slog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log *slog.Logger) *Limiter {
	if log == nil {
		log = logging.Discard()
	}
	return &Limiter{client: client, log: log.With("component", "ratelimit")}
}

// Allow increments identifier's counter for rule and reports whether it is
// still within the limit. The expiry is set on the first increment and
// defines the window.
//
// On Redis errors Allow fails open (returns true along with the error) so a
// Redis outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("INCR failed, failing open", "key", key, "err", err)
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("EXPIRE failed, failing open", "key", key, "err", err)
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests identifier has left in the current
// window, the full limit if it has none recorded. On Redis errors it returns
// the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn("GET failed, failing open", "key", key, "err", err)
		return rule.Limit, err
	}

	return max(rule.Limit-count, 0), nil
}
