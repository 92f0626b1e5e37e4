// Package ratelimit provides Redis-backed rate limiting using INCR + EXPIRE
// fixed windows. Counters live in Redis so a limit holds across every chat
// server instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pprasoon1/safe-chat/internal/logging"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// MessageRule limits chat messages per identity.
func MessageRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:msg:", Limit: limit, Window: window}
}

// Result is the outcome of one check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // time until the window resets, when not allowed
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, log: logging.Component("ratelimit")}
}

// Allow increments the counter for identifier and reports whether it is still
// within rule. The expiry is set on the first increment of a window.
//
// On Redis errors Allow fails open: the result is allowed and the error is
// returned for logging only.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Result, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("INCR failed, failing open")
		return Result{Allowed: true}, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return Result{Allowed: true}, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	if int(count) <= rule.Limit {
		return Result{Allowed: true}, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = rule.Window
	}
	return Result{Allowed: false, RetryAfter: ttl}, nil
}

// Policy binds a Limiter to one Rule.
type Policy struct {
	limiter *Limiter
	rule    Rule
}

// NewPolicy returns a Policy enforcing rule.
func NewPolicy(l *Limiter, rule Rule) *Policy {
	return &Policy{limiter: l, rule: rule}
}

// Allow checks identifier against the policy's rule.
func (p *Policy) Allow(ctx context.Context, identifier string) (Result, error) {
	return p.limiter.Allow(ctx, identifier, p.rule)
}
