// Package ratelimit throttles chat senders with a Redis fixed window
// (INCR + EXPIRE) keyed by user name.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule is a window policy: at most Limit hits per Window for each user.
type Rule struct {
	Key    string // Redis key prefix, e.g. "rl:chat:msg:"
	Limit  int
	Window time.Duration
}

// RuleMessage allows 5 messages per 10 seconds per user.
var RuleMessage = Rule{Key: "rl:chat:msg:", Limit: 5, Window: 10 * time.Second}

// Decision is the outcome of one hit.
type Decision struct {
	Allowed bool
	// Count is the number of hits in the current window, this one included.
	Count int
	// RetryAfter is how long until the window resets. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter counts hits in Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter wraps an existing client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: logger}
}

// Dial connects to Redis at addr. It fails if Redis does not answer a ping
// within 5 seconds.
func Dial(addr string, logger zerolog.Logger) (*Limiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewLimiter(client, logger), nil
}

// Allow records a hit for user. Redis failures let the hit through and are
// returned alongside the allowing Decision.
func (l *Limiter) Allow(ctx context.Context, user string, rule Rule) (Decision, error) {
	key := rule.Key + user

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("[ratelimit] INCR failed, allowing")
		return Decision{Allowed: true}, err
	}
	d := Decision{Allowed: int(count) <= rule.Limit, Count: int(count)}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("[ratelimit] EXPIRE failed, allowing")
			// Without a TTL the key would never reset.
			l.client.Del(ctx, key)
			return Decision{Allowed: true, Count: 1}, err
		}
		return d, nil
	}
	if d.Allowed {
		return d, nil
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	switch {
	case err != nil:
		l.log.Debug().Err(err).Str("key", key).Msg("[ratelimit] PTTL failed")
		d.RetryAfter = rule.Window
	case ttl > 0:
		d.RetryAfter = ttl
	default:
		// Expired between INCR and PTTL.
		d.RetryAfter = 0
	}
	return d, nil
}

// Close releases the Redis client.
func (l *Limiter) Close() error {
	return l.client.Close()
}
