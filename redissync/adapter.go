// Package redissync shares the global suspension of a
// reqstream.GlobalRateLimiter across processes through Redis.
//
// The deadline is stored as unix milliseconds under a single key
// and only ever moved forward, atomically, by a Lua script.
package redissync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fabiofenoglio/reqstream"
	"github.com/redis/go-redis/v9"
)

const defaultKey = "reqstream:global"

// the key outlives the deadline a little so that
// slightly skewed clocks still observe it.
const defaultExpiryMargin = time.Second

var extendScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local wanted = tonumber(ARGV[1])
if wanted > current then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return wanted
end
return current
`)

// Adapter implements reqstream.GlobalSyncAdapter on Redis.
type Adapter struct {
	rdb redis.UniversalClient

	key          string
	expiryMargin time.Duration
	timeFunc     func() time.Time
}

var _ reqstream.GlobalSyncAdapter = (*Adapter)(nil)

type Option func(*Adapter)

// WithKey overrides the Redis key holding the deadline.
// Processes sharing the same API credentials must use the same key.
func WithKey(key string) Option {
	return func(a *Adapter) {
		if k := strings.TrimSpace(key); k != "" {
			a.key = k
		}
	}
}

// WithExpiryMargin sets how long the key survives past the deadline.
func WithExpiryMargin(d time.Duration) Option {
	return func(a *Adapter) { a.expiryMargin = d }
}

// WithTimeFunc overrides the clock, for testing.
func WithTimeFunc(f func() time.Time) Option {
	return func(a *Adapter) { a.timeFunc = f }
}

func New(rdb redis.UniversalClient, opts ...Option) *Adapter {
	a := &Adapter{
		rdb:          rdb,
		key:          defaultKey,
		expiryMargin: defaultExpiryMargin,
		timeFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Key returns the Redis key in use.
func (a *Adapter) Key() string {
	return a.key
}

// Extend moves the shared deadline to until, unless it already ends later,
// and returns the resulting deadline.
func (a *Adapter) Extend(ctx context.Context, until time.Time) (time.Time, error) {
	if a == nil || a.rdb == nil {
		return time.Time{}, errors.New("redissync: no redis client configured")
	}

	ttl := until.Sub(a.timeFunc()) + a.expiryMargin
	if ttl <= a.expiryMargin {
		// already elapsed, nothing to publish
		return a.Fetch(ctx)
	}

	result, err := extendScript.Run(ctx, a.rdb, []string{a.key}, until.UnixMilli(), ttl.Milliseconds()).Int64()
	if err != nil {
		return time.Time{}, fmt.Errorf("redissync: extend failed: %w", err)
	}
	return time.UnixMilli(result), nil
}

// Fetch returns the shared deadline, or the zero time if none is set.
func (a *Adapter) Fetch(ctx context.Context) (time.Time, error) {
	if a == nil || a.rdb == nil {
		return time.Time{}, errors.New("redissync: no redis client configured")
	}

	raw, err := a.rdb.Get(ctx, a.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redissync: fetch failed: %w", err)
	}

	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redissync: malformed deadline %q: %w", raw, err)
	}
	return time.UnixMilli(millis), nil
}

// Clear removes the shared deadline.
func (a *Adapter) Clear(ctx context.Context) error {
	if a == nil || a.rdb == nil {
		return errors.New("redissync: no redis client configured")
	}
	return a.rdb.Del(ctx, a.key).Err()
}
