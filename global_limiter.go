package reqstream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// GlobalRateLimiter is a process-wide gate shared by every bucket.
// While suspended, no stream starts a new exchange.
//
// The suspension is kept as a single monotonic deadline that can
// only be extended: a shorter suspension never overrides a longer one.
type GlobalRateLimiter struct {
	Logger   Logger
	Observer Observer

	// Time functions can be overridden for testing.
	TimeFunc  func() time.Time
	SleepFunc func(ctx context.Context, d time.Duration) error

	// SyncAdapter optionally shares the suspension
	// with other processes talking to the same API.
	SyncAdapter GlobalSyncAdapter

	// deadlines are stored as offsets from epoch so that
	// the monotonic clock reading of time.Now is preserved.
	epoch          time.Time
	suspendedUntil atomic.Int64
}

// GlobalRateLimiterConfig holds the optional settings of a GlobalRateLimiter.
type GlobalRateLimiterConfig struct {
	SyncAdapter GlobalSyncAdapter
	Observer    Observer

	TimeFunc  func() time.Time
	SleepFunc func(ctx context.Context, d time.Duration) error

	Logger Logger
}

// NewGlobalRateLimiter builds a limiter. A nil config is allowed.
//
// A single instance should be shared by all the routers
// talking to the same API with the same credentials.
func NewGlobalRateLimiter(config *GlobalRateLimiterConfig) *GlobalRateLimiter {
	if config == nil {
		config = &GlobalRateLimiterConfig{}
	}

	out := &GlobalRateLimiter{
		Logger:      config.Logger,
		Observer:    config.Observer,
		TimeFunc:    config.TimeFunc,
		SleepFunc:   config.SleepFunc,
		SyncAdapter: config.SyncAdapter,
	}
	if out.Logger == nil {
		out.Logger = &defaultLogger{}
	}
	if out.Observer == nil {
		out.Observer = NoOpObserver{}
	}
	if out.TimeFunc == nil {
		out.TimeFunc = time.Now
	}
	if out.SleepFunc == nil {
		out.SleepFunc = sleepContext
	}
	out.epoch = out.TimeFunc()

	return out
}

// RateLimitFor suspends every bucket for at least d from now.
// An existing suspension ending later is left untouched.
func (l *GlobalRateLimiter) RateLimitFor(d time.Duration) {
	if d <= 0 {
		return
	}

	now := l.TimeFunc()
	if l.extendTo(now.Sub(l.epoch) + d) {
		l.Logger.Warning(fmt.Sprintf("global rate limit hit, suspending all buckets for %v ms", d.Milliseconds()))
		l.Observer.GlobalSuspended(d)
	} else {
		l.Logger.Debug(fmt.Sprintf("global suspension of %v ms is covered by a longer one", d.Milliseconds()))
	}

	if l.SyncAdapter != nil {
		l.pushSuspension(now.Add(d))
	}
}

// extendTo moves the deadline forward to target with a compare-and-extend loop.
// It returns false if the current deadline was already at or past target.
func (l *GlobalRateLimiter) extendTo(target time.Duration) bool {
	for {
		current := l.suspendedUntil.Load()
		if current >= int64(target) {
			return false
		}
		if l.suspendedUntil.CompareAndSwap(current, int64(target)) {
			return true
		}
	}
}

// SuspendedFor returns how long the limiter will stay suspended,
// or zero if it is not suspended.
func (l *GlobalRateLimiter) SuspendedFor() time.Duration {
	remaining := time.Duration(l.suspendedUntil.Load()) - l.TimeFunc().Sub(l.epoch)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Suspended reports whether new exchanges are currently held back.
func (l *GlobalRateLimiter) Suspended() bool {
	return l.SuspendedFor() > 0
}

// Wait blocks until the limiter is not suspended anymore or ctx is done.
// The deadline is checked again after every sleep since another
// bucket may have extended it in the meantime.
func (l *GlobalRateLimiter) Wait(ctx context.Context) error {
	for {
		if l.SyncAdapter != nil {
			l.pullSuspension(ctx)
		}

		remaining := l.SuspendedFor()
		if remaining <= 0 {
			return ctx.Err()
		}

		if err := l.SleepFunc(ctx, remaining); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
