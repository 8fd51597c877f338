package reqstream

import (
	"context"
	"fmt"
	"time"
)

var (
	defaultSyncTimeout = 2 * time.Second
)

// GlobalSyncAdapter is an implementation used to share
// the global suspension in a clustered environment, where
// several processes consume the same API limits.
//
// Deadlines exchanged with the adapter are wall clock times.
//
// You can provide your own implementation.
// The redissync package synchronizes the deadline over Redis.
type GlobalSyncAdapter interface {
	// Extend must atomically move the shared deadline to until,
	// unless it already ends later. It returns the resulting deadline.
	Extend(ctx context.Context, until time.Time) (time.Time, error)

	// Fetch returns the shared deadline, or the zero time if none is set.
	Fetch(ctx context.Context) (time.Time, error)
}

// pushSuspension publishes a local suspension to the remote store.
// Failures are logged and never block the flow: the local
// suspension is already in place.
func (l *GlobalRateLimiter) pushSuspension(until time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSyncTimeout)
	defer cancel()

	l.Logger.Debug("publishing global suspension to remote store")
	remote, err := l.SyncAdapter.Extend(ctx, until)
	if err != nil {
		l.Logger.Error(fmt.Sprintf("could not publish global suspension: %v", err.Error()))
		return
	}

	if remote.After(until) {
		l.Logger.Debug("remote store holds a longer global suspension, adopting it")
		l.adoptDeadline(remote)
	}
}

// pullSuspension merges the remote deadline into the local one.
func (l *GlobalRateLimiter) pullSuspension(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, defaultSyncTimeout)
	defer cancel()

	remote, err := l.SyncAdapter.Fetch(fetchCtx)
	if err != nil {
		l.Logger.Error(fmt.Sprintf("could not fetch global suspension: %v", err.Error()))
		return
	}
	if remote.IsZero() {
		return
	}

	l.adoptDeadline(remote)
}

func (l *GlobalRateLimiter) adoptDeadline(remote time.Time) {
	now := l.TimeFunc()
	remaining := remote.Sub(now)
	if remaining <= 0 {
		return
	}
	if l.extendTo(now.Sub(l.epoch) + remaining) {
		l.Logger.Info(fmt.Sprintf("adopted global suspension of %v ms from remote store", remaining.Milliseconds()))
		l.Observer.GlobalSuspended(remaining)
	}
}
