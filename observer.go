package reqstream

import "time"

// EntryState is the lifecycle state of a queued request.
//
//	Pending -> Executing -> Succeeded
//	                     -> Failed
//	                     -> RetryScheduled -> Executing -> ...
type EntryState int

const (
	StatePending EntryState = iota
	StateExecuting
	StateRetryScheduled
	StateSucceeded
	StateFailed
)

func (s EntryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateRetryScheduled:
		return "retry_scheduled"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow.
func (s EntryState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StateChange describes a single transition of an entry.
type StateChange struct {
	Bucket  BucketKey
	EntryID string
	From    EntryState
	To      EntryState

	// Attempt is the 1-based attempt number, zero while pending.
	Attempt int

	// Delay is the local backoff applied before the next attempt
	// (RetryScheduled only).
	Delay time.Duration

	// Global is true when the retry was caused by a global rate limit.
	Global bool

	// Err is the error that caused a RetryScheduled or Failed transition.
	Err error
}

// Observer receives notifications about what the streams are doing.
// Implementations must be safe for concurrent use and must not block:
// they are invoked synchronously from the stream readers.
//
// The promstats package provides a Prometheus implementation.
type Observer interface {
	// EntryQueued is called when a request enters the Pending state.
	// depth is the queue length right after the push.
	EntryQueued(bucket BucketKey, depth int)
	EntryStateChanged(change StateChange)
	GlobalSuspended(d time.Duration)
	BucketThrottled(bucket BucketKey, d time.Duration)
}

// NoOpObserver ignores every notification.
// It can be embedded to implement only part of Observer.
type NoOpObserver struct{}

func (NoOpObserver) EntryQueued(BucketKey, int) {}

func (NoOpObserver) EntryStateChanged(StateChange) {}

func (NoOpObserver) GlobalSuspended(time.Duration) {}

func (NoOpObserver) BucketThrottled(BucketKey, time.Duration) {}
