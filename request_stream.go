package reqstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// BucketKey identifies a rate limit bucket.
type BucketKey string

// streamEntry pairs a request with its completion handle.
type streamEntry struct {
	ID      string
	Future  *Future
	Request *Request

	// Ctx is the caller context, checked before every attempt.
	Ctx context.Context
}

// RequestStream is the ordered queue of requests for a single bucket.
//
// Any number of producers may push to the stream, but a single reader
// processes the entries one at a time, in push order: at most one
// exchange per bucket is ever in flight. This linearization is what
// makes per-bucket rate limit handling correct.
//
// Streams are built by Router.Stream, the zero value is not usable.
type RequestStream struct {
	Bucket BucketKey

	Logger        Logger
	Observer      Observer
	Transport     Transport
	GlobalLimiter *GlobalRateLimiter
	RetryPolicy   RetryPolicy

	// Pacer optionally spaces out requests on the client side,
	// on top of what the server headers dictate.
	Pacer *rate.Limiter

	// Time functions can be overridden for testing.
	TimeFunc  func() time.Time
	SleepFunc func(ctx context.Context, d time.Duration) error

	// a lock guards the queue, producers only ever append to it.
	lock   sync.Mutex
	queue  *deque.Deque
	closed bool
	notify chan struct{}

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	// sleepTime is the preemptive delay computed from the last
	// successful response. It is owned by the reader goroutine.
	sleepTime time.Duration

	inFlight  atomic.Bool
	completed atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
}

// StreamStats holds runtime statistics for a single stream.
type StreamStats struct {
	Bucket    BucketKey
	Queued    int
	InFlight  bool
	Started   bool
	Closed    bool
	Completed uint64
	Failed    uint64
	Retries   uint64
}

// Push appends a request to the stream. It never blocks and
// is safe to call from any number of goroutines.
//
// The future is fulfilled once the request leaves the stream,
// either with the response or with a terminal error. If the stream
// has been closed it is failed right away with ErrStreamClosed.
func (s *RequestStream) Push(ctx context.Context, future *Future, req *Request) {
	if ctx == nil {
		ctx = context.Background()
	}

	e := &streamEntry{
		ID:      uuid.NewString(),
		Future:  future,
		Request: req,
		Ctx:     ctx,
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		s.Logger.Warning(fmt.Sprintf("request %s pushed after close, rejecting it", req))
		future.complete(nil, ErrStreamClosed)
		return
	}
	s.queue.PushBack(e)
	depth := s.queue.Len()
	s.lock.Unlock()

	// wake up the reader if it's idle, without ever blocking
	select {
	case s.notify <- struct{}{}:
	default:
	}

	s.Logger.Debug(fmt.Sprintf("queued request %s as %s (queue depth %d)", req, e.ID, depth))
	s.Observer.EntryQueued(s.Bucket, depth)
}

// Start launches the reader. Calling it more than once has no effect.
func (s *RequestStream) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.Logger.Debug("starting reader")
	go s.read()
}

// Close stops the reader and fails every queued request with ErrStreamClosed.
// An in-flight exchange is cancelled. Close blocks until the reader exited.
func (s *RequestStream) Close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()

	s.cancel()

	if s.started.Load() {
		<-s.stopped
	} else {
		s.drain()
	}
}

// Stats returns runtime statistics about the stream.
func (s *RequestStream) Stats() StreamStats {
	s.lock.Lock()
	queued := s.queue.Len()
	closed := s.closed
	s.lock.Unlock()

	return StreamStats{
		Bucket:    s.Bucket,
		Queued:    queued,
		InFlight:  s.inFlight.Load(),
		Started:   s.started.Load(),
		Closed:    closed,
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Retries:   s.retries.Load(),
	}
}

func (s *RequestStream) read() {
	defer close(s.stopped)
	defer s.drain()

	for {
		e, ok := s.next()
		if !ok {
			s.Logger.Debug("reader stopped")
			return
		}

		s.process(e)

		// preemptive throttling: the bucket is known to be exhausted
		// until its reset time, so stall instead of risking a 429.
		if s.sleepTime > 0 {
			delay := s.sleepTime
			s.sleepTime = 0

			s.Logger.Debug(fmt.Sprintf("bucket exhausted, waiting %v ms before the next request", delay.Milliseconds()))
			s.Observer.BucketThrottled(s.Bucket, delay)

			if err := s.sleep(s.ctx, delay); err != nil {
				return
			}
		}
	}
}

// next pops the oldest entry, waiting for one to be pushed if the queue is empty.
func (s *RequestStream) next() (*streamEntry, bool) {
	for {
		if s.ctx.Err() != nil {
			return nil, false
		}

		s.lock.Lock()
		if s.queue.Len() > 0 {
			e := s.queue.PopFront().(*streamEntry)
			s.lock.Unlock()
			return e, true
		}
		s.lock.Unlock()

		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return nil, false
		}
	}
}

// process runs one entry through the attempt loop until it
// succeeds or fails terminally. Rate limited attempts are retried
// as directed by the retry policy.
func (s *RequestStream) process(e *streamEntry) {
	ctx, cancel := context.WithCancel(e.Ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	state := StatePending
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			s.fail(e, state, attempt, err)
			return
		}

		// pacing goes first: a global suspension may start while
		// the pacer sleeps, and the gate must still hold the exchange.
		if err := s.pace(ctx); err != nil {
			s.fail(e, state, attempt, err)
			return
		}

		if err := s.GlobalLimiter.Wait(ctx); err != nil {
			s.fail(e, state, attempt, err)
			return
		}

		attempt++
		s.transition(StateChange{EntryID: e.ID, From: state, To: StateExecuting, Attempt: attempt})
		state = StateExecuting

		s.inFlight.Store(true)
		response, err := s.Transport.Exchange(ctx, e.Request)
		s.inFlight.Store(false)

		if err == nil {
			if response == nil {
				response = &Response{}
			}
			s.sleepTime = ObserveRateLimit(response.Header)
			s.succeed(e, attempt, response)
			return
		}

		decision := s.RetryPolicy.Decide(err, attempt)
		if !decision.Retry {
			if IsRateLimited(err) {
				err = &RetriesExhausted{Attempts: attempt, Last: err}
			}
			s.fail(e, state, attempt, err)
			return
		}

		global := decision.GlobalSuspend > 0
		if global {
			s.GlobalLimiter.RateLimitFor(decision.GlobalSuspend)
		}

		s.retries.Add(1)
		s.transition(StateChange{
			EntryID: e.ID,
			From:    state,
			To:      StateRetryScheduled,
			Attempt: attempt,
			Delay:   decision.After,
			Global:  global,
			Err:     err,
		})
		state = StateRetryScheduled

		if global {
			s.Logger.Info(fmt.Sprintf("request %s globally rate limited, retrying after global suspension", e.ID))
		} else {
			s.Logger.Info(fmt.Sprintf("request %s rate limited, retrying in %v ms", e.ID, decision.After.Milliseconds()))
		}

		if err := s.sleep(ctx, decision.After); err != nil {
			s.fail(e, state, attempt, err)
			return
		}
	}
}

func (s *RequestStream) pace(ctx context.Context) error {
	if s.Pacer == nil {
		return nil
	}
	now := s.TimeFunc()
	reservation := s.Pacer.ReserveN(now, 1)
	if !reservation.OK() {
		return errors.New("client-side pacing does not allow any request")
	}
	return s.sleep(ctx, reservation.DelayFrom(now))
}

func (s *RequestStream) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return s.SleepFunc(ctx, d)
}

func (s *RequestStream) succeed(e *streamEntry, attempt int, response *Response) {
	s.completed.Add(1)
	s.transition(StateChange{EntryID: e.ID, From: StateExecuting, To: StateSucceeded, Attempt: attempt})
	if !e.Future.complete(response, nil) {
		s.Logger.Warning(fmt.Sprintf("request %s was already completed", e.ID))
	}
}

func (s *RequestStream) fail(e *streamEntry, from EntryState, attempt int, err error) {
	if s.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ErrStreamClosed
	}

	s.failed.Add(1)
	s.transition(StateChange{EntryID: e.ID, From: from, To: StateFailed, Attempt: attempt, Err: err})
	s.Logger.Debug(fmt.Sprintf("request %s failed after %d attempts: %v", e.ID, attempt, err))
	if !e.Future.complete(nil, err) {
		s.Logger.Warning(fmt.Sprintf("request %s was already completed", e.ID))
	}
}

func (s *RequestStream) transition(change StateChange) {
	change.Bucket = s.Bucket
	s.Observer.EntryStateChanged(change)
}

// drain fails every entry still in the queue.
func (s *RequestStream) drain() {
	s.lock.Lock()
	pending := make([]*streamEntry, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		pending = append(pending, s.queue.PopFront().(*streamEntry))
	}
	s.lock.Unlock()

	if len(pending) > 0 {
		s.Logger.Info(fmt.Sprintf("stream closed, failing %d queued requests", len(pending)))
	}
	for _, e := range pending {
		s.fail(e, StatePending, 0, ErrStreamClosed)
	}
}
