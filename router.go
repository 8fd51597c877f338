package reqstream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"golang.org/x/time/rate"
)

// BucketKeyFunc maps a request to its rate limit bucket.
type BucketKeyFunc func(req *Request) BucketKey

// RouteBucketKey is the default bucket key function: requests share
// a bucket when they have the same method, route template and
// major (first) path parameter.
func RouteBucketKey(req *Request) BucketKey {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(req.Route.Method))
	sb.WriteByte(' ')
	sb.WriteString(req.Route.Template)
	if len(req.Params) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(req.Params[0])
	}
	return BucketKey(sb.String())
}

// Router holds all the required runtime data
// together with the parsed configuration.
//
// It maps every request to its bucket and lazily creates
// the request stream of each bucket on first use.
type Router struct {
	Logger   Logger
	Observer Observer
	Config   *routerEffectiveConfig

	// Time functions can be overridden for testing.
	TimeFunc  func() time.Time
	SleepFunc func(ctx context.Context, d time.Duration) error

	// GlobalLimiter is shared by every stream of the router.
	GlobalLimiter *GlobalRateLimiter

	// a lock provides thread safety.
	Lock sync.Mutex

	// we keep all the streams
	// in a map indexed by bucket key
	Streams map[BucketKey]*RequestStream

	closed bool
}

var _ Dispatcher = (*Router)(nil)

// Exchange enqueues the request on its bucket and returns
// the completion handle right away.
func (r *Router) Exchange(ctx context.Context, req *Request) *Future {
	return r.exchangeOn(ctx, r.Config.BucketKeyFunc(req), req)
}

// Do enqueues the request and waits for its outcome.
func (r *Router) Do(ctx context.Context, req *Request) (*Response, error) {
	return r.Exchange(ctx, req).Await(ctx)
}

func (r *Router) exchangeOn(ctx context.Context, key BucketKey, req *Request) *Future {
	future := NewFuture()

	stream := r.Stream(key)
	if stream == nil {
		r.Logger.Warning(fmt.Sprintf("request %s submitted to a closed router", req))
		future.complete(nil, ErrStreamClosed)
		return future
	}

	stream.Push(ctx, future, req)
	return future
}

// Stream returns the started stream for the given bucket,
// creating it on first use. It returns nil once the router is closed.
func (r *Router) Stream(key BucketKey) *RequestStream {
	r.Lock.Lock()
	defer r.Lock.Unlock()

	if r.closed {
		return nil
	}

	existing, exists := r.Streams[key]
	if exists {
		return existing
	}

	stream := r.newRequestStream(key)
	r.Streams[key] = stream
	stream.Start()

	r.Logger.Debug(fmt.Sprintf("created stream for bucket %s", key))
	return stream
}

// lookup returns the stream of the given bucket without creating it,
// together with the closed flag of the router.
func (r *Router) lookup(key BucketKey) (*RequestStream, bool) {
	r.Lock.Lock()
	defer r.Lock.Unlock()
	return r.Streams[key], r.closed
}

func (r *Router) newRequestStream(key BucketKey) *RequestStream {
	ctx, cancel := context.WithCancel(context.Background())

	stream := &RequestStream{
		Bucket:        key,
		Logger:        newBucketLogger(r.Logger, key),
		Observer:      r.Observer,
		Transport:     r.Config.Transport,
		GlobalLimiter: r.GlobalLimiter,
		RetryPolicy:   r.Config.RetryPolicy,
		TimeFunc:      r.TimeFunc,
		SleepFunc:     r.SleepFunc,

		// call with a min capacity on queue
		// to avoid dynamically resizing and improve performance.
		queue:   deque.New(r.Config.QueueCapacity, r.Config.QueueCapacity),
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	if r.Config.ApplyPacing {
		stream.Pacer = rate.NewLimiter(r.Config.PacingRate, r.Config.PacingBurst)
	}

	return stream
}

// Stats returns runtime statistics for every known bucket,
// sorted by bucket key.
func (r *Router) Stats() []StreamStats {
	r.Lock.Lock()
	streams := make([]*RequestStream, 0, len(r.Streams))
	for _, stream := range r.Streams {
		streams = append(streams, stream)
	}
	r.Lock.Unlock()

	out := make([]StreamStats, 0, len(streams))
	for _, stream := range streams {
		out = append(out, stream.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Bucket < out[j].Bucket
	})
	return out
}

// Close stops every stream. Queued requests are failed
// with ErrStreamClosed, as are requests submitted afterwards.
func (r *Router) Close() {
	r.Lock.Lock()
	if r.closed {
		r.Lock.Unlock()
		return
	}
	r.closed = true
	streams := make([]*RequestStream, 0, len(r.Streams))
	for _, stream := range r.Streams {
		streams = append(streams, stream)
	}
	r.Lock.Unlock()

	r.Logger.Info(fmt.Sprintf("closing %d streams", len(streams)))

	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Add(1)
		go func(s *RequestStream) {
			defer wg.Done()
			s.Close()
		}(stream)
	}
	wg.Wait()
}
