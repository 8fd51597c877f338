package reqstream

import "context"

// Dispatcher is the parent interface for everything
// that can send requests through rate limited streams.
//
// You are encouraged to use this type when storing references
// to your routers in order to allow for easier implementations switch.
type Dispatcher interface {
	// Exchange enqueues the request on its bucket and returns
	// the completion handle right away, without waiting.
	//
	// ctx is checked before every attempt: cancelling it
	// fails the request if it has not completed yet.
	Exchange(ctx context.Context, req *Request) *Future

	// Do enqueues the request and waits for its outcome.
	// Rate limit rejections are retried transparently and only
	// show up as added latency; any other error is returned as-is.
	Do(ctx context.Context, req *Request) (*Response, error)
}

// BucketDispatcher is the specialized interface for dispatchers
// bound to a single bucket, as returned by Router.ForBucket.
//
// It works exactly like the router but ignores the bucket key function:
// every request goes to the same stream.
type BucketDispatcher interface {
	// Exchange enqueues the request on the bound bucket
	// and returns the completion handle right away.
	Exchange(ctx context.Context, req *Request) *Future

	// Do enqueues the request on the bound bucket and waits for its outcome.
	Do(ctx context.Context, req *Request) (*Response, error)

	// Bucket returns the bound bucket key.
	Bucket() BucketKey

	// Stats returns runtime statistics for the bound bucket.
	Stats() StreamStats
}
