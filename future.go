package reqstream

import (
	"context"
	"sync"
)

// Future is a single-assignment completion handle.
// It is fulfilled exactly once, either with a response or with a terminal error.
type Future struct {
	once     sync.Once
	done     chan struct{}
	response *Response
	err      error
}

// NewFuture returns an unfulfilled completion handle,
// to be handed to RequestStream.Push.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete fulfills the future. It returns false
// if the future had already been fulfilled.
func (f *Future) complete(response *Response, err error) bool {
	fulfilled := false
	f.once.Do(func() {
		f.response = response
		f.err = err
		fulfilled = true
		close(f.done)
	})
	return fulfilled
}

// Done returns a channel closed when the future gets fulfilled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future is fulfilled or ctx is done.
// Giving up on ctx does not cancel the underlying request:
// use the context passed to Router.Exchange for that.
func (f *Future) Await(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.response, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll returns the outcome if the future has been fulfilled.
// done is false while the request is still pending.
func (f *Future) Poll() (done bool, response *Response, err error) {
	select {
	case <-f.done:
		return true, f.response, f.err
	default:
		return false, nil, nil
	}
}
