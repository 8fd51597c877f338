package reqstream

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStreamClosed is returned for entries that were still queued
	// when their stream (or the whole router) was closed,
	// and for entries pushed after closing.
	ErrStreamClosed = errors.New("reqstream: request stream closed")

	// ErrRetriesExhausted is a sentinel for the error that
	// occurs when a rate-limited request was retried up to the
	// configured MaxAttempts and the server kept rejecting it.
	//
	// It is only ever returned when an attempt cap is configured:
	// with the default unbounded policy rate limit rejections
	// are never surfaced to the caller.
	ErrRetriesExhausted = &RetriesExhausted{}
)

// ExchangeError is the error a Transport returns for
// a completed exchange with a non-successful status code.
//
// Status and response headers are always exposed so that
// the retry policy can inspect X-RateLimit-Global and Retry-After.
type ExchangeError struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Err optionally carries an underlying cause.
	Err error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("exchange failed with status %d (%s)", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries a 429 status.
func IsRateLimited(err error) bool {
	var exchangeErr *ExchangeError
	return errors.As(err, &exchangeErr) && exchangeErr.StatusCode == http.StatusTooManyRequests
}

// RetriesExhausted is returned when a request kept being
// rate limited until the configured MaxAttempts was reached.
type RetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *RetriesExhausted) Error() string {
	return fmt.Sprintf(
		"RetriesExhausted: request still rate limited after %v attempts: %v",
		e.Attempts,
		e.Last,
	)
}

func (e *RetriesExhausted) Is(tgt error) bool {
	_, ok := tgt.(*RetriesExhausted)
	return ok
}

func (e *RetriesExhausted) Unwrap() error {
	return e.Last
}
