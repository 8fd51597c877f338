package reqstream

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryDecision is the outcome of a RetryPolicy evaluation.
type RetryDecision struct {
	Retry bool

	// After is the local delay to apply before the next attempt.
	After time.Duration

	// GlobalSuspend, when positive, is applied to the GlobalRateLimiter
	// before retrying: every bucket will wait for it.
	GlobalSuspend time.Duration
}

// maxRetryAfter bounds absurd Retry-After values so they cannot overflow.
const maxRetryAfter = 24 * time.Hour

// NoRetry is the decision for terminal errors.
var NoRetry = RetryDecision{}

// RetryPolicy decides whether a failed attempt is retried.
// attempt is the 1-based number of the attempt that just failed.
type RetryPolicy interface {
	Decide(err error, attempt int) RetryDecision
}

// RetryPolicyFunc adapts a function to the RetryPolicy interface.
type RetryPolicyFunc func(err error, attempt int) RetryDecision

func (f RetryPolicyFunc) Decide(err error, attempt int) RetryDecision {
	return f(err, attempt)
}

// ServerDirectedRetryPolicy retries exactly one failure class:
// exchanges rejected with 429 Too Many Requests.
// The backoff is taken from the Retry-After header (milliseconds)
// and is applied globally when X-RateLimit-Global is set.
//
// Every other error is terminal.
type ServerDirectedRetryPolicy struct {
	// MaxAttempts caps the total number of attempts for a request.
	// Zero means unbounded: the request is retried for as long
	// as the server keeps answering 429.
	MaxAttempts int
}

func (p ServerDirectedRetryPolicy) Decide(err error, attempt int) RetryDecision {
	var exchangeErr *ExchangeError
	if !errors.As(err, &exchangeErr) || exchangeErr.StatusCode != http.StatusTooManyRequests {
		return NoRetry
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return NoRetry
	}

	retryAfter := parseRetryAfter(exchangeErr.Header)

	if isGlobalLimit(exchangeErr.Header) {
		// the global gate enforces the wait for every bucket, this one included
		return RetryDecision{
			Retry:         true,
			GlobalSuspend: retryAfter,
		}
	}

	return RetryDecision{
		Retry: true,
		After: retryAfter,
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	millis, err := strconv.ParseFloat(strings.TrimSpace(h.Get(HeaderRetryAfter)), 64)
	if err != nil || millis <= 0 || math.IsNaN(millis) {
		return 0
	}
	if millis >= float64(maxRetryAfter/time.Millisecond) {
		return maxRetryAfter
	}
	return time.Duration(math.Ceil(millis)) * time.Millisecond
}

func isGlobalLimit(h http.Header) bool {
	if h == nil {
		return false
	}
	global, err := strconv.ParseBool(strings.TrimSpace(h.Get(HeaderRateLimitGlobal)))
	return err == nil && global
}
