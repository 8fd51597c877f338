package reqstream

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitGlobal    = "X-RateLimit-Global"
	HeaderRetryAfter         = "Retry-After"
	HeaderDate               = "Date"
)

// ObserveRateLimit inspects the headers of a successful response
// and returns how long the bucket must stall before its next request.
//
// When X-RateLimit-Remaining is 0 the delay is X-RateLimit-Reset minus
// the server time reported by the Date header. The local clock is never
// used, so clock skew between client and server does not matter.
//
// Missing or malformed headers yield zero: throttling is best effort
// and the 429 retry path acts as a backstop.
func ObserveRateLimit(h http.Header) time.Duration {
	if h == nil {
		return 0
	}

	remaining, err := strconv.Atoi(strings.TrimSpace(h.Get(HeaderRateLimitRemaining)))
	if err != nil || remaining != 0 {
		return 0
	}

	resetAt, err := strconv.ParseFloat(strings.TrimSpace(h.Get(HeaderRateLimitReset)), 64)
	if err != nil || math.IsNaN(resetAt) || math.IsInf(resetAt, 0) {
		return 0
	}

	serverTime, err := http.ParseTime(h.Get(HeaderDate))
	if err != nil {
		return 0
	}

	// Date has a one second resolution: rounding the reset up
	// never resumes the bucket before the server does.
	seconds := math.Ceil(resetAt) - float64(serverTime.Unix())
	if seconds <= 0 || seconds > maxRetryAfter.Seconds() {
		// a reset this far away is most likely in milliseconds
		return 0
	}
	return time.Duration(seconds) * time.Second
}
