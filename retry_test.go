package reqstream

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServerDirectedRetryPolicyGlobalLimit(t *testing.T) {
	policy := ServerDirectedRetryPolicy{}

	decision := policy.Decide(tooManyRequests("2000", true), 1)

	assert.True(t, decision.Retry)
	assert.Equal(t, 2*time.Second, decision.GlobalSuspend)
	assert.Zero(t, decision.After)
}

func TestServerDirectedRetryPolicyBucketLimit(t *testing.T) {
	policy := ServerDirectedRetryPolicy{}

	decision := policy.Decide(tooManyRequests("500", false), 1)

	assert.True(t, decision.Retry)
	assert.Equal(t, 500*time.Millisecond, decision.After)
	assert.Zero(t, decision.GlobalSuspend)

	explicitFalse := tooManyRequests("500", false)
	explicitFalse.Header.Set(HeaderRateLimitGlobal, "false")
	assert.Equal(t, decision, policy.Decide(explicitFalse, 1))
}

func TestServerDirectedRetryPolicyTerminalErrors(t *testing.T) {
	policy := ServerDirectedRetryPolicy{}

	terminal := []error{
		&ExchangeError{StatusCode: http.StatusInternalServerError, Header: http.Header{}},
		&ExchangeError{StatusCode: http.StatusNotFound, Header: http.Header{}},
		&ExchangeError{StatusCode: http.StatusServiceUnavailable, Header: http.Header{HeaderRetryAfter: []string{"100"}}},
		errors.New("connection reset by peer"),
		fmt.Errorf("decoding response: %w", errors.New("unexpected EOF")),
	}

	for _, err := range terminal {
		assert.Equal(t, NoRetry, policy.Decide(err, 1), "error %v should not be retried", err)
	}
}

func TestServerDirectedRetryPolicyWrappedError(t *testing.T) {
	policy := ServerDirectedRetryPolicy{}

	decision := policy.Decide(fmt.Errorf("calling api: %w", tooManyRequests("250", false)), 1)

	assert.True(t, decision.Retry)
	assert.Equal(t, 250*time.Millisecond, decision.After)
}

func TestServerDirectedRetryPolicyMalformedRetryAfter(t *testing.T) {
	policy := ServerDirectedRetryPolicy{}

	for _, value := range []string{"", "soon", "-20", "NaN"} {
		decision := policy.Decide(tooManyRequests(value, false), 1)
		assert.True(t, decision.Retry)
		assert.Zero(t, decision.After, "Retry-After %q should degrade to no wait", value)
	}

	decision := policy.Decide(tooManyRequests("12.2", false), 1)
	assert.Equal(t, 13*time.Millisecond, decision.After)

	decision = policy.Decide(tooManyRequests("1e300", false), 1)
	assert.Equal(t, maxRetryAfter, decision.After)
}

func TestServerDirectedRetryPolicyMaxAttempts(t *testing.T) {
	policy := ServerDirectedRetryPolicy{MaxAttempts: 3}

	assert.True(t, policy.Decide(tooManyRequests("10", false), 1).Retry)
	assert.True(t, policy.Decide(tooManyRequests("10", false), 2).Retry)
	assert.False(t, policy.Decide(tooManyRequests("10", false), 3).Retry)

	unbounded := ServerDirectedRetryPolicy{}
	assert.True(t, unbounded.Decide(tooManyRequests("10", false), 10000).Retry)
}

func TestRetriesExhaustedError(t *testing.T) {
	last := tooManyRequests("10", false)
	err := error(&RetriesExhausted{Attempts: 3, Last: last})

	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.True(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "3 attempts")

	var exchangeErr *ExchangeError
	assert.True(t, errors.As(err, &exchangeErr))
	assert.Equal(t, http.StatusTooManyRequests, exchangeErr.StatusCode)
}
