package reqstream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	defaultTestBucket = BucketKey("test")
)

var (
	testRoute      = Route{Method: http.MethodGet, Template: "/channels/{channel.id}/messages"}
	otherTestRoute = Route{Method: http.MethodPost, Template: "/guilds/{guild.id}/bans"}
)

// fakeClock is a virtual clock: sleeping advances time instantly
// and every sleep is recorded.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration{}, c.sleeps...)
}

// scriptedTransport answers through handler and records
// every call together with the virtual time it happened at.
type scriptedTransport struct {
	clock   *fakeClock
	handler func(ctx context.Context, call int, req *Request) (*Response, error)

	mu        sync.Mutex
	calls     []*Request
	callTimes []time.Time

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (t *scriptedTransport) Exchange(ctx context.Context, req *Request) (*Response, error) {
	current := t.inFlight.Add(1)
	defer t.inFlight.Add(-1)
	for {
		peak := t.maxInFlight.Load()
		if current <= peak || t.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	t.mu.Lock()
	t.calls = append(t.calls, req)
	call := len(t.calls)
	if t.clock != nil {
		t.callTimes = append(t.callTimes, t.clock.Now())
	}
	t.mu.Unlock()

	if t.handler == nil {
		return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Value: req.URI}, nil
	}
	return t.handler(ctx, call, req)
}

func (t *scriptedTransport) Calls() []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Request{}, t.calls...)
}

func (t *scriptedTransport) CallTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time{}, t.callTimes...)
}

// recordingObserver keeps every notification it receives.
type recordingObserver struct {
	mu          sync.Mutex
	queued      []int
	changes     []StateChange
	suspensions []time.Duration
	throttles   []time.Duration
}

func (o *recordingObserver) EntryQueued(bucket BucketKey, depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued = append(o.queued, depth)
}

func (o *recordingObserver) EntryStateChanged(change StateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, change)
}

func (o *recordingObserver) GlobalSuspended(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suspensions = append(o.suspensions, d)
}

func (o *recordingObserver) BucketThrottled(bucket BucketKey, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.throttles = append(o.throttles, d)
}

func (o *recordingObserver) States() []EntryState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EntryState, 0, len(o.changes))
	for _, change := range o.changes {
		out = append(out, change.To)
	}
	return out
}

func (o *recordingObserver) Suspensions() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Duration{}, o.suspensions...)
}

func (o *recordingObserver) Throttles() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Duration{}, o.throttles...)
}

// testLogger collects every message it receives.
type testLogger struct {
	mu       sync.Mutex
	Messages []string
}

func (l *testLogger) Debug(text string) {
	l.append(fmt.Sprintf("[d] %v", text))
}
func (l *testLogger) Info(text string) {
	l.append(fmt.Sprintf("[i] %v", text))
}
func (l *testLogger) Warning(text string) {
	l.append(fmt.Sprintf("[w] %v", text))
}
func (l *testLogger) Error(text string) {
	l.append(fmt.Sprintf("[e] %v", text))
}
func (l *testLogger) append(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, message)
}
func (l *testLogger) Contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, message := range l.Messages {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

func buildRouter(t *testing.T, transport Transport, clock *fakeClock, configurer func(config *Config)) *Router {
	config := Config{
		Transport: transport,
		TimeFunc:  clock.Now,
		SleepFunc: clock.Sleep,
		Logger:    NewNoOpLogger(),
	}

	if configurer != nil {
		configurer(&config)
	}

	router, err := New(&config)
	require.NoError(t, err)
	require.NotNil(t, router)

	t.Cleanup(router.Close)
	return router
}

func okResponse(header http.Header, value interface{}) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{StatusCode: http.StatusOK, Header: header, Value: value}
}

func tooManyRequests(retryAfterMillis string, global bool) *ExchangeError {
	header := http.Header{}
	if retryAfterMillis != "" {
		header.Set(HeaderRetryAfter, retryAfterMillis)
	}
	if global {
		header.Set(HeaderRateLimitGlobal, "true")
	}
	return &ExchangeError{StatusCode: http.StatusTooManyRequests, Header: header}
}

func exhaustedHeaders(reset string, serverTime time.Time) http.Header {
	header := http.Header{}
	header.Set(HeaderRateLimitRemaining, "0")
	header.Set(HeaderRateLimitReset, reset)
	header.Set(HeaderDate, serverTime.UTC().Format(http.TimeFormat))
	return header
}

func awaitWithTimeout(t *testing.T, future *Future) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := future.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future was not fulfilled in time")
	return response, err
}
