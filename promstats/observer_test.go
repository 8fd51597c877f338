package promstats

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fabiofenoglio/reqstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = reqstream.BucketKey("GET /channels/{channel.id}/messages 42")

func buildObserver(t *testing.T, bucketLabels bool) *Observer {
	observer, err := New(&Config{
		Registerer:   prometheus.NewRegistry(),
		BucketLabels: bucketLabels,
	})
	require.NoError(t, err)
	return observer
}

func TestObserverTracksLifecycle(t *testing.T) {
	observer := buildObserver(t, true)
	label := string(bucket)

	observer.EntryQueued(bucket, 1)
	observer.EntryQueued(bucket, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(observer.queued.WithLabelValues(label)))
	assert.Equal(t, 2.0, testutil.ToFloat64(observer.pending.WithLabelValues(label)))

	observer.EntryStateChanged(reqstream.StateChange{Bucket: bucket, From: reqstream.StatePending, To: reqstream.StateExecuting, Attempt: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.pending.WithLabelValues(label)))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.inFlight.WithLabelValues(label)))

	observer.EntryStateChanged(reqstream.StateChange{Bucket: bucket, From: reqstream.StateExecuting, To: reqstream.StateRetryScheduled, Attempt: 1, Global: true})
	assert.Equal(t, 0.0, testutil.ToFloat64(observer.inFlight.WithLabelValues(label)))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.retries.WithLabelValues(label, "global")))

	observer.EntryStateChanged(reqstream.StateChange{Bucket: bucket, From: reqstream.StateRetryScheduled, To: reqstream.StateExecuting, Attempt: 2})
	observer.EntryStateChanged(reqstream.StateChange{Bucket: bucket, From: reqstream.StateExecuting, To: reqstream.StateSucceeded, Attempt: 2})
	assert.Equal(t, 0.0, testutil.ToFloat64(observer.inFlight.WithLabelValues(label)))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.transitions.WithLabelValues(label, "succeeded")))
	assert.Equal(t, 2.0, testutil.ToFloat64(observer.transitions.WithLabelValues(label, "executing")))

	// the queued request is dropped on close
	observer.EntryStateChanged(reqstream.StateChange{Bucket: bucket, From: reqstream.StatePending, To: reqstream.StateFailed, Err: reqstream.ErrStreamClosed})
	assert.Equal(t, 0.0, testutil.ToFloat64(observer.pending.WithLabelValues(label)))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.transitions.WithLabelValues(label, "failed")))

	assert.Equal(t, 1, testutil.CollectAndCount(observer.attempts))
}

func TestObserverAggregatesBucketsByDefault(t *testing.T) {
	observer := buildObserver(t, false)

	observer.EntryQueued("a", 1)
	observer.EntryQueued("b", 1)
	observer.BucketThrottled("a", 5*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(observer.queued.WithLabelValues(aggregated)))
	assert.Equal(t, 1, testutil.CollectAndCount(observer.queued))
	assert.Equal(t, 1, testutil.CollectAndCount(observer.throttles))
}

func TestObserverRecordsSuspensions(t *testing.T) {
	observer := buildObserver(t, false)

	observer.GlobalSuspended(2 * time.Second)

	expected := `
# HELP reqstream_global_suspension_seconds Length of global suspensions caused by global rate limits.
# TYPE reqstream_global_suspension_seconds histogram
reqstream_global_suspension_seconds_bucket{le="0.05"} 0
reqstream_global_suspension_seconds_bucket{le="0.1"} 0
reqstream_global_suspension_seconds_bucket{le="0.25"} 0
reqstream_global_suspension_seconds_bucket{le="0.5"} 0
reqstream_global_suspension_seconds_bucket{le="1"} 0
reqstream_global_suspension_seconds_bucket{le="2.5"} 1
reqstream_global_suspension_seconds_bucket{le="5"} 1
reqstream_global_suspension_seconds_bucket{le="10"} 1
reqstream_global_suspension_seconds_bucket{le="30"} 1
reqstream_global_suspension_seconds_bucket{le="60"} 1
reqstream_global_suspension_seconds_bucket{le="+Inf"} 1
reqstream_global_suspension_seconds_sum 2
reqstream_global_suspension_seconds_count 1
`
	assert.NoError(t, testutil.CollectAndCompare(observer.suspensions, strings.NewReader(expected)))
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()

	_, err := New(&Config{Registerer: registry})
	require.NoError(t, err)

	_, err = New(&Config{Registerer: registry})
	assert.Error(t, err)

	_, err = New(&Config{Registerer: registry, Namespace: "other"})
	assert.NoError(t, err)
}

func TestStatsCollector(t *testing.T) {
	collector := NewStatsCollector("", func() []reqstream.StreamStats {
		return []reqstream.StreamStats{
			{Bucket: "a", Queued: 3, Completed: 10, Failed: 1},
			{Bucket: "b", Queued: 1, Completed: 5, Closed: true},
		}
	})

	expected := `
# HELP reqstream_router_queued Requests queued across every stream.
# TYPE reqstream_router_queued gauge
reqstream_router_queued 4
# HELP reqstream_router_completed Requests completed across every stream.
# TYPE reqstream_router_completed counter
reqstream_router_completed 15
# HELP reqstream_router_streams Bucket streams known to the router, by state.
# TYPE reqstream_router_streams gauge
reqstream_router_streams{closed="false"} 1
reqstream_router_streams{closed="true"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"reqstream_router_queued", "reqstream_router_completed", "reqstream_router_streams"))
	assert.Equal(t, 5, testutil.CollectAndCount(collector))
}

func TestObserverWiredToRouter(t *testing.T) {
	observer := buildObserver(t, false)

	router, err := reqstream.New(&reqstream.Config{
		Transport: reqstream.TransportFunc(func(_ context.Context, req *reqstream.Request) (*reqstream.Response, error) {
			if req.Params[0] == "fail" {
				return nil, errors.New("boom")
			}
			return &reqstream.Response{StatusCode: 200}, nil
		}),
		Observer: observer,
		Logger:   reqstream.NewNoOpLogger(),
	})
	require.NoError(t, err)
	defer router.Close()

	route := reqstream.Route{Method: "GET", Template: "/users/{id}"}
	_, err = router.Do(context.Background(), reqstream.NewRequest(route, "ok"))
	require.NoError(t, err)
	_, err = router.Do(context.Background(), reqstream.NewRequest(route, "fail"))
	require.Error(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(observer.queued.WithLabelValues(aggregated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.transitions.WithLabelValues(aggregated, "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(observer.transitions.WithLabelValues(aggregated, "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(observer.pending.WithLabelValues(aggregated)))
	assert.Equal(t, 0.0, testutil.ToFloat64(observer.inFlight.WithLabelValues(aggregated)))
}
