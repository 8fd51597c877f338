// Package promstats exports reqstream activity as Prometheus metrics.
package promstats

import (
	"errors"
	"strconv"
	"time"

	"github.com/fabiofenoglio/reqstream"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "reqstream"

// aggregated is the bucket label used when per-bucket labels are disabled.
const aggregated = "all"

// Config holds the configuration for an Observer instance
type Config struct {
	// Registerer is where the collectors are registered.
	// When not provided, prometheus.DefaultRegisterer is used.
	Registerer prometheus.Registerer

	// Namespace prefixes every metric name. Defaults to "reqstream".
	Namespace string

	// BucketLabels enables the bucket label on per-bucket metrics.
	// Bucket keys usually embed resource ids: only enable it when
	// the number of buckets is known to be small.
	BucketLabels bool
}

// Observer implements reqstream.Observer on Prometheus collectors.
type Observer struct {
	bucketLabels bool

	queued      *prometheus.CounterVec
	pending     *prometheus.GaugeVec
	inFlight    *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	attempts    prometheus.Histogram
	suspensions prometheus.Histogram
	throttles   *prometheus.HistogramVec
}

var _ reqstream.Observer = (*Observer)(nil)

// New builds the collectors and registers them.
func New(config *Config) (*Observer, error) {
	if config == nil {
		config = &Config{}
	}
	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = defaultNamespace
	}

	delays := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	o := &Observer{
		bucketLabels: config.BucketLabels,
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_queued_total",
			Help:      "Requests pushed to a bucket stream.",
		}, []string{"bucket"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries_pending",
			Help:      "Requests waiting in a bucket queue.",
		}, []string{"bucket"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exchanges_in_flight",
			Help:      "Exchanges currently in progress.",
		}, []string{"bucket"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entry_transitions_total",
			Help:      "Entry state transitions, by target state.",
		}, []string{"bucket", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Rate limited attempts scheduled for retry, by scope.",
		}, []string{"bucket", "scope"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entry_attempts",
			Help:      "Attempts needed by requests that reached a terminal state.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		suspensions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "global_suspension_seconds",
			Help:      "Length of global suspensions caused by global rate limits.",
			Buckets:   delays,
		}),
		throttles: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bucket_throttle_seconds",
			Help:      "Preemptive waits applied to exhausted buckets.",
			Buckets:   delays,
		}, []string{"bucket"}),
	}

	collectors := []prometheus.Collector{
		o.queued, o.pending, o.inFlight, o.transitions,
		o.retries, o.attempts, o.suspensions, o.throttles,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, errors.New("promstats: collectors already registered, use a dedicated Registerer or Namespace")
			}
			return nil, err
		}
	}

	return o, nil
}

func (o *Observer) label(bucket reqstream.BucketKey) string {
	if !o.bucketLabels {
		return aggregated
	}
	return string(bucket)
}

func (o *Observer) EntryQueued(bucket reqstream.BucketKey, depth int) {
	label := o.label(bucket)
	o.queued.WithLabelValues(label).Inc()
	o.pending.WithLabelValues(label).Inc()
}

func (o *Observer) EntryStateChanged(change reqstream.StateChange) {
	label := o.label(change.Bucket)

	switch change.From {
	case reqstream.StatePending:
		o.pending.WithLabelValues(label).Dec()
	case reqstream.StateExecuting:
		o.inFlight.WithLabelValues(label).Dec()
	}

	switch change.To {
	case reqstream.StateExecuting:
		o.inFlight.WithLabelValues(label).Inc()
	case reqstream.StateRetryScheduled:
		o.retries.WithLabelValues(label, scope(change.Global)).Inc()
	}

	if change.To.Terminal() {
		o.attempts.Observe(float64(change.Attempt))
	}

	o.transitions.WithLabelValues(label, change.To.String()).Inc()
}

func (o *Observer) GlobalSuspended(d time.Duration) {
	o.suspensions.Observe(d.Seconds())
}

func (o *Observer) BucketThrottled(bucket reqstream.BucketKey, d time.Duration) {
	o.throttles.WithLabelValues(o.label(bucket)).Observe(d.Seconds())
}

func scope(global bool) string {
	if global {
		return "global"
	}
	return "bucket"
}

// StatsCollector exposes the Stats of a router as gauges,
// computed at scrape time.
type StatsCollector struct {
	stats func() []reqstream.StreamStats

	streams   *prometheus.Desc
	queued    *prometheus.Desc
	completed *prometheus.Desc
	failed    *prometheus.Desc
}

// NewStatsCollector returns a collector reading from stats on every scrape,
// usually router.Stats.
func NewStatsCollector(namespace string, stats func() []reqstream.StreamStats) *StatsCollector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &StatsCollector{
		stats: stats,
		streams: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "router", "streams"),
			"Bucket streams known to the router, by state.",
			[]string{"closed"}, nil,
		),
		queued: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "router", "queued"),
			"Requests queued across every stream.",
			nil, nil,
		),
		completed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "router", "completed"),
			"Requests completed across every stream.",
			nil, nil,
		),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "router", "failed"),
			"Requests failed across every stream.",
			nil, nil,
		),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streams
	ch <- c.queued
	ch <- c.completed
	ch <- c.failed
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	streams := map[bool]float64{false: 0, true: 0}
	var queued, completed, failed float64

	for _, s := range c.stats() {
		streams[s.Closed]++
		queued += float64(s.Queued)
		completed += float64(s.Completed)
		failed += float64(s.Failed)
	}

	for closed, count := range streams {
		ch <- prometheus.MustNewConstMetric(c.streams, prometheus.GaugeValue, count, strconv.FormatBool(closed))
	}
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, queued)
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, completed)
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, failed)
}
