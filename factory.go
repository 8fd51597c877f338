package reqstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

var (
	defaultQueueCapacity = 16
)

// Config holds the configuration for a Router instance
type Config struct {

	// Transport is a required parameter performing the
	// actual HTTP exchanges.
	// The httptransport package provides a net/http implementation.
	Transport Transport

	// RetryPolicy decides which failed exchanges are retried.
	//
	// When not provided, a ServerDirectedRetryPolicy is used:
	// 429 responses are retried as directed by the Retry-After
	// and X-RateLimit-Global headers, everything else is terminal.
	RetryPolicy RetryPolicy

	// MaxAttempts caps the attempts of the default retry policy.
	// Zero (the default) retries rate limited requests for as long
	// as the server keeps rejecting them.
	//
	// Cannot be combined with a custom RetryPolicy.
	MaxAttempts int

	// BucketKeyFunc maps a request to its rate limit bucket.
	// When not provided, RouteBucketKey is used.
	BucketKeyFunc BucketKeyFunc

	// GlobalLimiter can be provided to share the same global
	// gate among multiple routers. When not provided,
	// a dedicated one is created.
	GlobalLimiter *GlobalRateLimiter

	// SyncAdapter is an implementation used to share
	// the global suspension in a clustered environment.
	//
	// You can provide your own implementation or use
	// the redissync package.
	// Cannot be combined with GlobalLimiter: configure it there instead.
	SyncAdapter GlobalSyncAdapter

	// PacingRate optionally limits each bucket to the given
	// number of requests per second on the client side,
	// on top of the server directed throttling. Zero disables it.
	PacingRate float64

	// PacingBurst is the burst allowed by PacingRate.
	// When not provided while PacingRate is set, it defaults to 1.
	PacingBurst int

	// QueueCapacity is the minimum capacity preallocated
	// for each bucket queue. Queues are unbounded regardless.
	QueueCapacity int

	// Observer is notified of every state change.
	// The promstats package provides a Prometheus implementation.
	Observer Observer

	// Time-related functions can be overriden to allow for easier testing
	// you should usually not override these.
	TimeFunc  func() time.Time
	SleepFunc func(ctx context.Context, d time.Duration) error

	// you can pass your custom logger if you'd like to
	// but it's not required
	Logger Logger
}

// routerEffectiveConfig holds the validated and parsed configuration
// that was obtained from the user-provided configuration.
type routerEffectiveConfig struct {
	Transport     Transport
	RetryPolicy   RetryPolicy
	BucketKeyFunc BucketKeyFunc

	// features control
	ApplyPacing bool
	PacingRate  rate.Limit
	PacingBurst int

	QueueCapacity int
}

// New returns an instance of reqstream.Router
// built with the specified configuration.
//
// A non-nil error is returned in case of invalid configuration.
func New(config *Config) (*Router, error) {
	if config == nil {
		return nil, errors.New("a configuration is required")
	}

	effectiveLogger := config.Logger
	if effectiveLogger == nil {
		effectiveLogger = &defaultLogger{}
	} else {
		effectiveLogger.Info("binding provided logger to Router")
	}

	parsedConfig, err := validateConfiguration(config, effectiveLogger)
	if err != nil {
		return nil, err
	}

	out := Router{
		Config:   parsedConfig,
		Streams:  make(map[BucketKey]*RequestStream),
		TimeFunc: config.TimeFunc,
		Logger:   effectiveLogger,
		Observer: config.Observer,
	}

	if out.TimeFunc == nil {
		out.TimeFunc = time.Now
	}
	out.SleepFunc = config.SleepFunc
	if out.SleepFunc == nil {
		out.SleepFunc = sleepContext
	}
	if out.Observer == nil {
		out.Observer = NoOpObserver{}
	}

	out.GlobalLimiter = config.GlobalLimiter
	if out.GlobalLimiter == nil {
		out.GlobalLimiter = NewGlobalRateLimiter(&GlobalRateLimiterConfig{
			SyncAdapter: config.SyncAdapter,
			Observer:    out.Observer,
			TimeFunc:    out.TimeFunc,
			SleepFunc:   out.SleepFunc,
			Logger:      effectiveLogger,
		})
	}

	return &out, nil
}

// validateConfiguration will parse the user-provided configuration
// to the required format for runtime while also validating it.
func validateConfiguration(config *Config, logger Logger) (*routerEffectiveConfig, error) {
	if logger == nil {
		logger = &defaultLogger{}
	}

	out := routerEffectiveConfig{
		Transport:     config.Transport,
		RetryPolicy:   config.RetryPolicy,
		BucketKeyFunc: config.BucketKeyFunc,
		QueueCapacity: config.QueueCapacity,
	}

	if config.Transport == nil {
		return nil, errors.New("a Transport is required")
	}

	if config.MaxAttempts < 0 {
		return nil, fmt.Errorf("MaxAttempts should be zero or positive (given: %v)", config.MaxAttempts)
	}
	if config.RetryPolicy != nil && config.MaxAttempts > 0 {
		return nil, errors.New("cannot specify MaxAttempts together with a custom RetryPolicy. Please cap the attempts in the policy instead")
	}
	if out.RetryPolicy == nil {
		out.RetryPolicy = ServerDirectedRetryPolicy{MaxAttempts: config.MaxAttempts}
	}
	if config.MaxAttempts == 0 && config.RetryPolicy == nil {
		logger.Debug("no MaxAttempts configured, rate limited requests will be retried indefinitely")
	}

	if config.GlobalLimiter != nil && config.SyncAdapter != nil {
		return nil, errors.New("cannot specify SyncAdapter together with a GlobalLimiter. Please specify it on the GlobalLimiter instead")
	}

	if out.BucketKeyFunc == nil {
		out.BucketKeyFunc = RouteBucketKey
	}

	if config.PacingRate < 0 {
		return nil, fmt.Errorf("PacingRate should be zero or positive (given: %v)", config.PacingRate)
	}
	if config.PacingBurst < 0 {
		return nil, fmt.Errorf("PacingBurst should be zero or positive (given: %v)", config.PacingBurst)
	}
	if config.PacingRate > 0 {
		out.ApplyPacing = true
		out.PacingRate = rate.Limit(config.PacingRate)
		out.PacingBurst = config.PacingBurst
		if out.PacingBurst == 0 {
			out.PacingBurst = 1
		}
	} else if config.PacingBurst > 0 {
		logger.Warning(fmt.Sprintf("PacingBurst of %v has no effect without a PacingRate", config.PacingBurst))
	}

	if config.QueueCapacity < 0 {
		return nil, fmt.Errorf("QueueCapacity should be zero or positive (given: %v)", config.QueueCapacity)
	}
	if out.QueueCapacity == 0 {
		out.QueueCapacity = defaultQueueCapacity
	}

	return &out, nil
}
