// Package apisim simulates an upstream API enforcing per-bucket
// and global rate limits, advertising them with the headers
// reqstream understands:
//
//	X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Date
//	429 + Retry-After (milliseconds) + X-RateLimit-Global
//
// It is meant for integration tests and for the CLI simulate command.
package apisim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fabiofenoglio/reqstream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds the configuration for a Simulator instance
type Config struct {
	// BucketLimit is the number of requests allowed per bucket
	// in every BucketWindow.
	BucketLimit int
	// BucketWindow is the length of the per-bucket fixed window.
	BucketWindow time.Duration

	// GlobalLimit optionally caps the requests allowed across
	// every bucket in every GlobalWindow. Zero disables it.
	GlobalLimit  int
	GlobalWindow time.Duration

	// Time function can be overridden for testing.
	TimeFunc func() time.Time

	Logger reqstream.Logger
}

type simulatorEffectiveConfig struct {
	BucketLimit  int
	BucketWindow time.Duration

	ApplyGlobalLimit bool
	GlobalLimit      int
	GlobalWindow     time.Duration
}

// window is a fixed window counter.
type window struct {
	Start time.Time
	Count int
}

// Hits counts the answers given by the simulator.
type Hits struct {
	Served        int
	BucketLimited int
	GlobalLimited int
}

// Simulator is an http.Handler rate limiting every registered route.
type Simulator struct {
	Logger   reqstream.Logger
	Config   *simulatorEffectiveConfig
	TimeFunc func() time.Time

	router chi.Router

	// a lock guards every counter below.
	lock        sync.Mutex
	buckets     map[string]*window
	global      window
	globalUntil time.Time
	hits        Hits
}

// New returns a Simulator built with the specified configuration.
func New(config *Config) (*Simulator, error) {
	if config == nil {
		return nil, errors.New("a configuration is required")
	}
	if config.BucketLimit < 1 {
		return nil, fmt.Errorf("BucketLimit should be a positive number (given: %v)", config.BucketLimit)
	}
	if config.BucketWindow < time.Millisecond {
		return nil, fmt.Errorf("BucketWindow should be at least 1ms (given: %v)", config.BucketWindow)
	}
	if config.GlobalLimit < 0 {
		return nil, fmt.Errorf("GlobalLimit should be zero or positive (given: %v)", config.GlobalLimit)
	}

	parsed := simulatorEffectiveConfig{
		BucketLimit:  config.BucketLimit,
		BucketWindow: config.BucketWindow,
	}
	if config.GlobalLimit > 0 {
		if config.GlobalWindow < time.Millisecond {
			return nil, fmt.Errorf("GlobalWindow should be at least 1ms when GlobalLimit is set (given: %v)", config.GlobalWindow)
		}
		parsed.ApplyGlobalLimit = true
		parsed.GlobalLimit = config.GlobalLimit
		parsed.GlobalWindow = config.GlobalWindow
	}

	s := &Simulator{
		Logger:   config.Logger,
		Config:   &parsed,
		TimeFunc: config.TimeFunc,
		buckets:  make(map[string]*window),
	}
	if s.Logger == nil {
		s.Logger = reqstream.NewNoOpLogger()
	}
	if s.TimeFunc == nil {
		s.TimeFunc = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "404: Not Found"})
	})
	s.router = r

	return s, nil
}

// Route registers a rate limited endpoint answering with handler.
// When handler is nil, the endpoint echoes its bucket and path as JSON.
func (s *Simulator) Route(method, pattern string, handler http.HandlerFunc) {
	if handler == nil {
		handler = echo
	}
	s.router.With(s.limit).Method(strings.ToUpper(method), pattern, handler)
}

// ServeHTTP implements http.Handler.
func (s *Simulator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SuspendAll forces a global rate limit for d, as if the
// caller had exceeded a limit it cannot see.
func (s *Simulator) SuspendAll(d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	until := s.TimeFunc().Add(d)
	if until.After(s.globalUntil) {
		s.globalUntil = until
	}
}

// Hits returns how many requests were served or rejected so far.
func (s *Simulator) Hits() Hits {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.hits
}

// limit is the middleware enforcing the limits. It runs after
// routing, so the route pattern and its params are known.
func (s *Simulator) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket := bucketOf(r)
		now := s.TimeFunc()

		w.Header().Set(reqstream.HeaderDate, now.UTC().Format(http.TimeFormat))
		w.Header().Set("X-RateLimit-Bucket", bucket)

		verdict := s.admit(bucket, now)

		if verdict.Global {
			s.Logger.Info(fmt.Sprintf("global limit hit by %s %s", r.Method, r.URL.Path))
			rejectRateLimited(w, verdict.RetryAfter, true)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.Config.BucketLimit))
		w.Header().Set(reqstream.HeaderRateLimitRemaining, strconv.Itoa(verdict.Remaining))
		w.Header().Set(reqstream.HeaderRateLimitReset, formatReset(verdict.Reset))

		if verdict.Limited {
			s.Logger.Debug(fmt.Sprintf("bucket %s exhausted", bucket))
			rejectRateLimited(w, verdict.RetryAfter, false)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type verdict struct {
	Limited    bool
	Global     bool
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

func (s *Simulator) admit(bucket string, now time.Time) verdict {
	s.lock.Lock()
	defer s.lock.Unlock()

	if now.Before(s.globalUntil) {
		s.hits.GlobalLimited++
		return verdict{Global: true, RetryAfter: s.globalUntil.Sub(now)}
	}

	if s.Config.ApplyGlobalLimit {
		s.global.rotate(now, s.Config.GlobalWindow)
		if s.global.Count >= s.Config.GlobalLimit {
			s.hits.GlobalLimited++
			return verdict{Global: true, RetryAfter: s.global.Start.Add(s.Config.GlobalWindow).Sub(now)}
		}
	}

	current, exists := s.buckets[bucket]
	if !exists {
		current = &window{}
		s.buckets[bucket] = current
	}
	current.rotate(now, s.Config.BucketWindow)
	reset := current.Start.Add(s.Config.BucketWindow)

	if current.Count >= s.Config.BucketLimit {
		s.hits.BucketLimited++
		return verdict{Limited: true, Reset: reset, RetryAfter: reset.Sub(now)}
	}

	current.Count++
	if s.Config.ApplyGlobalLimit {
		s.global.Count++
	}
	s.hits.Served++

	return verdict{Remaining: s.Config.BucketLimit - current.Count, Reset: reset}
}

// rotate starts a new window when now falls past the current one.
// Windows are aligned to multiples of their size.
func (w *window) rotate(now time.Time, size time.Duration) {
	start := now.Truncate(size)
	if !start.Equal(w.Start) {
		w.Start = start
		w.Count = 0
	}
}

// bucketOf keys requests by method, route pattern and major parameter.
func bucketOf(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	pattern := r.URL.Path
	major := ""
	if rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			pattern = p
		}
		if len(rctx.URLParams.Values) > 0 {
			major = rctx.URLParams.Values[0]
		}
	}
	key := r.Method + " " + pattern
	if major != "" {
		key += " " + major
	}
	return key
}

func formatReset(reset time.Time) string {
	return strconv.FormatFloat(float64(reset.UnixMilli())/1000, 'f', 3, 64)
}

func rejectRateLimited(w http.ResponseWriter, retryAfter time.Duration, global bool) {
	// round up: retrying early only earns another 429
	millis := (retryAfter + time.Millisecond - 1) / time.Millisecond
	w.Header().Set(reqstream.HeaderRetryAfter, strconv.FormatInt(int64(millis), 10))
	if global {
		w.Header().Set(reqstream.HeaderRateLimitGlobal, "true")
	}
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"message":     "You are being rate limited.",
		"retry_after": float64(millis) / 1000,
		"global":      global,
	})
}

func echo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"bucket": w.Header().Get("X-RateLimit-Bucket"),
		"method": r.Method,
		"path":   r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
