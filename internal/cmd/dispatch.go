package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fabiofenoglio/reqstream"
	"github.com/fabiofenoglio/reqstream/httptransport"
	"github.com/fabiofenoglio/reqstream/internal/config"
	"github.com/fabiofenoglio/reqstream/promstats"
	"github.com/fabiofenoglio/reqstream/redissync"
	"github.com/fabiofenoglio/reqstream/zaplog"
)

// dispatcher bundles a router with the resources it was built on.
type dispatcher struct {
	Router *reqstream.Router

	closers []func() error
}

func (d *dispatcher) Close() error {
	if d.Router != nil {
		d.Router.Close()
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newDispatcher wires a router from the configuration.
// registerer may be nil when metrics are disabled.
func newDispatcher(cfg *config.Config, log *zap.Logger, registerer prometheus.Registerer) (*dispatcher, error) {
	out := &dispatcher{}
	logger := zaplog.New(log)

	header := http.Header{}
	for k, v := range cfg.API.Headers {
		header.Set(k, v)
	}
	transport, err := httptransport.New(&httptransport.Config{
		BaseURL: cfg.API.BaseURL,
		Client:  &http.Client{Timeout: cfg.API.Timeout},
		Header:  header,
		Logger:  logger.Named("transport"),
	})
	if err != nil {
		return nil, err
	}

	routerConfig := &reqstream.Config{
		Transport:     transport,
		MaxAttempts:   cfg.Dispatch.MaxAttempts,
		PacingRate:    cfg.Dispatch.PacingRate,
		PacingBurst:   cfg.Dispatch.PacingBurst,
		QueueCapacity: cfg.Dispatch.QueueCapacity,
		Logger:        logger.Named("router"),
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping error: %w", err)
		}
		out.closers = append(out.closers, rdb.Close)
		routerConfig.SyncAdapter = redissync.New(rdb, redissync.WithKey(cfg.Redis.Key))
		log.Info("sharing global rate limits through redis", zap.String("addr", cfg.Redis.Addr), zap.String("key", cfg.Redis.Key))
	}

	if registerer != nil {
		observer, err := promstats.New(&promstats.Config{
			Registerer:   registerer,
			BucketLabels: cfg.Metrics.BucketLabels,
		})
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		routerConfig.Observer = observer
	}

	router, err := reqstream.New(routerConfig)
	if err != nil {
		for _, closer := range out.closers {
			_ = closer()
		}
		return nil, err
	}
	out.Router = router

	if registerer != nil {
		if err := registerer.Register(promstats.NewStatsCollector("", router.Stats)); err != nil {
			_ = out.Close()
			return nil, err
		}
	}

	return out, nil
}

// outcome is the result of a single planned request.
type outcome struct {
	Request *reqstream.Request
	Status  int
	Elapsed time.Duration
	Err     error
}

// summary aggregates the outcomes of a run.
type summary struct {
	Outcomes  []outcome
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// dispatchAll submits every request at once and waits for all of them.
// Requests on the same bucket keep their order.
func dispatchAll(ctx context.Context, d reqstream.Dispatcher, requests []*reqstream.Request) summary {
	start := time.Now()

	futures := make([]*reqstream.Future, len(requests))
	for i, req := range requests {
		futures[i] = d.Exchange(ctx, req)
	}

	out := summary{Outcomes: make([]outcome, len(requests))}
	for i, future := range futures {
		response, err := future.Await(ctx)
		o := outcome{Request: requests[i], Elapsed: time.Since(start), Err: err}
		if response != nil {
			o.Status = response.StatusCode
		}
		var exchangeErr *reqstream.ExchangeError
		if errors.As(err, &exchangeErr) {
			o.Status = exchangeErr.StatusCode
		}
		if err == nil {
			out.Succeeded++
		} else {
			out.Failed++
		}
		out.Outcomes[i] = o
	}
	out.Elapsed = time.Since(start)

	return out
}

func (s summary) Print(w io.Writer) {
	for i, o := range s.Outcomes {
		status := "-"
		if o.Status != 0 {
			status = fmt.Sprint(o.Status)
		}
		line := fmt.Sprintf("%4d  %-3s  %8v  %s", i+1, status, o.Elapsed.Round(time.Millisecond), o.Request)
		if o.Err != nil {
			line += "  error: " + o.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\n%d succeeded, %d failed in %v\n", s.Succeeded, s.Failed, s.Elapsed.Round(time.Millisecond))
}
