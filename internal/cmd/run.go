package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Send the requests of a plan through the rate limited router",
	Long: `Send every request listed in a YAML plan file to the configured API.

Requests are grouped into rate limit buckets by method, route and
major parameter. Each bucket sends one request at a time, in plan
order, and pauses whenever the server reports the bucket exhausted.
429 responses are retried after the delay requested by the server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := loadPlan(args[0])
		if err != nil {
			return err
		}
		requests, err := plan.Build()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var registerer prometheus.Registerer
		if appConfig.Metrics.Enabled {
			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector())
			registerer = registry

			shutdown := serveMetrics(registry)
			defer shutdown()
		}

		d, err := newDispatcher(appConfig, logger, registerer)
		if err != nil {
			return err
		}
		defer func() {
			if err := d.Close(); err != nil {
				logger.Warn("error releasing resources", zap.Error(err))
			}
		}()

		logger.Info("dispatching plan", zap.Int("requests", len(requests)), zap.String("api", appConfig.API.BaseURL))

		result := dispatchAll(ctx, d.Router, requests)
		result.Print(cmd.OutOrStdout())

		if result.Failed > 0 {
			return fmt.Errorf("%d requests failed", result.Failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// serveMetrics exposes registry on the configured address until the returned func is called.
func serveMetrics(registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle(appConfig.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              appConfig.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", zap.String("addr", server.Addr), zap.String("path", appConfig.Metrics.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
