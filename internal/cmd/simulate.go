package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabiofenoglio/reqstream/apisim"
	"github.com/fabiofenoglio/reqstream/internal/config"
	"github.com/fabiofenoglio/reqstream/zaplog"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a fake API enforcing rate limits",
	Long: `Serve a fake API answering every configured route with a JSON echo,
while enforcing per-bucket and global rate limits and advertising
them with X-RateLimit-* and Retry-After headers.

Point api.base_url at it to try out plans without a real API.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sim, err := newSimulator(appConfig.Simulator, logger)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              appConfig.Simulator.Addr,
			Handler:           sim,
			ReadHeaderTimeout: 5 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting simulator",
				zap.String("addr", server.Addr),
				zap.Int("bucket_limit", appConfig.Simulator.BucketLimit),
				zap.Duration("bucket_window", appConfig.Simulator.BucketWindow))
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		hits := sim.Hits()
		logger.Info("simulator stopped",
			zap.Int("served", hits.Served),
			zap.Int("bucket_limited", hits.BucketLimited),
			zap.Int("global_limited", hits.GlobalLimited))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
}

func newSimulator(cfg config.SimulatorConfig, log *zap.Logger) (*apisim.Simulator, error) {
	sim, err := apisim.New(&apisim.Config{
		BucketLimit:  cfg.BucketLimit,
		BucketWindow: cfg.BucketWindow,
		GlobalLimit:  cfg.GlobalLimit,
		GlobalWindow: cfg.GlobalWindow,
		Logger:       zaplog.New(log).Named("simulator"),
	})
	if err != nil {
		return nil, err
	}

	if len(cfg.Routes) == 0 {
		return nil, errors.New("simulator.routes should list at least one route")
	}
	for _, route := range cfg.Routes {
		method, pattern, ok := strings.Cut(strings.TrimSpace(route), " ")
		pattern = strings.TrimSpace(pattern)
		if !ok || !strings.HasPrefix(pattern, "/") {
			return nil, fmt.Errorf("invalid simulator route %q, expected \"METHOD /pattern\"", route)
		}
		sim.Route(method, pattern, nil)
	}

	return sim, nil
}
