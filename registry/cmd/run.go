package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/llmariner/model-registry/registry/internal/config"
	"github.com/llmariner/model-registry/registry/internal/manager"
	"github.com/llmariner/model-registry/registry/internal/metrics"
	"github.com/llmariner/model-registry/registry/internal/models"
	"github.com/llmariner/model-registry/registry/internal/s3"
	"github.com/llmariner/model-registry/registry/internal/server"
	"github.com/llmariner/model-registry/registry/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the registry over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), &c, logLevel)
		},
	}
	return cmd
}

func run(ctx context.Context, c *config.Config, lv int) error {
	logger := newLogger(lv)
	bootLog := logger.WithName("boot")

	var gatherer prometheus.Gatherer
	var recorder metrics.Recorder
	if c.Metrics.Enable {
		m := metrics.NewMonitor(prometheus.DefaultRegisterer)
		defer m.UnregisterAllCollectors()
		recorder = m
		gatherer = prometheus.DefaultGatherer
	}

	mgr, err := newManager(ctx, c, logger, recorder, nil)
	if err != nil {
		return err
	}
	srv := server.New(mgr, server.Options{
		Gatherer:       gatherer,
		AllowedOrigins: c.Server.AllowedOrigins,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(c.Server.Port)
	})
	if c.Watcher.Enable {
		w := watcher.New(c, mgr, logger)
		g.Go(func() error {
			bootLog.Info("Starting watcher")
			return w.Run(ctx)
		})
	}
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			bootLog.Info("Got termination signal.", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func loadConfig() (config.Config, error) {
	c, err := config.Parse(configPath)
	if err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func newLogger(lv int) logr.Logger {
	stdr.SetVerbosity(lv)
	return stdr.New(log.Default())
}

// newManager builds a manager. The object store is configured only when an S3
// endpoint or region is set.
func newManager(
	ctx context.Context,
	c *config.Config,
	logger logr.Logger,
	recorder metrics.Recorder,
	helper models.PredictionHelper,
) (*manager.Manager, error) {
	opts := manager.Options{
		Logger:           logger,
		Metrics:          recorder,
		PredictionHelper: helper,
	}
	if c.ObjectStore.S3 != (config.S3Config{}) {
		s3c, err := s3.NewClient(ctx, c.ObjectStore.S3)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %s", err)
		}
		opts.ObjectStore = s3c
	}
	return manager.New(ctx, *c, opts)
}
