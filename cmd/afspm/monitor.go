package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/gateway"
	"github.com/c360/afspm/pubsub"
)

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Stream every broadcast message to websocket clients",
		Long: `The monitor subscribes to everything the scheduler broadcasts and serves
it at <monitor.prefix>ws as JSON frames. <monitor.prefix>snapshot returns
the latest message per envelope.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup(cmd, "monitor")
			if err != nil {
				return err
			}
			return runMonitor(cmd, e)
		},
	}
}

func runMonitor(cmd *cobra.Command, e *env) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	stopMetrics, err := e.serveMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	conn, closeConn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	sub := pubsub.NewSubscriber(conn, pubsub.SubscriberConfig{
		Subjects:       e.cfg.Subjects(),
		Topics:         []string{envelope.All},
		Registry:       e.registry,
		ReplayAttempts: e.cfg.Cache.ReplayAttempts,
		ReplayTimeout:  e.cfg.Cache.ReplayTimeout.D(),
		ReplayInterval: e.cfg.Cache.ReplayInterval.D(),
		Component:      "monitor",
		Logger:         e.logger,
		Metrics:        e.core,
	})
	if err := sub.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	mon := gateway.NewMonitor(sub, gateway.MonitorConfig{
		SendBuffer: e.cfg.Monitor.SendBuffer,
		Logger:     e.logger,
		Metrics:    e.core,
	})
	mux := http.NewServeMux()
	mon.RegisterHTTPHandlers(e.cfg.Monitor.Prefix, mux)
	srv := &http.Server{
		Addr:              e.cfg.Monitor.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.logger.Info("Monitor listening", "addr", srv.Addr, "prefix", e.cfg.Monitor.Prefix)
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := mon.Run(gctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return err
	})
	return g.Wait()
}
