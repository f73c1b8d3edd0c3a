package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/health"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/pubsub"
	"github.com/c360/afspm/scan"
)

func newScannerCmd(opts *rootOptions) *cobra.Command {
	var problem string
	cmd := &cobra.Command{
		Use:   "scanner",
		Short: "Tile the configured region with scans until the experiment ends",
		Long: `The scanner is an automated component: whenever the microscope is free
and the scanner may take control, it moves to the next tile of
scan.region and collects a scan. With --problem it only runs while that
experiment problem is flagged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup(cmd, "scanner")
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("problem") {
				e.cfg.Scan.Problem = problem
			}
			return runScanner(cmd, e)
		},
	}
	cmd.Flags().StringVar(&problem, "problem", "", "Only run while this experiment problem is flagged (env: AFSPM_SCAN_PROBLEM)")
	return cmd
}

func runScanner(cmd *cobra.Command, e *env) error {
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

	subjects := e.cfg.Subjects()
	client := control.NewClient(e.factory, control.ClientConfig{
		Subject:    subjects.Router(),
		Timeout:    e.cfg.Client.Timeout.D(),
		Retries:    e.cfg.Client.Retries,
		RetryDelay: e.cfg.Client.RetryDelay.D(),
		Codec:      e.registry.Codec(),
		Logger:     e.logger,
		Metrics:    e.core,
	})
	defer func() { _ = client.Close(context.Background()) }()

	sub := pubsub.NewSubscriber(conn, pubsub.SubscriberConfig{
		Subjects:       subjects,
		Topics:         scan.Topics,
		Registry:       e.registry,
		ReplayAttempts: e.cfg.Cache.ReplayAttempts,
		ReplayTimeout:  e.cfg.Cache.ReplayTimeout.D(),
		ReplayInterval: e.cfg.Cache.ReplayInterval.D(),
		Component:      "scanner",
		Logger:         e.logger,
		Metrics:        e.core,
	})
	if err := sub.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	r := e.cfg.Scan.Region
	region := message.ScanParameters2d{
		TopLeft:    message.Point2d{X: r.X, Y: r.Y},
		Size:       message.Size2d{X: r.Width, Y: r.Height},
		Units:      r.Units,
		Resolution: message.Resolution{X: r.ResolutionX, Y: r.ResolutionY},
	}
	handler := scan.NewHandler(client, scan.HandlerConfig{
		Next:           scan.Grid(region, r.Rows, r.Cols),
		RetryWait:      e.cfg.Scan.RetryWait.D(),
		Problem:        message.ExperimentProblem(e.cfg.Scan.Problem),
		FlushOnFailure: e.cfg.Scan.FlushOnFailure,
		Logger:         e.logger,
	})
	component := scan.NewComponent(sub, handler, scan.ComponentConfig{
		PollInterval: e.cfg.Scan.PollInterval.D(),
		Logger:       e.logger,
	})

	e.logger.Info("Scanner running",
		"client", client.ID(),
		"rows", r.Rows,
		"cols", r.Cols,
		"problem", e.cfg.Scan.Problem)
	e.health.UpdateHealthy("scanner", "running")
	err = component.Run(ctx)
	e.health.Update("scanner", health.FromError("scanner", err))
	return err
}
