package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360/afspm/device"
	"github.com/c360/afspm/device/sim"
	"github.com/c360/afspm/health"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/pubsub"
)

func newTranslatorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "translator",
		Short: "Serve the simulated microscope as the experiment's device",
		Long: `The translator executes forwarded control requests against the device
and publishes its state, scans and spectra. This build drives the
simulated microscope; translator.capabilities may point at a mapping file
to rename or restrict its parameters.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup(cmd, "translator")
			if err != nil {
				return err
			}
			return runTranslator(cmd, e)
		},
	}
}

func runTranslator(cmd *cobra.Command, e *env) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	stopMetrics, err := e.serveMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	simCfg := sim.Config{
		MoveDuration: e.cfg.Translator.Sim.MoveDuration.D(),
		ScanDuration: e.cfg.Translator.Sim.ScanDuration.D(),
		SpecDuration: e.cfg.Translator.Sim.SpecDuration.D(),
		Channels:     e.cfg.Translator.Sim.Channels,
	}
	if path := e.cfg.Translator.Capabilities; path != "" {
		mapping, err := device.LoadCapabilityConfig(path)
		if err != nil {
			return err
		}
		simCfg.Capabilities = &mapping
	}
	driver, err := sim.NewDriver(simCfg)
	if err != nil {
		return err
	}
	e.logger.Info("Simulated microscope ready",
		"params", len(driver.Capabilities().Params()),
		"actions", driver.Capabilities().Actions())

	conn, closeConn, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	subjects := e.cfg.Subjects()
	pub := pubsub.NewPublisher(conn, pubsub.PublisherConfig{
		Subject:   subjects.Pub(),
		Registry:  e.registry,
		Component: "translator",
	})
	tr := device.NewTranslator(conn, driver, pub, device.TranslatorConfig{
		Subjects:     subjects,
		Codec:        e.registry.Codec(),
		PollInterval: e.cfg.Translator.PollInterval.D(),
		Component:    "translator",
		Logger:       e.logger,
		Metrics:      e.core,
	})
	if err := tr.Start(ctx); err != nil {
		return err
	}

	// The kill broadcast only reaches subscribers.
	watch := pubsub.NewSubscriber(conn, pubsub.SubscriberConfig{
		Subjects:  subjects,
		Topics:    []string{message.TypeControlState},
		Registry:  e.registry,
		Component: "translator",
		Logger:    e.logger,
		Metrics:   e.core,
	})
	if err := watch.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = watch.Close() }()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer stop()
		e.health.UpdateHealthy("translator", "running")
		err := tr.Run(gctx)
		e.health.Update("translator", health.FromError("translator", err))
		return err
	})
	g.Go(func() error {
		defer stop()
		return waitForKill(gctx, watch, e.cfg.Translator.PollInterval.D())
	})
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info("Translator stopped", "state", tr.State().String(), "killed", watch.ShutdownRequested())
	return nil
}

type killSource interface {
	Poll(context.Context, time.Duration) ([]pubsub.Received, error)
	ShutdownRequested() bool
}

// waitForKill drains source until a kill signal or ctx cancellation.
func waitForKill(ctx context.Context, source killSource, interval time.Duration) error {
	for !source.ShutdownRequested() {
		if _, err := source.Poll(ctx, interval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}
