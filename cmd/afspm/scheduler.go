package main

import (
	"github.com/spf13/cobra"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/natsclient"
	"github.com/c360/afspm/pkg/buffer"
	"github.com/c360/afspm/scheduler"
)

func newSchedulerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the cache relay and the control router",
		Long: `The scheduler rebroadcasts translator output to subscribers, answers
late-join replay requests and arbitrates control of the microscope. It runs
until an end-experiment request or a signal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.setup(cmd, "scheduler")
			if err != nil {
				return err
			}
			return runScheduler(cmd, e)
		},
	}
}

func runScheduler(cmd *cobra.Command, e *env) error {
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

	mode, err := message.ParseControlMode(e.cfg.Router.InitialMode)
	if err != nil {
		return err
	}

	// A nil *StateMirror must not become a non-nil StateSink.
	var sink control.StateSink
	if bucket := e.cfg.Router.StateBucket; bucket != "" {
		mirror, err := natsclient.NewStateMirror(ctx, conn, bucket)
		if err != nil {
			return err
		}
		sink = mirror
		e.logger.Info("Mirroring control state", "bucket", bucket, "key", natsclient.ControlStateKey)
	}

	historyMetrics, err := buffer.NewMetrics(e.metrics, "relay")
	if err != nil {
		return err
	}

	s := scheduler.New(conn, e.factory, scheduler.Config{
		Subjects: e.cfg.Subjects(),
		Registry: e.registry,
		Router: control.RouterConfig{
			Codec:         e.registry.Codec(),
			DeviceTimeout: e.cfg.Router.DeviceTimeout.D(),
			PollInterval:  e.cfg.Router.PollInterval.D(),
			InitialMode:   mode,
		},
		Sink:           sink,
		Health:         e.health,
		Logger:         e.logger,
		Metrics:        e.core,
		HistoryMetrics: historyMetrics,
	})
	if err := s.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("Scheduler running", "router", e.cfg.Subjects().Router(), "broadcast", e.cfg.Subjects().Sub())
	if err := s.Run(ctx); err != nil {
		return err
	}
	e.logger.Info("Scheduler stopped", "killed", s.Relay().ShutdownRequested())
	return nil
}
