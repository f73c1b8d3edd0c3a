// Package scheduler runs the pub/sub relay and the control router together,
// the central process every other component connects to.
//
// The router publishes its ControlState through the relay, so subscribers
// receive it in order with everything else and late joiners get it from the
// relay's cache. END_EXPERIMENT makes the router broadcast the kill signal
// through the relay, which ends both loops.
package scheduler

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/health"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/pkg/buffer"
	"github.com/c360/afspm/pubsub"
	"github.com/c360/afspm/transport"
)

// Config configures a Scheduler.
type Config struct {
	Subjects transport.Subjects
	Registry *envelope.Registry
	// Router is passed to the router; Subjects, Broadcaster and Sink are
	// filled in by the scheduler.
	Router control.RouterConfig
	// Sink optionally mirrors every published ControlState.
	Sink control.StateSink
	// Health, if set, tracks the relay and router.
	Health         *health.Monitor
	Logger         *slog.Logger
	Metrics        *metric.Metrics
	HistoryMetrics *buffer.Metrics
}

// Scheduler owns a Relay and a Router.
type Scheduler struct {
	relay  *pubsub.Relay
	router *control.Router
	health *health.Monitor
	logger *slog.Logger
}

// New creates a scheduler. The relay and router share conn; device commands
// go to the device server over connections dialed through backend.
func New(conn transport.Conn, backend transport.Factory, cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	relay := pubsub.NewRelay(conn, pubsub.RelayConfig{
		Subjects:       cfg.Subjects,
		Registry:       cfg.Registry,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
		HistoryMetrics: cfg.HistoryMetrics,
	})

	rc := cfg.Router
	rc.Subjects = cfg.Subjects
	rc.Broadcaster = relay
	rc.Sink = cfg.Sink
	if rc.Logger == nil {
		rc.Logger = cfg.Logger
	}
	if rc.Metrics == nil {
		rc.Metrics = cfg.Metrics
	}

	return &Scheduler{
		relay:  relay,
		router: control.NewRouter(conn, backend, rc),
		health: cfg.Health,
		logger: cfg.Logger.With("component", "scheduler"),
	}
}

// Relay returns the scheduler's relay.
func (s *Scheduler) Relay() *pubsub.Relay { return s.relay }

// Router returns the scheduler's router.
func (s *Scheduler) Router() *control.Router { return s.router }

// Start subscribes the relay and begins serving control requests.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.relay.Start(ctx); err != nil {
		return errors.Wrap(err, "Scheduler", "Start", "start relay")
	}
	if err := s.router.Start(ctx); err != nil {
		return errors.Wrap(err, "Scheduler", "Start", "start router")
	}
	s.update("relay", "running", nil)
	s.update("router", "running", nil)
	return nil
}

// Run runs both loops until the experiment ends, ctx is cancelled or the
// relay hits a fatal error, which is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		err := s.relay.Run(gctx)
		s.update("relay", "stopped", err)
		return err
	})
	g.Go(func() error {
		defer cancel()
		err := s.router.Serve(gctx)
		s.update("router", "stopped", err)
		return err
	})

	err := g.Wait()
	if err != nil {
		s.logger.Error("Scheduler stopped", "error", err)
		return err
	}
	s.logger.Info("Scheduler stopped", "killed", s.relay.ShutdownRequested())
	return nil
}

func (s *Scheduler) update(name, state string, err error) {
	if s.health == nil {
		return
	}
	if err != nil {
		s.health.Update(name, health.FromError(name, err))
		return
	}
	s.health.UpdateHealthy(name, state)
}
