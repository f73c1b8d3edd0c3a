package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/afspm/pubsub"
)

// Topics are the envelopes a Handler needs.
var Topics = []string{"ScopeStateMsg", "ControlState"}

// Source delivers broadcast messages; *pubsub.Subscriber implements it.
type Source interface {
	Poll(ctx context.Context, timeout time.Duration) ([]pubsub.Received, error)
	ShutdownRequested() bool
}

// ComponentConfig configures a Component.
type ComponentConfig struct {
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Component runs a Handler off a Source until a kill signal arrives.
type Component struct {
	source   Source
	handler  *Handler
	interval time.Duration
	logger   *slog.Logger
}

// NewComponent creates a component feeding source into handler.
func NewComponent(source Source, handler *Handler, cfg ComponentConfig) *Component {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Component{
		source:   source,
		handler:  handler,
		interval: cfg.PollInterval,
		logger:   cfg.Logger.With("component", "scan"),
	}
}

// Handler returns the driven handler.
func (c *Component) Handler() *Handler {
	return c.handler
}

// Run polls the source and feeds the handler until a kill signal or ctx
// cancellation. Source errors other than cancellation are returned.
func (c *Component) Run(ctx context.Context) error {
	for {
		msgs, err := c.source.Poll(ctx, c.interval)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, m := range msgs {
			c.handler.OnMessage(ctx, m.Message)
		}
		if c.source.ShutdownRequested() {
			c.logger.Info("Kill signal received, stopping")
			return nil
		}
		c.handler.Tick(ctx)
	}
}
