// Package pubsub implements the cached broadcast of afspm state.
//
// Translators publish upstream through a Publisher. The Relay ingests every
// upstream frame, keeps a bounded per-envelope history, and rebroadcasts it
// downstream stamped with a sequence number. Subscribers listen downstream
// and, on start, ask the relay for a replay of the history matching their
// topics, so a late joiner sees the latest state before anything newer.
package pubsub

import (
	"context"
	"log/slog"

	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/wire"
)

// Publisher sends messages on one subject. It is owned by a single loop.
type Publisher struct {
	conn      transport.Conn
	subject   string
	registry  *envelope.Registry
	component string
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Subject   string
	Registry  *envelope.Registry
	Component string
	Logger    *slog.Logger
	Metrics   *metric.Metrics
}

// NewPublisher binds a publisher to conn.
func NewPublisher(conn transport.Conn, cfg PublisherConfig) *Publisher {
	if cfg.Registry == nil {
		cfg.Registry = envelope.NewRegistry(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Component == "" {
		cfg.Component = "publisher"
	}
	return &Publisher{
		conn:      conn,
		subject:   cfg.Subject,
		registry:  cfg.Registry,
		component: cfg.Component,
		logger:    cfg.Logger.With("component", cfg.Component),
		metrics:   cfg.Metrics,
	}
}

// Publish encodes msg under its envelope and sends it.
func (p *Publisher) Publish(ctx context.Context, msg message.Payload) error {
	env, payload, err := p.registry.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.send(ctx, wire.Frame{Envelope: env, Payload: payload}); err != nil {
		return err
	}
	p.metrics.RecordPublished(p.component, env)
	p.logger.Debug("Published", "envelope", env)
	return nil
}

// SendKill broadcasts the termination signal.
func (p *Publisher) SendKill(ctx context.Context) error {
	if err := p.send(ctx, wire.KillFrame()); err != nil {
		return err
	}
	p.metrics.RecordKill(p.component, "sent")
	p.logger.Info("Sent kill signal")
	return nil
}

func (p *Publisher) send(ctx context.Context, frame wire.Frame) error {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(ctx, p.subject, data); err != nil {
		return errors.WrapTransient(err, "Publisher", "send", "publish "+frame.Envelope)
	}
	return nil
}
