package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/afspm/cache"
	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/pkg/buffer"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/wire"
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	Subjects transport.Subjects
	Registry *envelope.Registry
	// BufferSize bounds the inbound queue between the transport and the loop.
	BufferSize int
	// ReplayTimeout bounds how long a replay request waits for the loop.
	ReplayTimeout  time.Duration
	Component      string
	Logger         *slog.Logger
	Metrics        *metric.Metrics
	HistoryMetrics *buffer.Metrics
}

type relayJob struct {
	frame wire.Frame
	done  chan error
}

type replayJob struct {
	topics []string
	reply  chan wire.ReplayReply
}

// Relay is the pub/sub cache. Its Run loop owns the cache and the sequence
// counter; transport callbacks, Inject and SendKill only enqueue work.
type Relay struct {
	conn      transport.Conn
	subjects  transport.Subjects
	registry  *envelope.Registry
	cache     *cache.Cache
	component string
	logger    *slog.Logger
	metrics   *metric.Metrics
	timeout   time.Duration

	inbound chan relayJob
	replays chan replayJob
	stopped chan struct{}

	seq      uint64
	started  atomic.Bool
	shutdown atomic.Bool
	stopOnce sync.Once
	subs     []transport.Subscription
}

// NewRelay creates a relay on conn. Call Start, then Run.
func NewRelay(conn transport.Conn, cfg RelayConfig) *Relay {
	if cfg.Registry == nil {
		cfg.Registry = envelope.NewRegistry(nil)
	}
	if cfg.Subjects.Prefix == "" {
		cfg.Subjects = transport.NewSubjects("")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Component == "" {
		cfg.Component = "relay"
	}

	return &Relay{
		conn:      conn,
		subjects:  cfg.Subjects,
		registry:  cfg.Registry,
		cache:     cache.New(cfg.Registry, cache.WithMetrics(cfg.HistoryMetrics)),
		component: cfg.Component,
		logger:    cfg.Logger.With("component", cfg.Component),
		metrics:   cfg.Metrics,
		timeout:   cfg.ReplayTimeout,
		inbound:   make(chan relayJob, cfg.BufferSize),
		replays:   make(chan replayJob, 16),
		stopped:   make(chan struct{}),
	}
}

// Cache exposes the relay's cache for inspection.
func (r *Relay) Cache() *cache.Cache {
	return r.cache
}

// ShutdownRequested reports whether a kill signal went through the relay.
func (r *Relay) ShutdownRequested() bool {
	return r.shutdown.Load()
}

// Start subscribes upstream and begins serving replay requests.
func (r *Relay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	sub, err := r.conn.Subscribe(ctx, r.subjects.Pub(), func(ctx context.Context, data []byte) {
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			r.logger.Warn("Dropping undecodable frame", "error", err)
			r.metrics.RecordDecodeError(r.component)
			return
		}
		r.enqueue(ctx, relayJob{frame: frame})
	})
	if err != nil {
		return errors.WrapTransient(err, "Relay", "Start", "subscribe upstream")
	}
	r.subs = append(r.subs, sub)

	srv, err := r.conn.Serve(ctx, r.subjects.Replay(), r.serveReplay)
	if err != nil {
		_ = sub.Unsubscribe()
		return errors.WrapTransient(err, "Relay", "Start", "serve replay")
	}
	r.subs = append(r.subs, srv)

	r.logger.Info("Relay started", "upstream", r.subjects.Pub(), "downstream", r.subjects.Sub())
	return nil
}

func (r *Relay) enqueue(ctx context.Context, job relayJob) bool {
	select {
	case r.inbound <- job:
		return true
	case <-r.stopped:
	case <-ctx.Done():
	}
	return false
}

func (r *Relay) serveReplay(ctx context.Context, data []byte) ([]byte, error) {
	req, err := wire.DecodeReplayRequest(data)
	if err != nil {
		return nil, err
	}

	job := replayJob{topics: req.Topics, reply: make(chan wire.ReplayReply, 1)}
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case r.replays <- job:
	case <-timer.C:
		return nil, errors.ErrRequestTimeout
	case <-r.stopped:
		return nil, errors.ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case reply := <-job.reply:
		return reply.Encode()
	case <-timer.C:
		return nil, errors.ErrRequestTimeout
	case <-r.stopped:
		return nil, errors.ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inject publishes msg through the cache path as if it had arrived
// upstream. It returns once the loop has rebroadcast it.
func (r *Relay) Inject(ctx context.Context, msg message.Payload) error {
	env, payload, err := r.registry.Encode(msg)
	if err != nil {
		return err
	}
	return r.submit(ctx, wire.Frame{Envelope: env, Payload: payload})
}

// SendKill broadcasts the kill signal. It is ordered after anything injected
// before it, and ends Run.
func (r *Relay) SendKill(ctx context.Context) error {
	return r.submit(ctx, wire.KillFrame())
}

func (r *Relay) submit(ctx context.Context, frame wire.Frame) error {
	job := relayJob{frame: frame, done: make(chan error, 1)}
	if !r.enqueue(ctx, job) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.ErrShuttingDown
	}
	select {
	case err := <-job.done:
		return err
	case <-r.stopped:
		return errors.ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes inbound frames and replay requests until ctx ends, a kill
// signal has been broadcast, or an unresolvable envelope arrives, which is
// returned as a fatal error.
func (r *Relay) Run(ctx context.Context) error {
	defer r.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.replays:
			job.reply <- r.replay(job.topics)
		case job := <-r.inbound:
			err := r.ingest(ctx, job.frame)
			if job.done != nil {
				job.done <- err
			}
			if r.shutdown.Load() {
				return nil
			}
			if errors.IsFatal(err) {
				r.logger.Error("Relay stopping", "envelope", job.frame.Envelope, "error", err)
				return err
			}
		}
	}
}

func (r *Relay) replay(topics []string) wire.ReplayReply {
	entries := r.cache.Match(topics)
	frames := make([]wire.Frame, len(entries))
	for i, e := range entries {
		frames[i] = wire.Frame{Envelope: e.Envelope, Payload: e.Payload}
	}
	r.metrics.RecordReplay(r.component, len(frames))
	r.logger.Debug("Replayed history", "topics", topics, "messages", len(frames), "high_water", r.seq)
	return wire.ReplayReply{Frames: frames, HighWater: r.seq}
}

// ingest caches and rebroadcasts one frame. Malformed payloads are dropped
// and reported as invalid; unknown envelopes are fatal.
func (r *Relay) ingest(ctx context.Context, frame wire.Frame) error {
	if frame.IsKill() {
		r.metrics.RecordKill(r.component, "received")
		if err := r.broadcast(ctx, frame); err != nil {
			return err
		}
		r.shutdown.Store(true)
		r.metrics.RecordKill(r.component, "sent")
		r.logger.Info("Kill signal broadcast")
		return nil
	}

	msg, err := r.registry.Extract(frame.Envelope, frame.Payload)
	if err != nil {
		if errors.IsFatal(err) {
			return err
		}
		r.metrics.RecordDecodeError(r.component)
		r.logger.Warn("Dropping malformed message", "envelope", frame.Envelope, "error", err)
		return err
	}
	r.metrics.RecordReceived(r.component, frame.Envelope)

	if err := r.cache.Add(cache.Entry{Envelope: frame.Envelope, Payload: frame.Payload, Message: msg}); err != nil {
		return err
	}

	r.seq++
	frame.Seq = r.seq
	if err := r.broadcast(ctx, frame); err != nil {
		r.logger.Warn("Rebroadcast failed", "envelope", frame.Envelope, "error", err)
		return err
	}
	r.metrics.RecordPublished(r.component, frame.Envelope)
	return nil
}

func (r *Relay) broadcast(ctx context.Context, frame wire.Frame) error {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}
	if err := r.conn.Publish(ctx, r.subjects.Sub(), data); err != nil {
		return errors.WrapTransient(err, "Relay", "broadcast", "publish "+frame.Envelope)
	}
	return nil
}

func (r *Relay) stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		for _, s := range r.subs {
			_ = s.Unsubscribe()
		}
	})
}
