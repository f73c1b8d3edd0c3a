package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/afspm/cache"
	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/pkg/buffer"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/wire"
)

// Received is one delivered message.
type Received struct {
	Envelope string
	Message  message.Payload
	// Replayed is set for messages that came from the relay's history.
	Replayed bool
}

// Callback is invoked for every delivered message, on the polling goroutine.
type Callback func(Received)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Subjects transport.Subjects
	// Topics are envelope prefixes; envelope.All subscribes to everything.
	Topics   []string
	Registry *envelope.Registry
	Callback Callback

	// Replay controls the late-join request to the relay. Attempts <= 0
	// disables replay entirely.
	ReplayAttempts int
	ReplayTimeout  time.Duration
	// ReplayInterval is the minimum spacing between replay attempts.
	ReplayInterval time.Duration

	BufferSize     int
	Component      string
	Logger         *slog.Logger
	Metrics        *metric.Metrics
	HistoryMetrics *buffer.Metrics
}

type replayResult struct {
	reply wire.ReplayReply
	err   error
}

// Subscriber receives the relay's broadcast, keeps a local cache and hands
// messages to its owner through Poll.
type Subscriber struct {
	conn      transport.Conn
	cfg       SubscriberConfig
	registry  *envelope.Registry
	cache     *cache.Cache
	logger    *slog.Logger
	metrics   *metric.Metrics
	component string

	frames  chan wire.Frame
	replays chan replayResult
	closed  chan struct{}

	// Owned by the polling goroutine.
	highWater uint64
	pending   []wire.Frame

	started   atomic.Bool
	synced    atomic.Bool
	shutdown  atomic.Bool
	closeOnce sync.Once
	sub       transport.Subscription
	cancel    context.CancelFunc
}

// NewSubscriber creates a subscriber on conn. Call Start, then Poll.
func NewSubscriber(conn transport.Conn, cfg SubscriberConfig) *Subscriber {
	if cfg.Registry == nil {
		cfg.Registry = envelope.NewRegistry(nil)
	}
	if cfg.Subjects.Prefix == "" {
		cfg.Subjects = transport.NewSubjects("")
	}
	if cfg.Topics == nil {
		cfg.Topics = []string{envelope.All}
	}
	if cfg.ReplayTimeout <= 0 {
		cfg.ReplayTimeout = time.Second
	}
	if cfg.ReplayInterval <= 0 {
		cfg.ReplayInterval = 250 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Component == "" {
		cfg.Component = "subscriber"
	}

	return &Subscriber{
		conn:      conn,
		cfg:       cfg,
		registry:  cfg.Registry,
		cache:     cache.New(cfg.Registry, cache.WithMetrics(cfg.HistoryMetrics)),
		logger:    cfg.Logger.With("component", cfg.Component),
		metrics:   cfg.Metrics,
		component: cfg.Component,
		frames:    make(chan wire.Frame, cfg.BufferSize),
		replays:   make(chan replayResult, 1),
		closed:    make(chan struct{}),
	}
}

// Cache returns the subscriber's local cache.
func (s *Subscriber) Cache() *cache.Cache {
	return s.cache
}

// ShutdownRequested reports whether a kill signal was received.
func (s *Subscriber) ShutdownRequested() bool {
	return s.shutdown.Load()
}

// Synced reports whether the late-join replay has been delivered.
func (s *Subscriber) Synced() bool {
	return s.synced.Load()
}

// Start subscribes to the downstream subject and, unless disabled, requests
// a replay of the cached history in the background.
func (s *Subscriber) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	sub, err := s.conn.Subscribe(ctx, s.cfg.Subjects.Sub(), func(ctx context.Context, data []byte) {
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			s.metrics.RecordDecodeError(s.component)
			s.logger.Warn("Dropping undecodable frame", "error", err)
			return
		}
		select {
		case s.frames <- frame:
		case <-s.closed:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "Subscriber", "Start", "subscribe downstream")
	}
	s.sub = sub

	if s.cfg.ReplayAttempts <= 0 {
		s.synced.Store(true)
		return nil
	}

	replayCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.requestReplay(replayCtx)
	return nil
}

// requestReplay asks the relay for history, pacing attempts with a rate
// limiter. After the last failed attempt the subscriber goes live-only.
func (s *Subscriber) requestReplay(ctx context.Context) {
	data, err := wire.ReplayRequest{Topics: s.cfg.Topics}.Encode()
	if err != nil {
		s.replays <- replayResult{err: err}
		return
	}

	limiter := rate.NewLimiter(rate.Every(s.cfg.ReplayInterval), 1)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReplayAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			s.replays <- replayResult{err: err}
			return
		}

		raw, err := s.conn.Request(ctx, s.cfg.Subjects.Replay(), data, s.cfg.ReplayTimeout)
		if err == nil {
			reply, err := wire.DecodeReplayReply(raw)
			s.replays <- replayResult{reply: reply, err: err}
			return
		}
		lastErr = err
		s.logger.Debug("Replay request failed", "attempt", attempt, "error", err)
	}
	s.replays <- replayResult{err: errors.Wrap(lastErr, "Subscriber", "requestReplay", "replay")}
}

// Poll returns the messages received within timeout. It returns as soon as
// at least one message was delivered, after draining whatever else is
// already queued. A zero timeout blocks until a message arrives or ctx ends.
// After a kill signal Poll returns immediately with nothing.
func (s *Subscriber) Poll(ctx context.Context, timeout time.Duration) ([]Received, error) {
	if s.shutdown.Load() {
		return nil, nil
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var out []Received
	for {
		select {
		case res := <-s.replays:
			if err := s.applyReplay(res, &out); err != nil {
				return out, err
			}
		case frame := <-s.frames:
			if err := s.handleFrame(frame, &out); err != nil {
				return out, err
			}
		case <-timerC:
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}

		if s.shutdown.Load() {
			return out, nil
		}
		if len(out) > 0 {
			return s.drain(out)
		}
	}
}

func (s *Subscriber) drain(out []Received) ([]Received, error) {
	for !s.shutdown.Load() {
		select {
		case res := <-s.replays:
			if err := s.applyReplay(res, &out); err != nil {
				return out, err
			}
		case frame := <-s.frames:
			if err := s.handleFrame(frame, &out); err != nil {
				return out, err
			}
		default:
			return out, nil
		}
	}
	return out, nil
}

func (s *Subscriber) handleFrame(frame wire.Frame, out *[]Received) error {
	if frame.IsKill() {
		s.shutdown.Store(true)
		s.metrics.RecordKill(s.component, "received")
		s.logger.Info("Kill signal received")
		return nil
	}
	if !s.synced.Load() {
		s.pending = append(s.pending, frame)
		return nil
	}
	if frame.Seq != 0 && frame.Seq <= s.highWater {
		return nil
	}
	return s.deliver(frame, false, out)
}

func (s *Subscriber) applyReplay(res replayResult, out *[]Received) error {
	s.synced.Store(true)
	if res.err != nil {
		s.logger.Warn("No replay from relay, continuing live-only", "error", res.err)
	} else {
		s.highWater = res.reply.HighWater
		s.metrics.RecordReplay(s.component, len(res.reply.Frames))
		for _, frame := range res.reply.Frames {
			if err := s.deliver(frame, true, out); err != nil {
				return err
			}
		}
	}

	pending := s.pending
	s.pending = nil
	for _, frame := range pending {
		if frame.Seq != 0 && frame.Seq <= s.highWater {
			continue
		}
		if err := s.deliver(frame, false, out); err != nil {
			return err
		}
	}
	return nil
}

// deliver filters, decodes, caches and reports one frame. Malformed payloads
// are dropped; an unknown envelope means the registries disagree and is
// returned.
func (s *Subscriber) deliver(frame wire.Frame, replayed bool, out *[]Received) error {
	if !cache.Matches(frame.Envelope, s.cfg.Topics) {
		return nil
	}

	msg, err := s.registry.Extract(frame.Envelope, frame.Payload)
	if err != nil {
		if errors.IsFatal(err) {
			return err
		}
		s.metrics.RecordDecodeError(s.component)
		s.logger.Warn("Dropping malformed message", "envelope", frame.Envelope, "error", err)
		return nil
	}
	if err := s.cache.Add(cache.Entry{Envelope: frame.Envelope, Payload: frame.Payload, Message: msg}); err != nil {
		return err
	}
	s.metrics.RecordReceived(s.component, frame.Envelope)

	r := Received{Envelope: frame.Envelope, Message: msg, Replayed: replayed}
	*out = append(*out, r)
	if s.cfg.Callback != nil {
		s.cfg.Callback(r)
	}
	return nil
}

// Close stops receiving.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.cancel != nil {
			s.cancel()
		}
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
	})
	return err
}
