package control

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/wire"
)

// Broadcaster publishes router state to subscribers. *pubsub.Relay
// satisfies it.
type Broadcaster interface {
	Inject(ctx context.Context, msg message.Payload) error
	SendKill(ctx context.Context) error
}

// StateSink receives every published ControlState, for example a key-value
// mirror.
type StateSink interface {
	Put(ctx context.Context, state *message.ControlState) error
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Subjects transport.Subjects
	// Codec encodes payloads forwarded to the device server; nil selects JSON.
	Codec wire.Codec
	// DeviceTimeout bounds each forwarded request.
	DeviceTimeout time.Duration
	// PollInterval is how long Serve waits for a request per iteration.
	PollInterval time.Duration
	// InitialMode is the starting control mode, AUTOMATED if unset.
	InitialMode message.ControlMode
	Broadcaster Broadcaster
	Sink        StateSink
	BufferSize  int
	Component   string
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

type routerJob struct {
	client string
	req    Request
	reply  chan Response
}

// Router arbitrates which client may command the device and forwards the
// commands of the client in control to the device server.
//
// Requests arrive through the transport and are queued for the loop that
// calls Poll or Serve; HandleRequest runs on that loop.
type Router struct {
	conn      transport.Conn
	backendF  transport.Factory
	backend   transport.Conn
	cfg       RouterConfig
	codec     Codec
	component string
	logger    *slog.Logger
	metrics   *metric.Metrics

	jobs    chan routerJob
	stopped chan struct{}

	mu        sync.Mutex
	mode      message.ControlMode
	lastMode  message.ControlMode
	owner     string
	problems  []message.ExperimentProblem
	published *message.ControlState

	started  atomic.Bool
	shutdown atomic.Bool
	stopOnce sync.Once
	sub      transport.Subscription
}

// NewRouter creates a router serving requests on conn and forwarding device
// commands over connections dialed through backend.
func NewRouter(conn transport.Conn, backend transport.Factory, cfg RouterConfig) *Router {
	if cfg.Subjects.Prefix == "" {
		cfg.Subjects = transport.NewSubjects("")
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if cfg.InitialMode == message.ModeUndefined || cfg.InitialMode == message.ModeProblem {
		cfg.InitialMode = message.ModeAutomated
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Component == "" {
		cfg.Component = "router"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Router{
		conn:      conn,
		backendF:  backend,
		cfg:       cfg,
		codec:     NewCodec(cfg.Codec),
		component: cfg.Component,
		logger:    cfg.Logger.With("component", cfg.Component),
		metrics:   cfg.Metrics,
		jobs:      make(chan routerJob, cfg.BufferSize),
		stopped:   make(chan struct{}),
		mode:      cfg.InitialMode,
		lastMode:  cfg.InitialMode,
	}
}

// Start begins accepting client requests.
func (r *Router) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	sub, err := r.conn.Serve(ctx, r.cfg.Subjects.Router(), r.serveRequest)
	if err != nil {
		return errors.WrapTransient(err, "Router", "Start", "serve requests")
	}
	r.sub = sub
	r.logger.Info("Router started", "subject", r.cfg.Subjects.Router(), "mode", r.cfg.InitialMode)
	return nil
}

func (r *Router) serveRequest(ctx context.Context, data []byte) ([]byte, error) {
	client, req, err := r.codec.DecodeRequest(data)
	if err != nil {
		r.metrics.RecordDecodeError(r.component)
		r.logger.Warn("Dropping undecodable request", "error", err)
		return nil, err
	}

	job := routerJob{client: client, req: req, reply: make(chan Response, 1)}
	select {
	case r.jobs <- job:
	case <-r.stopped:
		return nil, errors.ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Queued jobs left behind by a stopping loop time out with ctx.
	select {
	case rep := <-job.reply:
		return r.codec.EncodeResponse(rep)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll handles the requests that arrive within timeout. It returns after the
// first request, once the queue is drained.
func (r *Router) Poll(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job := <-r.jobs:
		job.reply <- r.HandleRequest(ctx, job.client, job.req)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		select {
		case job := <-r.jobs:
			job.reply <- r.HandleRequest(ctx, job.client, job.req)
		default:
			return nil
		}
	}
}

// Serve runs the router loop: handle requests, publish ControlState when it
// changes, and on REQ_END_EXPERIMENT send the kill signal and return.
func (r *Router) Serve(ctx context.Context) error {
	defer r.stop(context.WithoutCancel(ctx))

	for {
		r.publishState(ctx)

		if r.shutdown.Load() {
			r.logger.Info("Experiment ended, shutting down")
			if r.cfg.Broadcaster != nil {
				if err := r.cfg.Broadcaster.SendKill(ctx); err != nil {
					return errors.Wrap(err, "Router", "Serve", "send kill")
				}
			}
			return nil
		}

		if err := r.Poll(ctx, r.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (r *Router) publishState(ctx context.Context) {
	state, changed := r.Changed()
	if !changed {
		return
	}
	if r.cfg.Broadcaster != nil {
		if err := r.cfg.Broadcaster.Inject(ctx, state); err != nil {
			// Retried on the next iteration since published is unchanged.
			r.logger.Warn("Publishing control state failed", "error", err)
			return
		}
	}
	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.Put(ctx, state); err != nil {
			r.logger.Warn("Mirroring control state failed", "error", err)
		}
	}

	r.mu.Lock()
	r.published = state
	r.mu.Unlock()

	r.metrics.RecordControlState(len(state.Problems))
	r.logger.Info("Control state changed",
		"mode", state.Mode, "client", state.ClientInControlID, "problems", state.Problems)
}

// ShutdownRequested reports whether REQ_END_EXPERIMENT was received.
func (r *Router) ShutdownRequested() bool {
	return r.shutdown.Load()
}

// ControlState returns a snapshot of the arbitration state.
func (r *Router) ControlState() *message.ControlState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Router) snapshotLocked() *message.ControlState {
	return &message.ControlState{
		Mode:              r.mode,
		ClientInControlID: r.owner,
		Problems:          slices.Clone(r.problems),
	}
}

// Changed returns the current state and whether it differs from the last
// published one.
func (r *Router) Changed() (*message.ControlState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.snapshotLocked()
	return state, !state.Equal(r.published)
}

// HandleRequest applies req from client and returns the response. It must
// only be called from the goroutine running the router loop.
func (r *Router) HandleRequest(ctx context.Context, client string, req Request) Response {
	start := time.Now()
	rep := r.handle(ctx, client, req)
	r.metrics.RecordRequest(r.component, req.Kind.String(), rep.Code.String(), time.Since(start))
	r.logger.Debug("Handled request", "client", client, "request", req.Kind, "response", rep.Code)
	return rep
}

func (r *Router) handle(ctx context.Context, client string, req Request) Response {
	switch {
	case req.Kind.IsDeviceCommand():
		if !r.inControl(client) {
			return Reply(RepNotInControl)
		}
		return r.forward(ctx, client, req)
	case req.Kind == ReqRequestCtrl:
		return Reply(r.requestControl(client, req.Mode))
	case req.Kind == ReqReleaseCtrl:
		return Reply(r.releaseControl(client))
	case req.Kind == ReqAddExpProblem:
		return Reply(r.addProblem(req.Problem))
	case req.Kind == ReqRemoveExpProblem:
		return Reply(r.removeProblem(req.Problem))
	case req.Kind == ReqSetControlMode:
		return Reply(r.setControlMode(req.Mode))
	case req.Kind == ReqEndExperiment:
		r.shutdown.Store(true)
		return Reply(RepSuccess)
	default:
		return Reply(RepCmdNotSupported)
	}
}

func (r *Router) inControl(client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return client != "" && r.owner == client
}

func (r *Router) requestControl(client string, mode message.ControlMode) ResponseCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.owner != "" && r.owner != client:
		return RepAlreadyUnderControl
	case mode != r.mode:
		return RepNotInControl
	case client == "":
		return RepNotInControl
	}
	r.owner = client
	return RepSuccess
}

func (r *Router) releaseControl(client string) ResponseCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client == "" || r.owner != client {
		return RepNotInControl
	}
	r.owner = ""
	return RepSuccess
}

func (r *Router) addProblem(tag message.ExperimentProblem) ResponseCode {
	if tag == "" {
		return RepParamInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.problems, tag) {
		return RepSuccess
	}
	if len(r.problems) == 0 {
		r.lastMode = r.mode
		r.mode = message.ModeProblem
		r.owner = ""
	}
	r.problems = append(r.problems, tag)
	return RepSuccess
}

func (r *Router) removeProblem(tag message.ExperimentProblem) ResponseCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.problems, tag)
	if i < 0 {
		return RepSuccess
	}
	r.problems = slices.Delete(r.problems, i, i+1)
	if len(r.problems) == 0 {
		r.problems = nil
		r.mode = r.lastMode
		r.owner = ""
	}
	return RepSuccess
}

func (r *Router) setControlMode(mode message.ControlMode) ResponseCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.problems) > 0 {
		return RepNotFree
	}
	if mode != message.ModeManual && mode != message.ModeAutomated {
		return RepParamInvalid
	}
	r.mode = mode
	r.lastMode = mode
	r.owner = ""
	return RepSuccess
}

// forward sends a device command to the device server. A timeout resets
// the backend connection.
func (r *Router) forward(ctx context.Context, client string, req Request) Response {
	if r.backendF == nil {
		return Reply(RepCmdNotSupported)
	}
	data, err := r.codec.EncodeRequest(client, req)
	if err != nil {
		r.logger.Error("Cannot encode device request", "request", req.Kind, "error", err)
		return Reply(RepParamInvalid)
	}

	if r.backend == nil {
		conn, err := r.backendF.Dial(ctx)
		if err != nil {
			r.logger.Warn("Cannot reach device server", "error", err)
			return Reply(RepNoResponse)
		}
		r.backend = conn
	}

	raw, err := r.backend.Request(ctx, r.cfg.Subjects.Device(), data, r.cfg.DeviceTimeout)
	if err != nil {
		r.logger.Warn("Device server did not respond, resetting backend", "request", req.Kind, "error", err)
		r.resetBackend(ctx)
		return Reply(RepNoResponse)
	}

	rep, err := r.codec.DecodeResponse(raw)
	if err != nil {
		r.metrics.RecordDecodeError(r.component)
		r.logger.Warn("Undecodable device response", "request", req.Kind, "error", err)
		return Reply(RepNoResponse)
	}
	return rep
}

func (r *Router) resetBackend(ctx context.Context) {
	if r.backend == nil {
		return
	}
	if err := r.backend.Close(ctx); err != nil {
		r.logger.Debug("Closing backend failed", "error", err)
	}
	r.backend = nil
}

func (r *Router) stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		close(r.stopped)
		if r.sub != nil {
			_ = r.sub.Unsubscribe()
		}
		r.resetBackend(ctx)
	})
}
