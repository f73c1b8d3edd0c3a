package device

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/wire"
)

// TranslatorConfig configures a Translator.
type TranslatorConfig struct {
	Subjects transport.Subjects
	// Codec decodes request payloads; nil selects JSON.
	Codec wire.Codec
	// PollInterval is how long each loop iteration waits for requests
	// before polling the driver.
	PollInterval time.Duration
	BufferSize   int
	Component    string
	Logger       *slog.Logger
	Metrics      *metric.Metrics
}

type deviceJob struct {
	req   control.Request
	reply chan control.Response
}

// Translator serves device requests and publishes scope state, parameters
// and results of its Driver. State is owned by the Run loop.
type Translator struct {
	conn      transport.Conn
	driver    Driver
	pub       Publisher
	cfg       TranslatorConfig
	codec     control.Codec
	component string
	logger    *slog.Logger
	metrics   *metric.Metrics

	jobs    chan deviceJob
	stopped chan struct{}
	started atomic.Bool
	sub     transport.Subscription

	state      message.ScopeState
	scanParams message.ScanParameters2d
	zctrl      message.ZCtrlParameters
	scans      []*message.Scan2d
	specs      []*message.Spec1d
}

// NewTranslator creates a translator for driver, serving requests on conn
// and publishing through pub.
func NewTranslator(conn transport.Conn, driver Driver, pub Publisher, cfg TranslatorConfig) *Translator {
	if cfg.Subjects.Prefix == "" {
		cfg.Subjects = transport.NewSubjects("")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.Component == "" {
		cfg.Component = "translator"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Translator{
		conn:      conn,
		driver:    driver,
		pub:       pub,
		cfg:       cfg,
		codec:     control.NewCodec(cfg.Codec),
		component: cfg.Component,
		logger:    cfg.Logger.With("component", cfg.Component),
		metrics:   cfg.Metrics,
		jobs:      make(chan deviceJob, cfg.BufferSize),
		stopped:   make(chan struct{}),
	}
}

// Start begins serving device requests.
func (t *Translator) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	sub, err := t.conn.Serve(ctx, t.cfg.Subjects.Device(), t.serveRequest)
	if err != nil {
		return errors.WrapTransient(err, "Translator", "Start", "serve device requests")
	}
	t.sub = sub
	t.logger.Info("Translator started", "subject", t.cfg.Subjects.Device())
	return nil
}

func (t *Translator) serveRequest(ctx context.Context, data []byte) ([]byte, error) {
	_, req, err := t.codec.DecodeRequest(data)
	if err != nil {
		t.metrics.RecordDecodeError(t.component)
		t.logger.Warn("Dropping undecodable request", "error", err)
		return nil, err
	}

	job := deviceJob{req: req, reply: make(chan control.Response, 1)}
	select {
	case t.jobs <- job:
	case <-t.stopped:
		return nil, errors.ErrShuttingDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-job.reply:
		return t.codec.EncodeResponse(rep)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the last polled scope state. Only call it from the loop
// goroutine or after Run returned.
func (t *Translator) State() message.ScopeState {
	return t.state
}

// Run alternates between answering requests and polling the driver until
// ctx ends.
func (t *Translator) Run(ctx context.Context) error {
	defer t.stop()
	for {
		if err := t.Poll(ctx, t.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Poll answers the requests received within timeout, then polls the driver
// once and publishes what changed.
func (t *Translator) Poll(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for waiting := true; waiting; {
		select {
		case job := <-t.jobs:
			job.reply <- t.HandleRequest(ctx, job.req)
		case <-timer.C:
			waiting = false
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.pollDevice(ctx)
	return nil
}

func isStop(kind control.RequestKind) bool {
	return kind == control.ReqStopScan || kind == control.ReqStopSpec
}

// HandleRequest answers one device request. Anything but a stop is refused
// with REP_NOT_FREE unless the scope is free.
func (t *Translator) HandleRequest(ctx context.Context, req control.Request) control.Response {
	start := time.Now()
	rep := t.handle(ctx, req)
	t.metrics.RecordRequest(t.component, req.Kind.String(), rep.Code.String(), time.Since(start))
	t.logger.Debug("Handled request", "request", req.Kind, "response", rep.Code)

	if isStop(req.Kind) && rep.OK() {
		t.logger.Info("Collection interrupted")
		t.publish(ctx, &message.ScopeStateMsg{State: message.ScopeInterrupted})
	}
	return rep
}

func (t *Translator) handle(ctx context.Context, req control.Request) control.Response {
	if !req.Kind.IsDeviceCommand() {
		return control.Reply(control.RepCmdNotSupported)
	}
	if t.state != message.ScopeFree && !isStop(req.Kind) {
		return control.Reply(control.RepNotFree)
	}

	switch req.Kind {
	case control.ReqStartScan:
		return control.Reply(t.driver.OnStartScan(ctx))
	case control.ReqStopScan:
		return control.Reply(t.driver.OnStopScan(ctx))
	case control.ReqStartSpec:
		return control.Reply(t.driver.OnStartSpec(ctx))
	case control.ReqStopSpec:
		return control.Reply(t.driver.OnStopSpec(ctx))
	case control.ReqSetScanParams:
		p, ok := req.Payload.(*message.ScanParameters2d)
		if !ok {
			return control.Reply(control.RepParamInvalid)
		}
		return control.Reply(t.driver.OnSetScanParams(ctx, *p))
	case control.ReqSetProbePos:
		p, ok := req.Payload.(*message.ProbePosition)
		if !ok {
			return control.Reply(control.RepParamInvalid)
		}
		return control.Reply(t.driver.OnSetProbePos(ctx, *p))
	case control.ReqSetZCtrlParams:
		p, ok := req.Payload.(*message.ZCtrlParameters)
		if !ok {
			return control.Reply(control.RepParamInvalid)
		}
		return control.Reply(t.driver.OnSetZCtrlParams(ctx, *p))
	case control.ReqParam:
		caps := t.driver.Capabilities()
		if caps == nil {
			return control.Reply(control.RepCmdNotSupported)
		}
		p, ok := req.Payload.(*message.ParameterMsg)
		if !ok {
			return control.Reply(control.RepParamInvalid)
		}
		code, out := caps.HandleParam(ctx, p)
		rep := control.Response{Code: code}
		if out != nil {
			rep.Payload = out
		}
		return rep
	}
	return control.Reply(control.RepCmdNotSupported)
}

// pollDevice publishes changed parameters and new results, then the scope
// state last so that clients see everything else before the transition.
func (t *Translator) pollDevice(ctx context.Context) {
	old := t.state
	state, err := t.driver.PollScopeState(ctx)
	if err != nil {
		t.logger.Warn("Polling scope state failed", "error", err)
		return
	}
	t.state = state

	if old == message.ScopeCollecting && state != message.ScopeCollecting {
		t.publishScans(ctx)
	}
	if old == message.ScopeSpec && state != message.ScopeSpec {
		t.publishSpecs(ctx)
	}

	if params, err := t.driver.PollScanParams(ctx); err != nil {
		t.logger.Warn("Polling scan parameters failed", "error", err)
	} else if params != t.scanParams {
		t.scanParams = params
		t.publish(ctx, &params)
	}

	if zctrl, err := t.driver.PollZCtrlParams(ctx); err != nil {
		t.logger.Warn("Polling feedback parameters failed", "error", err)
	} else if zctrl != t.zctrl {
		t.zctrl = zctrl
		t.publish(ctx, &zctrl)
	}

	if old != state {
		t.logger.Info("Scope state changed", "from", old, "to", state)
		t.publish(ctx, &message.ScopeStateMsg{State: state})
	}
}

func (t *Translator) publishScans(ctx context.Context) {
	scans, err := t.driver.PollScans(ctx)
	if err != nil {
		t.logger.Warn("Polling scans failed", "error", err)
		return
	}
	if !newScans(t.scans, scans) {
		return
	}
	t.scans = scans
	t.logger.Info("New scans", "channels", len(scans))
	for _, s := range scans {
		t.publish(ctx, s)
	}
}

func (t *Translator) publishSpecs(ctx context.Context) {
	specs, err := t.driver.PollSpecs(ctx)
	if err != nil {
		t.logger.Warn("Polling spectroscopy failed", "error", err)
		return
	}
	if !newSpecs(t.specs, specs) {
		return
	}
	t.specs = specs
	t.logger.Info("New spectroscopy", "count", len(specs))
	for _, s := range specs {
		t.publish(ctx, s)
	}
}

// newScans compares the first channel by timestamp, then by values.
func newScans(old, latest []*message.Scan2d) bool {
	if len(latest) == 0 {
		return false
	}
	if len(old) == 0 {
		return true
	}
	a, b := old[0], latest[0]
	if !a.Timestamp.IsZero() && !b.Timestamp.IsZero() && !a.Timestamp.Equal(b.Timestamp) {
		return true
	}
	return !slices.Equal(a.Values, b.Values)
}

func newSpecs(old, latest []*message.Spec1d) bool {
	if len(latest) == 0 {
		return false
	}
	if len(old) == 0 {
		return true
	}
	a, b := old[0], latest[0]
	if !a.Timestamp.IsZero() && !b.Timestamp.IsZero() && !a.Timestamp.Equal(b.Timestamp) {
		return true
	}
	return !slices.EqualFunc(a.Values, b.Values, slices.Equal[[]float64])
}

func (t *Translator) publish(ctx context.Context, msg message.Payload) {
	if err := t.pub.Publish(ctx, msg); err != nil {
		t.logger.Warn("Publish failed", "type", msg.MessageType(), "error", err)
	}
}

func (t *Translator) stop() {
	select {
	case <-t.stopped:
		return
	default:
	}
	close(t.stopped)
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
}
