package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/pkg/retry"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/wire"
)

// Defaults for ClientConfig.
const (
	DefaultTimeout = 500 * time.Millisecond
	DefaultRetries = 1
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Subject is the router's request subject.
	Subject string
	// ID identifies the client to the router. Empty generates a uuid.
	ID string
	// Timeout bounds each send.
	Timeout time.Duration
	// Retries is the number of resends after a timeout. Zero selects
	// DefaultRetries, a negative value disables resends.
	Retries int
	// RetryDelay is the pause before a resend.
	RetryDelay time.Duration
	// Codec encodes request payloads; nil selects JSON.
	Codec   wire.Codec
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// Client sends control requests to the router. It holds at most one
// request in flight.
type Client struct {
	factory transport.Factory
	cfg     ClientConfig
	codec   Codec
	logger  *slog.Logger
	metrics *metric.Metrics

	mu   sync.Mutex
	conn transport.Conn
}

// NewClient creates a client that dials through factory on first use and
// after every timeout.
func NewClient(factory transport.Factory, cfg ClientConfig) *Client {
	if cfg.Subject == "" {
		cfg.Subject = transport.NewSubjects("").Router()
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch {
	case cfg.Retries == 0:
		cfg.Retries = DefaultRetries
	case cfg.Retries < 0:
		cfg.Retries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		factory: factory,
		cfg:     cfg,
		codec:   NewCodec(cfg.Codec),
		logger:  cfg.Logger.With("component", "control-client", "client", cfg.ID),
		metrics: cfg.Metrics,
	}
}

// ID returns the client id the router sees.
func (c *Client) ID() string {
	return c.cfg.ID
}

// Send delivers req and waits for the router's response. Transport failures
// are retried; if every attempt fails the result is REP_NO_RESPONSE.
func (c *Client) Send(ctx context.Context, req Request) Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.codec.EncodeRequest(c.cfg.ID, req)
	if err != nil {
		c.logger.Error("Cannot encode request", "request", req.Kind, "error", err)
		return Reply(RepNoResponse)
	}

	start := time.Now()
	cfg := retry.Config{
		MaxAttempts:  c.cfg.Retries + 1,
		InitialDelay: c.cfg.RetryDelay,
	}
	rep, err := retry.DoWithResult(ctx, cfg, func(attempt int) (Response, error) {
		if attempt > 1 {
			c.metrics.RecordRetry(c.cfg.ID)
			c.logger.Debug("Resending request", "request", req.Kind, "attempt", attempt)
		}
		return c.roundTrip(ctx, data)
	})
	if err != nil {
		c.logger.Warn("No response from router", "request", req.Kind, "error", err)
		rep = Reply(RepNoResponse)
	}
	c.metrics.RecordRequest("control-client", req.Kind.String(), rep.Code.String(), time.Since(start))
	c.logger.Debug("Received reply", "request", req.Kind, "response", rep.Code)
	return rep
}

func (c *Client) roundTrip(ctx context.Context, data []byte) (Response, error) {
	if c.conn == nil {
		conn, err := c.factory.Dial(ctx)
		if err != nil {
			return Response{}, errors.WrapTransient(err, "control.Client", "roundTrip", "dial router")
		}
		c.conn = conn
	}

	raw, err := c.conn.Request(ctx, c.cfg.Subject, data, c.cfg.Timeout)
	if err != nil {
		// The connection may hold a late reply; start over on a fresh one.
		c.resetLocked(ctx)
		return Response{}, errors.WrapTransient(err, "control.Client", "roundTrip", "request")
	}

	rep, err := c.codec.DecodeResponse(raw)
	if err != nil {
		return Response{}, retry.NonRetryable(err)
	}
	return rep, nil
}

func (c *Client) resetLocked(ctx context.Context) {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(ctx); err != nil {
		c.logger.Debug("Closing connection failed", "error", err)
	}
	c.conn = nil
}

// SendWithAutoControl sends req; if the router answers REP_NOT_IN_CONTROL it
// requests control under mode and, once granted, resends req. A failed
// control request is returned as is.
func (c *Client) SendWithAutoControl(ctx context.Context, req Request, mode message.ControlMode) Response {
	rep := c.Send(ctx, req)
	if rep.Code != RepNotInControl {
		return rep
	}

	c.logger.Debug("Not in control, requesting it", "request", req.Kind, "mode", mode)
	ctrl := c.Send(ctx, RequestControl(mode))
	if !ctrl.OK() {
		return ctrl
	}
	return c.Send(ctx, req)
}

// StartScan sends REQ_START_SCAN.
func (c *Client) StartScan(ctx context.Context) Response { return c.Send(ctx, StartScan()) }

// StopScan sends REQ_STOP_SCAN.
func (c *Client) StopScan(ctx context.Context) Response { return c.Send(ctx, StopScan()) }

// StartSpec sends REQ_START_SPEC.
func (c *Client) StartSpec(ctx context.Context) Response { return c.Send(ctx, StartSpec()) }

// StopSpec sends REQ_STOP_SPEC.
func (c *Client) StopSpec(ctx context.Context) Response { return c.Send(ctx, StopSpec()) }

// SetScanParams sends REQ_SET_SCAN_PARAMS.
func (c *Client) SetScanParams(ctx context.Context, p message.ScanParameters2d) Response {
	return c.Send(ctx, SetScanParams(p))
}

// SetProbePos sends REQ_SET_PROBE_POS.
func (c *Client) SetProbePos(ctx context.Context, p message.ProbePosition) Response {
	return c.Send(ctx, SetProbePos(p))
}

// SetZCtrlParams sends REQ_SET_ZCTRL_PARAMS.
func (c *Client) SetZCtrlParams(ctx context.Context, p message.ZCtrlParameters) Response {
	return c.Send(ctx, SetZCtrlParams(p))
}

// GetParam reads a device parameter. The value is returned with a
// successful response.
func (c *Client) GetParam(ctx context.Context, name string) (Response, *message.ParameterMsg) {
	rep := c.Send(ctx, GetParam(name))
	p, _ := rep.Payload.(*message.ParameterMsg)
	return rep, p
}

// SetParam writes a device parameter.
func (c *Client) SetParam(ctx context.Context, name, value, units string) (Response, *message.ParameterMsg) {
	rep := c.Send(ctx, SetParam(name, value, units))
	p, _ := rep.Payload.(*message.ParameterMsg)
	return rep, p
}

// RequestControl sends REQ_REQUEST_CTRL.
func (c *Client) RequestControl(ctx context.Context, mode message.ControlMode) Response {
	return c.Send(ctx, RequestControl(mode))
}

// ReleaseControl sends REQ_RELEASE_CTRL.
func (c *Client) ReleaseControl(ctx context.Context) Response { return c.Send(ctx, ReleaseControl()) }

// AddProblem sends REQ_ADD_EXP_PRBLM.
func (c *Client) AddProblem(ctx context.Context, tag message.ExperimentProblem) Response {
	return c.Send(ctx, AddProblem(tag))
}

// RemoveProblem sends REQ_RMV_EXP_PRBLM.
func (c *Client) RemoveProblem(ctx context.Context, tag message.ExperimentProblem) Response {
	return c.Send(ctx, RemoveProblem(tag))
}

// SetControlMode sends REQ_SET_CONTROL_MODE.
func (c *Client) SetControlMode(ctx context.Context, mode message.ControlMode) Response {
	return c.Send(ctx, SetControlMode(mode))
}

// EndExperiment sends REQ_END_EXPERIMENT.
func (c *Client) EndExperiment(ctx context.Context) Response { return c.Send(ctx, EndExperiment()) }

// Close releases the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}
