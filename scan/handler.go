// Package scan drives a microscope through repeated move/collect cycles.
//
// A Handler watches ScopeState messages and keeps a desired state one step
// ahead of the device: after a move finishes it starts a collection, after a
// collection finishes it asks its Params callback for the next region and
// moves there. Requests go out with automatic control acquisition, and any
// failure arms a retry timer instead of blocking the loop.
package scan

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/message"
)

// Params is the next collection to run: exactly one of Scan or Spec is set.
type Params struct {
	Scan *message.ScanParameters2d
	Spec *message.SpecParameters1d
}

// ScanParams wraps p as the next scan.
func ScanParams(p message.ScanParameters2d) *Params {
	return &Params{Scan: &p}
}

// SpecParams wraps p as the next spectroscopy.
func SpecParams(p message.SpecParameters1d) *Params {
	return &Params{Spec: &p}
}

func (p *Params) empty() bool {
	return p == nil || (p.Scan == nil && p.Spec == nil)
}

// collecting is the device state these params collect in.
func (p *Params) collecting() message.ScopeState {
	if p.Spec != nil {
		return message.ScopeSpec
	}
	return message.ScopeCollecting
}

func (p *Params) moveRequest() control.Request {
	if p.Spec != nil {
		return control.SetProbePos(p.Spec.ProbePosition)
	}
	return control.SetScanParams(*p.Scan)
}

func (p *Params) startRequest() control.Request {
	if p.Spec != nil {
		return control.StartSpec()
	}
	return control.StartScan()
}

// NextParams returns the next collection, or nil if none is ready yet.
type NextParams func(ctx context.Context) *Params

// Sender is the part of control.Client a Handler uses.
type Sender interface {
	SendWithAutoControl(ctx context.Context, req control.Request, mode message.ControlMode) control.Response
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Next NextParams
	// RetryWait is how long to wait after a failure or an interruption
	// before trying again.
	RetryWait time.Duration
	// Problem restricts the handler to the time Problem is flagged. Empty
	// makes it a generic handler.
	Problem message.ExperimentProblem
	// FlushOnFailure discards pending params on failure, so the next try
	// asks Next again.
	FlushOnFailure bool
	Now            func() time.Time
	Logger         *slog.Logger
}

// Handler is the scan/spec state machine. It is not safe for concurrent use;
// Component drives it from a single loop.
type Handler struct {
	sender Sender
	cfg    HandlerConfig
	logger *slog.Logger

	actual   message.ScopeState
	desired  message.ScopeState
	pending  *Params
	active   *Params
	problems []message.ExperimentProblem
	retryAt  time.Time
}

// NewHandler creates a handler sending through sender.
func NewHandler(sender Sender, cfg HandlerConfig) *Handler {
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Next == nil {
		cfg.Next = func(context.Context) *Params { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "scan")
	if cfg.Problem != "" {
		logger = logger.With("problem", cfg.Problem)
	}

	return &Handler{
		sender: sender,
		cfg:    cfg,
		logger: logger,
	}
}

// Actual returns the last reported scope state.
func (h *Handler) Actual() message.ScopeState { return h.actual }

// Desired returns the state the handler is driving towards.
func (h *Handler) Desired() message.ScopeState { return h.desired }

// Pending returns the params of the next move, if already chosen.
func (h *Handler) Pending() *Params { return h.pending }

// RetryArmed reports whether a retry is scheduled.
func (h *Handler) RetryArmed() bool { return !h.retryAt.IsZero() }

// Eligible reports whether the handler may act under the last known
// control state.
func (h *Handler) Eligible() bool {
	return h.cfg.Problem == "" || slices.Contains(h.problems, h.cfg.Problem)
}

// Mode is the control mode the handler requests control under.
func (h *Handler) Mode() message.ControlMode {
	if h.cfg.Problem == "" {
		return message.ModeAutomated
	}
	return message.ModeProblem
}

// OnMessage feeds one received message. ScopeStateMsg and ControlState are
// acted on; anything else is ignored.
func (h *Handler) OnMessage(ctx context.Context, msg message.Payload) {
	switch m := msg.(type) {
	case *message.ControlState:
		was := h.Eligible()
		h.problems = slices.Clone(m.Problems)
		if !was && h.Eligible() {
			h.logger.Info("Problem flagged, taking over")
			h.perform(ctx)
		}
	case *message.ScopeStateMsg:
		h.transition(m.State)
		h.perform(ctx)
	}
}

func (h *Handler) transition(state message.ScopeState) {
	last := h.actual
	h.actual = state
	if state == last {
		return
	}

	switch {
	case state == message.ScopeInterrupted:
		h.desired = message.ScopeMoving
		if h.cfg.FlushOnFailure {
			h.pending = nil
		} else if h.active != nil {
			h.pending = h.active
		}
		h.active = nil
		h.armRetry()
		h.logger.Warn("Collection interrupted", "resend", h.pending != nil)
	case state == message.ScopeFree && (last == message.ScopeUndefined ||
		last == message.ScopeCollecting || last == message.ScopeSpec):
		h.desired = message.ScopeMoving
		h.pending = nil
		h.active = nil
	case state == message.ScopeFree && last == message.ScopeMoving:
		if h.pending != nil {
			h.desired = h.pending.collecting()
		} else {
			h.desired = message.ScopeMoving
		}
	}
}

// Tick reruns the logic once a scheduled retry is due.
func (h *Handler) Tick(ctx context.Context) {
	if h.retryAt.IsZero() || h.cfg.Now().Before(h.retryAt) || !h.Eligible() {
		return
	}
	h.retryAt = time.Time{}
	h.desired = message.ScopeMoving
	h.logger.Debug("Retrying")
	h.perform(ctx)
}

func (h *Handler) perform(ctx context.Context) {
	if !h.Eligible() {
		return
	}
	if h.actual == message.ScopeUndefined || h.desired == message.ScopeUndefined {
		return
	}
	if h.actual == message.ScopeInterrupted {
		h.armRetry()
		return
	}
	if h.actual == h.desired {
		return
	}

	if h.desired == message.ScopeMoving {
		if h.pending == nil {
			h.pending = h.cfg.Next(ctx)
		}
		if h.pending.empty() {
			h.pending = nil
			h.logger.Debug("No params ready")
			h.armRetry()
			return
		}
		h.send(ctx, h.pending.moveRequest())
		return
	}

	if h.pending == nil {
		h.desired = message.ScopeMoving
		h.armRetry()
		return
	}
	if h.send(ctx, h.pending.startRequest()) {
		h.active = h.pending
		h.pending = nil
	}
}

func (h *Handler) send(ctx context.Context, req control.Request) bool {
	rep := h.sender.SendWithAutoControl(ctx, req, h.Mode())
	if rep.OK() {
		h.retryAt = time.Time{}
		h.logger.Debug("Request accepted", "request", req.Kind)
		return true
	}

	h.logger.Warn("Request failed", "request", req.Kind, "response", rep.Code)
	h.armRetry()
	if h.cfg.FlushOnFailure {
		h.pending = nil
	}
	return false
}

func (h *Handler) armRetry() {
	h.retryAt = h.cfg.Now().Add(h.cfg.RetryWait)
}
