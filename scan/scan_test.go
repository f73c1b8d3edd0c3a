package scan_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/pubsub"
	"github.com/c360/afspm/scan"
)

type sent struct {
	req  control.Request
	mode message.ControlMode
}

// fakeSender records requests and answers with a fixed code.
type fakeSender struct {
	code control.ResponseCode
	sent []sent
}

func (f *fakeSender) SendWithAutoControl(_ context.Context, req control.Request, mode message.ControlMode) control.Response {
	f.sent = append(f.sent, sent{req: req, mode: mode})
	return control.Reply(f.code)
}

func (f *fakeSender) kinds() []control.RequestKind {
	var out []control.RequestKind
	for _, s := range f.sent {
		out = append(out, s.req.Kind)
	}
	return out
}

func (f *fakeSender) last() sent {
	return f.sent[len(f.sent)-1]
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func region(x float64) message.ScanParameters2d {
	return message.ScanParameters2d{
		TopLeft: message.Point2d{X: x},
		Size:    message.Size2d{X: 100, Y: 100},
		Units:   "nm",
	}
}

// sequence hands out region(0), region(1), ... and counts calls.
type sequence struct{ calls int }

func (s *sequence) next(context.Context) *scan.Params {
	p := scan.ScanParams(region(float64(s.calls)))
	s.calls++
	return p
}

type fixture struct {
	sender  *fakeSender
	clock   *clock
	seq     *sequence
	handler *scan.Handler
}

func newFixture(cfg scan.HandlerConfig) *fixture {
	f := &fixture{
		sender: &fakeSender{code: control.RepSuccess},
		clock:  &clock{now: time.Unix(1000, 0)},
		seq:    &sequence{},
	}
	if cfg.Next == nil {
		cfg.Next = f.seq.next
	}
	cfg.Now = f.clock.Now
	cfg.RetryWait = time.Second
	f.handler = scan.NewHandler(f.sender, cfg)
	return f
}

func (f *fixture) state(states ...message.ScopeState) {
	for _, s := range states {
		f.handler.OnMessage(context.Background(), &message.ScopeStateMsg{State: s})
	}
}

func TestMoveThenCollect(t *testing.T) {
	f := newFixture(scan.HandlerConfig{})

	f.state(message.ScopeFree)
	require.Equal(t, []control.RequestKind{control.ReqSetScanParams}, f.sender.kinds())
	assert.Equal(t, message.ModeAutomated, f.sender.last().mode)
	assert.Equal(t, region(0), *f.sender.last().req.Payload.(*message.ScanParameters2d))

	f.state(message.ScopeMoving)
	assert.Len(t, f.sender.sent, 1, "moving as desired sends nothing")

	f.state(message.ScopeFree)
	assert.Equal(t, []control.RequestKind{control.ReqSetScanParams, control.ReqStartScan}, f.sender.kinds())
	assert.Nil(t, f.handler.Pending())

	f.state(message.ScopeCollecting, message.ScopeFree)
	assert.Equal(t, message.ScopeMoving, f.handler.Desired())
	require.Len(t, f.sender.sent, 3)
	assert.Equal(t, region(1), *f.sender.last().req.Payload.(*message.ScanParameters2d))
	assert.False(t, f.handler.RetryArmed())
}

func TestInterruptedResendsSameParams(t *testing.T) {
	f := newFixture(scan.HandlerConfig{})
	f.state(message.ScopeFree, message.ScopeMoving, message.ScopeFree, message.ScopeCollecting)
	require.Len(t, f.sender.sent, 2)

	f.state(message.ScopeInterrupted)
	assert.Equal(t, message.ScopeMoving, f.handler.Desired())
	assert.True(t, f.handler.RetryArmed())
	assert.Len(t, f.sender.sent, 2, "nothing is sent while interrupted")

	f.state(message.ScopeFree)
	require.Len(t, f.sender.sent, 3)
	assert.Equal(t, control.ReqSetScanParams, f.sender.last().req.Kind)
	assert.Equal(t, region(0), *f.sender.last().req.Payload.(*message.ScanParameters2d))
	assert.Equal(t, 1, f.seq.calls, "params are not recomputed")
}

func TestInterruptedWithFlushRecomputes(t *testing.T) {
	f := newFixture(scan.HandlerConfig{FlushOnFailure: true})
	f.state(message.ScopeFree, message.ScopeMoving, message.ScopeFree, message.ScopeCollecting)

	f.state(message.ScopeInterrupted, message.ScopeFree)
	require.Len(t, f.sender.sent, 3)
	assert.Equal(t, region(1), *f.sender.last().req.Payload.(*message.ScanParameters2d))
	assert.Equal(t, 2, f.seq.calls)
}

func TestNotReadyArmsRetry(t *testing.T) {
	ready := false
	f := newFixture(scan.HandlerConfig{Next: func(context.Context) *scan.Params {
		if !ready {
			return nil
		}
		return scan.ScanParams(region(7))
	}})

	f.state(message.ScopeFree)
	assert.Empty(t, f.sender.sent)
	assert.True(t, f.handler.RetryArmed())

	ready = true
	f.clock.now = f.clock.now.Add(500 * time.Millisecond)
	f.handler.Tick(context.Background())
	assert.Empty(t, f.sender.sent, "retry is not due yet")

	f.clock.now = f.clock.now.Add(time.Second)
	f.handler.Tick(context.Background())
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, region(7), *f.sender.last().req.Payload.(*message.ScanParameters2d))
	assert.False(t, f.handler.RetryArmed())
}

func TestFailureRetriesAfterWait(t *testing.T) {
	f := newFixture(scan.HandlerConfig{})
	f.sender.code = control.RepAlreadyUnderControl

	f.state(message.ScopeFree)
	require.Len(t, f.sender.sent, 1)
	assert.True(t, f.handler.RetryArmed())
	require.NotNil(t, f.handler.Pending(), "pending params survive a failure")

	f.sender.code = control.RepSuccess
	f.clock.now = f.clock.now.Add(2 * time.Second)
	f.handler.Tick(context.Background())
	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, region(0), *f.sender.last().req.Payload.(*message.ScanParameters2d))
	assert.Equal(t, 1, f.seq.calls)
}

func TestFailureWithFlushDropsPending(t *testing.T) {
	f := newFixture(scan.HandlerConfig{FlushOnFailure: true})
	f.sender.code = control.RepNotFree

	f.state(message.ScopeFree)
	assert.Nil(t, f.handler.Pending())

	f.sender.code = control.RepSuccess
	f.clock.now = f.clock.now.Add(2 * time.Second)
	f.handler.Tick(context.Background())
	assert.Equal(t, region(1), *f.sender.last().req.Payload.(*message.ScanParameters2d))
}

func TestProblemHandlerWaitsForItsProblem(t *testing.T) {
	f := newFixture(scan.HandlerConfig{Problem: "tip-damaged"})

	f.handler.OnMessage(context.Background(), &message.ControlState{Mode: message.ModeAutomated})
	f.state(message.ScopeFree)
	assert.Empty(t, f.sender.sent)
	assert.False(t, f.handler.Eligible())

	f.handler.OnMessage(context.Background(), &message.ControlState{
		Mode:     message.ModeProblem,
		Problems: []message.ExperimentProblem{"tip-damaged"},
	})
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, message.ModeProblem, f.sender.last().mode)

	f.handler.OnMessage(context.Background(), &message.ControlState{Mode: message.ModeAutomated})
	f.state(message.ScopeMoving, message.ScopeFree)
	assert.Len(t, f.sender.sent, 1, "no longer eligible once the problem is resolved")
}

func TestSpectroscopyCycle(t *testing.T) {
	points := []message.ProbePosition{
		{Point: message.Point2d{X: 1, Y: 2}, Units: "nm"},
		{Point: message.Point2d{X: 3, Y: 4}, Units: "nm"},
	}
	f := newFixture(scan.HandlerConfig{Next: scan.Points(points, 64)})

	f.state(message.ScopeFree, message.ScopeMoving, message.ScopeFree)
	assert.Equal(t, []control.RequestKind{control.ReqSetProbePos, control.ReqStartSpec}, f.sender.kinds())
	assert.Equal(t, points[0], *f.sender.sent[0].req.Payload.(*message.ProbePosition))

	f.state(message.ScopeSpec, message.ScopeFree)
	assert.Equal(t, points[1], *f.sender.last().req.Payload.(*message.ProbePosition))
}

func TestGridVisitsTilesInRasterOrder(t *testing.T) {
	next := scan.Grid(message.ScanParameters2d{
		TopLeft:    message.Point2d{X: 10, Y: 20},
		Size:       message.Size2d{X: 200, Y: 100},
		Units:      "nm",
		Resolution: message.Resolution{X: 64, Y: 64},
	}, 2, 2)

	var corners []message.Point2d
	for range 5 {
		p := next(context.Background())
		require.NotNil(t, p.Scan)
		assert.Equal(t, message.Size2d{X: 100, Y: 50}, p.Scan.Size)
		assert.Equal(t, 64, p.Scan.Resolution.X)
		corners = append(corners, p.Scan.TopLeft)
	}
	assert.Equal(t, []message.Point2d{
		{X: 10, Y: 20}, {X: 110, Y: 20}, {X: 10, Y: 70}, {X: 110, Y: 70}, {X: 10, Y: 20},
	}, corners)

	assert.Nil(t, scan.Points(nil, 1)(context.Background()))
}

// fakeSource replays scripted batches, then reports a kill.
type fakeSource struct {
	batches [][]pubsub.Received
	polls   int
}

func (s *fakeSource) Poll(context.Context, time.Duration) ([]pubsub.Received, error) {
	s.polls++
	if len(s.batches) == 0 {
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) ShutdownRequested() bool {
	return len(s.batches) == 0
}

func received(msgs ...message.Payload) []pubsub.Received {
	out := make([]pubsub.Received, len(msgs))
	for i, m := range msgs {
		out[i] = pubsub.Received{Envelope: m.MessageType(), Message: m}
	}
	return out
}

func TestComponentRunsUntilKill(t *testing.T) {
	f := newFixture(scan.HandlerConfig{})
	source := &fakeSource{batches: [][]pubsub.Received{
		received(&message.ControlState{Mode: message.ModeAutomated}, &message.ScopeStateMsg{State: message.ScopeFree}),
		received(&message.ScopeStateMsg{State: message.ScopeMoving}),
		received(&message.ScopeStateMsg{State: message.ScopeFree}),
	}}

	c := scan.NewComponent(source, f.handler, scan.ComponentConfig{PollInterval: time.Millisecond})
	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 3, source.polls)
	assert.Equal(t, []control.RequestKind{control.ReqSetScanParams, control.ReqStartScan}, f.sender.kinds())
}

func TestComponentStopsOnCancel(t *testing.T) {
	f := newFixture(scan.HandlerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocking := &cancelSource{}
	c := scan.NewComponent(blocking, f.handler, scan.ComponentConfig{})
	assert.NoError(t, c.Run(ctx))
}

type cancelSource struct{}

func (cancelSource) Poll(ctx context.Context, _ time.Duration) ([]pubsub.Received, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (cancelSource) ShutdownRequested() bool { return false }
