package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/device"
	"github.com/c360/afspm/device/sim"
	"github.com/c360/afspm/health"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/pubsub"
	"github.com/c360/afspm/scan"
	"github.com/c360/afspm/scheduler"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/transport/memory"
)

type sinkFunc func(*message.ControlState)

func (f sinkFunc) Put(_ context.Context, s *message.ControlState) error {
	f(s)
	return nil
}

type experiment struct {
	t        *testing.T
	bus      *memory.Bus
	subjects transport.Subjects
	monitor  *health.Monitor
	sched    *scheduler.Scheduler
	schedErr chan error
	ctx      context.Context
}

func newExperiment(t *testing.T, sink control.StateSink) *experiment {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	e := &experiment{
		t:        t,
		bus:      memory.NewBus(),
		subjects: transport.NewSubjects("exp"),
		monitor:  health.NewMonitor(),
		schedErr: make(chan error, 1),
		ctx:      ctx,
	}
	e.sched = scheduler.New(e.dial(), e.bus, scheduler.Config{
		Subjects: e.subjects,
		Router:   control.RouterConfig{DeviceTimeout: time.Second, PollInterval: 5 * time.Millisecond},
		Sink:     sink,
		Health:   e.monitor,
	})
	require.NoError(t, e.sched.Start(ctx))
	go func() { e.schedErr <- e.sched.Run(ctx) }()
	return e
}

func (e *experiment) dial() transport.Conn {
	conn, err := e.bus.Dial(context.Background())
	require.NoError(e.t, err)
	return conn
}

func (e *experiment) subscriber(topics ...string) *pubsub.Subscriber {
	sub := pubsub.NewSubscriber(e.dial(), pubsub.SubscriberConfig{
		Subjects:       e.subjects,
		Topics:         topics,
		ReplayAttempts: 5,
		ReplayInterval: 5 * time.Millisecond,
	})
	require.NoError(e.t, sub.Start(e.ctx))
	e.t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func (e *experiment) client() *control.Client {
	return control.NewClient(e.bus, control.ClientConfig{Subject: e.subjects.Router(), Timeout: time.Second})
}

func (e *experiment) startTranslator() *sim.Driver {
	driver, err := sim.NewDriver(sim.Config{
		MoveDuration: 5 * time.Millisecond,
		ScanDuration: 10 * time.Millisecond,
		Channels:     []string{"Z"},
	})
	require.NoError(e.t, err)

	pub := pubsub.NewPublisher(e.dial(), pubsub.PublisherConfig{Subject: e.subjects.Pub(), Component: "translator"})
	tr := device.NewTranslator(e.dial(), driver, pub, device.TranslatorConfig{
		Subjects:     e.subjects,
		PollInterval: 2 * time.Millisecond,
	})
	require.NoError(e.t, tr.Start(e.ctx))
	go func() { _ = tr.Run(e.ctx) }()
	return driver
}

func (e *experiment) waitStopped() {
	e.t.Helper()
	select {
	case err := <-e.schedErr:
		require.NoError(e.t, err)
	case <-time.After(3 * time.Second):
		e.t.Fatal("scheduler did not stop")
	}
}

func TestExperimentScansGridUntilEnded(t *testing.T) {
	e := newExperiment(t, nil)
	e.startTranslator()

	region := message.ScanParameters2d{
		Size:       message.Size2d{X: 200, Y: 100},
		Units:      "nm",
		Resolution: message.Resolution{X: 8, Y: 8},
	}
	handler := scan.NewHandler(e.client(), scan.HandlerConfig{
		Next:      scan.Grid(region, 1, 2),
		RetryWait: 20 * time.Millisecond,
	})
	scanner := scan.NewComponent(e.subscriber(scan.Topics...), handler, scan.ComponentConfig{PollInterval: 2 * time.Millisecond})
	scanErr := make(chan error, 1)
	go func() { scanErr <- scanner.Run(e.ctx) }()

	results := e.subscriber("Scan2d")
	var corners []message.Point2d
	require.Eventually(t, func() bool {
		got, err := results.Poll(e.ctx, 10*time.Millisecond)
		if err != nil {
			return false
		}
		for _, r := range got {
			corners = append(corners, r.Message.(*message.Scan2d).Params.TopLeft)
		}
		return len(corners) >= 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, message.Point2d{}, corners[0])
	assert.Equal(t, message.Point2d{X: 100}, corners[1])

	rep := e.client().EndExperiment(e.ctx)
	require.True(t, rep.OK(), rep.Code.String())
	e.waitStopped()

	select {
	case err := <-scanErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scanner did not stop on kill")
	}
	assert.True(t, e.sched.Relay().ShutdownRequested())

	status, ok := e.monitor.Get("router")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "stopped", status.Message)
}

func TestControlStateReachesSubscribersAndSink(t *testing.T) {
	states := make(chan *message.ControlState, 16)
	e := newExperiment(t, sinkFunc(func(s *message.ControlState) { states <- s }))

	sub := e.subscriber("ControlState")
	c := e.client()
	require.True(t, c.AddProblem(e.ctx, "tip-damaged").OK())

	var last *message.ControlState
	require.Eventually(t, func() bool {
		got, err := sub.Poll(e.ctx, 10*time.Millisecond)
		if err != nil {
			return false
		}
		for _, r := range got {
			last = r.Message.(*message.ControlState)
		}
		return last != nil && last.HasProblem("tip-damaged")
	}, 3*time.Second, time.Millisecond)
	assert.Equal(t, message.ModeProblem, last.Mode)

	// The sink saw the initial state and the problem.
	first := <-states
	assert.Equal(t, message.ModeAutomated, first.Mode)
	second := <-states
	assert.True(t, second.HasProblem("tip-damaged"))

	cached, ok := e.sched.Relay().Cache().Latest("ControlState")
	require.True(t, ok)
	assert.True(t, last.Equal(cached.Message.(*message.ControlState)))

	require.True(t, c.EndExperiment(e.ctx).OK())
	e.waitStopped()
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	bus := memory.NewBus()
	conn, err := bus.Dial(context.Background())
	require.NoError(t, err)

	s := scheduler.New(conn, nil, scheduler.Config{Subjects: transport.NewSubjects("cancel")})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
	assert.False(t, s.Relay().ShutdownRequested())
}
