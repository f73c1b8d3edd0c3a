package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/envelope"
	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/transport"
	"github.com/c360/afspm/transport/memory"
	"github.com/c360/afspm/wire"
)

type fixture struct {
	t        *testing.T
	bus      *memory.Bus
	subjects transport.Subjects
	relay    *Relay
	pub      *Publisher
	runErr   chan error
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, registry *envelope.Registry, metrics *metric.Metrics) *fixture {
	t.Helper()
	if registry == nil {
		registry = envelope.NewRegistry(nil)
	}
	f := &fixture{
		t:        t,
		bus:      memory.NewBus(),
		subjects: transport.NewSubjects("test"),
		runErr:   make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	t.Cleanup(cancel)

	relayConn := f.dial()
	f.relay = NewRelay(relayConn, RelayConfig{Subjects: f.subjects, Registry: registry, Metrics: metrics})
	require.NoError(t, f.relay.Start(ctx))
	go func() { f.runErr <- f.relay.Run(ctx) }()

	f.pub = NewPublisher(f.dial(), PublisherConfig{Subject: f.subjects.Pub(), Component: "translator"})
	return f
}

func (f *fixture) dial() transport.Conn {
	conn, err := f.bus.Dial(context.Background())
	require.NoError(f.t, err)
	return conn
}

func (f *fixture) subscriber(topics ...string) *Subscriber {
	f.t.Helper()
	s := NewSubscriber(f.dial(), SubscriberConfig{
		Subjects:       f.subjects,
		Topics:         topics,
		ReplayAttempts: 3,
		ReplayInterval: time.Millisecond,
	})
	require.NoError(f.t, s.Start(context.Background()))
	f.t.Cleanup(func() { _ = s.Close() })
	return s
}

func (f *fixture) publish(msgs ...message.Payload) {
	f.t.Helper()
	for _, m := range msgs {
		require.NoError(f.t, f.pub.Publish(context.Background(), m))
	}
}

func (f *fixture) waitCached(n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return f.relay.Cache().Len() == n }, 2*time.Second, time.Millisecond)
}

func scope(s message.ScopeState) *message.ScopeStateMsg {
	return &message.ScopeStateMsg{State: s}
}

func states(received []Received) []message.ScopeState {
	var out []message.ScopeState
	for _, r := range received {
		if m, ok := r.Message.(*message.ScopeStateMsg); ok {
			out = append(out, m.State)
		}
	}
	return out
}

func TestLateJoinerGetsHistoryBeforeNewerFrames(t *testing.T) {
	registry := envelope.NewRegistry(nil)
	registry.Register(&message.ScopeStateMsg{}, 2)
	f := newFixture(t, registry, nil)

	f.publish(scope(message.ScopeFree), scope(message.ScopeMoving), scope(message.ScopeCollecting))
	f.waitCached(2)

	sub := f.subscriber(envelope.All)
	got, err := sub.Poll(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []message.ScopeState{message.ScopeMoving, message.ScopeCollecting}, states(got))
	for _, r := range got {
		assert.True(t, r.Replayed)
	}
	assert.True(t, sub.Synced())

	f.publish(scope(message.ScopeFree))
	got, err = sub.Poll(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, message.ScopeFree, states(got)[0])
	assert.False(t, got[0].Replayed)
}

func TestSubscriber_BuffersLiveFramesUntilReplay(t *testing.T) {
	s := NewSubscriber(nil, SubscriberConfig{})
	payload := func(state message.ScopeState) []byte {
		_, data, err := s.registry.Encode(scope(state))
		require.NoError(t, err)
		return data
	}

	// Live frames 1..3 arrive before the replay reply, which covers up to 2.
	s.frames <- wire.Frame{Envelope: "ScopeStateMsg", Payload: payload(message.ScopeMoving), Seq: 2}
	s.frames <- wire.Frame{Envelope: "ScopeStateMsg", Payload: payload(message.ScopeCollecting), Seq: 3}

	got, err := s.Poll(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got, "nothing is delivered before the replay")

	s.replays <- replayResult{reply: wire.ReplayReply{
		Frames:    []wire.Frame{{Envelope: "ScopeStateMsg", Payload: payload(message.ScopeMoving)}},
		HighWater: 2,
	}}

	got, err = s.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, []message.ScopeState{message.ScopeMoving, message.ScopeCollecting}, states(got))
	assert.True(t, got[0].Replayed)
	assert.False(t, got[1].Replayed)

	// Old sequence numbers after sync are duplicates.
	s.frames <- wire.Frame{Envelope: "ScopeStateMsg", Payload: payload(message.ScopeFree), Seq: 1}
	got, err = s.Poll(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSubscriber_SyncedFromAnotherGoroutine(t *testing.T) {
	s := NewSubscriber(nil, SubscriberConfig{})
	assert.False(t, s.Synced())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			_, _ = s.Poll(ctx, 10*time.Millisecond)
		}
	}()

	s.replays <- replayResult{reply: wire.ReplayReply{HighWater: 1}}
	assert.Eventually(t, s.Synced, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSubscriber_TopicFilterAndCallback(t *testing.T) {
	f := newFixture(t, nil, nil)

	var mu sync.Mutex
	var seen []string
	sub := NewSubscriber(f.dial(), SubscriberConfig{
		Subjects:       f.subjects,
		Topics:         []string{"Scan2d"},
		ReplayAttempts: 1,
		Callback: func(r Received) {
			mu.Lock()
			seen = append(seen, r.Envelope)
			mu.Unlock()
		},
	})
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	f.publish(scope(message.ScopeFree), &message.Scan2d{Channel: "Z", Params: message.ScanParameters2d{Size: message.Size2d{X: 10}}})

	got, err := sub.Poll(context.Background(), 2*time.Second)
	require.NoError(t, err)
	for len(got) == 0 {
		got, err = sub.Poll(context.Background(), 2*time.Second)
		require.NoError(t, err)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "Scan2d_Z_10", got[0].Envelope)

	mu.Lock()
	assert.Equal(t, []string{"Scan2d_Z_10"}, seen)
	mu.Unlock()

	latest, ok := sub.Cache().Latest("Scan2d_Z_10")
	require.True(t, ok)
	assert.Equal(t, "Z", latest.Message.(*message.Scan2d).Channel)
}

func TestKillReachesSubscribersAndStopsRelay(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := newFixture(t, nil, registry.CoreMetrics())
	sub := f.subscriber(envelope.All)

	require.NoError(t, f.relay.SendKill(context.Background()))

	select {
	case err := <-f.runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after kill")
	}
	assert.True(t, f.relay.ShutdownRequested())
	assert.Equal(t, 0, f.relay.Cache().Len(), "kill is never cached")

	require.Eventually(t, func() bool {
		_, err := sub.Poll(context.Background(), 10*time.Millisecond)
		return err == nil && sub.ShutdownRequested()
	}, 2*time.Second, time.Millisecond)

	got, err := sub.Poll(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, got, "a killed subscriber returns immediately")

	assert.Error(t, f.relay.Inject(context.Background(), scope(message.ScopeFree)))
}

func TestPublisherKillThroughRelay(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.pub.SendKill(context.Background()))

	select {
	case err := <-f.runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after upstream kill")
	}
}

func TestRelay_MalformedIsDroppedUnknownIsFatal(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	metrics := registry.CoreMetrics()
	f := newFixture(t, nil, metrics)
	raw := f.dial()

	send := func(env string, payload []byte) {
		data, err := wire.EncodeFrame(wire.Frame{Envelope: env, Payload: payload})
		require.NoError(t, err)
		require.NoError(t, raw.Publish(context.Background(), f.subjects.Pub(), data))
	}

	send("ScopeStateMsg", []byte("{"))
	f.publish(scope(message.ScopeFree))
	f.waitCached(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DecodeErrors.WithLabelValues("relay")))

	send("Bogus", []byte("{}"))
	select {
	case err := <-f.runErr:
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
		assert.ErrorIs(t, err, errors.ErrUnknownEnvelope)
	case <-time.After(2 * time.Second):
		t.Fatal("relay kept running after an unknown envelope")
	}
}

func TestRelay_InjectGoesThroughCache(t *testing.T) {
	f := newFixture(t, nil, nil)
	sub := f.subscriber("ControlState")

	_, err := sub.Poll(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)

	state := &message.ControlState{Mode: message.ModeAutomated}
	require.NoError(t, f.relay.Inject(context.Background(), state))

	cached, ok := f.relay.Cache().Latest("ControlState")
	require.True(t, ok)
	assert.True(t, state.Equal(cached.Message.(*message.ControlState)))

	got, err := sub.Poll(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, state.Equal(got[0].Message.(*message.ControlState)))
}

func TestSubscriber_GoesLiveWithoutRelay(t *testing.T) {
	bus := memory.NewBus()
	subjects := transport.NewSubjects("norelay")

	subConn, err := bus.Dial(context.Background())
	require.NoError(t, err)
	sub := NewSubscriber(subConn, SubscriberConfig{
		Subjects:       subjects,
		ReplayAttempts: 2,
		ReplayTimeout:  5 * time.Millisecond,
		ReplayInterval: time.Millisecond,
	})
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	pubConn, err := bus.Dial(context.Background())
	require.NoError(t, err)
	// Publishing straight downstream stands in for a relay that never answers replays.
	direct := NewPublisher(pubConn, PublisherConfig{Subject: subjects.Sub()})
	require.NoError(t, direct.Publish(context.Background(), scope(message.ScopeSpec)))

	require.Eventually(t, func() bool {
		got, err := sub.Poll(context.Background(), 10*time.Millisecond)
		return err == nil && len(got) == 1 && states(got)[0] == message.ScopeSpec
	}, 2*time.Second, time.Millisecond)
	assert.True(t, sub.Synced())
}

func TestSubscriber_StartTwice(t *testing.T) {
	f := newFixture(t, nil, nil)
	sub := f.subscriber()
	assert.ErrorIs(t, sub.Start(context.Background()), errors.ErrAlreadyStarted)
	assert.ErrorIs(t, f.relay.Start(context.Background()), errors.ErrAlreadyStarted)
}
