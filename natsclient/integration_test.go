//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/message"
	"github.com/c360/afspm/transport"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	sub, err := tc.Factory().Dial(ctx)
	require.NoError(t, err)
	defer sub.Close(ctx)

	received := make(chan string, 4)
	_, err = sub.Subscribe(ctx, "afspm.sub", func(_ context.Context, data []byte) {
		received <- string(data)
	})
	require.NoError(t, err)
	// Make sure the subscription reached the server before publishing.
	require.NoError(t, sub.(*Client).GetConnection().Flush())

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, tc.Client.Publish(ctx, "afspm.sub", []byte(p)))
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestIntegration_RequestReply(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	_, err := tc.Client.Serve(ctx, "afspm.router", func(_ context.Context, data []byte) ([]byte, error) {
		return append([]byte("ack:"), data...), nil
	})
	require.NoError(t, err)

	requester, err := tc.Factory().Dial(ctx)
	require.NoError(t, err)
	defer requester.Close(ctx)

	reply, err := requester.Request(ctx, "afspm.router", []byte("start"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ack:start", string(reply))

	_, err = requester.Request(ctx, "afspm.nobody", nil, 200*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestIntegration_StateMirror(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mirror, err := NewStateMirror(ctx, tc.Client, "afspm_state")
	require.NoError(t, err)

	got, err := mirror.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	state := &message.ControlState{
		Mode:     message.ModeProblem,
		Problems: []message.ExperimentProblem{message.ProblemTipShapeChanged},
	}
	require.NoError(t, mirror.Put(ctx, state))

	got, err = mirror.Get(ctx)
	require.NoError(t, err)
	assert.True(t, state.Equal(got))

	// Opening the same bucket again reuses it.
	again, err := NewStateMirror(ctx, tc.Client, "afspm_state")
	require.NoError(t, err)
	got, err = again.Get(ctx)
	require.NoError(t, err)
	assert.True(t, state.Equal(got))
}
