package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/wire"
)

func TestFor(t *testing.T) {
	tests := []struct {
		name string
		msg  message.Payload
		want string
	}{
		{"default is type name", &message.ScopeStateMsg{State: message.ScopeFree}, "ScopeStateMsg"},
		{"scan with channel and size", &message.Scan2d{Channel: "Z", Params: message.ScanParameters2d{Size: message.Size2d{X: 99.6}}}, "Scan2d_Z_100"},
		{"scan rounds half away from zero", &message.Scan2d{Channel: "Z", Params: message.ScanParameters2d{Size: message.Size2d{X: 2.5}}}, "Scan2d_Z_3"},
		{"scan without qualifiers", &message.Scan2d{}, "Scan2d__"},
		{"spec by type", &message.Spec1d{Type: "iv"}, "Spec1d_iv"},
		{"spec without type", &message.Spec1d{}, "Spec1d_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, For(tt.msg))
		})
	}

	assert.Equal(t, "Scan2d_Phase_", Scan2dKey("Phase", 0))
	assert.Equal(t, "Spec1d_didv", Spec1dKey("didv"))
}

func TestKey_ParseString(t *testing.T) {
	k := Parse("Scan2d_Z_100")
	assert.Equal(t, "Scan2d", k.Type)
	assert.Equal(t, []string{"Z", "100"}, k.Qualifiers)
	assert.Equal(t, "Scan2d_Z_100", k.String())

	plain := Parse("ControlState")
	assert.Empty(t, plain.Qualifiers)
	assert.Equal(t, "ControlState", plain.String())
}

func TestKey_Score(t *testing.T) {
	target := Parse("Scan2d_Z_100")

	assert.Equal(t, -1, target.Score(Parse("Spec1d_iv")))
	assert.Equal(t, 4, target.Score(Parse("Scan2d__")))
	assert.Equal(t, 5, target.Score(Parse("Scan2d_Z_")))
	assert.Equal(t, 6, target.Score(Parse("Scan2d_Z_100")))
	assert.Equal(t, 3, target.Score(Parse("Scan2d_Phase_")), "mismatch earns nothing but does not disqualify")
	assert.Equal(t, 4, target.Score(Parse("Scan2d")), "missing qualifiers count as empty")
}

func TestRegistry_ResolveClosestAndTieBreak(t *testing.T) {
	r := NewRegistry(nil)

	key, err := r.Resolve("Scan2d_Z_100")
	require.NoError(t, err)
	assert.Equal(t, "Scan2d__", key.String())

	require.NoError(t, r.SetHistory("Scan2d_Z_", 5))
	require.NoError(t, r.SetHistory("Scan2d__100", 7))

	key, err = r.Resolve("Scan2d_Z_100")
	require.NoError(t, err)
	assert.Equal(t, "Scan2d_Z_", key.String(), "equal scores go to the first registered")

	history, err := r.History("Scan2d_Z_100")
	require.NoError(t, err)
	assert.Equal(t, 5, history)

	history, err = r.History("Scan2d_Phase_100")
	require.NoError(t, err)
	assert.Equal(t, 7, history)

	history, err = r.History("ScopeStateMsg")
	require.NoError(t, err)
	assert.Equal(t, DefaultHistory, history)
}

func TestRegistry_RegisterUpdatesInPlace(t *testing.T) {
	r := NewRegistry(nil)
	before := r.Envelopes()

	r.Register(&message.ScopeStateMsg{}, 3)
	assert.Equal(t, before, r.Envelopes())

	history, err := r.History("ScopeStateMsg")
	require.NoError(t, err)
	assert.Equal(t, 3, history)

	r.Register(&message.Scan2d{Channel: "Z"}, 0)
	envs := r.Envelopes()
	assert.Equal(t, "Scan2d_Z_", envs[len(envs)-1])
}

func TestRegistry_Unknown(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Resolve("Bogus_1")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrUnknownEnvelope)

	_, err = r.Extract("Bogus", []byte(`{}`))
	assert.True(t, errors.IsFatal(err))

	err = r.SetHistory("Bogus_x", 2)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegistry_Malformed(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Extract("ScopeStateMsg", []byte("{"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrMalformedMessage)

	_, err = r.Extract("ControlState", []byte(`{"control_mode":"CM_PROBLEM"}`))
	assert.True(t, errors.IsInvalid(err), "PROBLEM without problems fails validation")

	_, _, err = r.Encode(nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegistry_EnvelopeRoundTrip(t *testing.T) {
	samples := []message.Payload{
		&message.ScopeStateMsg{State: message.ScopeCollecting},
		&message.ControlState{Mode: message.ModeProblem, Problems: []message.ExperimentProblem{message.ProblemTipShapeChanged}},
		&message.ScanParameters2d{Size: message.Size2d{X: 50, Y: 50}, Resolution: message.Resolution{X: 8, Y: 8}},
		&message.Scan2d{
			Channel:   "Z",
			Params:    message.ScanParameters2d{Size: message.Size2d{X: 100, Y: 100}, Resolution: message.Resolution{X: 1, Y: 2}},
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Values:    []float64{1, 2},
		},
		&message.ProbePosition{Point: message.Point2d{X: 1, Y: 2}},
		&message.SpecParameters1d{NumPoints: 10},
		&message.Spec1d{Type: "iv", Names: []string{"V"}, Values: [][]float64{{0.5}}},
		&message.ZCtrlParameters{FeedbackOn: true, ProportionalGain: 1},
		&message.ParameterMsg{Parameter: "scan-speed", Value: "2"},
	}

	for _, codecName := range []string{wire.CodecJSON, wire.CodecCBOR} {
		codec, err := wire.NewCodec(codecName, "")
		require.NoError(t, err)
		r := NewRegistry(codec)

		for _, msg := range samples {
			env, payload, err := r.Encode(msg)
			require.NoError(t, err)

			got, err := r.Extract(env, payload)
			require.NoError(t, err, "%s/%s", codecName, env)
			assert.Equal(t, For(msg), For(got))
			assert.Equal(t, msg.MessageType(), got.MessageType())
		}
	}
}
