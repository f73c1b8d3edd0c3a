package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/control"
	"github.com/c360/afspm/device"
	"github.com/c360/afspm/message"
)

func TestMicroscopeActivities(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewMicroscope(Config{
		MoveDuration: time.Second,
		ScanDuration: time.Minute,
		Now:          func() time.Time { return now },
	})
	ctx := context.Background()
	assert.Equal(t, message.ScopeFree, m.State())

	require.NoError(t, m.SetParam(ctx, KeySizeX, "2000"))
	assert.Equal(t, message.ScopeMoving, m.State())
	now = now.Add(time.Second)
	assert.Equal(t, message.ScopeFree, m.State())

	require.NoError(t, m.SetParam(ctx, KeyPGain, "3"))
	assert.Equal(t, message.ScopeFree, m.State())

	require.NoError(t, m.Execute(ctx, KeyStartScan))
	assert.Equal(t, message.ScopeCollecting, m.State())
	assert.Empty(t, m.Scans())
	now = now.Add(time.Minute)
	scans := m.Scans()
	require.Len(t, scans, 1)
	assert.Equal(t, 2000.0, scans[0].Params.Size.X)
	assert.Equal(t, now, scans[0].Timestamp)
	assert.Equal(t, message.ScopeFree, m.State())

	_, err := m.GetParam(ctx, "Nope")
	assert.Error(t, err)
	assert.Error(t, m.SetParam(ctx, "Nope", "1"))
	assert.Error(t, m.Execute(ctx, "Nope"))
}

func TestDriverUsesCapabilities(t *testing.T) {
	d, err := NewDriver(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	assert.True(t, d.Capabilities().HasParam("scan-size-x"))
	assert.Equal(t, control.RepSuccess, d.OnSetZCtrlParams(ctx, message.ZCtrlParameters{ProportionalGain: 2, IntegralGain: 1, Setpoint: 0.2}))

	z, err := d.PollZCtrlParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.ZCtrlParameters{ProportionalGain: 2, IntegralGain: 1, Setpoint: 0.2}, z)

	assert.Equal(t, control.RepParamInvalid, d.OnSetZCtrlParams(ctx, message.ZCtrlParameters{ProportionalGain: 500}))

	// Zero durations complete immediately.
	assert.Equal(t, control.RepSuccess, d.OnStartSpec(ctx))
	specs, err := d.PollSpecs(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	state, err := d.PollScopeState(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.ScopeFree, state)
	assert.Equal(t, control.RepSuccess, d.OnStopSpec(ctx))
}

func TestDriverCapabilityOverride(t *testing.T) {
	mapping := CapabilityConfig()
	delete(mapping.Params, device.ParamTipBias)
	d, err := NewDriver(Config{Capabilities: &mapping})
	require.NoError(t, err)
	assert.False(t, d.Capabilities().HasParam(device.ParamTipBias))
	assert.True(t, d.Capabilities().HasParam(device.ParamScanSizeX))

	delete(mapping.Actions, device.ActionStopScan)
	_, err = NewDriver(Config{Capabilities: &mapping})
	require.Error(t, err, "stop-scan is required")
}
