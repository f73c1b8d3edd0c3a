package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_KnowsEveryDefault(t *testing.T) {
	for _, sample := range Defaults() {
		created := Factory(sample.MessageType())
		require.NotNil(t, created, sample.MessageType())
		assert.Equal(t, sample.MessageType(), created.MessageType())
	}
	assert.Nil(t, Factory("Nope"))
}

func TestScopeState_TextRoundTrip(t *testing.T) {
	data, err := json.Marshal(&ScopeStateMsg{State: ScopeInterrupted})
	require.NoError(t, err)
	assert.JSONEq(t, `{"scope_state":"SS_INTERRUPTED"}`, string(data))

	var msg ScopeStateMsg
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, ScopeInterrupted, msg.State)

	assert.Error(t, json.Unmarshal([]byte(`{"scope_state":"SS_BOGUS"}`), &msg))
	assert.True(t, ScopeSpec.IsCollecting())
	assert.False(t, ScopeMoving.IsCollecting())
}

func TestParseControlMode(t *testing.T) {
	mode, err := ParseControlMode("CM_PROBLEM")
	require.NoError(t, err)
	assert.Equal(t, ModeProblem, mode)

	mode, err = ParseControlMode("manual")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, mode)

	mode, err = ParseControlMode("AUTOMATED")
	require.NoError(t, err)
	assert.Equal(t, ModeAutomated, mode)

	_, err = ParseControlMode("chaos")
	assert.Error(t, err)
}

func TestControlState_Validate(t *testing.T) {
	assert.NoError(t, (&ControlState{Mode: ModeAutomated}).Validate())
	assert.NoError(t, (&ControlState{Mode: ModeProblem, Problems: []ExperimentProblem{ProblemTipShapeChanged}}).Validate())
	assert.Error(t, (&ControlState{Mode: ModeProblem}).Validate())
	assert.Error(t, (&ControlState{Mode: ModeManual, Problems: []ExperimentProblem{ProblemTipShapeChanged}}).Validate())
}

func TestControlState_EqualIgnoresProblemOrder(t *testing.T) {
	a := &ControlState{Mode: ModeProblem, Problems: []ExperimentProblem{"A", "B"}}
	b := &ControlState{Mode: ModeProblem, Problems: []ExperimentProblem{"B", "A"}}
	assert.True(t, a.Equal(b))

	c := b.Clone()
	c.ClientInControlID = "fixer"
	assert.False(t, a.Equal(c))
	assert.Empty(t, b.ClientInControlID, "clone must not alias")

	var nilState *ControlState
	assert.False(t, a.Equal(nilState))
	assert.True(t, nilState.Equal(nil))
}

func TestScan2d_Validate(t *testing.T) {
	scan := &Scan2d{Params: ScanParameters2d{Resolution: Resolution{X: 2, Y: 2}}, Values: []float64{1, 2, 3, 4}}
	assert.NoError(t, scan.Validate())

	scan.Values = scan.Values[:3]
	assert.Error(t, scan.Validate())

	bad := &ScanParameters2d{Size: Size2d{X: -1}}
	assert.Error(t, bad.Validate())
}

func TestSpec1d_Validate(t *testing.T) {
	spec := &Spec1d{Names: []string{"V", "I"}, Units: []string{"V", "A"}, Values: [][]float64{{0, 1}, {1, 2}}}
	assert.NoError(t, spec.Validate())

	spec.Values = append(spec.Values, []float64{1})
	assert.Error(t, spec.Validate())
}

func TestParameterMsg(t *testing.T) {
	assert.Error(t, (&ParameterMsg{}).Validate())
	get := &ParameterMsg{Parameter: "scan-speed"}
	assert.False(t, get.IsSet())
	set := &ParameterMsg{Parameter: "scan-speed", Value: "1.5", Units: "um/s"}
	assert.True(t, set.IsSet())
}
