package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armkit/armkit/pkg/joint"
)

func TestParseCommands(t *testing.T) {
	payload := []byte(`{
		"left.joint_0.pos": 12.5,
		"left.gripper.pos": 80,
		"right_joint_3.pos": -40,
		"right.shoulder_pan.pos": 5,
		"left.joint_1.vel": 99,
		"middle.joint_0.pos": 1,
		"left.bogus.pos": 1
	}`)

	cmds, err := ParseCommands(payload)
	require.NoError(t, err)

	left := cmds["left"]
	v, ok := left.Value(0)
	require.True(t, ok)
	assert.Equal(t, 12.5, v)
	v, ok = left.Value(joint.Gripper)
	require.True(t, ok)
	assert.Equal(t, 80.0, v)
	_, ok = left.Value(1)
	assert.False(t, ok, "non-.pos keys are not commands")

	right := cmds["right"]
	v, ok = right.Value(3)
	require.True(t, ok, "underscore spelling must be accepted")
	assert.Equal(t, -40.0, v)
	v, ok = right.Value(0)
	require.True(t, ok, "joint name aliases must be accepted")
	assert.Equal(t, 5.0, v)

	_, known := cmds["middle"]
	assert.False(t, known, "unknown sides are skipped")
}

func TestParseCommands_MalformedJSON(t *testing.T) {
	_, err := ParseCommands([]byte(`{"left.joint_0.pos": `))
	assert.Error(t, err)
}

func TestParseCommands_UnknownKeysOnlyIsEmptyNotError(t *testing.T) {
	cmds, err := ParseCommands([]byte(`{"timestamp": 17234.5}`))
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestEncodeObservations(t *testing.T) {
	obs := []Observation{{
		Side: "left",
		Pos:  [joint.NumMotors]float64{1, 2, 3, 4, 5, 6, 50},
		Vel:  [joint.NumMotors]float64{0.1, 0, 0, 0, 0, 0, 9},
		Load: [joint.NumMotors]float64{0.5, 0, 0, 0, 0, 0, 9},
	}}

	payload, err := EncodeObservations(obs)
	require.NoError(t, err)

	var flat map[string]float64
	require.NoError(t, json.Unmarshal(payload, &flat))

	assert.Equal(t, 1.0, flat["left.joint_0.pos"])
	assert.Equal(t, 0.1, flat["left.joint_0.vel"])
	assert.Equal(t, 0.5, flat["left.joint_0.load"])
	assert.Equal(t, 50.0, flat["left.gripper.pos"])
	_, hasVel := flat["left.gripper.vel"]
	assert.False(t, hasVel, "gripper publishes position only")
}

func TestControl_Arms(t *testing.T) {
	tests := []struct {
		ctl      Control
		expected []string
	}{
		{Control{Arm: "left"}, []string{"left"}},
		{Control{Arm: "RIGHT"}, []string{"right"}},
		{Control{Arm: "both"}, []string{"left", "right"}},
		{Control{}, []string{"left", "right"}},
		{Control{Action: "status", Target: "right"}, []string{"right"}},
		{Control{Arm: "up"}, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.ctl.Arms(), "%+v", tt.ctl)
	}
}

func TestParseControl(t *testing.T) {
	ctl, err := ParseControl([]byte(`{"type":"enable","arm":"both","enable_mode":"full","motors":[2,3]}`))
	require.NoError(t, err)
	assert.Equal(t, "enable", ctl.Type)
	assert.Equal(t, "full", ctl.EnableMode)
	assert.Equal(t, []int{2, 3}, ctl.Motors)

	_, err = ParseControl([]byte(`enable please`))
	assert.Error(t, err)
}
