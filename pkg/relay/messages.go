package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/armkit/armkit/pkg/joint"
)

// Command payloads are flat JSON objects keyed "<side>.<joint>.pos" (a
// "<side>_joint_<n>.pos" spelling is accepted too). Absent keys mean "no
// change" for that motor, so a sparse object is a partial command, not an
// error.

// ParseCommands decodes a command payload into per-side partial commands.
// Keys that don't address a known side or motor are skipped; only
// undecodable JSON is an error.
func ParseCommands(payload []byte) (map[string]joint.Command, error) {
	var raw map[string]float64
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	out := map[string]joint.Command{}
	for key, val := range raw {
		side, index, ok := parseKey(key)
		if !ok {
			continue
		}
		cmd := out[side]
		cmd.Set(index, val)
		out[side] = cmd
	}
	return out, nil
}

// parseKey resolves "<side>.<motor>.pos" or "<side>_<motor>.pos" into a
// side and motor index.
func parseKey(key string) (string, int, bool) {
	rest, ok := strings.CutSuffix(key, ".pos")
	if !ok {
		return "", 0, false
	}
	for _, side := range []string{"left", "right"} {
		tail, ok := strings.CutPrefix(rest, side)
		if !ok || len(tail) < 2 || (tail[0] != '.' && tail[0] != '_') {
			continue
		}
		if index, ok := joint.Aliases[tail[1:]]; ok {
			return side, index, true
		}
	}
	return "", 0, false
}

// Observation is one arm's normalized state for a publish cycle.
type Observation struct {
	Side string
	Pos  [joint.NumMotors]float64
	Vel  [joint.NumMotors]float64
	Load [joint.NumMotors]float64
}

// EncodeObservations flattens arm observations into the channel's key
// convention: "<side>.<joint>.pos" plus ".vel" and ".load" sub-fields
// for the arm joints.
func EncodeObservations(obs []Observation) ([]byte, error) {
	flat := make(map[string]float64, len(obs)*joint.NumMotors*3)
	for _, o := range obs {
		for i := 0; i < joint.NumMotors; i++ {
			name := o.Side + "." + joint.Name(i)
			flat[name+".pos"] = o.Pos[i]
			if i != joint.Gripper {
				flat[name+".vel"] = o.Vel[i]
				flat[name+".load"] = o.Load[i]
			}
		}
	}
	return json.Marshal(flat)
}

// Control is an out-of-band request on the enable channel. Two forms are
// accepted:
//
//	{"type": "enable", "arm": "left"|"right"|"both", "enable_mode": "partial"|"full"}
//	{"action": "status"|"reset"|"engage"|"disengage", "target": "left"|"right"|"both"}
type Control struct {
	Type       string `json:"type"`
	Arm        string `json:"arm"`
	EnableMode string `json:"enable_mode"`
	Motors     []int  `json:"motors,omitempty"`

	Action string `json:"action"`
	Target string `json:"target"`
}

// ParseControl decodes a control payload.
func ParseControl(payload []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(payload, &c); err != nil {
		return Control{}, fmt.Errorf("decode control: %w", err)
	}
	return c, nil
}

// Arms expands the request's arm selector against the known sides.
func (c Control) Arms() []string {
	sel := c.Arm
	if sel == "" {
		sel = c.Target
	}
	switch strings.ToLower(sel) {
	case "left":
		return []string{"left"}
	case "right":
		return []string{"right"}
	case "both", "":
		return []string{"left", "right"}
	}
	return nil
}
