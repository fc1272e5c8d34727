// Package joint converts between normalized joint commands and the
// physical/wire units an arm driver expects.
package joint

// Motor indices within a single arm. Index 0-5 are arm joints, index 6
// is the gripper.
const (
	NumJoints = 6
	NumMotors = 7
	Gripper   = 6
)

// Name returns the canonical key name for a motor index, as used on the
// command and observation channels ("joint_0" .. "joint_5", "gripper").
func Name(index int) string {
	if index == Gripper {
		return "gripper"
	}
	return "joint_" + string(rune('0'+index))
}

// Aliases maps alternative key names accepted on the command channel to
// motor indices. Teleoperators speak either joint numbers or the
// SO-101-style joint names.
var Aliases = map[string]int{
	"joint_0":       0,
	"joint_1":       1,
	"joint_2":       2,
	"joint_3":       3,
	"joint_4":       4,
	"joint_5":       5,
	"joint_6":       6,
	"gripper":       6,
	"shoulder_pan":  0,
	"shoulder_lift": 1,
	"elbow_flex":    2,
	"wrist_flex":    4,
	"wrist_roll":    5,
}
