// Package driver defines the capability contract that every arm backend
// implements. The relay and recovery engine depend only on this
// interface, never on a concrete motor family.
package driver

import (
	"context"

	"github.com/armkit/armkit/pkg/joint"
)

// Arm is the closed capability surface of one physical arm: connect,
// read limits, read status, write, enable, disable, clear errors and
// restore control mode. All methods except Connect may return Retryable
// errors that callers treat as transient.
type Arm interface {
	// Connect performs the driver handshake. Failure here is fatal;
	// reconnection policy belongs to the supervision layer.
	Connect(ctx context.Context) error
	Close() error

	// ReadLimits returns the per-motor physical limits. Called once at
	// connect time.
	ReadLimits(ctx context.Context) (joint.Table, error)

	// ReadStatus returns a snapshot for all 7 motors, gripper last.
	ReadStatus(ctx context.Context) ([]MotorStatus, error)

	// WriteCommand sends a full wire-unit position command.
	WriteCommand(ctx context.Context, wire [joint.NumMotors]int32) error

	// EnableMotor enables a single motor by id (1..7).
	EnableMotor(ctx context.Context, id int) error

	// EnableAll issues the arm-wide enable command.
	EnableAll(ctx context.Context) error

	// ForceEnableAll is the last-resort direct enable of every motor,
	// used only after EnableAll retries are exhausted.
	ForceEnableAll(ctx context.Context) error

	// DisableAll drops torque on every motor without tearing down the
	// connection.
	DisableAll(ctx context.Context) error

	// ClearError clears the error register of a single motor (1..7).
	ClearError(ctx context.Context, id int) error

	// ClearAllErrors clears every joint error register globally.
	ClearAllErrors(ctx context.Context) error

	// ClearEmergencyStop resumes the arm from an emergency stop latch.
	ClearEmergencyStop(ctx context.Context) error

	// EnableGripper runs the gripper's dedicated enable+clear-error
	// command sequence.
	EnableGripper(ctx context.Context) error

	// MoveGripperToZero commands the gripper to its zero position.
	MoveGripperToZero(ctx context.Context) error

	// SetGripperZero latches the current gripper position as the zero
	// reference.
	SetGripperZero(ctx context.Context) error

	// RestoreControlMode re-establishes the low-latency control mode
	// used during teleoperation. Enable/disable cycling resets the
	// driver's control-mode register, so this runs after every
	// successful recovery.
	RestoreControlMode(ctx context.Context) error
}

// MotorIDs returns the 1-based motor ids of a full arm, gripper last.
func MotorIDs() []int {
	ids := make([]int, joint.NumMotors)
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

// GripperID is the 1-based id of the gripper motor.
const GripperID = joint.NumMotors
