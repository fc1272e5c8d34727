package driver

import "strings"

// Fault is a bit set of named motor fault conditions, matching the
// diagnostic flags exposed by the motor FOC status registers. A flag a
// backend cannot read simply stays unset; absence is not itself a fault.
type Fault uint32

const (
	HasError Fault = 1 << iota
	Collision
	Stall
	DriverOverheating
	MotorOverheating
	Overcurrent
	VoltageTooLow
	VoltageTooHigh
	DriverFault
	MotorFault
	CommunicationError
	WatchdogTriggered
	EmergencyStop
)

// GripperFaults is the reduced flag set a gripper motor can report: no
// collision or stall sensing.
const GripperFaults = ^(Collision | Stall)

var faultNames = []struct {
	bit  Fault
	name string
}{
	{HasError, "has_error"},
	{Collision, "collision"},
	{Stall, "stall"},
	{DriverOverheating, "driver_overheating"},
	{MotorOverheating, "motor_overheating"},
	{Overcurrent, "overcurrent"},
	{VoltageTooLow, "voltage_too_low"},
	{VoltageTooHigh, "voltage_too_high"},
	{DriverFault, "driver_fault"},
	{MotorFault, "motor_fault"},
	{CommunicationError, "communication_error"},
	{WatchdogTriggered, "watchdog_triggered"},
	{EmergencyStop, "emergency_stop"},
}

// Has reports whether any of the given flags are set.
func (f Fault) Has(flags Fault) bool { return f&flags != 0 }

// Names returns the set flag names, for logs and failure reports.
func (f Fault) Names() []string {
	var out []string
	for _, fn := range faultNames {
		if f&fn.bit != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

func (f Fault) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), ",")
}

// MotorStatus is a per-motor snapshot produced on every poll. Position is
// in wire units; velocity, load and temperature are in driver-native
// units where available and zero otherwise.
type MotorStatus struct {
	ID          int // 1-based, gripper last
	Enabled     bool
	Faults      Fault
	Position    int32
	Velocity    float64
	Load        float64
	Temperature float64
}

// Gripper reports whether this status belongs to the gripper motor.
func (s MotorStatus) Gripper() bool { return s.ID == GripperID }
