// Package health classifies raw motor diagnostics into the three states
// the recovery engine acts on.
package health

import "github.com/armkit/armkit/pkg/driver"

// Class is the health classification of a single motor.
type Class int

const (
	// Healthy: enabled with a clean fault register.
	Healthy Class = iota
	// NeedsEnable: the motor reports disabled and must be re-enabled.
	NeedsEnable
	// Zombie: the motor reports enabled while a fault flag is set. The
	// dangerous case: the driver believes the motor is ready to move
	// while it is in a bad internal state.
	Zombie
)

func (c Class) String() string {
	switch c {
	case Healthy:
		return "healthy"
	case NeedsEnable:
		return "needs_enable"
	case Zombie:
		return "zombie"
	}
	return "unknown"
}

// Classify maps one motor snapshot to its health class. Gripper motors
// are checked against the reduced flag set they can actually report.
func Classify(s driver.MotorStatus) Class {
	faults := s.Faults
	if s.Gripper() {
		faults &= driver.GripperFaults
	}
	if !s.Enabled {
		return NeedsEnable
	}
	if faults != 0 {
		return Zombie
	}
	return Healthy
}

// ClassifyAll classifies a full arm snapshot, keyed by motor id.
func ClassifyAll(statuses []driver.MotorStatus) map[int]Class {
	out := make(map[int]Class, len(statuses))
	for _, s := range statuses {
		out[s.ID] = Classify(s)
	}
	return out
}

// AllHealthy reports whether every motor in the snapshot is Healthy.
func AllHealthy(statuses []driver.MotorStatus) bool {
	for _, s := range statuses {
		if Classify(s) != Healthy {
			return false
		}
	}
	return true
}

// Unhealthy filters a snapshot down to the motors that need attention.
func Unhealthy(statuses []driver.MotorStatus) []driver.MotorStatus {
	var out []driver.MotorStatus
	for _, s := range statuses {
		if Classify(s) != Healthy {
			out = append(out, s)
		}
	}
	return out
}
