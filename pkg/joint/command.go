package joint

// Command is a normalized joint command for one arm: up to 7 values
// (6 joints in [-100,100] plus gripper in [0,100]). A command that sets
// fewer than 7 motors is partial, not malformed; missing motors mean
// "no change".
type Command struct {
	values  [NumMotors]float64
	present [NumMotors]bool
}

// Full builds a complete command from all 7 values.
func Full(values [NumMotors]float64) Command {
	c := Command{values: values}
	for i := range c.present {
		c.present[i] = true
	}
	return c
}

// Set records a value for one motor.
func (c *Command) Set(index int, v float64) {
	if index < 0 || index >= NumMotors {
		return
	}
	c.values[index] = v
	c.present[index] = true
}

// Value returns the value for a motor and whether it was set.
func (c Command) Value(index int) (float64, bool) {
	if index < 0 || index >= NumMotors {
		return 0, false
	}
	return c.values[index], c.present[index]
}

// Empty reports whether no motor was set.
func (c Command) Empty() bool {
	for _, p := range c.present {
		if p {
			return false
		}
	}
	return true
}

// Merge overlays this command onto a base of last known good values and
// returns the resulting full command. Motors absent from the command keep
// their base value, which is what prevents unspecified joints from
// snapping to zero.
func (c Command) Merge(base [NumMotors]float64) [NumMotors]float64 {
	out := base
	for i, p := range c.present {
		if p {
			out[i] = c.values[i]
		}
	}
	return out
}
