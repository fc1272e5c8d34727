package joint

// Limits holds the physical range and wire encoding for a single motor,
// read from the driver once at connect time.
type Limits struct {
	Min       float64 // physical minimum (degrees, or mm for the gripper)
	Max       float64 // physical maximum
	Invert    bool    // sign flip applied after scaling, before wire conversion
	WireScale float64 // physical -> wire multiplier (1000 for 0.001 deg, 10000 for 0.0001 mm)
	Gripper   bool    // gripper motors normalize over [0,100] instead of [-100,100]
}

// Physical converts a normalized value to physical units. Joints map
// [-100,100] onto [Min,Max], the gripper maps [0,100].
func (l Limits) Physical(norm float64) float64 {
	if l.Gripper {
		return l.Min + (l.Max-l.Min)*norm/100
	}
	return l.Min + (l.Max-l.Min)*(norm+100)/200
}

// Normalized is the inverse of Physical. Degenerate ranges normalize to 0
// rather than dividing by zero.
func (l Limits) Normalized(phys float64) float64 {
	span := l.Max - l.Min
	if span == 0 {
		return 0
	}
	if l.Gripper {
		return (phys - l.Min) / span * 100
	}
	return (phys-l.Min)/span*200 - 100
}

// Clamp bounds a physical value to [Min,Max] and reports whether it was
// out of range.
func (l Limits) Clamp(phys float64) (float64, bool) {
	switch {
	case phys < l.Min:
		return l.Min, true
	case phys > l.Max:
		return l.Max, true
	}
	return phys, false
}

// Wire converts a clamped physical value to integer wire units, applying
// the inversion convention.
func (l Limits) Wire(phys float64) int32 {
	if l.Invert {
		phys = -phys
	}
	return int32(phys * l.WireScale)
}

// FromWire converts wire units back to physical units, undoing the
// inversion.
func (l Limits) FromWire(w int32) float64 {
	phys := float64(w) / l.WireScale
	if l.Invert {
		phys = -phys
	}
	return phys
}

// Table holds limits for all motors of one arm, indexed by motor.
type Table [NumMotors]Limits

// ClampEvent records a command value that had to be bounded before being
// sent to hardware. Reported for diagnostics, never fatal.
type ClampEvent struct {
	Motor         int
	Before, After float64 // physical units
}

// Wire converts a full normalized command to wire units, clamping each
// value to its physical range. Returned events describe every clamp that
// occurred.
func (t Table) Wire(norm [NumMotors]float64) ([NumMotors]int32, []ClampEvent) {
	var wire [NumMotors]int32
	var events []ClampEvent
	for i, l := range t {
		phys := l.Physical(norm[i])
		bounded, clamped := l.Clamp(phys)
		if clamped {
			events = append(events, ClampEvent{Motor: i, Before: phys, After: bounded})
		}
		wire[i] = l.Wire(bounded)
	}
	return wire, events
}

// Norm converts wire units back to normalized values, the inverse of Wire
// up to integer truncation.
func (t Table) Norm(wire [NumMotors]int32) [NumMotors]float64 {
	var norm [NumMotors]float64
	for i, l := range t {
		norm[i] = l.Normalized(l.FromWire(wire[i]))
	}
	return norm
}

// Degenerate reports whether every motor range collapsed to zero, which
// happens when a driver answers the limits read before its parameter
// table is populated.
func (t Table) Degenerate() bool {
	for _, l := range t {
		if l.Min != 0 || l.Max != 0 {
			return false
		}
	}
	return true
}

// DefaultTable is the documented fallback limit table, substituted when a
// driver reports degenerate limits. Values follow the Piper arm parameter
// set: joint ranges in degrees, gripper stroke in millimeters.
func DefaultTable() Table {
	return Table{
		{Min: -154, Max: 154, Invert: true, WireScale: 1000},
		{Min: 0, Max: 195, WireScale: 1000},
		{Min: -175, Max: 0, WireScale: 1000},
		{Min: -106, Max: 106, Invert: true, WireScale: 1000},
		{Min: -75, Max: 75, WireScale: 1000},
		{Min: -100, Max: 100, Invert: true, WireScale: 1000},
		{Min: 0, Max: 70, WireScale: 10000, Gripper: true},
	}
}

// ApplyInversions overwrites the inversion flags from a configured index
// set. Inversion conventions differ per physical arm calibration, so the
// table is configuration, not law.
func (t *Table) ApplyInversions(indices []int) {
	for i := range t {
		t[i].Invert = false
	}
	for _, i := range indices {
		if i >= 0 && i < NumMotors {
			t[i].Invert = true
		}
	}
}
