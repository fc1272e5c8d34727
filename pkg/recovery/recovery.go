// Package recovery drives a faulted arm back to a teleoperation-ready
// state: diagnose, re-enable (per motor or arm-wide), verify, restore
// the control mode.
package recovery

import (
	"context"
	"time"
)

// Mode selects how aggressively an enable request is executed.
type Mode int

const (
	// ModePartial re-enables only the motors flagged unhealthy.
	ModePartial Mode = iota
	// ModeFull clears and re-enables the entire arm unconditionally.
	ModeFull
)

func (m Mode) String() string {
	if m == ModeFull {
		return "full"
	}
	return "partial"
}

// ParseMode maps the wire-format mode strings; anything unrecognized
// falls back to the given default.
func ParseMode(s string, def Mode) Mode {
	switch s {
	case "partial":
		return ModePartial
	case "full":
		return ModeFull
	}
	return def
}

// State names the recovery engine's phases.
type State string

const (
	StateIdle           State = "idle"
	StateDiagnosing     State = "diagnosing"
	StatePartialRecover State = "partial_recover"
	StateFullReset      State = "full_reset"
	StateVerifying      State = "verifying"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Request is a single enable request, consumed once.
type Request struct {
	Arm    string // "left", "right" or "both"; fan-out happens in the caller
	Mode   Mode
	Motors []int // optional explicit subset of 1-based motor ids
}

// Policy bounds the retry loops. All delays and limits live here so call
// sites carry no inline magic numbers; tests zero the delays.
type Policy struct {
	// MaxAttempts bounds both the per-motor and the arm-wide enable
	// retry loops.
	MaxAttempts int
	// RetryDelay is the fixed pause between enable attempts.
	RetryDelay time.Duration
	// CooldownEvery inserts CooldownDelay after every N attempts to
	// keep retries from saturating the bus.
	CooldownEvery int
	CooldownDelay time.Duration
	// StabilizeDelay follows each successfully enabled motor before the
	// next one is attempted, so the voltage droop of one enable doesn't
	// fault its neighbours.
	StabilizeDelay time.Duration
	// SettleDelay follows error-clearing and e-stop commands.
	SettleDelay time.Duration
	// GripperTravelDelay covers the gripper's move-to-zero travel during
	// a full reset.
	GripperTravelDelay time.Duration
}

// DefaultPolicy mirrors the timings the arms were commissioned with.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        100,
		RetryDelay:         100 * time.Millisecond,
		CooldownEvery:      5,
		CooldownDelay:      200 * time.Millisecond,
		StabilizeDelay:     500 * time.Millisecond,
		SettleDelay:        500 * time.Millisecond,
		GripperTravelDelay: 1500 * time.Millisecond,
	}
}

// sleep pauses for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
