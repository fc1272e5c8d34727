// Package session owns the per-arm connection lifecycle and the last
// known good command cache that partial commands fall back to.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/joint"
)

// State is the connection lifecycle of an arm session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Session is one arm's connection plus its mutable last-valid-command
// cache. The cache is updated only by the relay (after a successful
// apply) or by the recovery engine, both under the session lock.
type Session struct {
	name string
	drv  driver.Arm
	log  *zap.Logger

	mu         sync.Mutex
	state      State
	limits     joint.Table
	last       [joint.NumMotors]float64
	recovering bool

	// busMu serializes driver access between the relay loop and the
	// recovery engine. The engine holds it for a whole recovery run; the
	// relay's per-cycle reads and writes take it with TryLock and skip
	// the arm when it is held, so no two goroutines ever interleave
	// frames on one bus.
	busMu sync.Mutex
}

// Connect dials the driver and reads the limit table. A handshake
// failure is fatal: connection is a precondition, not retried here.
// Degenerate (all-zero) limits are replaced by the documented default
// table so normalized commands don't collapse to zero physical units.
func Connect(ctx context.Context, name string, drv driver.Arm, inversions []int, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		name:  name,
		drv:   drv,
		log:   log.With(zap.String("arm", name)),
		state: Connecting,
	}

	if err := drv.Connect(ctx); err != nil {
		s.state = Disconnected
		return nil, fmt.Errorf("connect %s arm: %w", name, err)
	}

	limits, err := drv.ReadLimits(ctx)
	if err != nil {
		drv.Close()
		s.state = Disconnected
		return nil, fmt.Errorf("read %s arm limits: %w", name, err)
	}
	if limits.Degenerate() {
		s.log.Warn("driver reported all-zero joint limits, substituting default table")
		limits = joint.DefaultTable()
	}
	if inversions != nil {
		limits.ApplyInversions(inversions)
	}

	s.limits = limits
	s.state = Connected
	// Seed the cache at the joint midpoints with a half-open gripper, so
	// the very first partial command has something safe to merge over.
	s.last = [joint.NumMotors]float64{joint.Gripper: 50}

	s.log.Info("arm connected")
	return s, nil
}

// Name returns the arm side this session controls.
func (s *Session) Name() string { return s.name }

// Driver exposes the underlying arm for the recovery engine. Holders
// must have acquired the recovery lock first.
func (s *Session) Driver() driver.Arm { return s.drv }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Limits returns the immutable limit table read at connect time.
func (s *Session) Limits() joint.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// Merge fills the motors missing from a partial command with the last
// known good values. It does not commit; call Commit after the merged
// command was applied to the driver.
func (s *Session) Merge(cmd joint.Command) [joint.NumMotors]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cmd.Merge(s.last)
}

// Commit records a successfully applied full command as the new
// fallback for future partial commands.
func (s *Session) Commit(full [joint.NumMotors]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = full
}

// Last returns a copy of the last valid command.
func (s *Session) Last() [joint.NumMotors]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ReadStatus polls the driver for a status snapshot. When the recovery
// engine holds the driver the read is skipped and the second return is
// false; the relay resumes on a later cycle.
func (s *Session) ReadStatus(ctx context.Context) ([]driver.MotorStatus, bool, error) {
	if !s.busMu.TryLock() {
		return nil, false, nil
	}
	defer s.busMu.Unlock()
	statuses, err := s.drv.ReadStatus(ctx)
	return statuses, true, err
}

// WriteCommand sends a wire-unit command to the driver. The write is
// skipped, returning false, when the recovery engine holds the driver.
func (s *Session) WriteCommand(ctx context.Context, wire [joint.NumMotors]int32) (bool, error) {
	if !s.busMu.TryLock() {
		return false, nil
	}
	defer s.busMu.Unlock()
	return true, s.drv.WriteCommand(ctx, wire)
}

// SetEngaged enables or disables all motors without tearing down the
// connection. It waits for the driver if a recovery run holds it.
func (s *Session) SetEngaged(ctx context.Context, engaged bool) error {
	s.busMu.Lock()
	defer s.busMu.Unlock()
	if engaged {
		return s.drv.EnableAll(ctx)
	}
	return s.drv.DisableAll(ctx)
}

// BeginRecovery acquires the per-arm exclusive recovery lock, including
// the driver handle. While held, the relay rejects commands for this arm
// and skips its status reads: touching an arm mid-recovery is unsafe,
// and two goroutines on one bus corrupt frames. Returns false if a
// recovery is already running.
func (s *Session) BeginRecovery() bool {
	s.mu.Lock()
	if s.recovering {
		s.mu.Unlock()
		return false
	}
	s.recovering = true
	s.mu.Unlock()

	s.busMu.Lock()
	return true
}

// EndRecovery releases the recovery lock and the driver handle.
func (s *Session) EndRecovery() {
	s.busMu.Unlock()
	s.mu.Lock()
	s.recovering = false
	s.mu.Unlock()
}

// Recovering reports whether a recovery sequence holds the arm.
func (s *Session) Recovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovering
}

// Close disconnects the arm. If disengage is set the motors are dropped
// first; the default is to leave them in their last commanded state so
// the arm doesn't fall uncontrolled.
func (s *Session) Close(ctx context.Context, disengage bool) error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return nil
	}
	s.state = Disconnected
	s.mu.Unlock()

	if disengage {
		if s.busMu.TryLock() {
			if err := s.drv.DisableAll(ctx); err != nil {
				s.log.Warn("disable on close failed", zap.Error(err))
			}
			s.busMu.Unlock()
		} else {
			s.log.Warn("disable on close skipped, recovery still holds the driver")
		}
	}
	if err := s.drv.Close(); err != nil {
		return fmt.Errorf("close %s arm: %w", s.name, err)
	}
	s.log.Info("arm disconnected")
	return nil
}
