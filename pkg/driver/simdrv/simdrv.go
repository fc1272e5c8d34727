// Package simdrv is an in-memory arm backend with fault injection. It
// backs the test suites and the dry-run serve mode, where no hardware is
// on the bus.
package simdrv

import (
	"context"
	"errors"
	"sync"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/joint"
)

type motor struct {
	enabled bool
	faults  driver.Fault
	pos     int32

	// enableAfter makes EnableMotor fail this many times before taking
	// effect, to exercise bounded retry loops.
	enableAfter int
	// sticky faults survive ClearError, modelling a fault the hardware
	// keeps re-raising until a full reset.
	sticky bool
}

// Sim is a simulated arm. The zero value is not usable; use New.
type Sim struct {
	mu     sync.Mutex
	motors [joint.NumMotors]motor
	limits joint.Table

	connected   bool
	controlMode bool
	estop       bool

	// failEnableAll makes EnableAll fail this many times before
	// succeeding.
	failEnableAll int

	// Counters observed by tests.
	writes        int
	enableCalls   int
	clearCalls    int
	restoreCalls  int
	forceEnableOK bool
}

// Option tweaks the simulated arm before use.
type Option func(*Sim)

// WithLimits substitutes the limit table the sim reports.
func WithLimits(t joint.Table) Option {
	return func(s *Sim) { s.limits = t }
}

// WithDegenerateLimits makes ReadLimits report an all-zero table, as a
// driver does when its parameter table is not yet populated.
func WithDegenerateLimits() Option {
	return func(s *Sim) { s.limits = joint.Table{} }
}

// New returns a connected-ready sim with all motors enabled and healthy.
func New(opts ...Option) *Sim {
	s := &Sim{limits: joint.DefaultTable()}
	for i := range s.motors {
		s.motors[i].enabled = true
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	s.controlMode = true
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Sim) ReadLimits(ctx context.Context) (joint.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits, nil
}

func (s *Sim) ReadStatus(ctx context.Context) ([]driver.MotorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]driver.MotorStatus, joint.NumMotors)
	for i, m := range s.motors {
		out[i] = driver.MotorStatus{
			ID:       i + 1,
			Enabled:  m.enabled,
			Faults:   m.faults,
			Position: m.pos,
		}
	}
	return out, nil
}

func (s *Sim) WriteCommand(ctx context.Context, wire [joint.NumMotors]int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return driver.Fatal("sim write", errors.New("not connected"))
	}
	s.writes++
	for i := range s.motors {
		if s.motors[i].enabled {
			s.motors[i].pos = wire[i]
		}
	}
	return nil
}

func (s *Sim) EnableMotor(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enableCalls++
	m := &s.motors[id-1]
	if m.enableAfter > 0 {
		m.enableAfter--
		return nil // command accepted, motor stays down; caller re-reads status
	}
	m.enabled = true
	return nil
}

func (s *Sim) EnableAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enableCalls++
	if s.failEnableAll > 0 {
		s.failEnableAll--
		return driver.Retryable("sim enable all", errors.New("arm not responding"))
	}
	for i := range s.motors {
		s.motors[i].enabled = true
		s.motors[i].faults = 0
		s.motors[i].sticky = false
	}
	return nil
}

func (s *Sim) ForceEnableAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceEnableOK = true
	for i := range s.motors {
		s.motors[i].enabled = true
		s.motors[i].faults = 0
		s.motors[i].sticky = false
	}
	return nil
}

func (s *Sim) DisableAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.motors {
		s.motors[i].enabled = false
	}
	return nil
}

func (s *Sim) ClearError(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	if !s.motors[id-1].sticky {
		s.motors[id-1].faults = 0
	}
	return nil
}

func (s *Sim) ClearAllErrors(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	for i := range s.motors {
		if !s.motors[i].sticky {
			s.motors[i].faults = 0
		}
	}
	return nil
}

func (s *Sim) ClearEmergencyStop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estop = false
	return nil
}

func (s *Sim) EnableGripper(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &s.motors[joint.Gripper]
	g.enabled = true
	if !g.sticky {
		g.faults = 0
	}
	return nil
}

func (s *Sim) MoveGripperToZero(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[joint.Gripper].pos = 0
	return nil
}

func (s *Sim) SetGripperZero(ctx context.Context) error { return nil }

func (s *Sim) RestoreControlMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreCalls++
	s.controlMode = true
	return nil
}

// --- fault injection and test observation ---

// SetEnabled overrides a motor's enabled flag.
func (s *Sim) SetEnabled(id int, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[id-1].enabled = enabled
}

// InjectFault raises fault flags on a motor. Sticky faults survive
// per-motor error clears and only go away on an arm-wide enable/reset.
func (s *Sim) InjectFault(id int, f driver.Fault, sticky bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[id-1].faults |= f
	s.motors[id-1].sticky = sticky
}

// FailEnableMotor makes the next n EnableMotor calls for a motor be
// accepted without effect.
func (s *Sim) FailEnableMotor(id, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motors[id-1].enableAfter = n
	s.motors[id-1].enabled = false
}

// FailEnableAll makes the next n arm-wide enables return a retryable
// error.
func (s *Sim) FailEnableAll(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failEnableAll = n
}

// Writes returns how many position commands reached the bus.
func (s *Sim) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// EnableCalls returns how many enable commands were issued.
func (s *Sim) EnableCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enableCalls
}

// RestoreCalls returns how many control-mode restorations were issued.
func (s *Sim) RestoreCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreCalls
}

// Position returns a motor's current wire position.
func (s *Sim) Position(id int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.motors[id-1].pos
}

// ForceEnabled reports whether the last-resort force enable was used.
func (s *Sim) ForceEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceEnableOK
}
