package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/health"
	"github.com/armkit/armkit/pkg/joint"
	"github.com/armkit/armkit/pkg/session"
)

// escalationFaults force a full reset regardless of the requested mode.
// Enabling motors one by one under collision or thermal faults risks
// cascading failures: one joint moves while its neighbours stay faulted.
const escalationFaults = driver.Collision | driver.MotorOverheating

// Result reports the terminal state of one recovery run.
type Result struct {
	State     State
	FinalMode Mode
	// Unresolved carries the final snapshot of every motor that is
	// still not Healthy when the engine gives up, including its fault
	// flags, so the operator sees exactly what is wrong.
	Unresolved []driver.MotorStatus
	Err        error
}

// OK reports whether the run ended in Done.
func (r Result) OK() bool { return r.State == StateDone }

// Engine executes enable requests against one arm at a time. It is safe
// for concurrent use; per-arm exclusivity comes from the session's
// recovery lock.
type Engine struct {
	policy Policy
	log    *zap.Logger
}

// NewEngine builds an engine with the given retry policy.
func NewEngine(policy Policy, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.CooldownEvery <= 0 {
		policy.CooldownEvery = DefaultPolicy().CooldownEvery
	}
	return &Engine{policy: policy, log: log}
}

// Run drives one arm through the recovery state machine. It acquires the
// session's recovery lock for the whole sequence; the relay rejects
// commands for the arm until the lock is released.
func (e *Engine) Run(ctx context.Context, s *session.Session, req Request) Result {
	if !s.BeginRecovery() {
		return Result{State: StateFailed, FinalMode: req.Mode,
			Err: fmt.Errorf("%s arm: %w", s.Name(), ErrBusy)}
	}
	defer s.EndRecovery()

	log := e.log.With(zap.String("arm", s.Name()), zap.String("requested_mode", req.Mode.String()))
	drv := s.Driver()

	// Diagnosing.
	log.Info("recovery started", zap.String("state", string(StateDiagnosing)))
	statuses, err := drv.ReadStatus(ctx)
	if err != nil {
		return Result{State: StateFailed, FinalMode: req.Mode, Err: fmt.Errorf("diagnose: %w", err)}
	}
	targets := e.selectTargets(statuses, req.Motors)
	if len(targets) == 0 {
		// Idempotent no-op: every targeted motor is already healthy.
		log.Info("all motors healthy, nothing to recover", zap.String("state", string(StateDone)))
		return Result{State: StateDone, FinalMode: req.Mode}
	}

	mode := req.Mode
	if esc := escalatedBy(targets); esc != 0 && mode == ModePartial {
		log.Warn("escalating to full reset",
			zap.String("reason", esc.String()))
		mode = ModeFull
	}

	// PartialRecover, possibly escalating to FullReset mid-flight.
	if mode == ModePartial {
		log.Info("recovering flagged motors", zap.String("state", string(StatePartialRecover)),
			zap.Ints("motors", motorIDs(targets)))
		escalate, err := e.partialRecover(ctx, drv, targets, log)
		if err != nil {
			return Result{State: StateFailed, FinalMode: mode, Err: err}
		}
		if escalate {
			log.Warn("partial recovery exhausted, escalating to full reset")
			mode = ModeFull
		}
	}

	if mode == ModeFull {
		log.Info("resetting arm", zap.String("state", string(StateFullReset)))
		if err := e.fullReset(ctx, drv, log); err != nil {
			return Result{State: StateFailed, FinalMode: mode, Err: err}
		}
	}

	// Verifying.
	log.Info("verifying", zap.String("state", string(StateVerifying)))
	final, err := drv.ReadStatus(ctx)
	if err != nil {
		return Result{State: StateFailed, FinalMode: mode, Err: fmt.Errorf("verify: %w", err)}
	}
	var unresolved []driver.MotorStatus
	if mode == ModeFull {
		// A full reset must leave all 6 joints plus the gripper healthy.
		unresolved = health.Unhealthy(final)
	} else {
		unresolved = e.unresolvedTargets(final, targets)
	}
	if len(unresolved) > 0 {
		for _, m := range unresolved {
			log.Error("motor not recovered",
				zap.Int("motor", m.ID),
				zap.Bool("enabled", m.Enabled),
				zap.Strings("faults", m.Faults.Names()))
		}
		return Result{State: StateFailed, FinalMode: mode, Unresolved: unresolved,
			Err: fmt.Errorf("%d motor(s) still unhealthy after %s recovery", len(unresolved), mode)}
	}

	if mode == ModeFull {
		// The reset physically moved the gripper to zero. Keep the
		// command cache coherent, or the next gripper-less command would
		// merge the pre-fault value and snap the gripper back.
		last := s.Last()
		last[joint.Gripper] = 0
		s.Commit(last)
	}

	// Done. Enable cycling reset the control-mode register; restore the
	// low-latency mode used during teleoperation. If this fails the run
	// still counts as Done: teleoperation may work in the default mode.
	if err := drv.RestoreControlMode(ctx); err != nil {
		log.Warn("control mode restoration failed, teleoperation may be degraded", zap.Error(err))
	}
	log.Info("recovery complete", zap.String("state", string(StateDone)),
		zap.String("final_mode", mode.String()))
	return Result{State: StateDone, FinalMode: mode}
}

// selectTargets returns the unhealthy motors, restricted to an explicit
// subset when the request names one.
func (e *Engine) selectTargets(statuses []driver.MotorStatus, subset []int) []driver.MotorStatus {
	want := map[int]bool{}
	for _, id := range subset {
		want[id] = true
	}
	var out []driver.MotorStatus
	for _, s := range statuses {
		if len(subset) > 0 && !want[s.ID] {
			continue
		}
		if health.Classify(s) != health.Healthy {
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) unresolvedTargets(final []driver.MotorStatus, targets []driver.MotorStatus) []driver.MotorStatus {
	targeted := map[int]bool{}
	for _, t := range targets {
		targeted[t.ID] = true
	}
	var out []driver.MotorStatus
	for _, s := range final {
		if targeted[s.ID] && health.Classify(s) != health.Healthy {
			out = append(out, s)
		}
	}
	return out
}

// escalatedBy returns the fault flags among the targets that force a
// full reset, or 0.
func escalatedBy(targets []driver.MotorStatus) driver.Fault {
	var f driver.Fault
	for _, t := range targets {
		f |= t.Faults & escalationFaults
	}
	return f
}

// faultedIDs returns the ids of motors carrying fault flags, the ones
// whose error registers need clearing before an enable can stick.
func faultedIDs(statuses []driver.MotorStatus) []int {
	var out []int
	for _, s := range statuses {
		if s.Faults != 0 {
			out = append(out, s.ID)
		}
	}
	return out
}

func motorIDs(statuses []driver.MotorStatus) []int {
	ids := make([]int, len(statuses))
	for i, s := range statuses {
		ids[i] = s.ID
	}
	return ids
}

// partialRecover clears and re-enables each flagged motor individually.
// It returns escalate=true when a motor exhausts its attempts and the
// remainder should be handled by a full reset instead of declaring total
// failure.
func (e *Engine) partialRecover(ctx context.Context, drv driver.Arm, targets []driver.MotorStatus, log *zap.Logger) (bool, error) {
	var jointTargets []driver.MotorStatus
	gripperTarget := false
	for _, t := range targets {
		if t.Gripper() {
			gripperTarget = true
		} else {
			jointTargets = append(jointTargets, t)
		}
	}

	// Aggressive error clearing before any enable: resume from e-stop,
	// clear each flagged motor's register, then clear globally.
	if faulted := faultedIDs(jointTargets); len(faulted) > 0 {
		if err := drv.ClearEmergencyStop(ctx); err != nil && !driver.IsRetryable(err) {
			return false, err
		}
		if err := sleep(ctx, e.policy.SettleDelay); err != nil {
			return false, err
		}
		for _, id := range faulted {
			if err := drv.ClearError(ctx, id); err != nil && !driver.IsRetryable(err) {
				return false, err
			}
		}
		if err := drv.ClearAllErrors(ctx); err != nil && !driver.IsRetryable(err) {
			return false, err
		}
		if err := sleep(ctx, e.policy.SettleDelay); err != nil {
			return false, err
		}
	}

	for n, t := range jointTargets {
		ok, err := e.enableOne(ctx, drv, t.ID, log)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		// Let the rail recover before hitting the next motor.
		if n < len(jointTargets)-1 {
			if err := sleep(ctx, e.policy.StabilizeDelay); err != nil {
				return false, err
			}
		}
	}

	if gripperTarget {
		ok, err := e.enableGripper(ctx, drv, log)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
	}
	return false, nil
}

// enableOne retries a single motor enable until it reads back healthy or
// attempts run out.
func (e *Engine) enableOne(ctx context.Context, drv driver.Arm, id int, log *zap.Logger) (bool, error) {
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := drv.EnableMotor(ctx, id); err != nil {
			if !driver.IsRetryable(err) {
				return false, err
			}
			log.Debug("enable command dropped", zap.Int("motor", id), zap.Error(err))
		}
		if err := sleep(ctx, e.policy.RetryDelay); err != nil {
			return false, err
		}

		statuses, err := drv.ReadStatus(ctx)
		if err != nil {
			if !driver.IsRetryable(err) {
				return false, err
			}
			continue
		}
		if s, ok := byID(statuses, id); ok && health.Classify(s) == health.Healthy {
			log.Info("motor enabled", zap.Int("motor", id), zap.Int("attempts", attempt))
			return true, nil
		}

		if attempt%e.policy.CooldownEvery == 0 {
			if err := sleep(ctx, e.policy.CooldownDelay); err != nil {
				return false, err
			}
		}
	}
	log.Warn("motor did not come back", zap.Int("motor", id),
		zap.Int("max_attempts", e.policy.MaxAttempts))
	return false, nil
}

// enableGripper runs the gripper's dedicated enable+clear sequence and
// verifies it by re-reading status.
func (e *Engine) enableGripper(ctx context.Context, drv driver.Arm, log *zap.Logger) (bool, error) {
	if err := drv.EnableGripper(ctx); err != nil && !driver.IsRetryable(err) {
		return false, err
	}
	if err := sleep(ctx, e.policy.SettleDelay); err != nil {
		return false, err
	}
	statuses, err := drv.ReadStatus(ctx)
	if err != nil {
		if !driver.IsRetryable(err) {
			return false, err
		}
		return false, nil
	}
	if s, ok := byID(statuses, driver.GripperID); ok && health.Classify(s) == health.Healthy {
		log.Info("gripper enabled")
		return true, nil
	}
	return false, nil
}

// fullReset clears everything and re-enables the whole arm, falling back
// to a direct force enable when the arm-wide command keeps failing.
func (e *Engine) fullReset(ctx context.Context, drv driver.Arm, log *zap.Logger) error {
	if err := drv.ClearEmergencyStop(ctx); err != nil && !driver.IsRetryable(err) {
		return err
	}
	if err := sleep(ctx, e.policy.SettleDelay); err != nil {
		return err
	}
	if err := drv.ClearAllErrors(ctx); err != nil && !driver.IsRetryable(err) {
		return err
	}
	if err := sleep(ctx, e.policy.SettleDelay); err != nil {
		return err
	}

	enabled := false
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		err := drv.EnableAll(ctx)
		if err == nil {
			statuses, rerr := drv.ReadStatus(ctx)
			if rerr == nil && allEnabled(statuses) {
				log.Info("arm enabled", zap.Int("attempts", attempt))
				enabled = true
				break
			}
		} else if !driver.IsRetryable(err) {
			return err
		}
		if err := sleep(ctx, e.policy.RetryDelay); err != nil {
			return err
		}
	}
	if !enabled {
		log.Warn("arm-wide enable exhausted, forcing all motors on",
			zap.Int("max_attempts", e.policy.MaxAttempts))
		if err := drv.ForceEnableAll(ctx); err != nil && !driver.IsRetryable(err) {
			return err
		}
		if err := sleep(ctx, e.policy.SettleDelay); err != nil {
			return err
		}
	}

	// Reset the gripper to its zero reference: enable+clear, travel to
	// zero, latch current position as zero.
	if err := drv.EnableGripper(ctx); err != nil && !driver.IsRetryable(err) {
		return err
	}
	if err := sleep(ctx, e.policy.SettleDelay); err != nil {
		return err
	}
	if err := drv.MoveGripperToZero(ctx); err != nil && !driver.IsRetryable(err) {
		return err
	}
	if err := sleep(ctx, e.policy.GripperTravelDelay); err != nil {
		return err
	}
	if err := drv.SetGripperZero(ctx); err != nil && !driver.IsRetryable(err) {
		return err
	}
	return sleep(ctx, e.policy.SettleDelay)
}

func byID(statuses []driver.MotorStatus, id int) (driver.MotorStatus, bool) {
	for _, s := range statuses {
		if s.ID == id {
			return s, true
		}
	}
	return driver.MotorStatus{}, false
}

func allEnabled(statuses []driver.MotorStatus) bool {
	if len(statuses) < joint.NumMotors {
		return false
	}
	for _, s := range statuses {
		if !s.Enabled {
			return false
		}
	}
	return true
}

// ErrBusy is returned in Result.Err when the arm is already recovering.
var ErrBusy = errors.New("recovery already in progress")
