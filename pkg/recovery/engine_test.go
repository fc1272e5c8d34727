package recovery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/driver/simdrv"
	"github.com/armkit/armkit/pkg/joint"
	"github.com/armkit/armkit/pkg/recovery"
	"github.com/armkit/armkit/pkg/session"
)

// testPolicy bounds retries tightly and zeroes every delay so the state
// machine runs in microseconds.
func testPolicy() recovery.Policy {
	return recovery.Policy{MaxAttempts: 3, CooldownEvery: 2}
}

func connectSim(t *testing.T, opts ...simdrv.Option) (*session.Session, *simdrv.Sim) {
	t.Helper()
	sim := simdrv.New(opts...)
	sess, err := session.Connect(context.Background(), "left", sim, nil, nil)
	require.NoError(t, err)
	return sess, sim
}

func TestRun_AllHealthyIsNoOp(t *testing.T) {
	sess, sim := connectSim(t)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModePartial})

	assert.True(t, res.OK())
	assert.Equal(t, recovery.StateDone, res.State)
	assert.Zero(t, sim.EnableCalls(), "healthy arm must not be touched")
	assert.False(t, sess.Recovering(), "lock must be released")
}

func TestRun_PartialEnablesDisabledMotor(t *testing.T) {
	sess, sim := connectSim(t)
	sim.SetEnabled(2, false)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModePartial})

	require.True(t, res.OK(), "run failed: %v", res.Err)
	assert.Equal(t, recovery.ModePartial, res.FinalMode)
	assert.Equal(t, 1, sim.RestoreCalls(), "control mode must be restored after recovery")

	statuses, err := sim.ReadStatus(context.Background())
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Enabled, "motor %d", s.ID)
	}
}

func TestRun_CollisionEscalatesToFull(t *testing.T) {
	sess, sim := connectSim(t)
	sim.InjectFault(3, driver.Collision, true)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModePartial})

	require.True(t, res.OK(), "run failed: %v", res.Err)
	assert.Equal(t, recovery.ModeFull, res.FinalMode,
		"collision must upgrade a partial request to a full reset")
}

func TestRun_ExhaustionEscalatesToFull(t *testing.T) {
	sess, sim := connectSim(t)
	// More dropped enables than the policy allows attempts: the partial
	// path exhausts and hands the motor to a full reset.
	sim.FailEnableMotor(4, 10)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModePartial})

	require.True(t, res.OK(), "run failed: %v", res.Err)
	assert.Equal(t, recovery.ModeFull, res.FinalMode)
}

func TestRun_FullFallsBackToForceEnable(t *testing.T) {
	sess, sim := connectSim(t)
	sim.SetEnabled(1, false)
	sim.FailEnableAll(10)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModeFull})

	require.True(t, res.OK(), "run failed: %v", res.Err)
	assert.True(t, sim.ForceEnabled(), "exhausted arm-wide enable must force motors on")
}

func TestRun_GripperZeroedOnFullReset(t *testing.T) {
	sess, sim := connectSim(t)
	var wire [joint.NumMotors]int32
	wire[joint.Gripper] = 350000 // gripper half open
	require.NoError(t, sim.WriteCommand(context.Background(), wire))
	sim.SetEnabled(driver.GripperID, false)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModeFull})

	require.True(t, res.OK(), "run failed: %v", res.Err)
	assert.Zero(t, sim.Position(driver.GripperID), "gripper must travel to zero")
}

func TestRun_FullResetRefreshesGripperCache(t *testing.T) {
	sess, sim := connectSim(t)
	sess.Commit([joint.NumMotors]float64{0, 0, 0, 0, 0, 0, 80})
	sim.SetEnabled(2, false)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModeFull})
	require.True(t, res.OK(), "run failed: %v", res.Err)

	// The reset drove the gripper to zero; a follow-up command that
	// omits the gripper must hold it there, not snap it back to the
	// pre-fault opening.
	var cmd joint.Command
	cmd.Set(0, 10)
	merged := sess.Merge(cmd)
	assert.Zero(t, merged[joint.Gripper])
}

func TestRun_PartialKeepsGripperCache(t *testing.T) {
	sess, sim := connectSim(t)
	sess.Commit([joint.NumMotors]float64{0, 0, 0, 0, 0, 0, 80})
	sim.SetEnabled(2, false)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModePartial})
	require.True(t, res.OK(), "run failed: %v", res.Err)
	require.Equal(t, recovery.ModePartial, res.FinalMode)

	// Partial recovery never moves the gripper, so the cache stands.
	assert.Equal(t, 80.0, sess.Last()[joint.Gripper])
}

func TestRun_ExplicitSubsetLeavesOthersAlone(t *testing.T) {
	sess, sim := connectSim(t)
	sim.SetEnabled(1, false)
	sim.SetEnabled(5, false)
	engine := recovery.NewEngine(testPolicy(), nil)

	res := engine.Run(context.Background(), sess,
		recovery.Request{Mode: recovery.ModePartial, Motors: []int{5}})

	require.True(t, res.OK(), "run failed: %v", res.Err)

	statuses, err := sim.ReadStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, statuses[0].Enabled, "motor 1 was not targeted")
	assert.True(t, statuses[4].Enabled, "motor 5 was targeted")
}

func TestRun_BusyArmRejected(t *testing.T) {
	sess, _ := connectSim(t)
	require.True(t, sess.BeginRecovery())
	defer sess.EndRecovery()

	engine := recovery.NewEngine(testPolicy(), nil)
	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModePartial})

	assert.Equal(t, recovery.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, recovery.ErrBusy)
}

func TestRun_UnrecoverableReportsUnresolved(t *testing.T) {
	drv := &deadArm{}
	sess, err := session.Connect(context.Background(), "right", drv, nil, nil)
	require.NoError(t, err)

	engine := recovery.NewEngine(testPolicy(), nil)
	res := engine.Run(context.Background(), sess, recovery.Request{Mode: recovery.ModeFull})

	assert.Equal(t, recovery.StateFailed, res.State)
	require.NotEmpty(t, res.Unresolved)
	assert.Error(t, res.Err)
	for _, m := range res.Unresolved {
		assert.False(t, m.Enabled)
	}
	assert.False(t, sess.Recovering(), "lock must be released on failure too")
}

// deadArm accepts every command but its motors never come up, modelling
// an arm with a tripped hardware interlock.
type deadArm struct{}

func (d *deadArm) Connect(context.Context) error { return nil }
func (d *deadArm) Close() error                  { return nil }

func (d *deadArm) ReadLimits(context.Context) (joint.Table, error) {
	return joint.DefaultTable(), nil
}

func (d *deadArm) ReadStatus(context.Context) ([]driver.MotorStatus, error) {
	out := make([]driver.MotorStatus, joint.NumMotors)
	for i := range out {
		out[i] = driver.MotorStatus{ID: i + 1, Enabled: false}
	}
	return out, nil
}

func (d *deadArm) WriteCommand(context.Context, [joint.NumMotors]int32) error { return nil }
func (d *deadArm) EnableMotor(context.Context, int) error                     { return nil }
func (d *deadArm) EnableAll(context.Context) error                            { return nil }
func (d *deadArm) ForceEnableAll(context.Context) error                       { return nil }
func (d *deadArm) DisableAll(context.Context) error                           { return nil }
func (d *deadArm) ClearError(context.Context, int) error                      { return nil }
func (d *deadArm) ClearAllErrors(context.Context) error                       { return nil }
func (d *deadArm) ClearEmergencyStop(context.Context) error                   { return nil }
func (d *deadArm) EnableGripper(context.Context) error                        { return nil }
func (d *deadArm) MoveGripperToZero(context.Context) error                    { return nil }
func (d *deadArm) SetGripperZero(context.Context) error                       { return nil }
func (d *deadArm) RestoreControlMode(context.Context) error                   { return nil }
