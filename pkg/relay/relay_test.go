package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/driver/simdrv"
	"github.com/armkit/armkit/pkg/joint"
	"github.com/armkit/armkit/pkg/recovery"
	"github.com/armkit/armkit/pkg/session"
)

// fakeSource feeds queued messages to the relay, newest-wins like the
// real conflating channel.
type fakeSource struct {
	msgs    [][]byte
	dropped int
}

func (f *fakeSource) Latest() ([]byte, int, bool) {
	if len(f.msgs) == 0 {
		return nil, 0, false
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	d := f.dropped
	f.dropped = 0
	return msg, d, true
}

// fakeQueue hands out every queued control message in order.
type fakeQueue struct{ msgs [][]byte }

func (f *fakeQueue) Next() ([]byte, bool) {
	if len(f.msgs) == 0 {
		return nil, false
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, true
}

type fakeSink struct{ msgs [][]byte }

func (f *fakeSink) Publish(msg []byte) { f.msgs = append(f.msgs, msg) }

func newTestRelay(t *testing.T) (*Relay, *simdrv.Sim, *simdrv.Sim, *fakeSource, *fakeQueue, *fakeSink, *fakeSink, *fakeSink) {
	t.Helper()
	ctx := context.Background()

	simL := simdrv.New()
	simR := simdrv.New()
	sessL, err := session.Connect(ctx, "left", simL, nil, nil)
	require.NoError(t, err)
	sessR, err := session.Connect(ctx, "right", simR, nil, nil)
	require.NoError(t, err)

	cmds := &fakeSource{}
	ctls := &fakeQueue{}
	obsOut := &fakeSink{}
	cmdCast := &fakeSink{}
	obsCast := &fakeSink{}

	engine := recovery.NewEngine(recovery.Policy{MaxAttempts: 3, CooldownEvery: 2}, nil)
	r := New(Config{MaxHz: 100}, map[string]*session.Session{"left": sessL, "right": sessR},
		engine, cmds, ctls, obsOut, cmdCast, obsCast, nil)
	return r, simL, simR, cmds, ctls, obsOut, cmdCast, obsCast
}

func TestStep_AppliesLatestCommand(t *testing.T) {
	r, simL, simR, cmds, _, obsOut, cmdCast, obsCast := newTestRelay(t)

	// Three commands queued at the socket collapse to the newest; the
	// two stale ones never reach the driver.
	cmds.msgs = [][]byte{[]byte(`{"left.joint_0.pos": 60, "right.joint_1.pos": -25}`)}
	cmds.dropped = 2

	r.step(context.Background())

	assert.Equal(t, 1, simL.Writes())
	assert.Equal(t, 1, simR.Writes())

	// joint_0 is inverted in the default table: norm 60 -> 92.4 deg -> -92400.
	assert.InDelta(t, -92400, simL.Position(1), 1)
	// right joint_1 untouched by inversion: norm -25 over [0,195] -> 73.125 deg.
	assert.Equal(t, int32(73125), simR.Position(2))

	assert.Len(t, cmdCast.msgs, 1, "applied commands are re-broadcast")
	assert.Len(t, obsOut.msgs, 1)
	assert.Len(t, obsCast.msgs, 1)
}

func TestStep_NoCommandStillPublishesObservations(t *testing.T) {
	r, simL, _, _, _, obsOut, cmdCast, _ := newTestRelay(t)

	r.step(context.Background())

	assert.Zero(t, simL.Writes())
	assert.Empty(t, cmdCast.msgs, "nothing applied, nothing re-broadcast")
	assert.Len(t, obsOut.msgs, 1, "observations flow regardless of commands")
}

func TestStep_MalformedCommandSkipped(t *testing.T) {
	r, simL, simR, cmds, _, _, cmdCast, _ := newTestRelay(t)

	cmds.msgs = [][]byte{[]byte(`{broken`)}
	r.step(context.Background())

	assert.Zero(t, simL.Writes())
	assert.Zero(t, simR.Writes())
	assert.Empty(t, cmdCast.msgs)
}

func TestStep_RejectsCommandsDuringRecovery(t *testing.T) {
	r, simL, simR, cmds, _, _, _, _ := newTestRelay(t)

	require.True(t, r.sessions["left"].BeginRecovery())
	defer r.sessions["left"].EndRecovery()

	cmds.msgs = [][]byte{[]byte(`{"left.joint_0.pos": 10, "right.joint_0.pos": 10}`)}
	r.step(context.Background())

	assert.Zero(t, simL.Writes(), "recovering arm must not be commanded")
	assert.Equal(t, 1, simR.Writes(), "the other arm keeps following")
}

func TestStep_PartialCommandMergesOverLastApplied(t *testing.T) {
	r, simL, _, cmds, _, _, _, _ := newTestRelay(t)
	ctx := context.Background()

	cmds.msgs = [][]byte{[]byte(`{"left.joint_1.pos": 40, "left.gripper.pos": 10}`)}
	r.step(ctx)
	gripperPos := simL.Position(driver.GripperID)

	// The follow-up command only moves joint_1; the gripper must hold.
	cmds.msgs = [][]byte{[]byte(`{"left.joint_1.pos": -40}`)}
	r.step(ctx)

	assert.Equal(t, gripperPos, simL.Position(driver.GripperID))
	// norm -40 over [0,195]: 58.5 deg.
	assert.Equal(t, int32(58500), simL.Position(2))
}

func TestStep_OutOfRangeCommandIsClamped(t *testing.T) {
	r, simL, _, cmds, _, _, _, _ := newTestRelay(t)

	cmds.msgs = [][]byte{[]byte(`{"left.joint_4.pos": 250}`)}
	r.step(context.Background())

	require.Equal(t, 1, simL.Writes(), "clamped commands still apply")
	assert.Equal(t, int32(75000), simL.Position(5), "value bounded to the 75 deg limit")
}

func TestDispatchControl_EnableRunsRecovery(t *testing.T) {
	r, simL, simR, _, _, _, _, _ := newTestRelay(t)
	simL.SetEnabled(2, false)
	simR.SetEnabled(3, false)

	r.dispatchControl(context.Background(), Control{Type: "enable", Arm: "both"})
	r.joinRecoveries()

	for _, sim := range []*simdrv.Sim{simL, simR} {
		statuses, err := sim.ReadStatus(context.Background())
		require.NoError(t, err)
		for _, s := range statuses {
			assert.True(t, s.Enabled, "motor %d", s.ID)
		}
	}
}

func TestDispatchControl_ResetForcesFullMode(t *testing.T) {
	r, simL, _, _, _, _, _, _ := newTestRelay(t)
	var wire [joint.NumMotors]int32
	wire[joint.Gripper] = 200000
	require.NoError(t, simL.WriteCommand(context.Background(), wire))
	simL.SetEnabled(1, false)

	r.dispatchControl(context.Background(), Control{Action: "reset", Target: "left"})
	r.joinRecoveries()

	// Full mode runs the gripper zero sequence even though only motor 1
	// was flagged.
	assert.Zero(t, simL.Position(driver.GripperID))
}

func TestDrainControls_RunsEveryQueuedRequest(t *testing.T) {
	r, simL, simR, _, ctls, _, _, _ := newTestRelay(t)
	simL.SetEnabled(2, false)
	simR.SetEnabled(3, false)

	// Two requests inside one poll window: both must run, neither may
	// overwrite the other.
	ctls.msgs = [][]byte{
		[]byte(`{"type":"enable","arm":"left"}`),
		[]byte(`{"type":"enable","arm":"right"}`),
	}

	r.drainControls(context.Background())
	r.joinRecoveries()

	for name, sim := range map[string]*simdrv.Sim{"left": simL, "right": simR} {
		statuses, err := sim.ReadStatus(context.Background())
		require.NoError(t, err)
		for _, s := range statuses {
			assert.True(t, s.Enabled, "%s motor %d", name, s.ID)
		}
	}
}

func TestStep_SkipsObservationsForRecoveringArm(t *testing.T) {
	r, _, _, _, _, obsOut, _, _ := newTestRelay(t)
	ctx := context.Background()

	require.True(t, r.sessions["left"].BeginRecovery())
	r.step(ctx)

	require.Len(t, obsOut.msgs, 1)
	var flat map[string]float64
	require.NoError(t, json.Unmarshal(obsOut.msgs[0], &flat))
	for key := range flat {
		assert.NotContains(t, key, "left.", "recovering arm's driver must not be read")
	}
	assert.Contains(t, flat, "right.joint_0.pos", "the other arm keeps publishing")

	// Observation flow resumes once the recovery releases the driver.
	r.sessions["left"].EndRecovery()
	r.step(ctx)
	require.Len(t, obsOut.msgs, 2)
	flat = map[string]float64{}
	require.NoError(t, json.Unmarshal(obsOut.msgs[1], &flat))
	assert.Contains(t, flat, "left.joint_0.pos")
}

func TestDispatchControl_EngageDisengage(t *testing.T) {
	r, simL, simR, _, _, _, _, _ := newTestRelay(t)
	ctx := context.Background()

	r.dispatchControl(ctx, Control{Action: "disengage", Target: "left"})

	statuses, err := simL.ReadStatus(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.False(t, s.Enabled, "motor %d", s.ID)
	}
	statuses, err = simR.ReadStatus(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Enabled, "right arm was not targeted")
	}

	r.dispatchControl(ctx, Control{Action: "engage", Target: "left"})
	statuses, err = simL.ReadStatus(ctx)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.True(t, s.Enabled, "motor %d", s.ID)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	r, _, _, _, _, obsOut, _, _ := newTestRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, obsOut.msgs, "loop must have cycled before shutdown")
}

func TestRun_PacesLoopToMaxHz(t *testing.T) {
	r, _, _, _, _, obsOut, _, _ := newTestRelay(t)
	r.cfg.MaxHz = 20 // 50ms budget per cycle

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	// ~4 cycles expected; generous headroom for scheduler jitter, but an
	// unpaced loop would run thousands.
	assert.LessOrEqual(t, len(obsOut.msgs), 12)
	assert.GreaterOrEqual(t, len(obsOut.msgs), 2)
}
