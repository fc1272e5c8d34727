// Package relay runs the real-time teleoperation loop: ingest the
// freshest operator command, apply it through the normalizer to the arm
// drivers, publish normalized observations, and fan both streams out to
// broadcast observers. Enable requests ride a separate, lower-priority
// path so recovery never stalls joint-command delivery.
package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/joint"
	"github.com/armkit/armkit/pkg/monitor"
	"github.com/armkit/armkit/pkg/recovery"
	"github.com/armkit/armkit/pkg/session"
)

// Source yields the newest unconsumed message without blocking.
// Satisfied by channel.Source.
type Source interface {
	Latest() ([]byte, int, bool)
}

// ControlSource yields pending control messages in arrival order,
// without blocking. Control requests are consumed once each, never
// conflated: "enable left" followed by "enable right" must both run.
// Satisfied by channel.Queue.
type ControlSource interface {
	Next() ([]byte, bool)
}

// Publisher fires a message at a peer, best effort. Satisfied by
// channel.Publisher.
type Publisher interface {
	Publish([]byte)
}

// enablePollInterval paces the out-of-band control listener. Recovery is
// slow relative to the control cycle, so there is no point polling
// faster.
const enablePollInterval = 50 * time.Millisecond

// recoveryJoinTimeout bounds how long shutdown waits for an in-flight
// recovery sequence.
const recoveryJoinTimeout = 10 * time.Second

// Config tunes the relay loop.
type Config struct {
	// MaxHz caps the loop rate; each cycle sleeps the remainder of its
	// 1/MaxHz budget. Overrunning cycles start the next one immediately.
	MaxHz int
	// DefaultMode is used when an enable request doesn't name one.
	DefaultMode recovery.Mode
}

// Relay binds the channels, sessions and recovery engine together.
type Relay struct {
	cfg      Config
	sessions map[string]*session.Session
	engine   *recovery.Engine
	log      *zap.Logger

	commands Source
	controls ControlSource
	obsOut   Publisher
	cmdCast  Publisher
	obsCast  Publisher

	recoveries sync.WaitGroup
}

// New assembles a relay. Sessions are keyed by side ("left", "right");
// broadcast publishers may be nil when fan-out is disabled.
func New(cfg Config, sessions map[string]*session.Session, engine *recovery.Engine,
	commands Source, controls ControlSource, obsOut, cmdCast, obsCast Publisher, log *zap.Logger) *Relay {
	if cfg.MaxHz <= 0 {
		cfg.MaxHz = 60
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		log:      log,
		commands: commands,
		controls: controls,
		obsOut:   obsOut,
		cmdCast:  cmdCast,
		obsCast:  obsCast,
	}
}

// Run executes the loop until the context is cancelled, then joins any
// in-flight recovery with a bounded timeout. Socket and session teardown
// belongs to the caller, which owns those resources on every exit path.
func (r *Relay) Run(ctx context.Context) error {
	period := time.Second / time.Duration(r.cfg.MaxHz)
	r.log.Info("relay running", zap.Int("max_hz", r.cfg.MaxHz))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.controlLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			r.joinRecoveries()
			r.log.Info("relay stopped")
			return ctx.Err()
		default:
		}

		start := time.Now()
		r.step(ctx)
		elapsed := time.Since(start)
		monitor.CycleDuration.Observe(elapsed.Seconds())

		// Sleep the remaining cycle budget; an overrun runs the next
		// cycle immediately instead of compounding drift.
		if rest := period - elapsed; rest > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(rest):
			}
		}
	}
}

// step is one relay cycle: latest command in, observations out.
func (r *Relay) step(ctx context.Context) {
	if payload, dropped, ok := r.commands.Latest(); ok {
		if dropped > 0 {
			monitor.CommandsConflated.Add(float64(dropped))
			r.log.Debug("conflated stale commands", zap.Int("dropped", dropped))
		}
		r.applyCommand(ctx, payload)
	}
	r.publishObservations(ctx)
}

// applyCommand merges a partial command over each arm's last known good
// values and writes the result to the driver. Malformed payloads are
// logged and skipped, never treated as commands.
func (r *Relay) applyCommand(ctx context.Context, payload []byte) {
	cmds, err := ParseCommands(payload)
	if err != nil {
		monitor.MalformedMessages.Inc()
		r.log.Warn("malformed command skipped", zap.Error(err))
		return
	}

	applied := false
	for side, cmd := range cmds {
		if cmd.Empty() {
			continue
		}
		sess, ok := r.sessions[side]
		if !ok {
			continue
		}
		if sess.Recovering() {
			// Commanding an arm mid-recovery is unsafe.
			monitor.CommandsRejected.WithLabelValues(side).Inc()
			r.log.Warn("command rejected, arm is recovering", zap.String("arm", side))
			continue
		}

		full := sess.Merge(cmd)
		wire, clamps := sess.Limits().Wire(full)
		for _, c := range clamps {
			monitor.ClampEvents.WithLabelValues(side).Inc()
			r.log.Warn("command clamped to joint limits",
				zap.String("arm", side),
				zap.Int("motor", c.Motor),
				zap.Float64("before", c.Before),
				zap.Float64("after", c.After))
		}

		written, err := sess.WriteCommand(ctx, wire)
		if !written {
			// A recovery run grabbed the driver between the check above
			// and the write.
			monitor.CommandsRejected.WithLabelValues(side).Inc()
			r.log.Warn("command rejected, arm is recovering", zap.String("arm", side))
			continue
		}
		if err != nil {
			// Transient bus faults: keep the loop alive on stale state.
			r.log.Warn("command write failed", zap.String("arm", side), zap.Error(err))
			continue
		}
		sess.Commit(full)
		monitor.CommandsApplied.WithLabelValues(side).Inc()
		applied = true
	}

	if applied && r.cmdCast != nil {
		r.cmdCast.Publish(payload)
	}
}

// publishObservations reads each arm, converts to normalized values and
// publishes on the observation and broadcast channels independently. A
// failing arm is skipped so the operator keeps visibility of the other.
func (r *Relay) publishObservations(ctx context.Context) {
	var all []Observation
	for side, sess := range r.sessions {
		statuses, ok, err := sess.ReadStatus(ctx)
		if !ok {
			// A recovery run holds the driver; this arm resumes
			// publishing once the sequence releases it.
			continue
		}
		if err != nil {
			r.log.Warn("status read failed", zap.String("arm", side), zap.Error(err))
			continue
		}
		all = append(all, toObservation(side, sess.Limits(), statuses))
	}
	if len(all) == 0 {
		return
	}

	payload, err := EncodeObservations(all)
	if err != nil {
		r.log.Warn("encode observation failed", zap.Error(err))
		return
	}
	// Two independent publications: failure of one must not block the
	// other, and neither is ever awaited.
	if r.obsOut != nil {
		r.obsOut.Publish(payload)
	}
	if r.obsCast != nil {
		r.obsCast.Publish(payload)
	}
}

func toObservation(side string, limits joint.Table, statuses []driver.MotorStatus) Observation {
	o := Observation{Side: side}
	var wire [joint.NumMotors]int32
	for _, s := range statuses {
		i := s.ID - 1
		if i < 0 || i >= joint.NumMotors {
			continue
		}
		wire[i] = s.Position
		o.Vel[i] = s.Velocity
		o.Load[i] = s.Load
	}
	o.Pos = limits.Norm(wire)
	return o
}

// controlLoop services the enable channel. Each request runs on its own
// goroutine so a slow recovery never delays the next status query, and
// never the main cycle.
func (r *Relay) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(enablePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.drainControls(ctx)
	}
}

// drainControls dispatches every pending control request. Requests are
// consumed once each; two arriving within one poll window both run.
func (r *Relay) drainControls(ctx context.Context) {
	for {
		payload, ok := r.controls.Next()
		if !ok {
			return
		}
		ctl, err := ParseControl(payload)
		if err != nil {
			monitor.MalformedMessages.Inc()
			r.log.Warn("malformed control skipped", zap.Error(err))
			continue
		}
		r.dispatchControl(ctx, ctl)
	}
}

func (r *Relay) dispatchControl(ctx context.Context, ctl Control) {
	switch {
	case ctl.Type == "enable" || ctl.Action == "reset":
		mode := recovery.ParseMode(ctl.EnableMode, r.cfg.DefaultMode)
		if ctl.Action == "reset" {
			mode = recovery.ModeFull
		}
		for _, side := range ctl.Arms() {
			sess, ok := r.sessions[side]
			if !ok {
				r.log.Warn("enable request for unknown arm", zap.String("arm", side))
				continue
			}
			req := recovery.Request{Arm: side, Mode: mode, Motors: ctl.Motors}
			r.recoveries.Add(1)
			go func(sess *session.Session, req recovery.Request) {
				defer r.recoveries.Done()
				res := r.engine.Run(ctx, sess, req)
				monitor.RecoveryRuns.WithLabelValues(req.Arm, string(res.State)).Inc()
				if !res.OK() {
					r.log.Error("recovery failed", zap.String("arm", req.Arm), zap.Error(res.Err))
				}
			}(sess, req)
		}

	case ctl.Action == "engage" || ctl.Action == "disengage":
		engaged := ctl.Action == "engage"
		for _, side := range ctl.Arms() {
			sess, ok := r.sessions[side]
			if !ok {
				continue
			}
			if sess.Recovering() {
				r.log.Warn("engage request ignored, arm is recovering", zap.String("arm", side))
				continue
			}
			if err := sess.SetEngaged(ctx, engaged); err != nil {
				r.log.Warn("engage change failed", zap.String("arm", side), zap.Error(err))
				continue
			}
			r.log.Info("arm engagement changed",
				zap.String("arm", side), zap.Bool("engaged", engaged))
		}

	case ctl.Action == "status":
		for _, side := range ctl.Arms() {
			sess, ok := r.sessions[side]
			if !ok {
				continue
			}
			statuses, ok, err := sess.ReadStatus(ctx)
			if !ok {
				r.log.Warn("status read deferred, arm is recovering", zap.String("arm", side))
				continue
			}
			if err != nil {
				r.log.Warn("status read failed", zap.String("arm", side), zap.Error(err))
				continue
			}
			for _, s := range statuses {
				r.log.Info("motor status",
					zap.String("arm", side),
					zap.Int("motor", s.ID),
					zap.Bool("enabled", s.Enabled),
					zap.String("faults", s.Faults.String()))
			}
		}

	default:
		r.log.Warn("unrecognized control message")
	}
}

// joinRecoveries waits for in-flight recovery goroutines, bounded so
// shutdown cannot hang on a stuck bus.
func (r *Relay) joinRecoveries() {
	done := make(chan struct{})
	go func() {
		r.recoveries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(recoveryJoinTimeout):
		r.log.Warn("recovery did not finish before shutdown deadline")
	}
}
