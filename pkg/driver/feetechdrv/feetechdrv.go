// Package feetechdrv backs an arm with Feetech STS serial bus servos.
// The servos expose raw tick positions and per-servo torque control but
// none of the FOC diagnostic registers the CAN arms have, so the status
// snapshots carry an empty fault set and several recovery operations are
// acknowledged no-ops.
package feetechdrv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.uber.org/zap"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/joint"
)

const (
	baudRate   = 1_000_000
	busTimeout = 100 * time.Millisecond
	// Full servo tick range; per-arm calibration narrows it via the
	// configured limit table, these are the hardware bounds.
	tickMin = 0
	tickMax = 4095
)

// Drv drives one serial servo arm.
type Drv struct {
	port string
	log  *zap.Logger

	bus    *feetech.Bus
	group  *feetech.ServoGroup
	servos map[int]*feetech.Servo

	mu      sync.Mutex
	torque  [joint.NumMotors]bool
	lastPos map[int]int
}

// New prepares a driver for a serial port. The bus is opened by Connect.
func New(port string, log *zap.Logger) *Drv {
	if log == nil {
		log = zap.NewNop()
	}
	return &Drv{port: port, log: log.With(zap.String("port", port))}
}

func (d *Drv) Connect(ctx context.Context) error {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     d.port,
		BaudRate: baudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  busTimeout,
	})
	if err != nil {
		return driver.Fatal("open servo bus", err)
	}

	found, err := bus.Scan(ctx, 1, joint.NumMotors)
	if err != nil {
		bus.Close()
		return driver.Fatal("scan servo bus", err)
	}
	if len(found) != joint.NumMotors {
		bus.Close()
		return driver.Fatal("scan servo bus",
			fmt.Errorf("found %d of %d servos", len(found), joint.NumMotors))
	}

	d.bus = bus
	d.group = feetech.NewServoGroupByIDs(bus, driver.MotorIDs()...)
	d.servos = make(map[int]*feetech.Servo, len(found))
	for _, s := range found {
		d.servos[s.ID] = feetech.NewServo(bus, s.ID, s.Model)
	}
	d.lastPos = map[int]int{}
	d.log.Info("servo arm connected", zap.Int("servos", len(found)))
	return nil
}

func (d *Drv) Close() error {
	if d.bus == nil {
		return nil
	}
	return d.bus.Close()
}

// ReadLimits reports the raw tick range per servo with a unit wire
// scale: for this backend physical units are servo ticks.
func (d *Drv) ReadLimits(ctx context.Context) (joint.Table, error) {
	var t joint.Table
	for i := range t {
		t[i] = joint.Limits{Min: tickMin, Max: tickMax, WireScale: 1, Gripper: i == joint.Gripper}
	}
	return t, nil
}

func (d *Drv) ReadStatus(ctx context.Context) ([]driver.MotorStatus, error) {
	positions, err := d.group.Positions(ctx)
	if err != nil {
		return nil, driver.Retryable("read positions", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.MotorStatus, joint.NumMotors)
	for i := range out {
		id := i + 1
		pos, ok := positions[id]
		if !ok {
			pos = d.lastPos[id]
		} else {
			d.lastPos[id] = pos
		}
		out[i] = driver.MotorStatus{
			ID:       id,
			Enabled:  d.torque[i],
			Position: int32(pos),
		}
	}
	return out, nil
}

func (d *Drv) WriteCommand(ctx context.Context, wire [joint.NumMotors]int32) error {
	targets := make(feetech.PositionMap, joint.NumMotors)
	for i, w := range wire {
		targets[i+1] = int(w)
	}
	if err := d.group.SetPositions(ctx, targets); err != nil {
		return driver.Retryable("write positions", err)
	}
	return nil
}

func (d *Drv) EnableMotor(ctx context.Context, id int) error {
	servo, ok := d.servos[id]
	if !ok {
		return driver.Fatal("enable motor", fmt.Errorf("no servo with id %d", id))
	}
	if err := servo.Enable(ctx); err != nil {
		return driver.Retryable("enable motor", err)
	}
	d.setTorque(id, true)
	return nil
}

func (d *Drv) EnableAll(ctx context.Context) error {
	if err := d.group.EnableAll(ctx); err != nil {
		return driver.Retryable("enable all", err)
	}
	d.setAllTorque(true)
	return nil
}

// ForceEnableAll has no stronger command on this bus than per-servo
// torque enables, so it retries each servo individually.
func (d *Drv) ForceEnableAll(ctx context.Context) error {
	var firstErr error
	for id, servo := range d.servos {
		if err := servo.Enable(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		d.setTorque(id, true)
	}
	if firstErr != nil {
		return driver.Retryable("force enable", firstErr)
	}
	return nil
}

func (d *Drv) DisableAll(ctx context.Context) error {
	if err := d.group.DisableAll(ctx); err != nil {
		return driver.Retryable("disable all", err)
	}
	d.setAllTorque(false)
	return nil
}

// ClearError is a no-op: STS servos clear protection faults on
// power-cycle only.
func (d *Drv) ClearError(ctx context.Context, id int) error {
	d.log.Debug("clear error unsupported on serial servos", zap.Int("motor", id))
	return nil
}

func (d *Drv) ClearAllErrors(ctx context.Context) error {
	d.log.Debug("clear all errors unsupported on serial servos")
	return nil
}

func (d *Drv) ClearEmergencyStop(ctx context.Context) error {
	d.log.Debug("emergency stop latch not present on serial servos")
	return nil
}

func (d *Drv) EnableGripper(ctx context.Context) error {
	return d.EnableMotor(ctx, driver.GripperID)
}

func (d *Drv) MoveGripperToZero(ctx context.Context) error {
	servo, ok := d.servos[driver.GripperID]
	if !ok {
		return driver.Fatal("gripper", errors.New("no gripper servo"))
	}
	if err := servo.SetPositionWithTime(ctx, tickMin, 1000); err != nil {
		return driver.Retryable("gripper to zero", err)
	}
	return nil
}

// SetGripperZero is a no-op: the tick origin is fixed in servo EEPROM.
func (d *Drv) SetGripperZero(ctx context.Context) error { return nil }

// RestoreControlMode is a no-op: the serial bus has a single position
// control mode.
func (d *Drv) RestoreControlMode(ctx context.Context) error { return nil }

func (d *Drv) setTorque(id int, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.torque[id-1] = on
}

func (d *Drv) setAllTorque(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.torque {
		d.torque[i] = on
	}
}
