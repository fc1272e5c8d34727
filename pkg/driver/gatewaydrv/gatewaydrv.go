// Package gatewaydrv drives an arm through a CAN-to-Modbus gateway. The
// gateway mirrors each motor's FOC status registers into a holding
// register block and forwards register writes as CAN control frames, so
// this backend has the full diagnostic and recovery surface.
package gatewaydrv

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"

	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/joint"
)

// Gateway register map. Positions and limits are int32 across two
// registers, big-endian, in wire units (0.001 deg for joints, 0.0001 mm
// for the gripper).
const (
	// Per-motor status block: base + 16*i, i = 0..6.
	regStatusBase   = 0x0100
	regStatusStride = 16
	offPosition     = 0 // int32, 2 regs
	offVelocity     = 2 // int16, 0.001 units
	offLoad         = 3 // int16, 0.001 units
	offFlags        = 4 // bit 0 enabled, bits 1.. fault flags
	offTemperature  = 5 // int16, 0.1 C

	// Target position block: 7 x int32.
	regTargetBase = 0x0200

	// Control registers. Writing triggers the corresponding CAN command.
	regEnableMotor = 0x0300 // value = motor id, 0xFF = all (forced)
	regEnableAll   = 0x0301
	regDisableAll  = 0x0302
	regClearError  = 0x0303 // value = motor id, 0 = all
	regClearEstop  = 0x0304
	regGripperCtrl = 0x0305 // 1 enable+clear, 2 move to zero, 3 latch zero
	regControlMode = 0x0306 // 1 = low-latency teleoperation mode

	// Limits block: per motor min int32, max int32.
	regLimitsBase = 0x0400

	forceEnableAllID = 0xFF

	gripperCtrlEnable   = 1
	gripperCtrlMoveZero = 2
	gripperCtrlSetZero  = 3

	connectTimeout = 3 * time.Second
)

// statusFlagOrder maps register bit positions (from bit 1) onto fault
// flags, matching the gateway firmware's layout.
var statusFlagOrder = []driver.Fault{
	driver.HasError,
	driver.Collision,
	driver.Stall,
	driver.DriverOverheating,
	driver.MotorOverheating,
	driver.Overcurrent,
	driver.VoltageTooLow,
	driver.VoltageTooHigh,
	driver.DriverFault,
	driver.MotorFault,
	driver.CommunicationError,
	driver.WatchdogTriggered,
	driver.EmergencyStop,
}

// Drv is a Modbus TCP client for one arm's gateway.
type Drv struct {
	addr   string
	unitID byte
	log    *zap.Logger

	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// New prepares a driver for a gateway endpoint. Connect dials it.
func New(addr string, unitID int, log *zap.Logger) *Drv {
	if log == nil {
		log = zap.NewNop()
	}
	return &Drv{addr: addr, unitID: byte(unitID), log: log.With(zap.String("gateway", addr))}
}

func (d *Drv) Connect(ctx context.Context) error {
	handler := modbus.NewTCPClientHandler(d.addr)
	handler.Timeout = connectTimeout
	handler.SlaveId = d.unitID
	if err := handler.Connect(); err != nil {
		return driver.Fatal("connect gateway", err)
	}
	d.handler = handler
	d.client = modbus.NewClient(handler)
	d.log.Info("gateway connected")
	return nil
}

func (d *Drv) Close() error {
	if d.handler == nil {
		return nil
	}
	return d.handler.Close()
}

func (d *Drv) ReadLimits(ctx context.Context) (joint.Table, error) {
	raw, err := d.client.ReadHoldingRegisters(regLimitsBase, joint.NumMotors*4)
	if err != nil {
		return joint.Table{}, driver.Retryable("read limits", err)
	}
	if len(raw) < joint.NumMotors*8 {
		return joint.Table{}, driver.Retryable("read limits",
			fmt.Errorf("short limits payload: %d bytes", len(raw)))
	}
	var t joint.Table
	for i := range t {
		min := int32(binary.BigEndian.Uint32(raw[i*8 : i*8+4]))
		max := int32(binary.BigEndian.Uint32(raw[i*8+4 : i*8+8]))
		scale := 1000.0
		if i == joint.Gripper {
			scale = 10000.0
		}
		t[i] = joint.Limits{
			Min:       float64(min) / scale,
			Max:       float64(max) / scale,
			WireScale: scale,
			Gripper:   i == joint.Gripper,
		}
	}
	return t, nil
}

func (d *Drv) ReadStatus(ctx context.Context) ([]driver.MotorStatus, error) {
	raw, err := d.client.ReadHoldingRegisters(regStatusBase, joint.NumMotors*regStatusStride)
	if err != nil {
		return nil, driver.Retryable("read status", err)
	}
	if len(raw) < joint.NumMotors*regStatusStride*2 {
		return nil, driver.Retryable("read status",
			fmt.Errorf("short status payload: %d bytes", len(raw)))
	}
	out := make([]driver.MotorStatus, joint.NumMotors)
	for i := range out {
		block := raw[i*regStatusStride*2:]
		flags := binary.BigEndian.Uint16(block[offFlags*2 : offFlags*2+2])
		out[i] = driver.MotorStatus{
			ID:          i + 1,
			Enabled:     flags&1 != 0,
			Faults:      decodeFaults(flags),
			Position:    int32(binary.BigEndian.Uint32(block[offPosition*2 : offPosition*2+4])),
			Velocity:    float64(int16(binary.BigEndian.Uint16(block[offVelocity*2:offVelocity*2+2]))) / 1000,
			Load:        float64(int16(binary.BigEndian.Uint16(block[offLoad*2:offLoad*2+2]))) / 1000,
			Temperature: float64(int16(binary.BigEndian.Uint16(block[offTemperature*2:offTemperature*2+2]))) / 10,
		}
	}
	return out, nil
}

func decodeFaults(flags uint16) driver.Fault {
	var f driver.Fault
	for bit, fault := range statusFlagOrder {
		if flags&(1<<(bit+1)) != 0 {
			f |= fault
		}
	}
	return f
}

func (d *Drv) WriteCommand(ctx context.Context, wire [joint.NumMotors]int32) error {
	buf := make([]byte, joint.NumMotors*4)
	for i, w := range wire {
		binary.BigEndian.PutUint32(buf[i*4:], uint32(w))
	}
	if _, err := d.client.WriteMultipleRegisters(regTargetBase, joint.NumMotors*2, buf); err != nil {
		return driver.Retryable("write command", err)
	}
	return nil
}

func (d *Drv) EnableMotor(ctx context.Context, id int) error {
	return d.writeControl(regEnableMotor, uint16(id), "enable motor")
}

func (d *Drv) EnableAll(ctx context.Context) error {
	return d.writeControl(regEnableAll, 1, "enable all")
}

func (d *Drv) ForceEnableAll(ctx context.Context) error {
	return d.writeControl(regEnableMotor, forceEnableAllID, "force enable all")
}

func (d *Drv) DisableAll(ctx context.Context) error {
	return d.writeControl(regDisableAll, 1, "disable all")
}

func (d *Drv) ClearError(ctx context.Context, id int) error {
	return d.writeControl(regClearError, uint16(id), "clear error")
}

func (d *Drv) ClearAllErrors(ctx context.Context) error {
	return d.writeControl(regClearError, 0, "clear all errors")
}

func (d *Drv) ClearEmergencyStop(ctx context.Context) error {
	return d.writeControl(regClearEstop, 1, "clear emergency stop")
}

func (d *Drv) EnableGripper(ctx context.Context) error {
	return d.writeControl(regGripperCtrl, gripperCtrlEnable, "enable gripper")
}

func (d *Drv) MoveGripperToZero(ctx context.Context) error {
	return d.writeControl(regGripperCtrl, gripperCtrlMoveZero, "gripper to zero")
}

func (d *Drv) SetGripperZero(ctx context.Context) error {
	return d.writeControl(regGripperCtrl, gripperCtrlSetZero, "latch gripper zero")
}

func (d *Drv) RestoreControlMode(ctx context.Context) error {
	return d.writeControl(regControlMode, 1, "restore control mode")
}

func (d *Drv) writeControl(reg, value uint16, op string) error {
	if _, err := d.client.WriteSingleRegister(reg, value); err != nil {
		return driver.Retryable(op, err)
	}
	return nil
}
