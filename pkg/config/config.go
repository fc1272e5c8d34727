// Package config loads the host configuration from YAML, with
// environment overrides applied by the CLI layer at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface, consumed once at startup.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// MaxLoopHz caps the relay cycle rate.
	MaxLoopHz int `yaml:"max_loop_hz"`
	// DefaultEnableMode is used when an enable request names none.
	DefaultEnableMode string `yaml:"default_enable_mode"`
	// DisengageOnExit drops motor torque at shutdown. Off by default:
	// leaving motors in their last commanded state avoids an
	// uncontrolled drop.
	DisengageOnExit bool `yaml:"disengage_on_exit"`

	Channels Channels           `yaml:"channels"`
	Arms     map[string]ArmConf `yaml:"arms"`
	Recovery RecoveryConf       `yaml:"recovery"`
}

// Channels holds the UDP endpoints. Command and enable are bind
// addresses; the rest are peer destinations.
type Channels struct {
	Command              string `yaml:"command"`
	Enable               string `yaml:"enable"`
	Observation          string `yaml:"observation"`
	CommandBroadcast     string `yaml:"command_broadcast"`
	ObservationBroadcast string `yaml:"observation_broadcast"`
}

// ArmConf selects and parameterizes one arm's driver backend.
type ArmConf struct {
	// Driver is one of "sim", "feetech", "gateway".
	Driver string `yaml:"driver"`
	// Port is the serial device (feetech) or host:port (gateway).
	Port string `yaml:"port"`
	// Invert lists the motor indices carrying a sign inversion. The
	// inversion table is per-arm calibration, not a fixed law.
	Invert []int `yaml:"invert"`
	// UnitID is the gateway's Modbus unit id.
	UnitID int `yaml:"unit_id"`
}

// RecoveryConf bounds the enable retry loops.
type RecoveryConf struct {
	MaxAttempts          int `yaml:"max_attempts"`
	RetryDelayMs         int `yaml:"retry_delay_ms"`
	CooldownEvery        int `yaml:"cooldown_every"`
	CooldownDelayMs      int `yaml:"cooldown_delay_ms"`
	StabilizeDelayMs     int `yaml:"stabilize_delay_ms"`
	SettleDelayMs        int `yaml:"settle_delay_ms"`
	GripperTravelDelayMs int `yaml:"gripper_travel_delay_ms"`
}

// Load reads, normalizes and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: a
// two-arm simulated host on the standard ports.
func Default() *Config {
	cfg := &Config{
		Arms: map[string]ArmConf{
			"left":  {Driver: "sim"},
			"right": {Driver: "sim"},
		},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills unset fields with their defaults.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxLoopHz == 0 {
		c.MaxLoopHz = 60
	}
	if c.DefaultEnableMode == "" {
		c.DefaultEnableMode = "partial"
	}
	if c.Channels.Command == "" {
		c.Channels.Command = ":5555"
	}
	if c.Channels.Observation == "" {
		c.Channels.Observation = "127.0.0.1:5556"
	}
	if c.Channels.CommandBroadcast == "" {
		c.Channels.CommandBroadcast = "127.0.0.1:5557"
	}
	if c.Channels.ObservationBroadcast == "" {
		c.Channels.ObservationBroadcast = "127.0.0.1:5558"
	}
	if c.Channels.Enable == "" {
		c.Channels.Enable = ":5559"
	}
	if c.Recovery.MaxAttempts == 0 {
		c.Recovery.MaxAttempts = 100
	}
	if c.Recovery.RetryDelayMs == 0 {
		c.Recovery.RetryDelayMs = 100
	}
	if c.Recovery.CooldownEvery == 0 {
		c.Recovery.CooldownEvery = 5
	}
	if c.Recovery.CooldownDelayMs == 0 {
		c.Recovery.CooldownDelayMs = 200
	}
	if c.Recovery.StabilizeDelayMs == 0 {
		c.Recovery.StabilizeDelayMs = 500
	}
	if c.Recovery.SettleDelayMs == 0 {
		c.Recovery.SettleDelayMs = 500
	}
	if c.Recovery.GripperTravelDelayMs == 0 {
		c.Recovery.GripperTravelDelayMs = 1500
	}
	for side, arm := range c.Arms {
		if arm.Invert == nil {
			arm.Invert = []int{0, 3, 5}
		}
		if arm.UnitID == 0 {
			arm.UnitID = 1
		}
		c.Arms[side] = arm
	}
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	if c.MaxLoopHz < 1 || c.MaxLoopHz > 1000 {
		return fmt.Errorf("max_loop_hz %d out of range [1,1000]", c.MaxLoopHz)
	}
	switch c.DefaultEnableMode {
	case "partial", "full":
	default:
		return fmt.Errorf("default_enable_mode %q must be partial or full", c.DefaultEnableMode)
	}
	if len(c.Arms) == 0 {
		return fmt.Errorf("no arms configured")
	}
	for side, arm := range c.Arms {
		if side != "left" && side != "right" {
			return fmt.Errorf("arm side %q must be left or right", side)
		}
		switch arm.Driver {
		case "sim":
		case "feetech", "gateway":
			if arm.Port == "" {
				return fmt.Errorf("%s arm: %s driver requires a port", side, arm.Driver)
			}
		default:
			return fmt.Errorf("%s arm: unknown driver %q", side, arm.Driver)
		}
		for _, i := range arm.Invert {
			if i < 0 || i > 6 {
				return fmt.Errorf("%s arm: invert index %d out of range [0,6]", side, i)
			}
		}
	}
	return nil
}
