package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/armkit/armkit/pkg/channel"
	"github.com/armkit/armkit/pkg/config"
	"github.com/armkit/armkit/pkg/driver"
	"github.com/armkit/armkit/pkg/driver/feetechdrv"
	"github.com/armkit/armkit/pkg/driver/gatewaydrv"
	"github.com/armkit/armkit/pkg/driver/simdrv"
	"github.com/armkit/armkit/pkg/monitor"
	"github.com/armkit/armkit/pkg/recovery"
	"github.com/armkit/armkit/pkg/relay"
	"github.com/armkit/armkit/pkg/session"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the teleoperation relay host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cfg, log)
		},
	}
}

// buildArm constructs the configured driver backend for one side.
func buildArm(arm config.ArmConf, log *zap.Logger) (driver.Arm, error) {
	switch arm.Driver {
	case "sim":
		return simdrv.New(), nil
	case "feetech":
		return feetechdrv.New(arm.Port, log), nil
	case "gateway":
		return gatewaydrv.New(arm.Port, arm.UnitID, log), nil
	}
	return nil, fmt.Errorf("unknown driver %q", arm.Driver)
}

func recoveryPolicy(rc config.RecoveryConf) recovery.Policy {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return recovery.Policy{
		MaxAttempts:        rc.MaxAttempts,
		RetryDelay:         ms(rc.RetryDelayMs),
		CooldownEvery:      rc.CooldownEvery,
		CooldownDelay:      ms(rc.CooldownDelayMs),
		StabilizeDelay:     ms(rc.StabilizeDelayMs),
		SettleDelay:        ms(rc.SettleDelayMs),
		GripperTravelDelay: ms(rc.GripperTravelDelayMs),
	}
}

func serve(cfg *config.Config, log *zap.Logger) error {
	// Signal-driven cancellation: the relay observes this context at
	// the top of each cycle.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Register()
	monitor.Serve(cfg.MetricsAddr, log)

	// Connect arms. A handshake failure here is fatal; restart policy
	// belongs to the supervisor running this process.
	sessions := map[string]*session.Session{}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range sessions {
			s.Close(cctx, cfg.DisengageOnExit)
		}
	}()
	for side, armCfg := range cfg.Arms {
		drv, err := buildArm(armCfg, log)
		if err != nil {
			return err
		}
		sess, err := session.Connect(ctx, side, drv, armCfg.Invert, log)
		if err != nil {
			return err
		}
		sessions[side] = sess
	}

	// Channels: all sockets acquired here, released on every exit path.
	cmdSrc, err := channel.Listen(cfg.Channels.Command, log)
	if err != nil {
		return err
	}
	defer cmdSrc.Close()
	enableSrc, err := channel.ListenQueue(cfg.Channels.Enable, log)
	if err != nil {
		return err
	}
	defer enableSrc.Close()

	obsPub, err := channel.Dial(cfg.Channels.Observation, log)
	if err != nil {
		return err
	}
	defer obsPub.Close()
	cmdCast, err := channel.Dial(cfg.Channels.CommandBroadcast, log)
	if err != nil {
		return err
	}
	defer cmdCast.Close()
	obsCast, err := channel.Dial(cfg.Channels.ObservationBroadcast, log)
	if err != nil {
		return err
	}
	defer obsCast.Close()

	engine := recovery.NewEngine(recoveryPolicy(cfg.Recovery), log)
	r := relay.New(
		relay.Config{
			MaxHz:       cfg.MaxLoopHz,
			DefaultMode: recovery.ParseMode(cfg.DefaultEnableMode, recovery.ModePartial),
		},
		sessions, engine,
		cmdSrc, enableSrc,
		obsPub, cmdCast, obsCast,
		log,
	)

	log.Info("host ready, waiting for teleop",
		zap.String("command", cfg.Channels.Command),
		zap.String("enable", cfg.Channels.Enable))

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutting down")
	return nil
}
