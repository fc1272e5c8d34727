package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
)

func enableCmd() *cobra.Command {
	var (
		addr string
		arm  string
		mode string
	)
	cmd := &cobra.Command{
		Use:   "enable",
		Short: "Send an enable request to a running host",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch arm {
			case "left", "right", "both":
			default:
				return fmt.Errorf("--arm must be left, right or both")
			}
			switch mode {
			case "partial", "full":
			default:
				return fmt.Errorf("--mode must be partial or full")
			}

			payload, err := json.Marshal(map[string]any{
				"type":        "enable",
				"arm":         arm,
				"enable_mode": mode,
				"timestamp":   float64(time.Now().UnixNano()) / 1e9,
			})
			if err != nil {
				return err
			}

			conn, err := net.Dial("udp", addr)
			if err != nil {
				return fmt.Errorf("dial enable channel: %w", err)
			}
			defer conn.Close()
			if _, err := conn.Write(payload); err != nil {
				return fmt.Errorf("send enable request: %w", err)
			}
			fmt.Printf("enable request sent: arm=%s mode=%s\n", arm, mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5559", "host enable channel address")
	cmd.Flags().StringVar(&arm, "arm", "both", "arm to enable: left, right or both")
	cmd.Flags().StringVar(&mode, "mode", "partial", "enable mode: partial or full")
	return cmd
}
