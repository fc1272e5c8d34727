package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/armkit/armkit/pkg/health"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to the configured arms and print per-motor health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger("error") // keep the report clean
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			sides := make([]string, 0, len(cfg.Arms))
			for side := range cfg.Arms {
				sides = append(sides, side)
			}
			sort.Strings(sides)

			for _, side := range sides {
				drv, err := buildArm(cfg.Arms[side], log)
				if err != nil {
					return err
				}
				if err := drv.Connect(ctx); err != nil {
					fmt.Printf("%s arm: connect failed: %v\n", side, err)
					continue
				}
				statuses, err := drv.ReadStatus(ctx)
				if err != nil {
					fmt.Printf("%s arm: status read failed: %v\n", side, err)
					drv.Close()
					continue
				}

				fmt.Printf("%s arm:\n", strings.ToUpper(side))
				healthy := 0
				for _, s := range statuses {
					class := health.Classify(s)
					if class == health.Healthy {
						healthy++
					}
					fmt.Printf("  motor %d: enabled=%-5v class=%-12s faults=%s\n",
						s.ID, s.Enabled, class, s.Faults)
				}
				fmt.Printf("  %d/%d motors healthy\n", healthy, len(statuses))
				drv.Close()
			}
			return nil
		},
	}
}
