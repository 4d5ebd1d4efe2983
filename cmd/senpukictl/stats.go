package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/maumercado/senpuki/pkg/client"
)

func newStatsCmd(newClient func() (*client.Client, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print execution counts per state and the DLQ size",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return printStats(cmd.Context(), c)
		},
	}
}

func newWatchCmd(newClient func() (*client.Client, error)) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Periodically refresh execution counts and the DLQ size",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				fmt.Println("---", time.Now().Format(time.RFC3339), "---")
				if err := printStats(ctx, c); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}

func printStats(ctx context.Context, c *client.Client) error {
	stats, err := c.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}

	fmt.Printf("executions_total: %d\n", stats.ExecutionsTotal)
	for _, state := range []string{"pending", "running", "completed", "failed", "timed_out", "cancelled"} {
		fmt.Printf("  %-10s %d\n", state, stats.ExecutionsByState[state])
	}
	fmt.Printf("dlq_size: %d\n", stats.DLQSize)
	return nil
}
