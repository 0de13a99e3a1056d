package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/control"
	"github.com/spf13/cobra"
)

var drawsCmd = &cobra.Command{
	Use:   "draws",
	Short: "Show journaled lottery draws, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(func(ctx context.Context, c *control.Client) error {
			draws, err := c.Draws(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput() {
				outputJSON(draws)
				return nil
			}
			for _, d := range draws {
				fmt.Printf("%s  %s\n", time.Unix(d.Ts, 0).Format("2006-01-02 15:04:05"), d.Data)
			}
			return nil
		})
	},
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the in-memory lottery feed, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withClient(func(ctx context.Context, c *control.Client) error {
			events, err := c.Feed(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput() {
				outputJSON(events)
				return nil
			}
			for _, e := range events {
				fmt.Printf("%s  %-9s %s\n", time.Unix(e.Ts, 0).Format("2006-01-02 15:04:05"), e.Event, e.Data)
			}
			return nil
		})
	},
}

func init() {
	drawsCmd.Flags().Int("limit", 20, "number of draws")
	feedCmd.Flags().Int("limit", 0, "number of events (0 = all)")
	rootCmd.AddCommand(drawsCmd, feedCmd)
}
