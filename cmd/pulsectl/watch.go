package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/pulse/internal/control"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [prefix]",
	Short: "Stream daemon events, optionally filtered by kind prefix",
	Long: "Stream daemon events until interrupted. Useful prefixes: lottery., messaging.,\n" +
		"im., store., call., outbox.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		c, _, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return c.Watch(ctx, prefix, func(evt control.WatchEvent) error {
			if jsonOutput() {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%s  %-28s %s\n", time.UnixMilli(evt.Ts).Format("15:04:05.000"), evt.Kind, evt.Payload)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
