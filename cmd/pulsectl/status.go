package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/matheus3301/pulse/internal/control"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection and call status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput() {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Session:   %s (user %d)\n", st.Session, st.UserID)
			fmt.Printf("Lottery:   %s (%d events)\n", st.Lottery, st.Feed)
			fmt.Printf("Messaging: %s\n", st.Messaging)
			if len(st.Subscriptions) > 0 {
				fmt.Printf("Channels:  %s\n", strings.Join(st.Subscriptions, ", "))
			}
			if st.Focused != 0 {
				fmt.Printf("Focused:   %d\n", st.Focused)
			}
			if st.Call != nil {
				fmt.Printf("Call:      %s %s with %d\n", st.Call.CallID, st.Call.State, peerOf(*st.Call, st.UserID))
			}
			return nil
		})
	},
}

func peerOf(v control.CallView, self int64) int64 {
	if v.InitiatorID == self {
		return v.TargetID
	}
	return v.InitiatorID
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
