package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/pulse/internal/control"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place and answer voice calls",
}

func callAction(action, use, short string, nargs int) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := control.CallRequest{Action: action}
			peer := args[0]
			if nargs == 2 {
				req.CallID, peer = args[0], args[1]
			}
			id, err := parseID(peer)
			if err != nil {
				return err
			}
			req.PeerID = id
			req.CallType, _ = cmd.Flags().GetString("type")
			req.Reason, _ = cmd.Flags().GetString("reason")
			return withClient(func(ctx context.Context, c *control.Client) error {
				v, err := c.Call(ctx, req)
				if err != nil {
					return err
				}
				if jsonOutput() {
					outputJSON(v)
					return nil
				}
				fmt.Printf("%s %s", v.CallID, v.State)
				if v.EndReason != "" {
					fmt.Printf(" (%s)", v.EndReason)
				}
				fmt.Println()
				return nil
			})
		},
	}
}

func init() {
	initiate := callAction(control.CallInitiate, "initiate <user-id>", "Call a user", 1)
	initiate.Flags().String("type", "voice", "call type")
	reject := callAction(control.CallReject, "reject <call-id> <caller-id>", "Decline an incoming call", 2)
	reject.Flags().String("reason", "", "reason sent to the caller")

	callCmd.AddCommand(
		initiate,
		callAction(control.CallAccept, "accept <call-id> <caller-id>", "Answer an incoming call", 2),
		reject,
		callAction(control.CallCancel, "cancel <call-id> <target-id>", "Withdraw an outgoing call", 2),
		callAction(control.CallEnd, "end <call-id> <peer-id>", "Hang up", 2),
	)
	rootCmd.AddCommand(callCmd)
}
