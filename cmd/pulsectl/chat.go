package main

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/matheus3301/pulse/internal/control"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations, pinned first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			convs, err := c.Conversations(ctx)
			if err != nil {
				return err
			}
			if jsonOutput() {
				outputJSON(convs)
				return nil
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, cv := range convs {
				pin := " "
				if cv.Pinned {
					pin = "*"
				}
				preview := ""
				if cv.LastMessage != nil {
					preview = truncate(cv.LastMessage.Content, 40)
				}
				fmt.Printf("%s %-8d %-8s %-20s %3d  %s\n", pin, cv.ID, cv.Type, truncate(cv.Name, 20), cv.Unread, preview)
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "List messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *control.Client) error {
			msgs, err := c.Messages(ctx, id)
			if err != nil {
				return err
			}
			if jsonOutput() {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				content := m.Content
				if m.Recalled {
					content = "(recalled)"
				}
				fmt.Printf("%s  %-6d %-9s %s\n", formatMillis(m.CreatedAt), m.SenderID, m.Status, content)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]...",
	Short: "Send a message, optionally with an attachment",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		replyTo, _ := cmd.Flags().GetInt64("reply-to")
		msgType, _ := cmd.Flags().GetString("type")
		req := control.SendRequest{
			ConversationID: id,
			Type:           msgType,
			Content:        strings.Join(args[1:], " "),
			ReplyToID:      replyTo,
		}
		if url, _ := cmd.Flags().GetString("attach"); url != "" {
			mime, _ := cmd.Flags().GetString("mime")
			req.Attachment = &envelope.Attachment{URL: url, Name: path.Base(url), MimeType: mime}
		}
		return withClient(func(ctx context.Context, c *control.Client) error {
			msg, err := c.Send(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput() {
				outputJSON(msg)
				return nil
			}
			fmt.Printf("Queued %s\n", msg.LocalID)
			return nil
		})
	},
}

var resendCmd = &cobra.Command{
	Use:   "resend <local-id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			return c.Resend(ctx, args[0])
		})
	},
}

var focusCmd = &cobra.Command{
	Use:   "focus <conversation-id>",
	Short: "Mark a conversation as on screen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetBool("group")
		return withClient(func(ctx context.Context, c *control.Client) error {
			return c.Focus(ctx, id, group)
		})
	},
}

var blurCmd = &cobra.Command{
	Use:   "blur <conversation-id>",
	Short: "Leave a focused conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *control.Client) error {
			return c.Blur(ctx, id)
		})
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}

func init() {
	sendCmd.Flags().Int64("reply-to", 0, "id of the message being replied to")
	sendCmd.Flags().String("type", "text", "message type (text, image, voice, video, file, ...)")
	sendCmd.Flags().String("attach", "", "attachment URL")
	sendCmd.Flags().String("mime", "", "attachment MIME type")
	focusCmd.Flags().Bool("group", false, "the conversation is a group")
	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, resendCmd, focusCmd, blurCmd)
}
