package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/messaging"
)

// ErrNotConfirmed is returned when the server answers a signaling command
// without confirming it.
var ErrNotConfirmed = errors.New("rest: command not confirmed")

// StreamKey fetches the opaque key for the lottery stream.
func (c *Client) StreamKey(ctx context.Context) (string, error) {
	var result struct {
		Key string `json:"sse_key"`
	}
	if err := c.get(ctx, "/api/lottery/sse-key", nil, &result); err != nil {
		return "", err
	}
	if result.Key == "" {
		return "", errors.New("rest: empty sse_key")
	}
	return result.Key, nil
}

// MessagingConfig fetches the messaging socket configuration.
func (c *Client) MessagingConfig(ctx context.Context) (messaging.Config, error) {
	var cfg messaging.Config
	if err := c.get(ctx, "/api/im/connection", nil, &cfg); err != nil {
		return messaging.Config{}, err
	}
	return cfg, nil
}

// AuthorizeChannel signs a private channel subscription for socketID.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	var result struct {
		Auth string `json:"auth"`
	}
	body := map[string]string{"socket_id": socketID, "channel_name": channel}
	if err := c.post(ctx, "/broadcasting/auth", body, &result); err != nil {
		return "", err
	}
	if result.Auth == "" {
		return "", fmt.Errorf("rest: no auth for %s", channel)
	}
	return result.Auth, nil
}

// SendMessageRequest is an outbound chat message.
type SendMessageRequest struct {
	ConversationID int64                `json:"conversation_id"`
	Type           string               `json:"type"`
	Content        string               `json:"content"`
	ReplyToID      int64                `json:"reply_to_id,omitempty"`
	Attachment     *envelope.Attachment `json:"attachment,omitempty"`
	LocalID        string               `json:"local_id"`
}

// SendMessageResult is the server's acknowledgement of a send.
type SendMessageResult struct {
	MessageID int64         `json:"message_id"`
	CreatedAt envelope.Time `json:"created_at"`
}

// SendMessage posts a message. Type defaults to text.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (SendMessageResult, error) {
	if req.Type == "" {
		req.Type = "text"
	}
	var result SendMessageResult
	if err := c.post(ctx, "/api/im/messages", req, &result); err != nil {
		return SendMessageResult{}, err
	}
	if result.MessageID == 0 {
		return SendMessageResult{}, errors.New("rest: send acknowledged without message_id")
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = envelope.Time{Time: time.Now()}
	}
	return result, nil
}

// Signal sends a call signaling command and requires the server to confirm
// it through the command's confirmation flag.
func (c *Client) Signal(ctx context.Context, cmd envelope.Command) error {
	body, err := envelope.Encode(cmd)
	if err != nil {
		return err
	}
	var result map[string]bool
	if err := c.post(ctx, "/api/call/"+cmd.Action(), json.RawMessage(body), &result); err != nil {
		return err
	}
	if !result[envelope.ConfirmField(cmd)] {
		return fmt.Errorf("%s: %w", cmd.Action(), ErrNotConfirmed)
	}
	return nil
}
