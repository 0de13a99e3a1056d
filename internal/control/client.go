package control

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control socket at socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Status(ctx context.Context) (StatusView, error) {
	var out StatusView
	err := c.invoke(ctx, "Status", struct{}{}, &out)
	return out, err
}

func (c *Client) Conversations(ctx context.Context) ([]ConversationView, error) {
	var out struct {
		Conversations []ConversationView `json:"conversations"`
	}
	err := c.invoke(ctx, "Conversations", struct{}{}, &out)
	return out.Conversations, err
}

func (c *Client) Messages(ctx context.Context, conversationID int64) ([]MessageView, error) {
	var out struct {
		Messages []MessageView `json:"messages"`
	}
	err := c.invoke(ctx, "Messages", MessagesRequest{ConversationID: conversationID}, &out)
	return out.Messages, err
}

func (c *Client) Send(ctx context.Context, req SendRequest) (MessageView, error) {
	var out MessageView
	err := c.invoke(ctx, "Send", req, &out)
	return out, err
}

func (c *Client) Resend(ctx context.Context, localID string) error {
	return c.invoke(ctx, "Resend", ResendRequest{LocalID: localID}, nil)
}

func (c *Client) Focus(ctx context.Context, conversationID int64, group bool) error {
	return c.invoke(ctx, "Focus", FocusRequest{ConversationID: conversationID, Group: group}, nil)
}

func (c *Client) Blur(ctx context.Context, conversationID int64) error {
	return c.invoke(ctx, "Blur", FocusRequest{ConversationID: conversationID}, nil)
}

func (c *Client) Call(ctx context.Context, req CallRequest) (CallView, error) {
	var out CallView
	err := c.invoke(ctx, "Call", req, &out)
	return out, err
}

func (c *Client) Draws(ctx context.Context, limit int) ([]DrawView, error) {
	var out struct {
		Draws []DrawView `json:"draws"`
	}
	err := c.invoke(ctx, "Draws", LimitRequest{Limit: limit}, &out)
	return out.Draws, err
}

func (c *Client) Feed(ctx context.Context, limit int) ([]FeedEventView, error) {
	var out struct {
		Events []FeedEventView `json:"events"`
	}
	err := c.invoke(ctx, "Feed", LimitRequest{Limit: limit}, &out)
	return out.Events, err
}

// Watch streams bus events whose kind starts with prefix until ctx is done
// or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(WatchEvent) error) error {
	in, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/Watch")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt WatchEvent
		if err := fromStruct(out, &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}
