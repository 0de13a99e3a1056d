package call

import (
	"context"

	"github.com/matheus3301/pulse/internal/envelope"
)

// Signaler delivers a command to its recipient. A nil error means the server
// confirmed the command; a write that merely left the process is not enough.
type Signaler interface {
	Send(ctx context.Context, cmd envelope.Command) error
}

// SignalerFunc adapts a function, such as (*rest.Client).Signal.
type SignalerFunc func(ctx context.Context, cmd envelope.Command) error

func (f SignalerFunc) Send(ctx context.Context, cmd envelope.Command) error { return f(ctx, cmd) }
