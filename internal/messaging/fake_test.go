package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/matheus3301/pulse/internal/envelope"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []envelope.Frame
}

func newFakeConn(socketID string) *fakeConn {
	c := &fakeConn{
		in:     make(chan []byte, 32),
		closed: make(chan struct{}),
	}
	c.push(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"` + socketID + `\",\"activity_timeout\":30}"}`)
	return c
}

func (c *fakeConn) push(frame string) { c.in <- []byte(frame) }

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	f, err := envelope.DecodeFrame(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// frames returns written frames with the given event name.
func (c *fakeConn) frames(event string) []envelope.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []envelope.Frame
	for _, f := range c.written {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	next  func(call int) (*fakeConn, error)
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	c, err := d.next(n)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeAuthorizer struct{}

func (fakeAuthorizer) AuthorizeChannel(_ context.Context, socketID, channel string) (string, error) {
	return "key:" + socketID + ":" + channel, nil
}

func jsonUnmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
