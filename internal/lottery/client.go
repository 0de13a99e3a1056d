// Package lottery maintains the inbound-only lottery event stream: one
// server-sent-events subscription per stream key, reconnected with the
// shared retry policy until it is closed or the server rejects its key.
package lottery

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/retry"
	"github.com/matheus3301/pulse/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrEmptyStreamKey is returned by Open when no stream key is supplied.
	ErrEmptyStreamKey = errors.New("lottery: empty stream key")
	// ErrStreamKeyRejected ends a subscription whose key the server refused.
	// A new key must be fetched and passed to Open.
	ErrStreamKeyRejected = errors.New("lottery: stream key rejected")
)

const (
	DefaultCapacity = 500
	streamPath      = "/sse/lottery"
	maxLineSize     = 1 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	Capacity     int
	RetryInitial time.Duration
	RetryCeiling time.Duration
}

// Client consumes the lottery stream. Decoded lottery and heartbeat events
// are appended to a bounded feed and published as bus.KindLotteryEvent.
type Client struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu          sync.Mutex
	gen         uint64
	cancel      context.CancelFunc
	done        chan struct{}
	lastEventID string
	retryFloor  time.Duration
	feed        []envelope.StreamEvent
}

// NewClient creates a stream client in the disconnected state.
func NewClient(opts Options, b *bus.Bus, logger *zap.Logger) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		bus:     b,
		machine: status.NewMachine(b, "lottery"),
		logger:  logger.Named("lottery"),
	}
}

// Open subscribes to the stream for streamKey. A previous subscription is
// torn down first, so re-opening replaces it. Open returns once the
// subscription is scheduled; connection progress is reported through state
// changes on the bus.
func (c *Client) Open(ctx context.Context, streamKey string) error {
	if strings.TrimSpace(streamKey) == "" {
		return ErrEmptyStreamKey
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	prevCancel, prevDone := c.cancel, c.done
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.lastEventID = ""
	c.retryFloor = 0
	_ = c.machine.Ensure(status.Disconnected)
	_ = c.machine.Transition(status.Connecting)
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	go func() {
		defer close(done)
		c.run(runCtx, gen, streamKey)
	}()
	return nil
}

// Close releases the subscription and waits for the reader to exit. Any
// completion still in flight for the closed subscription becomes a no-op.
func (c *Client) Close() {
	c.mu.Lock()
	c.gen++
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	_ = c.machine.Ensure(status.Disconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// State returns the stream connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// Events returns a copy of the feed, oldest first.
func (c *Client) Events() []envelope.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.StreamEvent, len(c.feed))
	copy(out, c.feed)
	return out
}

func (c *Client) run(ctx context.Context, gen uint64, key string) {
	policy := retry.New(c.opts.RetryInitial, c.opts.RetryCeiling, 0)
	for {
		received, err := c.stream(ctx, gen, key)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrStreamKeyRejected) {
			c.logger.Warn("lottery stream key rejected", zap.Error(err))
			if !c.setState(gen, status.Disconnected) {
				return
			}
			c.bus.Publish(bus.Event{Kind: bus.KindLotteryDegraded, Payload: &status.TransportError{Channel: "lottery", Attempt: policy.Attempt(), Err: err}})
			return
		}
		if received > 0 {
			policy.Reset()
		}
		delay, _ := policy.Next()
		c.mu.Lock()
		if delay < c.retryFloor {
			delay = c.retryFloor
		}
		c.mu.Unlock()
		if err == nil {
			err = errors.New("stream ended")
		}
		terr := &status.TransportError{Channel: "lottery", Attempt: policy.Attempt(), RetryIn: delay, Err: err}
		c.logger.Warn("lottery stream dropped", zap.Error(err), zap.Int("attempt", terr.Attempt), zap.Duration("retry_in", delay))
		if !c.setState(gen, status.Reconnecting) {
			return
		}
		c.bus.Publish(bus.Event{Kind: bus.KindLotteryDegraded, Payload: terr})

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// stream runs one HTTP subscription until it ends and reports how many
// events it delivered.
func (c *Client) stream(ctx context.Context, gen uint64, key string) (int, error) {
	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + streamPath + "?sse_key=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.mu.Lock()
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	c.mu.Unlock()

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return 0, fmt.Errorf("%w: status %d", ErrStreamKeyRejected, resp.StatusCode)
	default:
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if !c.setState(gen, status.Connected) {
		return 0, nil
	}
	c.logger.Info("lottery stream connected")

	received := 0
	var (
		id   string
		data bytes.Buffer
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if data.Len() > 0 {
				if c.handle(gen, id, data.Bytes()) {
					received++
				}
			}
			id = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		// The event field is not needed: payloads carry their own discriminator.
		switch field {
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		case "id":
			id = value
		case "retry":
			// Server-advised reconnect delay in milliseconds; a floor for the backoff.
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				c.mu.Lock()
				if gen == c.gen {
					c.retryFloor = time.Duration(ms) * time.Millisecond
				}
				c.mu.Unlock()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return received, fmt.Errorf("read: %w", err)
	}
	return received, nil
}

// handle decodes and records one event. Malformed payloads are dropped.
func (c *Client) handle(gen uint64, id string, raw []byte) bool {
	evt, err := envelope.DecodeStream(raw)
	if err != nil {
		c.logger.Warn("dropping malformed lottery event", zap.Error(err))
		return false
	}
	if evt.Event != envelope.StreamLottery && evt.Event != envelope.StreamHeartbeat {
		c.logger.Debug("ignoring stream event", zap.String("event", evt.Event))
		return false
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	if id != "" {
		c.lastEventID = id
		evt.ID = id
	}
	c.feed = append(c.feed, evt)
	if over := len(c.feed) - c.opts.Capacity; over > 0 {
		c.feed = append(c.feed[:0], c.feed[over:]...)
	}
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: bus.KindLotteryEvent, Payload: evt})
	return true
}

func (c *Client) setState(gen uint64, s status.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	if err := c.machine.Ensure(s); err != nil {
		c.logger.Debug("lottery state", zap.Error(err))
	}
	return true
}
