// Package messaging owns the bidirectional messaging socket: it connects with
// a server-issued Config, keeps the desired channel set subscribed across
// reconnects and publishes every typed inbound event on the bus as
// "im.<event>".
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/retry"
	"github.com/matheus3301/pulse/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Send while no socket is established.
	ErrNotConnected = errors.New("messaging: not connected")
	// ErrAlreadyConnected is returned by Connect unless the manager is disconnected.
	ErrAlreadyConnected = errors.New("messaging: already connected")
	// ErrEmptyChannel is returned when a channel name is blank.
	ErrEmptyChannel = errors.New("messaging: empty channel name")
	// ErrNotSubscribed is returned by Send for a channel the socket has not
	// joined; the server would refuse the event.
	ErrNotSubscribed = errors.New("messaging: channel not subscribed")
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultActivityTimeout  = 120 * time.Second
	pongGrace               = 30 * time.Second

	eventConnectionEstablished = "pusher:connection_established"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	clientEventPrefix          = "client-"
)

// Options configures a Manager.
type Options struct {
	Dialer     Dialer
	Authorizer Authorizer

	RetryInitial time.Duration
	RetryCeiling time.Duration
	// MaxReconnectAttempts bounds consecutive failed reconnects before the
	// manager gives up. Zero retries forever.
	MaxReconnectAttempts int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Manager maintains one logical messaging connection.
type Manager struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	// subMu orders subscribe and unsubscribe frames for the same channel.
	subMu sync.Mutex

	mu           sync.Mutex
	gen          uint64
	endpoint     string
	conn         Conn
	socketID     string
	desired      map[string]struct{}
	active       map[string]struct{}
	// pending holds active channels whose subscribe frame is not written yet.
	pending      map[string]struct{}
	reconnecting bool
	life         context.Context
	cancel       context.CancelFunc
}

// NewManager creates a disconnected manager.
func NewManager(opts Options, b *bus.Bus, logger *zap.Logger) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		bus:     b,
		machine: status.NewMachine(b, "messaging"),
		logger:  logger.Named("messaging"),
		desired: make(map[string]struct{}),
		active:  make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}
}

// Connect validates cfg and opens the socket. The default channels from cfg
// join the desired set, along with anything subscribed while disconnected.
//
// A transport failure on the first dial is returned as *status.TransportError
// and the manager keeps reconnecting in the background.
func (m *Manager) Connect(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.machine.Current() != status.Disconnected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.gen++
	gen := m.gen
	m.endpoint = cfg.Endpoint()
	for _, ch := range cfg.defaultChannels() {
		m.desired[ch] = struct{}{}
	}
	m.life, m.cancel = context.WithCancel(context.Background())
	_ = m.machine.Transition(status.Connecting)
	endpoint := m.endpoint
	m.mu.Unlock()

	m.logger.Info("connecting", zap.String("endpoint", endpoint), zap.String("session", cfg.SessionID))
	conn, socketID, err := m.dial(ctx, endpoint)
	if err != nil {
		m.logger.Warn("initial connect failed", zap.Error(err))
		m.onDrop(gen, nil, err)
		return &status.TransportError{Channel: "messaging", Attempt: 0, Err: err}
	}
	m.establish(gen, conn, socketID)
	return nil
}

// Disconnect unsubscribes every active channel, closes the socket and
// abandons any reconnect in flight.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	conn, cancel := m.conn, m.cancel
	for ch := range m.pending {
		delete(m.active, ch)
	}
	active := sortedKeys(m.active)
	m.conn, m.cancel, m.life = nil, nil, nil
	m.socketID = ""
	m.reconnecting = false
	m.desired = make(map[string]struct{})
	m.active = make(map[string]struct{})
	m.pending = make(map[string]struct{})
	_ = m.machine.Ensure(status.Disconnected)
	m.mu.Unlock()

	if conn != nil {
		for _, ch := range active {
			if err := m.writeFrame(context.Background(), conn, eventUnsubscribe, "", map[string]string{"channel": ch}); err != nil {
				m.logger.Debug("unsubscribe on disconnect", zap.String("channel", ch), zap.Error(err))
				break
			}
		}
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	m.logger.Info("disconnected")
}

// Subscribe adds channel to the desired set and subscribes it immediately
// when connected. Subscribing an already active channel is a no-op.
func (m *Manager) Subscribe(ctx context.Context, channel string) error {
	if strings.TrimSpace(channel) == "" {
		return ErrEmptyChannel
	}
	m.mu.Lock()
	m.desired[channel] = struct{}{}
	gen, conn := m.gen, m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return m.subscribeOn(ctx, gen, conn, channel)
}

// Unsubscribe removes channel from the desired set and leaves it on the
// current socket.
func (m *Manager) Unsubscribe(ctx context.Context, channel string) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	delete(m.desired, channel)
	_, wasActive := m.active[channel]
	_, wasPending := m.pending[channel]
	delete(m.active, channel)
	conn := m.conn
	m.mu.Unlock()

	// A pending subscribe sees the channel gone and never writes its frame.
	if !wasActive || wasPending || conn == nil {
		return nil
	}
	return m.writeFrame(ctx, conn, eventUnsubscribe, "", map[string]string{"channel": channel})
}

// SubscribeGroup joins a group conversation's channel.
func (m *Manager) SubscribeGroup(ctx context.Context, groupID int64) error {
	return m.Subscribe(ctx, GroupChannel(groupID))
}

// UnsubscribeGroup leaves a group conversation's channel.
func (m *Manager) UnsubscribeGroup(ctx context.Context, groupID int64) error {
	return m.Unsubscribe(ctx, GroupChannel(groupID))
}

// Send writes a client event on channel. The manager must be connected and
// the channel subscribed on the current socket. A nil error only means the
// frame was written; the server does not acknowledge client events.
func (m *Manager) Send(ctx context.Context, event, channel string, data any) error {
	m.mu.Lock()
	conn := m.conn
	_, active := m.active[channel]
	_, pending := m.pending[channel]
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if !active || pending {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, channel)
	}
	return m.writeFrame(ctx, conn, event, channel, data)
}

// State returns the connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Subscriptions returns the desired channel set, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.desired)
}

// Active returns the channels subscribed on the current socket, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for _, ch := range sortedKeys(m.active) {
		if _, ok := m.pending[ch]; !ok {
			out = append(out, ch)
		}
	}
	return out
}

// SocketID returns the id assigned by the server to the current socket.
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

type establishedData struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// dial opens a socket and waits for the server to confirm the connection.
func (m *Manager) dial(ctx context.Context, endpoint string) (Conn, string, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	conn, err := m.opts.Dialer.Dial(hctx, endpoint)
	if err != nil {
		return nil, "", err
	}
	for {
		raw, err := conn.Read(hctx)
		if err != nil {
			_ = conn.Close()
			return nil, "", fmt.Errorf("handshake: %w", err)
		}
		f, err := envelope.DecodeFrame(raw)
		if err != nil {
			m.logger.Debug("skipping frame during handshake", zap.Error(err))
			continue
		}
		switch f.Event {
		case eventConnectionEstablished:
			var d establishedData
			if err := json.Unmarshal(f.Data, &d); err != nil || d.SocketID == "" {
				_ = conn.Close()
				return nil, "", fmt.Errorf("handshake: missing socket id")
			}
			return conn, d.SocketID, nil
		case eventError:
			_ = conn.Close()
			return nil, "", fmt.Errorf("handshake rejected: %s", string(f.Data))
		}
	}
}

// establish installs conn as the live socket for gen and resubscribes every
// desired channel. It returns false when gen is stale. Establishing a
// generation that is already connected is a no-op.
func (m *Manager) establish(gen uint64, conn Conn, socketID string) bool {
	m.mu.Lock()
	if gen != m.gen || m.cancel == nil {
		m.mu.Unlock()
		_ = conn.Close()
		m.logger.Debug("discarding stale connection", zap.Uint64("gen", gen))
		return false
	}
	if m.conn != nil {
		same := m.conn == conn
		m.mu.Unlock()
		if !same {
			_ = conn.Close()
		}
		return true
	}
	m.conn = conn
	m.socketID = socketID
	m.active = make(map[string]struct{})
	m.pending = make(map[string]struct{})
	m.reconnecting = false
	_ = m.machine.Ensure(status.Connected)
	life := m.life
	channels := sortedKeys(m.desired)
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("socket_id", socketID), zap.Int("channels", len(channels)))
	for _, ch := range channels {
		if err := m.subscribeOn(life, gen, conn, ch); err != nil {
			m.logger.Warn("subscribe failed", zap.String("channel", ch), zap.Error(err))
		}
	}

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())
	go m.readLoop(life, gen, conn, &lastSeen)
	go m.keepalive(life, gen, conn, &lastSeen)
	return true
}

func (m *Manager) subscribeOn(ctx context.Context, gen uint64, conn Conn, channel string) error {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.active[channel]; ok {
		m.mu.Unlock()
		return nil
	}
	m.active[channel] = struct{}{}
	m.pending[channel] = struct{}{}
	socketID := m.socketID
	m.mu.Unlock()

	data := map[string]string{"channel": channel}
	if needsAuth(channel) && m.opts.Authorizer != nil {
		auth, err := m.opts.Authorizer.AuthorizeChannel(ctx, socketID, channel)
		if err != nil {
			m.dropActive(conn, channel)
			return fmt.Errorf("authorize %s: %w", channel, err)
		}
		data["auth"] = auth
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.mu.Lock()
	_, wanted := m.desired[channel]
	_, stillActive := m.active[channel]
	current := gen == m.gen && m.conn == conn
	if current {
		delete(m.pending, channel)
	}
	if !wanted || !stillActive || !current {
		if current {
			delete(m.active, channel)
		}
		m.mu.Unlock()
		m.logger.Debug("subscription withdrawn during authorization", zap.String("channel", channel))
		return nil
	}
	m.mu.Unlock()

	if err := m.writeFrame(ctx, conn, eventSubscribe, "", data); err != nil {
		m.dropActive(conn, channel)
		return err
	}
	m.logger.Debug("subscribed", zap.String("channel", channel))
	return nil
}

func (m *Manager) dropActive(conn Conn, channel string) {
	m.mu.Lock()
	if m.conn == conn {
		delete(m.active, channel)
		delete(m.pending, channel)
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn, lastSeen *atomic.Int64) {
	for {
		raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.onDrop(gen, conn, err)
			return
		}
		lastSeen.Store(time.Now().UnixNano())
		m.handleFrame(ctx, gen, conn, raw)
	}
}

// keepalive pings an idle socket and closes it when the server stays silent.
func (m *Manager) keepalive(ctx context.Context, gen uint64, conn Conn, lastSeen *atomic.Int64) {
	ticker := time.NewTicker(defaultActivityTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.isCurrent(gen, conn) {
			return
		}
		idle := time.Since(time.Unix(0, lastSeen.Load()))
		switch {
		case idle > defaultActivityTimeout+pongGrace:
			m.logger.Warn("socket silent, closing", zap.Duration("idle", idle))
			_ = conn.Close()
			return
		case idle > defaultActivityTimeout:
			if err := m.writeFrame(ctx, conn, eventPing, "", struct{}{}); err != nil {
				m.logger.Debug("ping", zap.Error(err))
			}
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, gen uint64, conn Conn, raw []byte) {
	f, err := envelope.DecodeFrame(raw)
	if err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch {
	case f.Event == eventPing:
		if err := m.writeFrame(ctx, conn, eventPong, "", struct{}{}); err != nil {
			m.logger.Debug("pong", zap.Error(err))
		}
		return
	case f.Event == eventError:
		m.logger.Warn("server error", zap.ByteString("data", f.Data))
		return
	case strings.HasPrefix(f.Event, "pusher"):
		m.logger.Debug("protocol frame", zap.String("event", f.Event), zap.String("channel", f.Channel))
		return
	}

	f.Event = strings.TrimPrefix(f.Event, clientEventPrefix)
	payload, err := envelope.Parse(f)
	if errors.Is(err, envelope.ErrUnknownEvent) {
		m.logger.Debug("ignoring unknown event", zap.String("event", f.Event))
		return
	}
	if err != nil {
		m.logger.Warn("dropping malformed event", zap.String("event", f.Event), zap.Error(err))
		return
	}
	if !m.isCurrent(gen, conn) {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindInboundPrefix + f.Event, Payload: payload})
}

// onDrop moves a live generation into reconnecting. Only one reconnect runs
// per generation; drops of stale sockets are ignored.
func (m *Manager) onDrop(gen uint64, conn Conn, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.cancel == nil || m.reconnecting || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.conn = nil
	m.socketID = ""
	m.active = make(map[string]struct{})
	m.pending = make(map[string]struct{})
	_ = m.machine.Ensure(status.Reconnecting)
	life, endpoint := m.life, m.endpoint
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Warn("connection dropped", zap.Error(cause))
	go m.reconnect(life, gen, endpoint, cause)
}

func (m *Manager) reconnect(ctx context.Context, gen uint64, endpoint string, cause error) {
	policy := retry.New(m.opts.RetryInitial, m.opts.RetryCeiling, m.opts.MaxReconnectAttempts)
	lastErr := cause
	for {
		delay, ok := policy.Next()
		if !ok {
			m.giveUp(gen, policy.Attempt(), lastErr)
			return
		}
		m.bus.Publish(bus.Event{Kind: bus.KindMessagingDegraded, Payload: &status.TransportError{
			Channel: "messaging",
			Attempt: policy.Attempt(),
			RetryIn: delay,
			Err:     lastErr,
		}})
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if !m.isCurrent(gen, nil) {
			return
		}

		conn, socketID, err := m.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lastErr = err
			m.logger.Warn("reconnect failed", zap.Int("attempt", policy.Attempt()), zap.Error(err))
			continue
		}
		m.establish(gen, conn, socketID)
		return
	}
}

func (m *Manager) giveUp(gen uint64, attempts int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	cancel := m.cancel
	m.cancel, m.life = nil, nil
	m.reconnecting = false
	_ = m.machine.Ensure(status.Disconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Error("giving up reconnecting", zap.Int("attempts", attempts), zap.Error(cause))
	m.bus.Publish(bus.Event{Kind: bus.KindMessagingGaveUp, Payload: &status.TransportError{
		Channel: "messaging",
		Attempt: attempts,
		Err:     cause,
	}})
}

func (m *Manager) isCurrent(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn == conn
}

func (m *Manager) writeFrame(ctx context.Context, conn Conn, event, channel string, data any) error {
	frame, err := envelope.EncodeFrame(event, channel, data)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
