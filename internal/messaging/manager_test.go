package messaging

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestManager(t *testing.T, d *fakeDialer, maxAttempts int) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := NewManager(Options{
		Dialer:               d,
		Authorizer:           fakeAuthorizer{},
		RetryInitial:         5 * time.Millisecond,
		RetryCeiling:         20 * time.Millisecond,
		MaxReconnectAttempts: maxAttempts,
	}, b, nil)
	t.Cleanup(m.Disconnect)
	return m, b
}

func subscribedChannels(c *fakeConn) []string {
	var out []string
	for _, f := range c.frames(eventSubscribe) {
		var d struct {
			Channel string `json:"channel"`
		}
		_ = jsonUnmarshal(f.Data, &d)
		out = append(out, d.Channel)
	}
	sort.Strings(out)
	return out
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return newFakeConn("1.1"), nil }}
	m, _ := newTestManager(t, d, 0)

	cfg := validConfig()
	cfg.SessionID = ""
	err := m.Connect(context.Background(), cfg)

	var cerr *ConnectionConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, status.Disconnected, m.State())
	assert.Equal(t, 0, d.dials())
}

func TestConnectSubscribesDefaultChannels(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)

	require.NoError(t, m.Connect(context.Background(), validConfig()))

	assert.Equal(t, status.Connected, m.State())
	assert.Equal(t, "1.1", m.SocketID())
	assert.Equal(t, []string{"lottery", "private-user.7", "system"}, subscribedChannels(conn))
	assert.Equal(t, []string{"lottery", "private-user.7", "system"}, m.Active())

	for _, f := range conn.frames(eventSubscribe) {
		var d struct {
			Channel string `json:"channel"`
			Auth    string `json:"auth"`
		}
		require.NoError(t, jsonUnmarshal(f.Data, &d))
		if d.Channel == "private-user.7" {
			assert.Equal(t, "key:1.1:private-user.7", d.Auth)
		} else {
			assert.Empty(t, d.Auth)
		}
	}

	assert.ErrorIs(t, m.Connect(context.Background(), validConfig()), ErrAlreadyConnected)
}

func TestInboundEventsArePublishedInOrder(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, b := newTestManager(t, d, 0)
	events, unsub := b.Subscribe(bus.KindInboundPrefix, 16)
	defer unsub()

	require.NoError(t, m.Connect(context.Background(), validConfig()))

	conn.push(`{"event":".message.sent","channel":"private-group.3","data":"{\"message\":{\"id\":10,\"conversation_id\":3,\"sender_id\":9,\"type\":\"text\",\"content\":\"hi\",\"created_at\":1700000000}}"}`)
	conn.push(`{"event":"message.sent","data":{"message":{"conversation_id":3}}}`)
	conn.push(`not json`)
	conn.push(`{"event":"user.online","data":{"user_id":9}}`)
	conn.push(`{"event":"client-call.signal","channel":"private-user.7","data":{"call_id":"c1","from_id":9,"signal_type":"offer","signal_data":{"sdp":"v=0"}}}`)

	want := []string{"im.message.sent", "im.user.online", "im.call.signal"}
	for i, kind := range want {
		select {
		case evt := <-events:
			require.Equal(t, kind, evt.Kind, "event %d", i)
			switch p := evt.Payload.(type) {
			case envelope.MessageSent:
				assert.Equal(t, int64(10), p.Message.ID)
				assert.Equal(t, "hi", p.Message.Content)
			case envelope.Presence:
				assert.True(t, p.Online)
				assert.Equal(t, int64(9), p.UserID)
			case envelope.CallSignal:
				assert.Equal(t, envelope.SignalOffer, p.SignalType)
			default:
				t.Fatalf("unexpected payload %T", p)
			}
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestPingIsAnswered(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)
	require.NoError(t, m.Connect(context.Background(), validConfig()))

	conn.push(`{"event":"pusher:ping","data":{}}`)

	require.Eventually(t, func() bool { return len(conn.frames(eventPong)) == 1 }, waitFor, tick)
}

func TestSubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)

	require.NoError(t, m.SubscribeGroup(context.Background(), 3))
	assert.Equal(t, []string{"private-group.3"}, m.Subscriptions())
	assert.Empty(t, m.Active())

	require.NoError(t, m.Connect(context.Background(), validConfig()))
	assert.Contains(t, subscribedChannels(conn), "private-group.3")
	assert.ErrorIs(t, m.Subscribe(context.Background(), " "), ErrEmptyChannel)
}

func TestUnsubscribeGroup(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)
	require.NoError(t, m.Connect(context.Background(), validConfig()))

	require.NoError(t, m.SubscribeGroup(context.Background(), 3))
	require.NoError(t, m.SubscribeGroup(context.Background(), 3))
	assert.Len(t, conn.frames(eventSubscribe), 4)

	require.NoError(t, m.UnsubscribeGroup(context.Background(), 3))
	assert.Len(t, conn.frames(eventUnsubscribe), 1)
	assert.NotContains(t, m.Subscriptions(), "private-group.3")

	require.NoError(t, m.UnsubscribeGroup(context.Background(), 3))
	assert.Len(t, conn.frames(eventUnsubscribe), 1)
}

func TestReconnectRestoresDesiredChannels(t *testing.T) {
	first, second := newFakeConn("1.1"), newFakeConn("2.2")
	d := &fakeDialer{next: func(n int) (*fakeConn, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	m, b := newTestManager(t, d, 0)
	degraded, unsub := b.Subscribe(bus.KindMessagingDegraded, 4)
	defer unsub()

	require.NoError(t, m.Connect(context.Background(), validConfig()))
	require.NoError(t, m.SubscribeGroup(context.Background(), 3))
	require.NoError(t, m.SubscribeGroup(context.Background(), 4))
	require.NoError(t, m.UnsubscribeGroup(context.Background(), 4))

	_ = first.Close()

	select {
	case evt := <-degraded:
		var terr *status.TransportError
		require.True(t, errors.As(evt.Payload.(error), &terr))
		assert.Equal(t, 1, terr.Attempt)
		assert.Zero(t, terr.RetryIn)
	case <-time.After(waitFor):
		t.Fatal("no degraded notification")
	}

	want := []string{"lottery", "private-group.3", "private-user.7", "system"}
	require.Eventually(t, func() bool { return len(second.frames(eventSubscribe)) == len(want) }, waitFor, tick)
	assert.Equal(t, want, subscribedChannels(second))
	assert.Equal(t, status.Connected, m.State())
	assert.Equal(t, "2.2", m.SocketID())
	assert.Equal(t, 2, d.dials())
}

func TestEstablishTwiceForSameGenerationIsIdempotent(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)
	require.NoError(t, m.Connect(context.Background(), validConfig()))

	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	assert.True(t, m.establish(gen, conn, "1.1"))
	duplicate := newFakeConn("9.9")
	assert.True(t, m.establish(gen, duplicate, "9.9"))

	assert.Len(t, conn.frames(eventSubscribe), 3)
	assert.Empty(t, duplicate.frames(eventSubscribe))
	assert.True(t, duplicate.isClosed())
	assert.Equal(t, "1.1", m.SocketID())
}

func TestStaleReconnectIsDiscarded(t *testing.T) {
	first, late := newFakeConn("1.1"), newFakeConn("2.2")
	gate := make(chan struct{})
	d := &fakeDialer{next: func(n int) (*fakeConn, error) {
		if n == 1 {
			return first, nil
		}
		<-gate
		return late, nil
	}}
	m, _ := newTestManager(t, d, 0)
	require.NoError(t, m.Connect(context.Background(), validConfig()))

	m.mu.Lock()
	oldGen := m.gen
	m.mu.Unlock()

	_ = first.Close()
	require.Eventually(t, func() bool { return d.dials() == 2 }, waitFor, tick)
	assert.Equal(t, status.Reconnecting, m.State())

	m.Disconnect()
	close(gate)

	require.Eventually(t, late.isClosed, waitFor, tick)
	assert.Equal(t, status.Disconnected, m.State())
	assert.Empty(t, m.Active())
	assert.Empty(t, late.frames(eventSubscribe))

	stray := newFakeConn("3.3")
	assert.False(t, m.establish(oldGen, stray, "3.3"))
	assert.True(t, stray.isClosed())
}

func TestInitialDialFailureKeepsRetrying(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(n int) (*fakeConn, error) {
		if n == 1 {
			return nil, errRefused
		}
		return conn, nil
	}}
	m, _ := newTestManager(t, d, 0)

	err := m.Connect(context.Background(), validConfig())
	var terr *status.TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, errRefused)

	require.Eventually(t, func() bool { return m.State() == status.Connected }, waitFor, tick)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	first := newFakeConn("1.1")
	d := &fakeDialer{next: func(n int) (*fakeConn, error) {
		if n == 1 {
			return first, nil
		}
		return nil, errRefused
	}}
	m, b := newTestManager(t, d, 2)
	gaveUp, unsub := b.Subscribe(bus.KindMessagingGaveUp, 1)
	defer unsub()

	require.NoError(t, m.Connect(context.Background(), validConfig()))
	_ = first.Close()

	select {
	case evt := <-gaveUp:
		terr := evt.Payload.(*status.TransportError)
		assert.Equal(t, 2, terr.Attempt)
		assert.ErrorIs(t, terr, errRefused)
	case <-time.After(waitFor):
		t.Fatal("manager never gave up")
	}
	assert.Equal(t, status.Disconnected, m.State())
	assert.Equal(t, 3, d.dials())

	// Channels survive a give-up so a manual reconnect restores them.
	assert.Contains(t, m.Subscriptions(), "private-user.7")
}

func TestDisconnectUnsubscribesEverything(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)
	require.NoError(t, m.Connect(context.Background(), validConfig()))
	require.NoError(t, m.SubscribeGroup(context.Background(), 3))

	m.Disconnect()

	assert.Len(t, conn.frames(eventUnsubscribe), 4)
	assert.True(t, conn.isClosed())
	assert.Equal(t, status.Disconnected, m.State())
	assert.Empty(t, m.Subscriptions())
	assert.ErrorIs(t, m.Send(context.Background(), "client-call.signal", "private-user.9", nil), ErrNotConnected)
}

func TestSendWritesClientEvent(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)
	require.NoError(t, m.Connect(context.Background(), validConfig()))

	require.NoError(t, m.Send(context.Background(), "client-typing", "private-user.7", map[string]string{"call_id": "c1"}))

	frames := conn.frames("client-typing")
	require.Len(t, frames, 1)
	assert.Equal(t, "private-user.7", frames[0].Channel)
	assert.JSONEq(t, `{"call_id":"c1"}`, string(frames[0].Data))
}

func TestSendRefusesUnsubscribedChannel(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	m, _ := newTestManager(t, d, 0)
	require.NoError(t, m.Connect(context.Background(), validConfig()))

	err := m.Send(context.Background(), "client-call.invite", UserChannel(42), map[string]string{"call_id": "c1"})
	assert.ErrorIs(t, err, ErrNotSubscribed)
	assert.Empty(t, conn.frames("client-call.invite"))
}

// slowAuthorizer blocks until release is closed.
type slowAuthorizer struct {
	started chan string
	release chan struct{}
}

func (a *slowAuthorizer) AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error) {
	if channel == GroupChannel(9) {
		a.started <- channel
		select {
		case <-a.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "key:" + socketID + ":" + channel, nil
}

func TestUnsubscribeDuringAuthorizationWritesNothing(t *testing.T) {
	conn := newFakeConn("1.1")
	d := &fakeDialer{next: func(int) (*fakeConn, error) { return conn, nil }}
	auth := &slowAuthorizer{started: make(chan string, 1), release: make(chan struct{})}
	m := NewManager(Options{Dialer: d, Authorizer: auth}, bus.New(), nil)
	t.Cleanup(m.Disconnect)
	require.NoError(t, m.Connect(context.Background(), validConfig()))

	subscribed := make(chan error, 1)
	go func() { subscribed <- m.SubscribeGroup(context.Background(), 9) }()

	select {
	case <-auth.started:
	case <-time.After(waitFor):
		t.Fatal("authorization never started")
	}
	assert.NotContains(t, m.Active(), GroupChannel(9))
	require.NoError(t, m.UnsubscribeGroup(context.Background(), 9))
	close(auth.release)

	select {
	case err := <-subscribed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("subscribe never returned")
	}

	assert.NotContains(t, subscribedChannels(conn), GroupChannel(9))
	assert.Empty(t, conn.frames(eventUnsubscribe))
	assert.NotContains(t, m.Active(), GroupChannel(9))
	assert.NotContains(t, m.Subscriptions(), GroupChannel(9))
}
