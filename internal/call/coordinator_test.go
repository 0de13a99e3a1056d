package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const self = int64(7)

type fakeSignaler struct {
	mu    sync.Mutex
	sent  []envelope.Command
	err   error
	block chan struct{}
	seen  chan envelope.Command
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{seen: make(chan envelope.Command, 16)}
}

func (f *fakeSignaler) Send(ctx context.Context, cmd envelope.Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	err, block := f.err, f.block
	f.mu.Unlock()
	f.seen <- cmd
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSignaler) commands() []envelope.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]envelope.Command(nil), f.sent...)
}

func (f *fakeSignaler) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func newTestCoordinator(sig Signaler, ring time.Duration) (*Coordinator, *bus.Bus) {
	b := bus.New()
	ids := 0
	c := NewCoordinator(Options{
		SelfID:      self,
		RingTimeout: ring,
		NewCallID: func() string {
			ids++
			return "call-" + string(rune('0'+ids))
		},
	}, sig, b, nil)
	return c, b
}

func waitSent(t *testing.T, f *fakeSignaler) envelope.Command {
	t.Helper()
	select {
	case cmd := <-f.seen:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for signaling command")
		return nil
	}
}

func waitChange(t *testing.T, ch <-chan bus.Event) Change {
	t.Helper()
	select {
	case evt := <-ch:
		return evt.Payload.(Change)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for call state change")
		return Change{}
	}
}

func TestAcceptFromIdleSendsNothing(t *testing.T) {
	sig := newFakeSignaler()
	c, b := newTestCoordinator(sig, time.Minute)
	defer c.Close()
	changes, unsub := b.Subscribe(bus.KindCallStateChanged, 4)
	defer unsub()

	_, err := c.Accept(context.Background(), "nope", 3)
	var invalid *InvalidCallStateTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Idle, invalid.From)
	assert.Empty(t, sig.commands())
	assert.Equal(t, Idle, c.State("nope"))
	assert.Empty(t, changes)
}

func TestInitiateCancelThenAcceptIsRejected(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, time.Minute)
	defer c.Close()
	ctx := context.Background()

	s, err := c.Initiate(ctx, 42, "")
	require.NoError(t, err)
	assert.NotEmpty(t, s.CallID)
	assert.Equal(t, RingingOut, s.State)
	assert.Equal(t, "voice", s.CallType)
	assert.Equal(t, envelope.Invite{CallID: s.CallID, TargetID: 42, CallType: "voice"}, sig.commands()[0])

	ended, err := c.Cancel(ctx, s.CallID, 42)
	require.NoError(t, err)
	assert.Equal(t, Ended, ended.State)
	assert.Equal(t, ReasonCancelled, ended.EndReason)
	assert.Equal(t, Ended, c.State(s.CallID))

	_, err = c.Accept(ctx, s.CallID, 42)
	var invalid *InvalidCallStateTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Ended, invalid.From)
	assert.Len(t, sig.commands(), 2)

	_, ok := c.Current()
	assert.False(t, ok)
}

func TestInitiateWhileInCall(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, time.Minute)
	defer c.Close()

	first, err := c.Initiate(context.Background(), 42, "voice")
	require.NoError(t, err)

	_, err = c.Initiate(context.Background(), 43, "voice")
	var busy *AlreadyInCallError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, first.CallID, busy.CallID)
	assert.Equal(t, RingingOut, busy.State)
	assert.Len(t, sig.commands(), 1)
}

func TestSendFailureDoesNotAdvance(t *testing.T) {
	sig := newFakeSignaler()
	c, b := newTestCoordinator(sig, time.Minute)
	defer c.Close()
	failures, unsub := b.Subscribe(bus.KindCallSendFailed, 4)
	defer unsub()

	sig.fail(errors.New("network down"))
	_, err := c.Initiate(context.Background(), 42, "voice")
	var failure *SignalingSendFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "initiate", failure.Action)
	_, ok := c.Current()
	assert.False(t, ok)
	require.Len(t, failures, 1)

	sig.fail(nil)
	s, err := c.Initiate(context.Background(), 42, "voice")
	require.NoError(t, err)

	sig.fail(errors.New("network down"))
	_, err = c.Cancel(context.Background(), s.CallID, 42)
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, RingingOut, c.State(s.CallID))
}

func TestIncomingAcceptThenEnd(t *testing.T) {
	sig := newFakeSignaler()
	c, b := newTestCoordinator(sig, time.Minute)
	defer c.Close()
	changes, unsub := b.Subscribe(bus.KindCallStateChanged, 8)
	defer unsub()
	ctx := context.Background()

	c.HandleInvite(envelope.CallInvite{CallID: "in-1", CallerID: 9})
	ch := waitChange(t, changes)
	assert.Equal(t, Idle, ch.From)
	assert.Equal(t, RingingIn, ch.Session.State)
	assert.False(t, ch.Session.Outgoing(self))

	_, err := c.Accept(ctx, "in-1", 10)
	require.Error(t, err, "caller mismatch")

	s, err := c.Accept(ctx, "in-1", 9)
	require.NoError(t, err)
	assert.Equal(t, Active, s.State)
	assert.False(t, s.AnsweredAt.IsZero())

	_, err = c.Accept(ctx, "in-1", 9)
	var invalid *InvalidCallStateTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, Active, invalid.From)

	s, err = c.End(ctx, "in-1", 9)
	require.NoError(t, err)
	assert.Equal(t, ReasonHangup, s.EndReason)
	assert.Equal(t, []envelope.Command{
		envelope.Accept{CallID: "in-1", CallerID: 9},
		envelope.End{CallID: "in-1", PeerID: 9},
	}, sig.commands())
}

func TestPeerReplies(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, time.Minute)
	defer c.Close()
	ctx := context.Background()

	s, err := c.Initiate(ctx, 42, "voice")
	require.NoError(t, err)
	c.HandleReply(envelope.CallReply{Event: envelope.EventCallCancelled, CallID: s.CallID, UserID: 42})
	assert.Equal(t, RingingOut, c.State(s.CallID), "cancel only applies to incoming calls")

	c.HandleReply(envelope.CallReply{Event: envelope.EventCallAccepted, CallID: s.CallID, UserID: 42})
	assert.Equal(t, Active, c.State(s.CallID))

	c.HandleReply(envelope.CallReply{Event: envelope.EventCallEnded, CallID: s.CallID, UserID: 42})
	assert.Equal(t, Ended, c.State(s.CallID))

	s, err = c.Initiate(ctx, 43, "voice")
	require.NoError(t, err)
	c.HandleReply(envelope.CallReply{Event: envelope.EventCallRejected, CallID: s.CallID, UserID: 43, Reason: ReasonBusy})
	assert.Equal(t, Ended, c.State(s.CallID))
	assert.Len(t, sig.commands(), 2)
}

func TestBusyAutoReject(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, time.Minute)
	defer c.Close()

	s, err := c.Initiate(context.Background(), 42, "voice")
	require.NoError(t, err)
	waitSent(t, sig)

	c.HandleInvite(envelope.CallInvite{CallID: "other", CallerID: 5})
	cmd := waitSent(t, sig)
	assert.Equal(t, envelope.Reject{CallID: "other", CallerID: 5, Reason: ReasonBusy}, cmd)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, s.CallID, cur.CallID)
	assert.Equal(t, Idle, c.State("other"))
}

func TestInviteAfterCloseIsIgnored(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, time.Minute)
	c.Close()

	c.HandleInvite(envelope.CallInvite{CallID: "late", CallerID: 5})

	select {
	case cmd := <-sig.seen:
		t.Fatalf("sent %T after close", cmd)
	case <-time.After(50 * time.Millisecond):
	}
	_, ok := c.Current()
	assert.False(t, ok)
	assert.Equal(t, Idle, c.State("late"))
}

func TestRingTimeoutCallerCancels(t *testing.T) {
	sig := newFakeSignaler()
	c, b := newTestCoordinator(sig, 30*time.Millisecond)
	defer c.Close()
	changes, unsub := b.Subscribe(bus.KindCallStateChanged, 8)
	defer unsub()

	s, err := c.Initiate(context.Background(), 42, "voice")
	require.NoError(t, err)
	waitSent(t, sig)
	waitChange(t, changes)

	ch := waitChange(t, changes)
	assert.Equal(t, Ended, ch.Session.State)
	assert.Equal(t, ReasonTimeout, ch.Session.EndReason)
	assert.Equal(t, envelope.Cancel{CallID: s.CallID, TargetID: 42}, waitSent(t, sig))
}

func TestRingTimeoutCalleeMissed(t *testing.T) {
	sig := newFakeSignaler()
	c, b := newTestCoordinator(sig, 30*time.Millisecond)
	defer c.Close()
	changes, unsub := b.Subscribe(bus.KindCallStateChanged, 8)
	defer unsub()

	c.HandleInvite(envelope.CallInvite{CallID: "in-1", CallerID: 9})
	waitChange(t, changes)
	ch := waitChange(t, changes)
	assert.Equal(t, ReasonMissed, ch.Session.EndReason)
	assert.Empty(t, sig.commands())
}

func TestAnsweredCallDoesNotTimeOut(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, 40*time.Millisecond)
	defer c.Close()

	c.HandleInvite(envelope.CallInvite{CallID: "in-1", CallerID: 9})
	_, err := c.Accept(context.Background(), "in-1", 9)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, Active, c.State("in-1"))
}

func TestSignalRelay(t *testing.T) {
	sig := newFakeSignaler()
	c, b := newTestCoordinator(sig, time.Minute)
	defer c.Close()
	signals, unsub := b.Subscribe(bus.KindCallSignal, 4)
	defer unsub()
	ctx := context.Background()

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	err := c.SendSignal(ctx, 42, "missing", envelope.SignalOffer, offer)
	require.Error(t, err)

	s, err := c.Initiate(ctx, 42, "voice")
	require.NoError(t, err)
	require.Error(t, c.SendSignal(ctx, 42, s.CallID, "sdp", offer))
	require.Error(t, c.SendSignal(ctx, 41, s.CallID, envelope.SignalOffer, offer))
	require.NoError(t, c.SendSignal(ctx, 42, s.CallID, envelope.SignalOffer, offer))
	cmds := sig.commands()
	assert.Equal(t, envelope.Signal{CallID: s.CallID, TargetID: 42, SignalType: envelope.SignalOffer, SignalData: offer}, cmds[len(cmds)-1])
	assert.Equal(t, RingingOut, c.State(s.CallID))

	in := envelope.CallSignal{CallID: s.CallID, FromID: 42, SignalType: envelope.SignalAnswer, SignalData: json.RawMessage(`{"sdp":"x"}`)}
	c.HandleSignal(in)
	c.HandleSignal(envelope.CallSignal{CallID: "stale", FromID: 42, SignalType: envelope.SignalICE})
	select {
	case evt := <-signals:
		assert.Equal(t, in, evt.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not republished")
	}
	assert.Empty(t, signals)
}

func TestInboundEndDuringInflightCommandWins(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, time.Minute)
	defer c.Close()
	ctx := context.Background()

	c.HandleInvite(envelope.CallInvite{CallID: "in-1", CallerID: 9})

	sig.mu.Lock()
	sig.block = make(chan struct{})
	release := sig.block
	sig.mu.Unlock()

	done := make(chan struct{})
	var (
		s   Session
		err error
	)
	go func() {
		defer close(done)
		s, err = c.Accept(ctx, "in-1", 9)
	}()
	waitSent(t, sig)

	_, inflightErr := c.Reject(ctx, "in-1", 9, "")
	assert.ErrorIs(t, inflightErr, ErrCommandInFlight)

	c.HandleReply(envelope.CallReply{Event: envelope.EventCallCancelled, CallID: "in-1", UserID: 9})
	close(release)
	<-done

	require.NoError(t, err)
	assert.Equal(t, Ended, s.State)
	assert.Equal(t, ReasonCancelled, s.EndReason)
	assert.Equal(t, Ended, c.State("in-1"))
	_, ok := c.Current()
	assert.False(t, ok)
}

func TestDuplicateInviteIgnored(t *testing.T) {
	sig := newFakeSignaler()
	c, _ := newTestCoordinator(sig, time.Minute)
	defer c.Close()

	c.HandleInvite(envelope.CallInvite{CallID: "in-1", CallerID: 9})
	c.HandleInvite(envelope.CallInvite{CallID: "in-1", CallerID: 9})
	assert.Equal(t, RingingIn, c.State("in-1"))
	assert.Empty(t, sig.commands())
}
