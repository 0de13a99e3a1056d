// Package call coordinates voice-call signaling. Commands are sent first and
// applied only once the send is confirmed; inbound call events drive the
// remaining transitions. SDP and ICE payloads are relayed without being
// interpreted.
package call

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"go.uber.org/zap"
)

const (
	DefaultRingTimeout = 45 * time.Second
	replyTimeout       = 10 * time.Second
	endedHistory       = 64
)

// Options configures a Coordinator.
type Options struct {
	SelfID      int64
	RingTimeout time.Duration
	NewCallID   func() string
}

// Coordinator owns at most one live call session.
type Coordinator struct {
	opts     Options
	signaler Signaler
	bus      *bus.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	current   *Session
	placing   bool // an initiate is awaiting confirmation
	inflight  bool // a command for current is awaiting confirmation
	gen       uint64
	ringTimer *time.Timer
	ended     map[string]Session
	endedIDs  []string
	closed    bool
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(opts Options, signaler Signaler, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.NewCallID == nil {
		opts.NewCallID = func() string { return uuid.NewString() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		opts:     opts,
		signaler: signaler,
		bus:      b,
		logger:   logger.Named("call"),
		ended:    make(map[string]Session),
	}
}

// Initiate places a call to targetID. The session exists in ringing_out only
// once the invite is confirmed.
func (c *Coordinator) Initiate(ctx context.Context, targetID int64, callType string) (Session, error) {
	c.mu.Lock()
	if c.current != nil {
		err := &AlreadyInCallError{CallID: c.current.CallID, State: c.current.State}
		c.mu.Unlock()
		return Session{}, err
	}
	if c.placing {
		c.mu.Unlock()
		return Session{}, &AlreadyInCallError{}
	}
	if callType == "" {
		callType = "voice"
	}
	s := Session{
		CallID:      c.opts.NewCallID(),
		InitiatorID: c.opts.SelfID,
		TargetID:    targetID,
		CallType:    callType,
		State:       Idle,
	}
	c.placing = true
	c.mu.Unlock()

	err := c.signaler.Send(ctx, envelope.Invite{CallID: s.CallID, TargetID: targetID, CallType: callType})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.placing = false
	if err != nil {
		return Session{}, c.sendFailedLocked(s.CallID, "initiate", err)
	}
	if c.closed {
		return Session{}, &SignalingSendFailure{CallID: s.CallID, Action: "initiate", Err: context.Canceled}
	}
	s.StartedAt = time.Now()
	c.current = &s
	c.applyLocked(RingingOut, "")
	c.logger.Info("calling", zap.String("call_id", s.CallID), zap.Int64("target_id", targetID))
	return *c.current, nil
}

// Accept answers a ringing incoming call.
func (c *Coordinator) Accept(ctx context.Context, callID string, callerID int64) (Session, error) {
	return c.command(ctx, callID, callerID, "accept", []State{RingingIn}, Active, "",
		envelope.Accept{CallID: callID, CallerID: callerID})
}

// Reject declines a ringing incoming call.
func (c *Coordinator) Reject(ctx context.Context, callID string, callerID int64, reason string) (Session, error) {
	return c.command(ctx, callID, callerID, "reject", []State{RingingIn}, Ended, ReasonRejected,
		envelope.Reject{CallID: callID, CallerID: callerID, Reason: reason})
}

// Cancel withdraws an outgoing call before it is answered.
func (c *Coordinator) Cancel(ctx context.Context, callID string, targetID int64) (Session, error) {
	return c.command(ctx, callID, targetID, "cancel", []State{RingingOut}, Ended, ReasonCancelled,
		envelope.Cancel{CallID: callID, TargetID: targetID})
}

// End hangs up an active call.
func (c *Coordinator) End(ctx context.Context, callID string, peerID int64) (Session, error) {
	return c.command(ctx, callID, peerID, "end", []State{Active}, Ended, ReasonHangup,
		envelope.End{CallID: callID, PeerID: peerID})
}

// SendSignal relays a WebRTC offer, answer or ICE candidate for a live call.
// signalData is passed through untouched.
func (c *Coordinator) SendSignal(ctx context.Context, targetID int64, callID string, signalType envelope.SignalType, signalData json.RawMessage) error {
	if _, err := envelope.ParseSignalType(string(signalType)); err != nil {
		return &InvalidCallStateTransition{CallID: callID, Action: "signal", From: c.State(callID), Reason: err.Error()}
	}

	c.mu.Lock()
	s := c.current
	if s == nil || s.CallID != callID {
		err := &InvalidCallStateTransition{CallID: callID, Action: "signal", From: c.stateLocked(callID)}
		c.mu.Unlock()
		return err
	}
	if s.Peer(c.opts.SelfID) != targetID {
		err := &InvalidCallStateTransition{CallID: callID, Action: "signal", From: s.State, Reason: "target is not the peer"}
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	cmd := envelope.Signal{CallID: callID, TargetID: targetID, SignalType: signalType, SignalData: signalData}
	if err := c.signaler.Send(ctx, cmd); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.sendFailedLocked(callID, "signal", err)
	}
	return nil
}

// Current returns the live session, if any.
func (c *Coordinator) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Session{}, false
	}
	return *c.current, true
}

// State returns the local state for callID.
func (c *Coordinator) State(callID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(callID)
}

// Close stops the ring timer. Confirmations arriving afterwards are not
// applied to new sessions.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.gen++
	c.stopTimerLocked()
}

// HandleInvite opens a ringing_in session, or rejects the invite as busy
// while another call is live or being placed.
func (c *Coordinator) HandleInvite(inv envelope.CallInvite) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Debug("ignoring invite after close", zap.String("call_id", inv.CallID))
		return
	}
	if c.current != nil && c.current.CallID == inv.CallID {
		return
	}
	if c.current != nil || c.placing {
		c.logger.Info("rejecting call while busy", zap.String("call_id", inv.CallID), zap.Int64("caller_id", inv.CallerID))
		go c.sendDetached(envelope.Reject{CallID: inv.CallID, CallerID: inv.CallerID, Reason: ReasonBusy})
		return
	}
	if _, done := c.ended[inv.CallID]; done {
		return
	}

	callType := inv.CallType
	if callType == "" {
		callType = "voice"
	}
	c.current = &Session{
		CallID:      inv.CallID,
		InitiatorID: inv.CallerID,
		TargetID:    c.opts.SelfID,
		CallType:    callType,
		State:       Idle,
		StartedAt:   time.Now(),
	}
	c.applyLocked(RingingIn, "")
	c.logger.Info("incoming call", zap.String("call_id", inv.CallID), zap.Int64("caller_id", inv.CallerID))
}

// HandleReply applies call.accepted, call.rejected, call.cancelled and
// call.ended from the peer.
func (c *Coordinator) HandleReply(r envelope.CallReply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.current
	if s == nil || s.CallID != r.CallID {
		c.logger.Debug("reply for unknown call", zap.String("call_id", r.CallID), zap.String("event", r.Event))
		return
	}

	var (
		from   []State
		to     State
		reason string
	)
	switch r.Event {
	case envelope.EventCallAccepted:
		from, to = []State{RingingOut}, Active
	case envelope.EventCallRejected:
		from, to, reason = []State{RingingOut}, Ended, ReasonRejected
		if r.Reason != "" {
			reason = r.Reason
		}
	case envelope.EventCallCancelled:
		from, to, reason = []State{RingingIn}, Ended, ReasonCancelled
	case envelope.EventCallEnded:
		from, to, reason = []State{RingingOut, RingingIn, Active}, Ended, ReasonPeerEnded
	default:
		return
	}
	if !slices.Contains(from, s.State) {
		c.logger.Debug("ignoring reply in current state", zap.String("call_id", r.CallID), zap.String("event", r.Event), zap.String("state", string(s.State)))
		return
	}
	c.applyLocked(to, reason)
}

// HandleSignal republishes a peer's signal for the live call verbatim.
func (c *Coordinator) HandleSignal(sig envelope.CallSignal) {
	c.mu.Lock()
	live := c.current != nil && c.current.CallID == sig.CallID
	c.mu.Unlock()
	if !live {
		c.logger.Debug("signal for unknown call", zap.String("call_id", sig.CallID))
		return
	}
	c.bus.Publish(bus.Event{Kind: bus.KindCallSignal, Payload: sig})
}

// command sends cmd if the session for callID is in one of from, and moves
// it to `to` once the send is confirmed. An inbound event that changes the
// session while the send is in flight wins.
func (c *Coordinator) command(ctx context.Context, callID string, peerID int64, action string, from []State, to State, reason string, cmd envelope.Command) (Session, error) {
	c.mu.Lock()
	s := c.current
	if s == nil || s.CallID != callID || !slices.Contains(from, s.State) {
		err := &InvalidCallStateTransition{CallID: callID, Action: action, From: c.stateLocked(callID)}
		c.mu.Unlock()
		return Session{}, err
	}
	if s.Peer(c.opts.SelfID) != peerID {
		err := &InvalidCallStateTransition{CallID: callID, Action: action, From: s.State, Reason: "peer mismatch"}
		c.mu.Unlock()
		return Session{}, err
	}
	if c.inflight {
		c.mu.Unlock()
		return Session{}, ErrCommandInFlight
	}
	c.inflight = true
	gen := c.gen
	c.mu.Unlock()

	err := c.signaler.Send(ctx, cmd)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight = false
	if err != nil {
		return Session{}, c.sendFailedLocked(callID, action, err)
	}
	if gen != c.gen || c.current == nil || c.current.CallID != callID {
		if s, ok := c.ended[callID]; ok {
			return s, nil
		}
		if c.current != nil && c.current.CallID == callID {
			return *c.current, nil
		}
		return Session{}, nil
	}
	snapshot := c.applyLocked(to, reason)
	c.logger.Info("call "+action, zap.String("call_id", callID), zap.String("state", string(snapshot.State)))
	return snapshot, nil
}

// applyLocked moves the current session to `to` and publishes the change.
func (c *Coordinator) applyLocked(to State, reason string) Session {
	s := c.current
	from := s.State
	s.State = to
	c.gen++

	switch to {
	case RingingOut, RingingIn:
		c.startTimerLocked(s.CallID, c.gen)
	case Active:
		c.stopTimerLocked()
		s.AnsweredAt = time.Now()
	case Ended:
		c.stopTimerLocked()
		s.EndReason = reason
		s.EndedAt = time.Now()
		c.rememberLocked(*s)
		c.current = nil
	}

	snapshot := *s
	c.bus.Publish(bus.Event{Kind: bus.KindCallStateChanged, Payload: Change{From: from, Session: snapshot}})
	return snapshot
}

func (c *Coordinator) startTimerLocked(callID string, gen uint64) {
	c.stopTimerLocked()
	c.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() { c.ringTimeout(callID, gen) })
}

func (c *Coordinator) stopTimerLocked() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// ringTimeout ends an unanswered call. The caller tries to cancel on the
// wire but ends locally either way; the callee just records a missed call.
func (c *Coordinator) ringTimeout(callID string, gen uint64) {
	c.mu.Lock()
	s := c.current
	if gen != c.gen || s == nil || s.CallID != callID {
		c.mu.Unlock()
		return
	}
	outgoing := s.State == RingingOut
	target := s.TargetID
	reason := ReasonMissed
	if outgoing {
		reason = ReasonTimeout
	}
	c.applyLocked(Ended, reason)
	c.mu.Unlock()

	c.logger.Info("call unanswered", zap.String("call_id", callID), zap.String("reason", reason))
	if outgoing {
		c.sendDetached(envelope.Cancel{CallID: callID, TargetID: target})
	}
}

func (c *Coordinator) sendDetached(cmd envelope.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := c.signaler.Send(ctx, cmd); err != nil {
		c.logger.Warn("signaling send failed", zap.String("action", cmd.Action()), zap.Error(err))
	}
}

func (c *Coordinator) sendFailedLocked(callID, action string, err error) error {
	c.logger.Error("signaling send failed", zap.String("call_id", callID), zap.String("action", action), zap.Error(err))
	failure := &SignalingSendFailure{CallID: callID, Action: action, Err: err}
	c.bus.Publish(bus.Event{Kind: bus.KindCallSendFailed, Payload: failure})
	return failure
}

func (c *Coordinator) rememberLocked(s Session) {
	if _, ok := c.ended[s.CallID]; !ok {
		c.endedIDs = append(c.endedIDs, s.CallID)
	}
	c.ended[s.CallID] = s
	if len(c.endedIDs) > endedHistory {
		delete(c.ended, c.endedIDs[0])
		c.endedIDs = c.endedIDs[1:]
	}
}

func (c *Coordinator) stateLocked(callID string) State {
	if c.current != nil && c.current.CallID == callID {
		return c.current.State
	}
	if _, ok := c.ended[callID]; ok {
		return Ended
	}
	return Idle
}
