package control

import (
	"context"
	"errors"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/call"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/journal"
	"github.com/matheus3301/pulse/internal/lottery"
	"github.com/matheus3301/pulse/internal/messaging"
	"github.com/matheus3301/pulse/internal/outbox"
	"github.com/matheus3301/pulse/internal/session"
	"github.com/matheus3301/pulse/internal/store"
	intsync "github.com/matheus3301/pulse/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components the control service reads and drives.
type Deps struct {
	Session   session.Context
	Store     *store.Store
	Engine    *intsync.Engine
	Outbox    *outbox.Sender
	Calls     *call.Coordinator
	Lottery   *lottery.Client
	Messaging *messaging.Manager
	Journal   *journal.DB
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	Deps
}

// NewService creates the control service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("control")
	return &Service{Deps: d}
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	v := StatusView{
		Session:       s.Session.Name,
		UserID:        s.Session.UserID,
		Lottery:       string(s.Lottery.State()),
		Messaging:     string(s.Messaging.State()),
		SocketID:      s.Messaging.SocketID(),
		Subscriptions: s.Messaging.Active(),
		Focused:       s.Engine.Focused(),
		Feed:          len(s.Lottery.Events()),
	}
	if cur, ok := s.Calls.Current(); ok {
		v.Call = callView(cur)
	}
	return reply(v)
}

func (s *Service) Conversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.Store.Conversations()
	views := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		views = append(views, conversationView(c))
	}
	return reply(map[string]any{"conversations": views})
}

func (s *Service) Messages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MessagesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if _, ok := s.Store.Conversation(req.ConversationID); !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %d not found", req.ConversationID)
	}
	msgs := s.Store.Messages(req.ConversationID)
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView(m))
	}
	return reply(map[string]any{"messages": views})
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	msg, err := s.Outbox.Queue(ctx, outbox.Request{
		ConversationID: req.ConversationID,
		Type:           store.ParseMessageType(req.Type),
		Content:        req.Content,
		ReplyToID:      req.ReplyToID,
		Attachment:     req.Attachment,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(messageView(msg))
}

func (s *Service) Resend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ResendRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.Outbox.Resend(ctx, req.LocalID); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"local_id": req.LocalID})
}

func (s *Service) Focus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FocusRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ConversationID <= 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := s.Engine.Focus(ctx, req.ConversationID, req.Group); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"focused": req.ConversationID})
}

func (s *Service) Blur(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FocusRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.Engine.Blur(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"focused": s.Engine.Focused()})
}

func (s *Service) Call(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CallRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	var (
		sess call.Session
		err  error
	)
	switch req.Action {
	case CallInitiate:
		sess, err = s.Calls.Initiate(ctx, req.PeerID, req.CallType)
	case CallAccept:
		sess, err = s.Calls.Accept(ctx, req.CallID, req.PeerID)
	case CallReject:
		sess, err = s.Calls.Reject(ctx, req.CallID, req.PeerID, req.Reason)
	case CallCancel:
		sess, err = s.Calls.Cancel(ctx, req.CallID, req.PeerID)
	case CallEnd:
		sess, err = s.Calls.End(ctx, req.CallID, req.PeerID)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown call action %q", req.Action)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(callView(sess))
}

func (s *Service) Draws(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LimitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	draws, err := s.Journal.ListDraws(req.Limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list draws: %v", err)
	}
	views := make([]DrawView, 0, len(draws))
	for _, d := range draws {
		views = append(views, drawView(d))
	}
	return reply(map[string]any{"draws": views})
}

func (s *Service) Feed(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LimitRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	events := s.Lottery.Events()
	if req.Limit > 0 && len(events) > req.Limit {
		events = events[len(events)-req.Limit:]
	}
	views := make([]FeedEventView, 0, len(events))
	for _, e := range events {
		views = append(views, feedView(e))
	}
	return reply(map[string]any{"events": views})
}

func (s *Service) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	ch, unsub := s.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(WatchEvent{
				Kind:    evt.Kind,
				Ts:      evt.Timestamp.UnixMilli(),
				Payload: payloadJSON(evt.Payload),
			})
			if err != nil {
				s.Logger.Warn("failed to encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func feedView(e envelope.StreamEvent) FeedEventView {
	return FeedEventView{ID: e.ID, Event: e.Event, Data: e.Data, Ts: e.Ts.Unix()}
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// toStatus maps component errors onto gRPC codes.
func toStatus(err error) error {
	var (
		busy    *call.AlreadyInCallError
		invalid *call.InvalidCallStateTransition
		failure *call.SignalingSendFailure
	)
	switch {
	case errors.As(err, &busy), errors.As(err, &invalid):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &failure):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, call.ErrCommandInFlight):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, store.ErrUnknownConversation), errors.Is(err, journal.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrEmptyMessage):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

var _ ControlServer = (*Service)(nil)

