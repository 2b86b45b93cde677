// Package control is the daemon's local RPC surface: storechatctl drives
// the session's chat controller through it over the session unix socket.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/storechat/internal/chat"
	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/session"
	"github.com/matheus3301/storechat/internal/status"
	"github.com/matheus3301/storechat/internal/upload"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "storechat.v1.Control"

// Chat is the controller the service drives.
type Chat interface {
	Open(ctx context.Context, counterpart string) ([]model.Message, error)
	Send(ctx context.Context, text string) (chat.SendResult, error)
	Typing() error
	Counterpart() (string, bool)
	UnreadTotal() int
}

// Files selects attachments for the next send.
type Files interface {
	Select(files []upload.File, kind model.MessageType) ([]string, error)
}

// Connection reports the realtime transport state.
type Connection interface {
	State() status.State
	Retries() int
	Identity() (session.Identity, bool)
}

// Server implements the control service.
type Server struct {
	session string
	chat    Chat
	files   Files
	conn    Connection
	logger  *zap.Logger
	started time.Time
}

// NewServer creates the control service for a session.
func NewServer(sessionName string, c Chat, files Files, conn Connection, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		session: sessionName,
		chat:    c,
		files:   files,
		conn:    conn,
		logger:  logger.Named("control"),
		started: time.Now(),
	}
}

// Register adds the service to a gRPC server.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

// Status reports the session, identity and transport state.
func (s *Server) Status(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out := map[string]any{
		"session":   s.session,
		"state":     string(s.conn.State()),
		"retries":   s.conn.Retries(),
		"uptime_ms": time.Since(s.started).Milliseconds(),
		"unread":    s.chat.UnreadTotal(),
	}
	if id, ok := s.conn.Identity(); ok {
		out["role"] = string(id.Role)
		out["user_id"] = id.UserID
		if id.StoreID != "" {
			out["store_id"] = id.StoreID
		}
	}
	if cp, ok := s.chat.Counterpart(); ok {
		out["counterpart"] = cp
	}
	return structpb.NewStruct(out)
}

// Open opens the conversation named by the "counterpart" field.
func (s *Server) Open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	counterpart := req.GetFields()["counterpart"].GetStringValue()
	msgs, err := s.chat.Open(ctx, counterpart)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"counterpart": counterpart, "messages": msgs})
}

// Send selects the files listed in "files", then sends them with "text".
func (s *Server) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	var files []upload.File
	for _, v := range fields["files"].GetListValue().GetValues() {
		f, err := upload.FromPath(v.GetStringValue())
		if err != nil {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
		files = append(files, f)
	}
	if len(files) > 0 {
		kind := model.MessageType(fields["kind"].GetStringValue())
		if _, err := s.files.Select(files, kind); err != nil {
			return nil, toStatus(err)
		}
	}

	res, sendErr := s.chat.Send(ctx, fields["text"].GetStringValue())
	if sendErr != nil && len(res.Messages) == 0 {
		return nil, toStatus(sendErr)
	}
	failed := make([]string, 0, len(res.FailedUploads))
	for _, a := range res.FailedUploads {
		failed = append(failed, a.File.Name)
	}
	out := map[string]any{"messages": res.Messages, "failed_uploads": failed}
	if sendErr != nil {
		out["error"] = sendErr.Error()
	}
	return encode(out)
}

// Typing announces that this side is typing.
func (s *Server) Typing(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.chat.Typing(); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// encode turns v into a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}

func toStatus(err error) error {
	code := codes.Internal
	switch chaterr.KindOf(err) {
	case chaterr.Validation:
		code = codes.InvalidArgument
	case chaterr.Auth:
		code = codes.Unauthenticated
	case chaterr.NotFound:
		code = codes.NotFound
	case chaterr.Network, chaterr.Transport:
		code = codes.Unavailable
	case chaterr.Upload, chaterr.Persistence:
		code = codes.Aborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Error(code, err.Error())
}

// controlServer is the handler type checked by RegisterService.
type controlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Typing(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func unary[Req any, Resp any](method string, call func(controlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(controlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(controlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", controlServer.Status),
		unary("Open", controlServer.Open),
		unary("Send", controlServer.Send),
		unary("Typing", controlServer.Typing),
	},
	Metadata: "storechat/v1/control.proto",
}
