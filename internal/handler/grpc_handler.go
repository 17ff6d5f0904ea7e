package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "governance.v1.GovernanceService"

// GovernanceServer is implemented by GRPCHandler. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// API.
type GovernanceServer interface {
	governanceServer()
}

// GRPCHandler implements the GovernanceService gRPC interface
type GRPCHandler struct {
	api *API
	log *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(api *API, log *logger.Logger) *GRPCHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &GRPCHandler{api: api, log: log.Component("grpc_handler")}
}

func (*GRPCHandler) governanceServer() {}

// Register adds the service to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(h.serviceDesc(), h)
}

func (h *GRPCHandler) serviceDesc() *grpc.ServiceDesc {
	a := h.api
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*GovernanceServer)(nil),
		Methods: []grpc.MethodDesc{
			unary(h, "CreateRequest", a.CreateRequest),
			unary(h, "GetRequest", a.GetRequest),
			unary(h, "ListRequests", a.ListRequests),
			unary(h, "ListPending", a.ListPending),
			unary(h, "Vote", a.Vote),
			unary(h, "CancelRequest", a.CancelRequest),
			unary(h, "MarkExecuted", a.MarkExecuted),
			unary(h, "RequestHistory", a.RequestHistory),
			unary(h, "ListPolicies", a.ListPolicies),
			unary(h, "CreateInstance", a.CreateInstance),
			unary(h, "GetInstance", a.GetInstance),
			unary(h, "ListInstances", a.ListInstances),
			unary(h, "UpdateStepStatus", a.UpdateStepStatus),
			unary(h, "ApproveStep", a.ApproveStep),
			unary(h, "UpdateChecklistItem", a.UpdateChecklistItem),
			unary(h, "AddAttachment", a.AddAttachment),
			unary(h, "ReassignStep", a.ReassignStep),
			unary(h, "PauseInstance", a.PauseInstance),
			unary(h, "ResumeInstance", a.ResumeInstance),
			unary(h, "CancelInstance", a.CancelInstance),
			unary(h, "ReadySteps", a.ReadySteps),
			unary(h, "InstanceHistory", a.InstanceHistory),
			unary(h, "ListTemplates", a.ListTemplates),
			unary(h, "NextOccurrence", a.NextOccurrence),
		},
		Streams: []grpc.StreamDesc{},
	}
}

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[T any](h *GRPCHandler, name string, op func(context.Context, T) (any, error)) grpc.MethodDesc {
	call := func(ctx context.Context, req any) (any, error) {
		var in T
		if err := fromStruct(req.(*structpb.Struct), &in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "INVALID_INPUT: %v", err)
		}
		out, err := op(ctx, in)
		if err != nil {
			if _, m := mappingFor(err); m.grpc == codes.Internal {
				h.log.Error().Err(err).Str("method", name).Msg("gRPC call failed")
			}
			return nil, mapErrorToGRPC(err)
		}
		return toStruct(out)
	}

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// toStruct encodes v, which must marshal to a JSON object.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
