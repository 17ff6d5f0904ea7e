package client

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-governance-workflows/internal/common/auth"
)

// forwardMetadata is a gRPC unary client interceptor that propagates the
// caller identity of an incoming request to outgoing calls, so a service
// acting on behalf of a user is authorized as that user. Explicit outgoing
// metadata wins.
func forwardMetadata(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if _, ok := metadata.FromOutgoingContext(ctx); !ok {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = metadata.NewOutgoingContext(ctx, md)
		}
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// WithIdentity attaches the identity metadata the governance service
// expects from its gateway.
func WithIdentity(ctx context.Context, userID, tenantID string, roles ...string) context.Context {
	kv := []string{strings.ToLower(auth.HeaderUserID), userID}
	if tenantID != "" {
		kv = append(kv, strings.ToLower(auth.HeaderTenantID), tenantID)
	}
	if len(roles) > 0 {
		kv = append(kv, strings.ToLower(auth.HeaderRoles), strings.Join(roles, ","))
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
