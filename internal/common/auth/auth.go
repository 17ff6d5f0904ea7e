// Package auth carries the authenticated caller through request contexts.
// Authentication itself happens at the gateway; this service trusts the
// identity headers (HTTP) or metadata (gRPC) the gateway forwards.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
)

// Identity headers set by the gateway.
const (
	HeaderUserID   = "X-User-ID"
	HeaderRoles    = "X-User-Roles"
	HeaderTenantID = "X-Tenant-ID"
)

// Metadata keys are the lowercase header names.
var (
	mdUserID   = strings.ToLower(HeaderUserID)
	mdRoles    = strings.ToLower(HeaderRoles)
	mdTenantID = strings.ToLower(HeaderTenantID)
)

type contextKey struct{}

// ErrNoPrincipal is returned when the caller is anonymous.
var ErrNoPrincipal = fmt.Errorf("no authenticated user in context")

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p access.Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by the middleware or interceptor.
func FromContext(ctx context.Context) (access.Principal, error) {
	p, ok := ctx.Value(contextKey{}).(access.Principal)
	if !ok || p.UserID == "" {
		return access.Principal{}, ErrNoPrincipal
	}
	return p, nil
}

// FromHeaders builds a principal from identity headers. The second return
// is false when no user id is present.
func FromHeaders(h http.Header) (access.Principal, bool) {
	return build(h.Get(HeaderUserID), h.Get(HeaderTenantID), h.Values(HeaderRoles))
}

// FromMetadata builds a principal from incoming gRPC metadata.
func FromMetadata(md metadata.MD) (access.Principal, bool) {
	return build(first(md.Get(mdUserID)), first(md.Get(mdTenantID)), md.Get(mdRoles))
}

func build(userID, tenantID string, roleValues []string) (access.Principal, bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return access.Principal{}, false
	}
	var roles []string
	for _, v := range roleValues {
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
	}
	return access.NewPrincipal(userID, strings.TrimSpace(tenantID), roles...), true
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Middleware attaches the caller's principal to the request context when
// identity headers are present. Anonymous requests pass through; handlers
// that need a caller reject them.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p, ok := FromHeaders(r.Header); ok {
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryServerInterceptor is the gRPC counterpart of Middleware.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if p, ok := FromMetadata(md); ok {
				ctx = WithPrincipal(ctx, p)
			}
		}
		return handler(ctx, req)
	}
}
