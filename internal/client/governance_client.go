package client

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

const governanceService = "governance.v1.GovernanceService"

// GovernanceGRPCClient calls the GovernanceService of a running server.
// Messages travel as google.protobuf.Struct values holding the HTTP API's
// JSON shapes.
type GovernanceGRPCClient struct {
	conn *grpc.ClientConn
}

// NewGovernanceGRPCClient dials the governance gRPC service and returns a
// client. Extra options are appended to the defaults (insecure transport,
// identity forwarding).
func NewGovernanceGRPCClient(addr string, opts ...grpc.DialOption) (*GovernanceGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &GovernanceGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *GovernanceGRPCClient) Close() error {
	return c.conn.Close()
}

type list[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// GetRequest returns an approval request, or nil if none exists.
func (c *GovernanceGRPCClient) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	var out repository.ApprovalRequest
	if err := c.call(ctx, "GetRequest", map[string]any{"id": id}, &out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// ListPending returns open requests of tenantID ordered by deadline. With
// forMe set, only requests the caller may vote on are returned.
func (c *GovernanceGRPCClient) ListPending(ctx context.Context, tenantID string, forMe bool) ([]*repository.ApprovalRequest, error) {
	var out list[*repository.ApprovalRequest]
	if err := c.call(ctx, "ListPending", map[string]any{"tenant_id": tenantID, "for_me": forMe}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Vote records the caller's decision on a request.
func (c *GovernanceGRPCClient) Vote(ctx context.Context, requestID string, decision repository.Decision, comment string) (*repository.ApprovalRequest, error) {
	var out repository.ApprovalRequest
	in := map[string]any{"request_id": requestID, "decision": string(decision), "comment": comment}
	if err := c.call(ctx, "Vote", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstance returns a playbook instance, or nil if none exists.
func (c *GovernanceGRPCClient) GetInstance(ctx context.Context, id string) (*repository.PlaybookInstance, error) {
	var out repository.PlaybookInstance
	if err := c.call(ctx, "GetInstance", map[string]any{"id": id}, &out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// ReadySteps returns the steps of an instance that can be started now.
func (c *GovernanceGRPCClient) ReadySteps(ctx context.Context, instanceID string) ([]string, error) {
	var out list[string]
	if err := c.call(ctx, "ReadySteps", map[string]any{"id": instanceID}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *GovernanceGRPCClient) call(ctx context.Context, method string, in map[string]any, out any) error {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+governanceService+"/"+method, req, resp); err != nil {
		return err
	}
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
