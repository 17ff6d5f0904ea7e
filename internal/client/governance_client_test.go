package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/auth"
	"github.com/pesio-ai/be-governance-workflows/internal/handler"
	"github.com/pesio-ai/be-governance-workflows/internal/playbook"
	"github.com/pesio-ai/be-governance-workflows/internal/policy"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
	"github.com/pesio-ai/be-governance-workflows/internal/service"
)

func startServer(t *testing.T) (*client.GovernanceGRPCClient, *service.ApprovalService) {
	t.Helper()
	reg, err := policy.LoadDefault()
	require.NoError(t, err)
	cat, err := playbook.LoadDefaultCatalogue()
	require.NoError(t, err)
	deps := service.Deps{
		Requests:  repository.NewMemoryRequestRepository(),
		Instances: repository.NewMemoryInstanceRepository(),
		Audit:     repository.NewMemoryAuditRepository(),
	}
	approvals := service.NewApprovalService(reg, deps)
	api := handler.NewAPI(approvals, service.NewPlaybookService(cat, deps), nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryServerInterceptor()))
	handler.NewGRPCHandler(api, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := client.NewGovernanceGRPCClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, approvals
}

func TestGovernanceClient_PendingAndVote(t *testing.T) {
	c, approvals := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := approvals.CreateRequest(ctx, service.CreateRequestInput{
		TenantID:      "tenant-1",
		CompanyID:     "company-1",
		OperationType: repository.OpNAVPublish,
		Payload: repository.NAVPublicationPayload{
			FundID:   "fund-1",
			NAVDate:  time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
			TotalNAV: 1_000_00,
			Currency: "EUR",
		},
		Requestor: access.NewPrincipal("ctrl-1", "tenant-1", access.RoleController),
	})
	require.NoError(t, err)

	cfoCtx := client.WithIdentity(ctx, "cfo-1", "tenant-1", access.RoleCFO)

	pending, err := c.ListPending(cfoCtx, "tenant-1", true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	voted, err := c.Vote(cfoCtx, req.ID, repository.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Len(t, voted.Approvals, 1)

	_, err = c.Vote(cfoCtx, req.ID, repository.DecisionApprove, "again")
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	missing, err := c.GetRequest(cfoCtx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGovernanceClient_ForwardsIncomingIdentity(t *testing.T) {
	c, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.ListPending(ctx, "tenant-1", false)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	incoming := metadata.NewIncomingContext(ctx, metadata.Pairs("x-user-id", "ctrl-1", "x-tenant-id", "tenant-1"))
	pending, err := c.ListPending(incoming, "tenant-1", false)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
