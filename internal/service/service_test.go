package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
	"github.com/pesio-ai/be-governance-workflows/internal/metrics"
	"github.com/pesio-ai/be-governance-workflows/internal/playbook"
	"github.com/pesio-ai/be-governance-workflows/internal/policy"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() IDGenerator {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []client.NotifyRequest
}

func (r *recordingNotifier) Notify(_ context.Context, req client.NotifyRequest) {
	r.mu.Lock()
	r.sent = append(r.sent, req)
	r.mu.Unlock()
}

func (r *recordingNotifier) events(eventType string) []client.NotifyRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []client.NotifyRequest
	for _, n := range r.sent {
		if n.EventType == eventType {
			out = append(out, n)
		}
	}
	return out
}

type env struct {
	clock     *fakeClock
	notifier  *recordingNotifier
	requests  *repository.MemoryRequestRepository
	instances *repository.MemoryInstanceRepository
	audit     *repository.MemoryAuditRepository
	deps      Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		clock:     newFakeClock(),
		notifier:  &recordingNotifier{},
		requests:  repository.NewMemoryRequestRepository(),
		instances: repository.NewMemoryInstanceRepository(),
		audit:     repository.NewMemoryAuditRepository(),
	}
	e.deps = Deps{
		Requests:  e.requests,
		Instances: e.instances,
		Audit:     e.audit,
		Notifier:  e.notifier,
		Metrics:   metrics.New(nil),
		Clock:     e.clock.Now,
		NewID:     sequentialIDs(),
	}
	return e
}

func (e *env) approvals(t *testing.T) *ApprovalService {
	t.Helper()
	reg, err := policy.LoadDefault()
	require.NoError(t, err)
	return NewApprovalService(reg, e.deps)
}

func (e *env) playbooks(t *testing.T) *PlaybookService {
	t.Helper()
	cat, err := playbook.LoadDefaultCatalogue()
	require.NoError(t, err)
	return NewPlaybookService(cat, e.deps)
}

func (e *env) sweeper() *EscalationSweeper {
	return NewEscalationSweeper(e.deps, 4)
}

const tenant = "tenant-1"

func principal(user string, roles ...string) access.Principal {
	return access.NewPrincipal(user, tenant, roles...)
}

func requireCode(t *testing.T, err error, code errors.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, errors.CodeOf(err), "unexpected error: %v", err)
}

func navPublishInput(requestor access.Principal) CreateRequestInput {
	return CreateRequestInput{
		TenantID:      tenant,
		CompanyID:     "company-1",
		OperationType: repository.OpNAVPublish,
		Payload: repository.NAVPublicationPayload{
			FundID:      "fund-1",
			NAVDate:     time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
			NAVPerShare: 10_512,
			TotalNAV:    52_000_000_00,
			Currency:    "EUR",
		},
		Requestor: requestor,
	}
}
