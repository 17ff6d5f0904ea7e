package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
	"github.com/pesio-ai/be-governance-workflows/internal/policy"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

func TestCreateRequest_DualApprovalHappyPath(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, req.Status)
	assert.Equal(t, repository.RiskHigh, req.RiskLevel)
	assert.Equal(t, 2, req.RequiredApprovers)
	assert.Equal(t, testEpoch.Add(hours(24)), req.Deadline)
	assert.Equal(t, "controller", req.RequestedByRole)
	require.Len(t, e.notifier.events(client.EventApprovalRequested), 1)
	assert.ElementsMatch(t, []string{"role:controller", "role:cfo"},
		e.notifier.events(client.EventApprovalRequested)[0].Recipients)

	req, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, req.Status)
	assert.Len(t, req.Approvals, 1)

	e.clock.Advance(hours(1))
	req, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("ctrl-2", access.RoleController), Decision: repository.DecisionApprove, Comment: "checked"})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, req.Status)
	assert.Len(t, req.Approvals, 2)
	require.NotNil(t, req.ApprovedAt)
	assert.Equal(t, testEpoch.Add(hours(1)), *req.ApprovedAt)
	assert.False(t, req.AutoApproved)

	approved := e.notifier.events(client.EventRequestApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, []string{"user:ctrl-1", "role:fund_accountant"}, approved[0].Recipients)

	history, err := svc.History(ctx, req.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(history))
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []string{"created", "vote_approve", "vote_approve"}, actions)
}

func TestVote_VetoAfterApproval(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)

	_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
	require.NoError(t, err)

	req, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("ctrl-2", access.RoleController), Decision: repository.DecisionReject, Comment: "wrong share class"})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, req.Status)
	assert.Len(t, req.Approvals, 1)
	assert.Len(t, req.Rejections, 1)
	assert.NotNil(t, req.RejectedAt)
	assert.Nil(t, req.ApprovedAt)
	require.Len(t, e.notifier.events(client.EventRequestRejected), 1)

	_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-2", access.RoleCFO), Decision: repository.DecisionApprove})
	requireCode(t, err, ErrCodeInvalidState)
}

func TestVote_SingleRejectionRejectsFreshRequest(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)

	req, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, req.Status)
	assert.Empty(t, req.Approvals)
}

func TestCreateRequest_AutoApproval(t *testing.T) {
	type testCase struct {
		name         string
		requestor    access.Principal
		affected     int
		wantStatus   repository.RequestStatus
		wantAuto     bool
		wantEvent    string
		wantNotified []string
	}

	testCases := []testCase{
		{
			name:         "trusted manager under cap",
			requestor:    principal("fm-1", access.RoleFundManager),
			affected:     5,
			wantStatus:   repository.RequestApproved,
			wantAuto:     true,
			wantEvent:    client.EventRequestAutoApproved,
			wantNotified: []string{"user:fm-1"},
		},
		{
			name:       "trusted manager over cap",
			requestor:  principal("fm-1", access.RoleFundManager),
			affected:   11,
			wantStatus: repository.RequestPending,
			wantEvent:  client.EventApprovalRequested,
		},
		{
			name:       "untrusted requestor",
			requestor:  principal("acc-1", access.RoleFundAccountant),
			affected:   1,
			wantStatus: repository.RequestPending,
			wantEvent:  client.EventApprovalRequested,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			svc := e.approvals(t)

			req, err := svc.CreateRequest(context.Background(), CreateRequestInput{
				TenantID:      tenant,
				OperationType: repository.OpMasterdataChange,
				Payload: repository.MasterdataChangePayload{
					EntityType: "investor",
					EntityID:   "inv-9",
					Fields:     map[string]string{"address": "Main St 1"},
				},
				ChangePreview: &repository.ChangePreview{AffectedRecords: tc.affected},
				Requestor:     tc.requestor,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, req.Status)
			assert.Equal(t, tc.wantAuto, req.AutoApproved)
			assert.Empty(t, req.Approvals)

			events := e.notifier.events(tc.wantEvent)
			require.Len(t, events, 1)
			if tc.wantNotified != nil {
				assert.Equal(t, tc.wantNotified, events[0].Recipients)
			}

			history, err := svc.History(context.Background(), req.ID)
			require.NoError(t, err)
			require.Len(t, history, 1)
			if tc.wantAuto {
				assert.Equal(t, "auto_approved", history[0].Action)
				assert.NotNil(t, req.ApprovedAt)
			}
		})
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	type testCase struct {
		name     string
		mutate   func(in *CreateRequestInput)
		wantCode errors.Code
	}

	testCases := []testCase{
		{
			name:     "unknown operation",
			mutate:   func(in *CreateRequestInput) { in.OperationType = "nav.delete" },
			wantCode: ErrCodePolicyNotFound,
		},
		{
			name: "payload of wrong type",
			mutate: func(in *CreateRequestInput) {
				in.Payload = repository.ExportPayload{Dataset: "positions"}
			},
			wantCode: errors.ErrCodeInvalidInput,
		},
		{
			name:     "missing payload",
			mutate:   func(in *CreateRequestInput) { in.Payload = nil },
			wantCode: errors.ErrCodeInvalidInput,
		},
		{
			name:     "missing tenant",
			mutate:   func(in *CreateRequestInput) { in.TenantID = "" },
			wantCode: errors.ErrCodeInvalidInput,
		},
		{
			name: "requestor from another tenant",
			mutate: func(in *CreateRequestInput) {
				in.Requestor = access.NewPrincipal("ctrl-9", "tenant-2", access.RoleController)
			},
			wantCode: ErrCodeNotAuthorized,
		},
		{
			name: "negative preview",
			mutate: func(in *CreateRequestInput) {
				in.ChangePreview = &repository.ChangePreview{AffectedRecords: -1}
			},
			wantCode: errors.ErrCodeInvalidInput,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			in := navPublishInput(principal("ctrl-1", access.RoleController))
			tc.mutate(&in)

			_, err := e.approvals(t).CreateRequest(context.Background(), in)
			requireCode(t, err, tc.wantCode)
		})
	}
}

func TestVote_Rejections(t *testing.T) {
	type testCase struct {
		name      string
		setup     func(t *testing.T, svc *ApprovalService, id string)
		requestID string
		voter     access.Principal
		decision  repository.Decision
		wantCode  errors.Code
	}

	testCases := []testCase{
		{
			name:      "unknown request",
			requestID: "missing",
			voter:     principal("cfo-1", access.RoleCFO),
			decision:  repository.DecisionApprove,
			wantCode:  ErrCodeRequestNotFound,
		},
		{
			name:     "requestor cannot vote",
			voter:    principal("ctrl-1", access.RoleController),
			decision: repository.DecisionApprove,
			wantCode: ErrCodeSelfApproval,
		},
		{
			name:     "requestor cannot reject either",
			voter:    principal("ctrl-1", access.RoleController),
			decision: repository.DecisionReject,
			wantCode: ErrCodeSelfApproval,
		},
		{
			name:     "admin requestor is still excluded",
			voter:    principal("ctrl-1", access.RoleAdmin),
			decision: repository.DecisionApprove,
			wantCode: ErrCodeSelfApproval,
		},
		{
			name:     "voter without approver capability",
			voter:    principal("viewer-1", access.RoleViewer),
			decision: repository.DecisionApprove,
			wantCode: ErrCodeNotAuthorized,
		},
		{
			name:     "voter from another tenant",
			voter:    access.NewPrincipal("cfo-x", "tenant-2", access.RoleCFO),
			decision: repository.DecisionApprove,
			wantCode: ErrCodeNotAuthorized,
		},
		{
			name: "second vote by the same user",
			setup: func(t *testing.T, svc *ApprovalService, id string) {
				_, err := svc.Vote(context.Background(), VoteInput{RequestID: id, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
				require.NoError(t, err)
			},
			voter:    principal("cfo-1", access.RoleCFO),
			decision: repository.DecisionReject,
			wantCode: ErrCodeDuplicateVote,
		},
		{
			name:     "unknown decision",
			voter:    principal("cfo-1", access.RoleCFO),
			decision: "ABSTAIN",
			wantCode: errors.ErrCodeInvalidInput,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			svc := e.approvals(t)
			req, err := svc.CreateRequest(context.Background(), navPublishInput(principal("ctrl-1", access.RoleController)))
			require.NoError(t, err)
			if tc.setup != nil {
				tc.setup(t, svc, req.ID)
			}
			id := req.ID
			if tc.requestID != "" {
				id = tc.requestID
			}

			_, err = svc.Vote(context.Background(), VoteInput{RequestID: id, Voter: tc.voter, Decision: tc.decision})
			requireCode(t, err, tc.wantCode)

			stored, err := svc.GetRequest(context.Background(), req.ID)
			require.NoError(t, err)
			assert.Equal(t, repository.RequestPending, stored.Status)
		})
	}
}

func TestVote_AdminCanVoteOnOthersRequest(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)

	req, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("root", access.RoleAdmin), Decision: repository.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, "admin", req.Approvals[0].VoterRole)
}

func TestVote_ConcurrentVotesFinalizeOnce(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)
	_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
	require.NoError(t, err)

	voters := []string{"cfo-2", "cfo-3", "cfo-4", "cfo-5", "cfo-6", "cfo-7"}
	errs := make([]error, len(voters))
	var wg sync.WaitGroup
	for i, v := range voters {
		wg.Add(1)
		go func(i int, v string) {
			defer wg.Done()
			_, errs[i] = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal(v, access.RoleCFO), Decision: repository.DecisionApprove})
		}(i, v)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, ErrCodeInvalidState, errors.CodeOf(err))
	}
	assert.Equal(t, 1, succeeded)

	stored, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, stored.Status)
	assert.Len(t, stored.Approvals, 2)
	assert.Len(t, e.notifier.events(client.EventRequestApproved), 1)
}

// navPolicyRegistry returns a registry holding only the default nav.publish
// policy after edit has been applied to it.
func navPolicyRegistry(t *testing.T, edit func(*policy.ApprovalPolicy)) *policy.Registry {
	t.Helper()
	defaults, err := policy.LoadDefault()
	require.NoError(t, err)
	p, ok := defaults.Get(repository.OpNAVPublish)
	require.True(t, ok)
	edit(&p)
	reg, err := policy.NewRegistry([]policy.ApprovalPolicy{p})
	require.NoError(t, err)
	return reg
}

func TestVote_QuorumOfThree(t *testing.T) {
	e := newEnv(t)
	reg := navPolicyRegistry(t, func(p *policy.ApprovalPolicy) {
		p.RequiresDualApproval = true
		p.MinimumApprovers = 3
	})
	svc := NewApprovalService(reg, e.deps)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)
	assert.Equal(t, 3, req.RequiredApprovers)

	voters := []access.Principal{
		principal("cfo-1", access.RoleCFO),
		principal("ctrl-2", access.RoleController),
	}
	for _, v := range voters {
		req, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: v, Decision: repository.DecisionApprove})
		require.NoError(t, err)
		assert.Equal(t, repository.RequestPending, req.Status)
		assert.Nil(t, req.ApprovedAt)
	}
	assert.Len(t, req.Approvals, 2)
	assert.Empty(t, e.notifier.events(client.EventRequestApproved))

	req, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("ctrl-3", access.RoleController), Decision: repository.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, req.Status)
	assert.Len(t, req.Approvals, 3)
}

func TestVote_UsesPolicyFrozenAtCreation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.approvals(t).CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)
	require.Equal(t, 2, created.RequiredApprovers)

	// The catalogue is redeployed with a looser nav.publish policy while
	// the request is still open.
	edited := navPolicyRegistry(t, func(p *policy.ApprovalPolicy) {
		p.RequiresDualApproval = false
		p.MinimumApprovers = 1
		p.ApproverCapabilities = []access.Capability{access.CapApproveExport}
		p.ExcludeRequestor = false
		p.EscalateTo = []string{"role:viewer"}
	})
	svc := NewApprovalService(edited, e.deps)

	_, err = svc.Vote(ctx, VoteInput{RequestID: created.ID, Voter: principal("ctrl-1", access.RoleController), Decision: repository.DecisionApprove})
	requireCode(t, err, ErrCodeSelfApproval)
	_, err = svc.Vote(ctx, VoteInput{RequestID: created.ID, Voter: principal("co-1", access.RoleComplianceOfficer), Decision: repository.DecisionApprove})
	requireCode(t, err, ErrCodeNotAuthorized)

	req, err := svc.Vote(ctx, VoteInput{RequestID: created.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, req.Status)
	assert.Equal(t, 2, req.RequiredApprovers)
	assert.Equal(t, created.Policy, req.Policy)

	stored, err := e.requests.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RequiredApprovers)
	assert.Equal(t, created.Policy, stored.Policy)

	req, err = svc.Vote(ctx, VoteInput{RequestID: created.ID, Voter: principal("ctrl-2", access.RoleController), Decision: repository.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, req.Status)
}

// conflictingRequests accepts reads but reports a conflict on every write.
type conflictingRequests struct {
	repository.RequestRepository
	updates int
}

func (c *conflictingRequests) Update(context.Context, *repository.ApprovalRequest) error {
	c.updates++
	return repository.ErrVersionConflict
}

func TestVote_ConcurrentModificationAfterRetries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	req, err := e.approvals(t).CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)

	store := &conflictingRequests{RequestRepository: e.requests}
	deps := e.deps
	deps.Requests = store
	svc := NewApprovalService(e.approvals(t).policies, deps)

	_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
	requireCode(t, err, ErrCodeConcurrentModification)
	assert.Equal(t, maxMutationAttempts, store.updates)

	stored, err := e.requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Approvals)
}

func TestCancelRequest(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)

	_, err = svc.CancelRequest(ctx, req.ID, principal("cfo-1", access.RoleCFO), "not mine")
	requireCode(t, err, ErrCodeNotAuthorized)

	req, err = svc.CancelRequest(ctx, req.ID, principal("ctrl-1", access.RoleController), "wrong fund")
	require.NoError(t, err)
	assert.Equal(t, repository.RequestCancelled, req.Status)
	assert.NotNil(t, req.CancelledAt)
	assert.Equal(t, "wrong fund", req.CancelReason)

	_, err = svc.CancelRequest(ctx, req.ID, principal("ctrl-1", access.RoleController), "again")
	requireCode(t, err, ErrCodeInvalidState)

	_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
	requireCode(t, err, ErrCodeInvalidState)
}

func TestMarkExecuted(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()
	requestor := principal("ctrl-1", access.RoleController)

	req, err := svc.CreateRequest(ctx, navPublishInput(requestor))
	require.NoError(t, err)

	_, err = svc.MarkExecuted(ctx, req.ID, requestor, repository.ExecutionResult{Success: true})
	requireCode(t, err, ErrCodeInvalidState)

	for _, v := range []string{"cfo-1", "cfo-2"} {
		_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal(v, access.RoleCFO), Decision: repository.DecisionApprove})
		require.NoError(t, err)
	}

	_, err = svc.MarkExecuted(ctx, req.ID, principal("cfo-1", access.RoleCFO), repository.ExecutionResult{Success: true})
	requireCode(t, err, ErrCodeNotAuthorized)

	req, err = svc.MarkExecuted(ctx, req.ID, requestor, repository.ExecutionResult{Success: true, Message: "published"})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, req.Status)
	assert.NotNil(t, req.ExecutedAt)
	require.NotNil(t, req.ExecutionResult)
	assert.Equal(t, "published", req.ExecutionResult.Message)

	_, err = svc.MarkExecuted(ctx, req.ID, requestor, repository.ExecutionResult{Success: true})
	requireCode(t, err, ErrCodeInvalidState)
}

func TestListPending_ForApprover(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	nav, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)
	e.clock.Advance(hours(1))
	correction := navPublishInput(principal("acc-1", access.RoleFundAccountant))
	correction.OperationType = repository.OpNAVCorrection
	correction.Payload = repository.NAVCorrectionPayload{
		FundID:       "fund-1",
		NAVDate:      testEpoch,
		PreviousNAV:  100,
		CorrectedNAV: 101,
		Currency:     "EUR",
		Reason:       "late trade",
	}
	corr, err := svc.CreateRequest(ctx, correction)
	require.NoError(t, err)

	cfo := principal("cfo-1", access.RoleCFO)
	pending, err := svc.ListPending(ctx, PendingFilter{TenantID: tenant, Approver: &cfo})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	// The correction has the shorter deadline.
	assert.Equal(t, corr.ID, pending[0].ID)
	assert.Equal(t, nav.ID, pending[1].ID)

	requestor := principal("ctrl-1", access.RoleController)
	pending, err = svc.ListPending(ctx, PendingFilter{TenantID: tenant, Approver: &requestor})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, corr.ID, pending[0].ID)

	_, err = svc.Vote(ctx, VoteInput{RequestID: corr.ID, Voter: cfo, Decision: repository.DecisionApprove})
	require.NoError(t, err)
	pending, err = svc.ListPending(ctx, PendingFilter{TenantID: tenant, Approver: &cfo})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, nav.ID, pending[0].ID)

	viewer := principal("v-1", access.RoleViewer)
	pending, err = svc.ListPending(ctx, PendingFilter{TenantID: tenant, Approver: &viewer})
	require.NoError(t, err)
	assert.Empty(t, pending)
}
