package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

func TestCheckAndEscalate_FiresOnce(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	sweeper := e.sweeper()
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)

	// Deadline is 24h out, escalation 4h before it.
	e.clock.Advance(hours(19))
	res, err := sweeper.CheckAndEscalate(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 0, res.Escalated)

	e.clock.Advance(hours(1))
	res, err = sweeper.CheckAndEscalate(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Escalated)

	stored, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EscalatedAt)
	assert.Equal(t, testEpoch.Add(hours(20)), *stored.EscalatedAt)
	assert.Equal(t, []string{"role:cfo"}, stored.EscalatedTo)
	assert.Equal(t, repository.RequestPending, stored.Status)

	e.clock.Advance(hours(1))
	res, err = sweeper.CheckAndEscalate(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
	assert.Equal(t, 0, res.Escalated)

	escalations := e.notifier.events(client.EventRequestEscalated)
	require.Len(t, escalations, 1)
	assert.Equal(t, []string{"role:cfo"}, escalations[0].Recipients)
}

func TestCheckAndEscalate_SkipsFinalizedRequests(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)
	_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionReject})
	require.NoError(t, err)

	e.clock.Advance(hours(23))
	res, err := e.sweeper().CheckAndEscalate(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Escalated)
	assert.Empty(t, e.notifier.events(client.EventRequestEscalated))
}

func TestCheckAndEscalate_TenantScope(t *testing.T) {
	type testCase struct {
		name          string
		tenantID      string
		wantEscalated int
	}

	testCases := []testCase{
		{name: "own tenant only", tenantID: tenant, wantEscalated: 1},
		{name: "other tenant", tenantID: "tenant-2", wantEscalated: 1},
		{name: "all tenants", tenantID: "", wantEscalated: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			svc := e.approvals(t)
			ctx := context.Background()

			_, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
			require.NoError(t, err)
			other := navPublishInput(access.NewPrincipal("ctrl-7", "tenant-2", access.RoleController))
			other.TenantID = "tenant-2"
			_, err = svc.CreateRequest(ctx, other)
			require.NoError(t, err)

			e.clock.Advance(hours(21))
			res, err := e.sweeper().CheckAndEscalate(ctx, tc.tenantID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantEscalated, res.Escalated)
		})
	}
}

func TestExpireOverdue(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	sweeper := e.sweeper()
	ctx := context.Background()

	req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)

	e.clock.Advance(hours(23))
	res, err := sweeper.ExpireOverdue(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Expired)

	e.clock.Advance(hours(1))
	res, err = sweeper.ExpireOverdue(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	stored, err := svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestExpired, stored.Status)
	require.NotNil(t, stored.ExpiredAt)

	expired := e.notifier.events(client.EventRequestExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, []string{"user:ctrl-1"}, expired[0].Recipients)

	_, err = svc.Vote(ctx, VoteInput{RequestID: req.ID, Voter: principal("cfo-1", access.RoleCFO), Decision: repository.DecisionApprove})
	requireCode(t, err, ErrCodeInvalidState)

	res, err = sweeper.ExpireOverdue(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
}

func startNAVClose(t *testing.T, e *env) *repository.PlaybookInstance {
	t.Helper()
	svc := e.playbooks(t)
	ctx := context.Background()

	inst, err := svc.CreateInstance(ctx, CreateInstanceInput{
		TemplateID: "nav_close",
		TenantID:   tenant,
		CompanyID:  "company-1",
		FundID:     "fund-1",
		StartDate:  testEpoch,
		Owner:      "ctrl-1",
		Context:    repository.NAVCloseContext{FundID: "fund-1", NAVDate: testEpoch},
		Actor:      principal("ctrl-1", access.RoleController),
	})
	require.NoError(t, err)

	inst, err = svc.UpdateStepStatus(ctx, UpdateStepInput{
		InstanceID: inst.ID,
		StepID:     "reconcile_cash",
		Status:     repository.StepInProgress,
		Actor:      principal("acc-1", access.RoleFundAccountant),
	})
	require.NoError(t, err)
	require.Equal(t, repository.InstanceActive, inst.Status)
	return inst
}

func TestCheckPlaybookDeadlines(t *testing.T) {
	e := newEnv(t)
	sweeper := e.sweeper()
	ctx := context.Background()
	inst := startNAVClose(t, e)

	// Reminders go out 2 and 1 days before each step is due.
	res, err := sweeper.CheckPlaybookDeadlines(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 3, res.Reminders)
	assert.Equal(t, 0, res.StepEscalations)

	stored, err := e.instances.Get(ctx, inst.ID)
	require.NoError(t, err)
	reconcile, _ := stored.Step("reconcile_cash")
	assert.ElementsMatch(t, []int{2, 1}, reconcile.RemindersSent)
	price, _ := stored.Step("price_portfolio")
	assert.Equal(t, []int{2}, price.RemindersSent)

	res, err = sweeper.CheckPlaybookDeadlines(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reminders)
	assert.Equal(t, 0, res.StepEscalations)

	// reconcile_cash is due on day 1 and escalates one day later.
	e.clock.Advance(days(2))
	res, err = sweeper.CheckPlaybookDeadlines(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, res.StepEscalations)
	assert.Equal(t, 3, res.Reminders)

	res, err = sweeper.CheckPlaybookDeadlines(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, res.StepEscalations)
	assert.Equal(t, 0, res.Reminders)

	escalated := e.notifier.events(client.EventStepEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, []string{"role:cfo"}, escalated[0].Recipients)
	assert.Equal(t, inst.ID+"/reconcile_cash", escalated[0].SubjectID)

	reminders := e.notifier.events(client.EventStepReminder)
	require.Len(t, reminders, 6)
	assert.Equal(t, []string{"role:fund_accountant"}, reminders[0].Recipients)
}

func TestCheckPlaybookDeadlines_IgnoresPausedInstances(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst := startNAVClose(t, e)

	_, err := e.playbooks(t).PauseInstance(ctx, inst.ID, principal("ctrl-1", access.RoleController))
	require.NoError(t, err)

	e.clock.Advance(days(10))
	res, err := e.sweeper().CheckPlaybookDeadlines(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Checked)
	assert.Empty(t, e.notifier.events(client.EventStepReminder))
}

var errStoreUnavailable = stderrors.New("store unavailable")

// brokenRequests fails every write to one request.
type brokenRequests struct {
	repository.RequestRepository
	id string
}

func (b brokenRequests) Update(ctx context.Context, r *repository.ApprovalRequest) error {
	if r.ID == b.id {
		return errStoreUnavailable
	}
	return b.RequestRepository.Update(ctx, r)
}

// brokenInstances fails every write to one instance.
type brokenInstances struct {
	repository.InstanceRepository
	id string
}

func (b brokenInstances) Update(ctx context.Context, p *repository.PlaybookInstance) error {
	if p.ID == b.id {
		return errStoreUnavailable
	}
	return b.InstanceRepository.Update(ctx, p)
}

func TestSweep_FailingRequestDoesNotStopOthers(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	const n = 12
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		req, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}

	deps := e.deps
	deps.Requests = brokenRequests{RequestRepository: e.requests, id: ids[0]}
	sweeper := NewEscalationSweeper(deps, 4)

	e.clock.Advance(hours(21))
	res, err := sweeper.CheckAndEscalate(ctx, tenant)
	require.ErrorIs(t, err, errStoreUnavailable)
	assert.Contains(t, err.Error(), ids[0])
	assert.Equal(t, n, res.Checked)
	assert.Equal(t, n-1, res.Escalated)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, e.notifier.events(client.EventRequestEscalated), n-1)

	for _, id := range ids[1:] {
		stored, err := e.requests.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, stored.EscalatedAt, id)
	}
	stuck, err := e.requests.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, stuck.EscalatedAt)

	e.clock.Advance(hours(3))
	res, err = sweeper.ExpireOverdue(ctx, tenant)
	require.ErrorIs(t, err, errStoreUnavailable)
	assert.Equal(t, n-1, res.Expired)
	assert.Equal(t, 1, res.Failed)
}

func TestCheckPlaybookDeadlines_FailingInstanceDoesNotStopOthers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	broken := startNAVClose(t, e)
	healthy := startNAVClose(t, e)

	deps := e.deps
	deps.Instances = brokenInstances{InstanceRepository: e.instances, id: broken.ID}

	res, err := NewEscalationSweeper(deps, 4).CheckPlaybookDeadlines(ctx, tenant)
	require.ErrorIs(t, err, errStoreUnavailable)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 3, res.Reminders)

	stored, err := e.instances.Get(ctx, healthy.ID)
	require.NoError(t, err)
	reconcile, _ := stored.Step("reconcile_cash")
	assert.ElementsMatch(t, []int{2, 1}, reconcile.RemindersSent)

	stored, err = e.instances.Get(ctx, broken.ID)
	require.NoError(t, err)
	reconcile, _ = stored.Step("reconcile_cash")
	assert.Empty(t, reconcile.RemindersSent)
}

func TestSweepRunner(t *testing.T) {
	e := newEnv(t)
	svc := e.approvals(t)
	ctx := context.Background()

	_, err := svc.CreateRequest(ctx, navPublishInput(principal("ctrl-1", access.RoleController)))
	require.NoError(t, err)
	startNAVClose(t, e)
	e.clock.Advance(hours(25))

	runner := NewSweepRunner(e.sweeper(), RunnerConfig{
		Tenants:           []string{tenant},
		ExpireOverdue:     true,
		PlaybookDeadlines: true,
	}, nil)

	res := runner.RunOnce(ctx)
	assert.Equal(t, 1, res.Escalated)
	assert.Equal(t, 1, res.Expired)
	assert.Positive(t, res.Reminders)

	runs, escalations, failures := runner.Stats()
	assert.Equal(t, int64(1), runs)
	assert.Equal(t, int64(1+res.StepEscalations), escalations)
	assert.Zero(t, failures)
}

func TestSweepRunner_StartStop(t *testing.T) {
	e := newEnv(t)
	runner := NewSweepRunner(e.sweeper(), RunnerConfig{Interval: hours(1)}, nil)

	require.NoError(t, runner.Start(context.Background()))
	assert.Error(t, runner.Start(context.Background()))
	runner.Stop()
	runner.Stop()

	runs, _, _ := runner.Stats()
	assert.GreaterOrEqual(t, runs, int64(1))
	require.NoError(t, runner.Start(context.Background()))
	runner.Stop()
}
