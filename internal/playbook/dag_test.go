package playbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

func step(id string, order int, deps ...string) repository.PlaybookStepTemplate {
	return repository.PlaybookStepTemplate{ID: id, Order: order, Name: id, AssigneeType: repository.AssigneeRole, DependsOn: deps}
}

func template(steps ...repository.PlaybookStepTemplate) *repository.PlaybookTemplate {
	return &repository.PlaybookTemplate{
		ID:             "tpl",
		Version:        1,
		Name:           "Template",
		DefaultDueDays: 10,
		Recurrence:     repository.RecurrenceOnce,
		Steps:          steps,
	}
}

func TestValidateTemplate_TopologicalOrder(t *testing.T) {
	tpl := template(
		step("publish", 4, "review"),
		step("review", 3, "price", "accrue"),
		step("accrue", 2, "reconcile"),
		step("price", 2, "reconcile"),
		step("reconcile", 1),
	)

	order, err := ValidateTemplate(tpl)
	require.NoError(t, err)
	assert.Equal(t, []string{"reconcile", "accrue", "price", "review", "publish"}, order)
}

func TestValidateTemplate_EmptyStepsIsValid(t *testing.T) {
	order, err := ValidateTemplate(template())
	require.NoError(t, err)
	assert.Empty(t, order)
}

func TestValidateTemplate_Errors(t *testing.T) {
	type testCase struct {
		name    string
		tpl     *repository.PlaybookTemplate
		wantErr string
	}

	approvalStep := step("sign", 1)
	approvalStep.RequiresApproval = true

	testCases := []testCase{
		{name: "cycle", tpl: template(step("a", 1, "c"), step("b", 2, "a"), step("c", 3, "b")), wantErr: "dependency cycle"},
		{name: "two node cycle", tpl: template(step("a", 1, "b"), step("b", 2, "a")), wantErr: "[a b]"},
		{name: "self dependency", tpl: template(step("a", 1, "a")), wantErr: "depends on itself"},
		{name: "unknown dependency", tpl: template(step("a", 1, "ghost")), wantErr: `unknown dependency "ghost"`},
		{name: "duplicate id", tpl: template(step("a", 1), step("a", 2)), wantErr: "duplicate id"},
		{name: "missing step id", tpl: template(step("", 1)), wantErr: "id is required"},
		{name: "approval without capability", tpl: template(approvalStep), wantErr: "approver_capability"},
		{name: "bad recurrence", tpl: func() *repository.PlaybookTemplate {
			tpl := template()
			tpl.Recurrence = "HOURLY"
			return tpl
		}(), wantErr: "unknown recurrence"},
		{name: "bad version", tpl: func() *repository.PlaybookTemplate {
			tpl := template()
			tpl.Version = 0
			return tpl
		}(), wantErr: "version"},
		{name: "nil", tpl: nil, wantErr: "nil"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateTemplate(tc.tpl)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateTemplate_ApprovalStepWithCapability(t *testing.T) {
	s := step("sign", 1)
	s.RequiresApproval = true
	s.ApproverCapability = access.CapPlaybookApprove

	_, err := ValidateTemplate(template(s))
	assert.NoError(t, err)
}
