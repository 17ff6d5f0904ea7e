package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrincipal_HasCapability(t *testing.T) {
	type testCase struct {
		name     string
		roles    []string
		cap      Capability
		expected bool
	}

	testCases := []testCase{
		{name: "cfo approves nav", roles: []string{"cfo"}, cap: CapApproveNAV, expected: true},
		{name: "case insensitive role", roles: []string{" CFO "}, cap: CapApproveNAV, expected: true},
		{name: "accountant cannot approve nav", roles: []string{"fund_accountant"}, cap: CapApproveNAV, expected: false},
		{name: "admin implies everything", roles: []string{"admin"}, cap: CapFilingSignOff, expected: true},
		{name: "unknown role grants nothing", roles: []string{"intern"}, cap: CapPlaybookExecute, expected: false},
		{name: "union of roles", roles: []string{"viewer", "operations"}, cap: CapTrustedExport, expected: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPrincipal("u1", "t1", tc.roles...)
			assert.Equal(t, tc.expected, p.HasCapability(tc.cap))
		})
	}
}

func TestPrincipal_HasAny(t *testing.T) {
	p := NewPrincipal("u1", "t1", "compliance_officer")
	assert.True(t, p.HasAny([]Capability{CapApproveNAV, CapApproveExport}))
	assert.False(t, p.HasAny([]Capability{CapApproveNAV}))
	assert.False(t, p.HasAny(nil))

	admin := NewPrincipal("root", "t1", "admin")
	assert.True(t, admin.HasAny(nil))
}

func TestPrincipal_WithCapabilities(t *testing.T) {
	base := NewPrincipal("u1", "t1", "viewer")
	granted := base.WithCapabilities(CapApproveRegulatory)

	assert.True(t, granted.HasCapability(CapApproveRegulatory))
	assert.False(t, base.HasCapability(CapApproveRegulatory))
	assert.Equal(t, []Capability{CapApproveRegulatory}, granted.Capabilities())
	assert.Equal(t, "viewer", granted.PrimaryRole())
}

func TestRolesWithCapability(t *testing.T) {
	assert.Equal(t, []string{"cfo", "controller"}, RolesWithCapability(CapNAVSignOff))
	assert.Equal(t, []string{"cfo", "compliance_officer"}, RolesWithCapability(CapFilingSignOff))
	assert.Empty(t, RolesWithCapability(CapAdmin+"x"))
}
