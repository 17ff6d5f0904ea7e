// Package access models who may do what. Authorization checks ask a
// Principal for a Capability instead of comparing role strings, so role
// naming lives in exactly one table.
package access

import (
	"sort"
	"strings"
)

// Capability is a single grantable permission.
type Capability string

const (
	// CapAdmin implies every other capability.
	CapAdmin Capability = "governance:admin"

	CapApproveExport     Capability = "approve:export"
	CapApproveNAV        Capability = "approve:nav"
	CapApproveMasterdata Capability = "approve:masterdata"
	CapApproveFundOps    Capability = "approve:fund_operations"
	CapApproveAccounting Capability = "approve:accounting"
	CapApproveRegulatory Capability = "approve:regulatory"

	// Trusted capabilities make a requestor eligible for auto-approval
	// under a policy's caps.
	CapTrustedExport     Capability = "trusted:export"
	CapTrustedMasterdata Capability = "trusted:masterdata"
	CapTrustedFundOps    Capability = "trusted:fund_operations"

	CapPlaybookManage  Capability = "playbook:manage"
	CapPlaybookExecute Capability = "playbook:execute"
	CapPlaybookApprove Capability = "playbook:approve"
	CapNAVSignOff      Capability = "playbook:nav_sign_off"
	CapFilingSignOff   Capability = "playbook:filing_sign_off"
)

// Role names as issued by the identity provider.
const (
	RoleAdmin             = "admin"
	RoleCFO               = "cfo"
	RoleComplianceOfficer = "compliance_officer"
	RoleFundManager       = "fund_manager"
	RoleController        = "controller"
	RoleFundAccountant    = "fund_accountant"
	RoleOperations        = "operations"
	RoleViewer            = "viewer"
)

// RoleCapabilities maps roles to the capabilities they grant. Unknown
// roles grant nothing.
var RoleCapabilities = map[string][]Capability{
	RoleAdmin: {CapAdmin},
	RoleCFO: {
		CapApproveNAV, CapApproveFundOps, CapApproveAccounting, CapApproveRegulatory,
		CapPlaybookApprove, CapNAVSignOff, CapFilingSignOff,
	},
	RoleComplianceOfficer: {
		CapApproveExport, CapApproveMasterdata, CapApproveRegulatory,
		CapPlaybookApprove, CapFilingSignOff,
	},
	RoleFundManager: {
		CapApproveFundOps, CapTrustedExport, CapTrustedMasterdata,
		CapPlaybookManage, CapPlaybookExecute,
	},
	RoleController: {
		CapApproveNAV, CapApproveAccounting, CapApproveMasterdata,
		CapPlaybookApprove, CapPlaybookManage, CapNAVSignOff,
	},
	RoleFundAccountant: {CapPlaybookExecute},
	RoleOperations:     {CapPlaybookExecute, CapTrustedExport, CapTrustedFundOps},
	RoleViewer:         {},
}

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the members in lexical order.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Principal is an authenticated actor.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
	caps     CapabilitySet
}

// NewPrincipal derives capabilities from roles. Role matching is
// case-insensitive.
func NewPrincipal(userID, tenantID string, roles ...string) Principal {
	p := Principal{UserID: userID, TenantID: tenantID, caps: CapabilitySet{}}
	for _, r := range roles {
		role := strings.ToLower(strings.TrimSpace(r))
		if role == "" {
			continue
		}
		p.Roles = append(p.Roles, role)
		for _, c := range RoleCapabilities[role] {
			p.caps[c] = struct{}{}
		}
	}
	return p
}

// WithCapabilities returns a copy with extra direct grants.
func (p Principal) WithCapabilities(caps ...Capability) Principal {
	merged := make(CapabilitySet, len(p.caps)+len(caps))
	for c := range p.caps {
		merged[c] = struct{}{}
	}
	for _, c := range caps {
		merged[c] = struct{}{}
	}
	p.caps = merged
	p.Roles = append([]string(nil), p.Roles...)
	return p
}

// HasCapability reports whether the principal holds c, directly or via admin.
func (p Principal) HasCapability(c Capability) bool {
	return p.caps.Has(CapAdmin) || p.caps.Has(c)
}

// HasAny reports whether the principal holds at least one of caps.
func (p Principal) HasAny(caps []Capability) bool {
	if p.IsAdmin() {
		return true
	}
	for _, c := range caps {
		if p.caps.Has(c) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal holds CapAdmin.
func (p Principal) IsAdmin() bool {
	return p.caps.Has(CapAdmin)
}

// PrimaryRole returns the first role, used for vote attribution.
func (p Principal) PrimaryRole() string {
	if len(p.Roles) == 0 {
		return ""
	}
	return p.Roles[0]
}

// Capabilities returns the explicit grants held, without admin expansion.
func (p Principal) Capabilities() []Capability {
	return p.caps.Sorted()
}

// RolesWithCapability lists the roles that grant c explicitly, sorted.
func RolesWithCapability(c Capability) []string {
	var roles []string
	for role, caps := range RoleCapabilities {
		for _, rc := range caps {
			if rc == c {
				roles = append(roles, role)
				break
			}
		}
	}
	sort.Strings(roles)
	return roles
}
