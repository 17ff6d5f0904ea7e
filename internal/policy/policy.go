// Package policy holds the approval policy catalogue and the risk classifier.
package policy

import (
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

// RecipientRequestor is a notification token resolved to the requesting user.
const RecipientRequestor = "requestor"

// AutoApproveConditions lets trusted requestors skip voting for small changes.
// A nil cap means the dimension is not limited.
type AutoApproveConditions struct {
	MaxAffectedRecords  *int                `yaml:"max_affected_records,omitempty" json:"max_affected_records,omitempty"`
	MaxAmount           *int64              `yaml:"max_amount,omitempty" json:"max_amount,omitempty"`
	TrustedCapabilities []access.Capability `yaml:"trusted_capabilities" json:"trusted_capabilities"`
}

// ApprovalPolicy governs one operation type.
type ApprovalPolicy struct {
	OperationType        repository.OperationType `yaml:"operation_type" json:"operation_type"`
	Domain               repository.Domain        `yaml:"domain" json:"domain"`
	Description          string                   `yaml:"description,omitempty" json:"description,omitempty"`
	RequiresApproval     bool                     `yaml:"requires_approval" json:"requires_approval"`
	RequiresDualApproval bool                     `yaml:"requires_dual_approval" json:"requires_dual_approval"`
	MinimumApprovers     int                      `yaml:"minimum_approvers" json:"minimum_approvers"`
	ApproverCapabilities []access.Capability      `yaml:"approver_capabilities" json:"approver_capabilities"`
	ExcludeRequestor     bool                     `yaml:"exclude_requestor" json:"exclude_requestor"`
	AutoApprove          *AutoApproveConditions   `yaml:"auto_approve,omitempty" json:"auto_approve,omitempty"`
	DefaultDeadlineHours int                      `yaml:"default_deadline_hours" json:"default_deadline_hours"`
	EscalationHours      int                      `yaml:"escalation_hours" json:"escalation_hours"`
	EscalateTo           []string                 `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`
	NotifyOnRequest      []string                 `yaml:"notify_on_request,omitempty" json:"notify_on_request,omitempty"`
	NotifyOnApproval     []string                 `yaml:"notify_on_approval,omitempty" json:"notify_on_approval,omitempty"`
	NotifyOnRejection    []string                 `yaml:"notify_on_rejection,omitempty" json:"notify_on_rejection,omitempty"`
	Channels             []string                 `yaml:"channels,omitempty" json:"channels,omitempty"`
	Reversible           bool                     `yaml:"reversible" json:"reversible"`
}

// RequiredApprovers is the quorum frozen into new requests.
func (p ApprovalPolicy) RequiredApprovers() int {
	if p.RequiresDualApproval {
		return max(2, p.MinimumApprovers)
	}
	return p.MinimumApprovers
}

// AutoApprovable reports whether a requestor qualifies for auto-approval.
// Trust and both caps must all hold; only the combined result matters.
func (p ApprovalPolicy) AutoApprovable(requestor access.Principal, payload repository.OperationPayload, preview *repository.ChangePreview) bool {
	cond := p.AutoApprove
	if cond == nil {
		return false
	}
	eligible := len(cond.TrustedCapabilities) > 0 && requestor.HasAny(cond.TrustedCapabilities)

	if cond.MaxAffectedRecords != nil && preview != nil && preview.AffectedRecords > *cond.MaxAffectedRecords {
		eligible = false
	}
	if cond.MaxAmount != nil && payload != nil {
		if amount, ok := payload.MonetaryAmount(); ok && amount > *cond.MaxAmount {
			eligible = false
		}
	}
	return eligible
}

// Snapshot freezes the fields an in-flight request depends on.
func (p ApprovalPolicy) Snapshot() repository.PolicySnapshot {
	return repository.PolicySnapshot{
		Domain:               p.Domain,
		ApproverCapabilities: append([]access.Capability(nil), p.ApproverCapabilities...),
		ExcludeRequestor:     p.ExcludeRequestor,
		EscalationHours:      p.EscalationHours,
		EscalateTo:           append([]string(nil), p.EscalateTo...),
		NotifyOnRequest:      append([]string(nil), p.NotifyOnRequest...),
		NotifyOnApproval:     append([]string(nil), p.NotifyOnApproval...),
		NotifyOnRejection:    append([]string(nil), p.NotifyOnRejection...),
		Channels:             append([]string(nil), p.Channels...),
	}
}

// clone returns a copy that shares no slices or pointers with p.
func (p ApprovalPolicy) clone() ApprovalPolicy {
	p.ApproverCapabilities = slices.Clone(p.ApproverCapabilities)
	p.EscalateTo = slices.Clone(p.EscalateTo)
	p.NotifyOnRequest = slices.Clone(p.NotifyOnRequest)
	p.NotifyOnApproval = slices.Clone(p.NotifyOnApproval)
	p.NotifyOnRejection = slices.Clone(p.NotifyOnRejection)
	p.Channels = slices.Clone(p.Channels)
	if p.AutoApprove != nil {
		a := *p.AutoApprove
		a.TrustedCapabilities = slices.Clone(a.TrustedCapabilities)
		p.AutoApprove = &a
	}
	return p
}

// Validate checks the structural rules every catalogue entry must satisfy.
func (p ApprovalPolicy) Validate() error {
	var errs []error
	if p.OperationType == "" {
		return fmt.Errorf("policy: operation_type is required")
	}
	if _, ok := repository.PayloadTypeFor(p.OperationType); !ok {
		errs = append(errs, fmt.Errorf("unknown operation type"))
	}
	if p.Domain == "" {
		errs = append(errs, fmt.Errorf("domain is required"))
	}
	if p.MinimumApprovers < 1 {
		errs = append(errs, fmt.Errorf("minimum_approvers must be at least 1"))
	}
	if p.RequiresDualApproval && p.MinimumApprovers < 2 {
		errs = append(errs, fmt.Errorf("minimum_approvers must be at least 2 with dual approval"))
	}
	if p.DefaultDeadlineHours <= 0 {
		errs = append(errs, fmt.Errorf("default_deadline_hours must be positive"))
	}
	if p.EscalationHours < 0 || p.EscalationHours >= p.DefaultDeadlineHours {
		errs = append(errs, fmt.Errorf("escalation_hours must be in [0, default_deadline_hours)"))
	}
	if len(p.ApproverCapabilities) == 0 {
		errs = append(errs, fmt.Errorf("approver_capabilities must not be empty"))
	}
	if p.AutoApprove != nil && len(p.AutoApprove.TrustedCapabilities) == 0 {
		errs = append(errs, fmt.Errorf("auto_approve.trusted_capabilities must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("policy %s: %w", p.OperationType, stderrors.Join(errs...))
	}
	return nil
}
