package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
)

// ── Approval request domain types ────────────────────────────────────────────

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestApproved  RequestStatus = "APPROVED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestExpired   RequestStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// RiskLevel is the classified sensitivity of a request.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Decision is a single voter's verdict.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ApprovalVote is one recorded vote.
type ApprovalVote struct {
	VoterID   string    `json:"voter_id"`
	VoterRole string    `json:"voter_role"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	VotedAt   time.Time `json:"voted_at"`
}

// ChangePreview describes the effect of the operation for reviewers.
type ChangePreview struct {
	Before          map[string]any `json:"before,omitempty"`
	After           map[string]any `json:"after,omitempty"`
	AffectedRecords int            `json:"affected_records"`
}

// PolicySnapshot freezes the policy fields a request needs after creation,
// so catalogue changes never alter an in-flight request.
type PolicySnapshot struct {
	Domain               Domain              `json:"domain"`
	ApproverCapabilities []access.Capability `json:"approver_capabilities"`
	ExcludeRequestor     bool                `json:"exclude_requestor"`
	EscalationHours      int                 `json:"escalation_hours"`
	EscalateTo           []string            `json:"escalate_to,omitempty"`
	NotifyOnRequest      []string            `json:"notify_on_request,omitempty"`
	NotifyOnApproval     []string            `json:"notify_on_approval,omitempty"`
	NotifyOnRejection    []string            `json:"notify_on_rejection,omitempty"`
	Channels             []string            `json:"channels,omitempty"`
}

// ExecutionResult records the outcome of carrying out an approved operation.
type ExecutionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ApprovalRequest is a request to perform a governed operation.
type ApprovalRequest struct {
	ID                string           `json:"id"`
	TenantID          string           `json:"tenant_id"`
	CompanyID         string           `json:"company_id"`
	Domain            Domain           `json:"domain"`
	OperationType     OperationType    `json:"operation_type"`
	Status            RequestStatus    `json:"status"`
	Payload           OperationPayload `json:"-"`
	ChangePreview     *ChangePreview   `json:"change_preview,omitempty"`
	RiskLevel         RiskLevel        `json:"risk_level"`
	Reversible        bool             `json:"reversible"`
	RequestedBy       string           `json:"requested_by"`
	RequestedByRole   string           `json:"requested_by_role,omitempty"`
	Deadline          time.Time        `json:"deadline"`
	RequiredApprovers int              `json:"required_approvers"`
	Approvals         []ApprovalVote   `json:"approvals"`
	Rejections        []ApprovalVote   `json:"rejections"`
	EscalatedAt       *time.Time       `json:"escalated_at,omitempty"`
	EscalatedTo       []string         `json:"escalated_to,omitempty"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	RejectedAt        *time.Time       `json:"rejected_at,omitempty"`
	CancelledAt       *time.Time       `json:"cancelled_at,omitempty"`
	CancelReason      string           `json:"cancel_reason,omitempty"`
	ExpiredAt         *time.Time       `json:"expired_at,omitempty"`
	ExecutedAt        *time.Time       `json:"executed_at,omitempty"`
	ExecutedBy        string           `json:"executed_by,omitempty"`
	ExecutionResult   *ExecutionResult `json:"execution_result,omitempty"`
	AutoApproved      bool             `json:"auto_approved"`
	Policy            PolicySnapshot   `json:"policy"`
	Version           int64            `json:"version"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// HasVoted reports whether userID appears among approvals or rejections.
func (r *ApprovalRequest) HasVoted(userID string) bool {
	for _, v := range r.Approvals {
		if v.VoterID == userID {
			return true
		}
	}
	for _, v := range r.Rejections {
		if v.VoterID == userID {
			return true
		}
	}
	return false
}

// EscalationDue reports whether the escalation point has been reached.
func (r *ApprovalRequest) EscalationDue(now time.Time) bool {
	at := r.Deadline.Add(-time.Duration(r.Policy.EscalationHours) * time.Hour)
	return !now.Before(at)
}

// Clone returns a deep copy safe to mutate.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Approvals = append([]ApprovalVote(nil), r.Approvals...)
	c.Rejections = append([]ApprovalVote(nil), r.Rejections...)
	c.EscalatedTo = append([]string(nil), r.EscalatedTo...)
	c.EscalatedAt = cloneTime(r.EscalatedAt)
	c.ApprovedAt = cloneTime(r.ApprovedAt)
	c.RejectedAt = cloneTime(r.RejectedAt)
	c.CancelledAt = cloneTime(r.CancelledAt)
	c.ExpiredAt = cloneTime(r.ExpiredAt)
	c.ExecutedAt = cloneTime(r.ExecutedAt)
	if r.ChangePreview != nil {
		p := *r.ChangePreview
		c.ChangePreview = &p
	}
	if r.ExecutionResult != nil {
		e := *r.ExecutionResult
		c.ExecutionResult = &e
	}
	c.Policy.ApproverCapabilities = append([]access.Capability(nil), r.Policy.ApproverCapabilities...)
	c.Policy.EscalateTo = append([]string(nil), r.Policy.EscalateTo...)
	c.Policy.NotifyOnRequest = append([]string(nil), r.Policy.NotifyOnRequest...)
	c.Policy.NotifyOnApproval = append([]string(nil), r.Policy.NotifyOnApproval...)
	c.Policy.NotifyOnRejection = append([]string(nil), r.Policy.NotifyOnRejection...)
	c.Policy.Channels = append([]string(nil), r.Policy.Channels...)
	return &c
}

// MarshalJSON writes the payload as a {type, data} envelope.
func (r ApprovalRequest) MarshalJSON() ([]byte, error) {
	type alias ApprovalRequest
	env, err := EncodePayload(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}{alias: alias(r), Payload: env})
}

// UnmarshalJSON decodes the payload envelope into its concrete type.
func (r *ApprovalRequest) UnmarshalJSON(data []byte) error {
	type alias ApprovalRequest
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		r.Payload = nil
		return nil
	}
	p, err := DecodePayload(aux.Payload)
	if err != nil {
		return fmt.Errorf("approval request %s: %w", r.ID, err)
	}
	r.Payload = p
	return nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

// Audit subject kinds.
const (
	SubjectApprovalRequest  = "approval_request"
	SubjectPlaybookInstance = "playbook_instance"
)

// AuditEntry is one immutable record in the audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	SubjectType  string         `json:"subject_type"`
	SubjectID    string         `json:"subject_id"`
	StepID       string         `json:"step_id,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore string         `json:"status_before,omitempty"`
	StatusAfter  string         `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
