package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/common/tracing"
	"github.com/pesio-ai/be-governance-workflows/internal/metrics"
	"github.com/pesio-ai/be-governance-workflows/internal/policy"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

// ApprovalService runs the four-eyes approval lifecycle of governed
// operations.
type ApprovalService struct {
	policies *policy.Registry
	requests repository.RequestRepository
	audit    repository.AuditRepository
	notifier client.Notifier
	metrics  *metrics.Metrics
	clock    Clock
	newID    IDGenerator
	log      *logger.Logger
}

// NewApprovalService creates an ApprovalService. deps.Requests and
// deps.Audit are required.
func NewApprovalService(policies *policy.Registry, deps Deps) *ApprovalService {
	deps = deps.withDefaults()
	return &ApprovalService{
		policies: policies,
		requests: deps.Requests,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		newID:    deps.NewID,
		log:      deps.Log.Component("approval_service"),
	}
}

// CreateRequestInput carries everything needed to open a request.
type CreateRequestInput struct {
	TenantID      string
	CompanyID     string
	OperationType repository.OperationType
	Payload       repository.OperationPayload
	ChangePreview *repository.ChangePreview
	Requestor     access.Principal
	// Reversible overrides the policy default when set.
	Reversible *bool
}

// VoteInput is one approver's decision.
type VoteInput struct {
	RequestID string
	Voter     access.Principal
	Decision  repository.Decision
	Comment   string
}

// PendingFilter selects open requests. With Approver set, only requests
// that principal could vote on right now are returned.
type PendingFilter struct {
	TenantID      string
	CompanyID     string
	Domain        repository.Domain
	OperationType repository.OperationType
	Approver      *access.Principal
}

// ── Create ───────────────────────────────────────────────────────────────────

// CreateRequest opens an approval request under the policy for the
// operation type, or approves it on the spot when the requestor qualifies
// for auto-approval.
func (s *ApprovalService) CreateRequest(ctx context.Context, in CreateRequestInput) (req *repository.ApprovalRequest, err error) {
	ctx, span := tracing.Start(ctx, "approval.create_request",
		attribute.String("operation_type", string(in.OperationType)),
		attribute.String("tenant_id", in.TenantID))
	defer func() { tracing.End(span, err) }()

	if in.TenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant_id is required")
	}
	if in.Requestor.UserID == "" {
		return nil, errors.InvalidInput("requestor", "requestor is required")
	}
	if in.Requestor.TenantID != "" && in.Requestor.TenantID != in.TenantID {
		return nil, errNotAuthorized("requestor belongs to another tenant")
	}

	pol, ok := s.policies.Get(in.OperationType)
	if !ok {
		return nil, errPolicyNotFound(string(in.OperationType))
	}
	if err := validatePayload(in.OperationType, in.Payload); err != nil {
		return nil, err
	}
	if in.ChangePreview != nil && in.ChangePreview.AffectedRecords < 0 {
		return nil, errors.InvalidInput("change_preview.affected_records", "must not be negative")
	}

	now := s.clock()
	reversible := pol.Reversible
	if in.Reversible != nil {
		reversible = *in.Reversible
	}

	req = &repository.ApprovalRequest{
		ID:                s.newID(),
		TenantID:          in.TenantID,
		CompanyID:         in.CompanyID,
		Domain:            pol.Domain,
		OperationType:     in.OperationType,
		Status:            repository.RequestPending,
		Payload:           in.Payload,
		ChangePreview:     in.ChangePreview,
		RiskLevel:         policy.ClassifyRisk(in.OperationType, in.Payload, in.ChangePreview),
		Reversible:        reversible,
		RequestedBy:       in.Requestor.UserID,
		RequestedByRole:   in.Requestor.PrimaryRole(),
		Deadline:          now.Add(hours(pol.DefaultDeadlineHours)),
		RequiredApprovers: pol.RequiredApprovers(),
		Approvals:         []repository.ApprovalVote{},
		Rejections:        []repository.ApprovalVote{},
		Policy:            pol.Snapshot(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if !pol.RequiresApproval && pol.AutoApprovable(in.Requestor, in.Payload, in.ChangePreview) {
		req.Status = repository.RequestApproved
		req.ApprovedAt = timePtr(now)
		req.AutoApproved = true
	}

	if err := s.requests.Create(ctx, req); err != nil {
		s.log.Error().Err(err).Str("request_id", req.ID).Msg("Failed to persist approval request")
		return nil, err
	}

	action := "created"
	if req.AutoApproved {
		action = "auto_approved"
	}
	s.appendAudit(ctx, req, action, in.Requestor.UserID, "", string(req.Status), map[string]any{
		"operation_type": string(req.OperationType),
		"risk_level":     string(req.RiskLevel),
	})
	s.metrics.RequestsCreated.WithLabelValues(string(req.OperationType), string(req.Status)).Inc()

	s.log.Info().
		Str("request_id", req.ID).
		Str("tenant_id", req.TenantID).
		Str("operation_type", string(req.OperationType)).
		Str("risk_level", string(req.RiskLevel)).
		Str("status", string(req.Status)).
		Msg("Approval request created")

	if req.AutoApproved {
		s.notify(ctx, req, client.EventRequestAutoApproved, req.Policy.NotifyOnApproval,
			fmt.Sprintf("%s auto-approved", req.OperationType), in.Requestor.UserID)
	} else {
		s.notify(ctx, req, client.EventApprovalRequested, req.Policy.NotifyOnRequest,
			fmt.Sprintf("Approval required: %s", req.OperationType), in.Requestor.UserID)
	}
	return req, nil
}

func validatePayload(op repository.OperationType, payload repository.OperationPayload) error {
	want, ok := repository.PayloadTypeFor(op)
	if !ok {
		return errPolicyNotFound(string(op))
	}
	if payload == nil {
		return errors.InvalidInput("payload", "payload is required")
	}
	if payload.PayloadType() != want {
		return errors.InvalidInput("payload",
			fmt.Sprintf("payload type %s does not match operation %s (want %s)", payload.PayloadType(), op, want))
	}
	if err := payload.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid payload: "+err.Error())
	}
	return nil
}

// ── Vote ─────────────────────────────────────────────────────────────────────

// Vote records an approval or rejection. A single rejection rejects the
// request; reaching the quorum approves it.
func (s *ApprovalService) Vote(ctx context.Context, in VoteInput) (req *repository.ApprovalRequest, err error) {
	ctx, span := tracing.Start(ctx, "approval.vote",
		attribute.String("request_id", in.RequestID),
		attribute.String("decision", string(in.Decision)))
	defer func() { tracing.End(span, err) }()

	if in.Decision != repository.DecisionApprove && in.Decision != repository.DecisionReject {
		return nil, errors.InvalidInput("decision", "decision must be APPROVE or REJECT")
	}
	if in.Voter.UserID == "" {
		return nil, errors.InvalidInput("voter", "voter is required")
	}

	req, err = mutate[repository.ApprovalRequest](ctx, s.requests, "approval request", in.RequestID,
		errRequestNotFound, s.conflict("approval_request"),
		func(r *repository.ApprovalRequest) error {
			if r.Status != repository.RequestPending {
				return errInvalidState("request %s is %s, not PENDING", r.ID, r.Status)
			}
			if r.Policy.ExcludeRequestor && in.Voter.UserID == r.RequestedBy {
				return errors.New(ErrCodeSelfApproval, "the requestor cannot vote on their own request")
			}
			if !canAct(in.Voter, r.TenantID) || !in.Voter.HasAny(r.Policy.ApproverCapabilities) {
				return errNotAuthorized("user %s may not vote on %s requests", in.Voter.UserID, r.OperationType)
			}
			if r.HasVoted(in.Voter.UserID) {
				return errors.New(ErrCodeDuplicateVote, fmt.Sprintf("user %s has already voted", in.Voter.UserID))
			}

			now := s.clock()
			vote := repository.ApprovalVote{
				VoterID:   in.Voter.UserID,
				VoterRole: in.Voter.PrimaryRole(),
				Decision:  in.Decision,
				Comment:   in.Comment,
				VotedAt:   now,
			}
			r.UpdatedAt = now
			if in.Decision == repository.DecisionReject {
				r.Rejections = append(r.Rejections, vote)
				r.Status = repository.RequestRejected
				r.RejectedAt = timePtr(now)
				return nil
			}
			r.Approvals = append(r.Approvals, vote)
			if len(r.Approvals) >= r.RequiredApprovers {
				r.Status = repository.RequestApproved
				r.ApprovedAt = timePtr(now)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.metrics.Votes.WithLabelValues(string(in.Decision)).Inc()
	s.appendAudit(ctx, req, "vote_"+strings.ToLower(string(in.Decision)), in.Voter.UserID,
		string(repository.RequestPending), string(req.Status), map[string]any{
			"comment":   in.Comment,
			"approvals": len(req.Approvals),
			"required":  req.RequiredApprovers,
		})

	s.log.Info().
		Str("request_id", req.ID).
		Str("tenant_id", req.TenantID).
		Str("voter_id", in.Voter.UserID).
		Str("decision", string(in.Decision)).
		Str("status", string(req.Status)).
		Msg("Vote recorded")

	switch req.Status {
	case repository.RequestApproved:
		s.metrics.RequestsFinalized.WithLabelValues(string(req.Status)).Inc()
		s.notify(ctx, req, client.EventRequestApproved, req.Policy.NotifyOnApproval,
			fmt.Sprintf("%s approved", req.OperationType), in.Voter.UserID)
	case repository.RequestRejected:
		s.metrics.RequestsFinalized.WithLabelValues(string(req.Status)).Inc()
		s.notify(ctx, req, client.EventRequestRejected, req.Policy.NotifyOnRejection,
			fmt.Sprintf("%s rejected", req.OperationType), in.Voter.UserID)
	}
	return req, nil
}

// canAct rejects principals scoped to a different tenant. Principals
// without a tenant are service accounts and pass.
func canAct(p access.Principal, tenantID string) bool {
	return p.TenantID == "" || p.TenantID == tenantID
}

// ── Cancel / execute ─────────────────────────────────────────────────────────

// CancelRequest withdraws a pending request. Only the requestor or an admin
// may cancel.
func (s *ApprovalService) CancelRequest(ctx context.Context, id string, actor access.Principal, reason string) (*repository.ApprovalRequest, error) {
	req, err := mutate[repository.ApprovalRequest](ctx, s.requests, "approval request", id,
		errRequestNotFound, s.conflict("approval_request"),
		func(r *repository.ApprovalRequest) error {
			if r.Status != repository.RequestPending {
				return errInvalidState("request %s is %s and can no longer be cancelled", r.ID, r.Status)
			}
			if actor.UserID != r.RequestedBy && !actor.IsAdmin() {
				return errNotAuthorized("only the requestor or an admin can cancel a request")
			}
			now := s.clock()
			r.Status = repository.RequestCancelled
			r.CancelledAt = timePtr(now)
			r.CancelReason = reason
			r.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.metrics.RequestsFinalized.WithLabelValues(string(req.Status)).Inc()
	s.appendAudit(ctx, req, "cancelled", actor.UserID, string(repository.RequestPending), string(req.Status),
		map[string]any{"reason": reason})
	s.log.Info().Str("request_id", req.ID).Str("cancelled_by", actor.UserID).Msg("Approval request cancelled")
	s.notify(ctx, req, client.EventRequestCancelled, req.Policy.NotifyOnRequest,
		fmt.Sprintf("%s request withdrawn", req.OperationType), actor.UserID)
	return req, nil
}

// MarkExecuted records that an approved operation was carried out. The
// status stays APPROVED.
func (s *ApprovalService) MarkExecuted(ctx context.Context, id string, actor access.Principal, result repository.ExecutionResult) (*repository.ApprovalRequest, error) {
	req, err := mutate[repository.ApprovalRequest](ctx, s.requests, "approval request", id,
		errRequestNotFound, s.conflict("approval_request"),
		func(r *repository.ApprovalRequest) error {
			if r.Status != repository.RequestApproved {
				return errInvalidState("request %s is %s; only approved requests can be executed", r.ID, r.Status)
			}
			if r.ExecutedAt != nil {
				return errInvalidState("request %s was already executed", r.ID)
			}
			if actor.UserID != r.RequestedBy && !actor.IsAdmin() {
				return errNotAuthorized("only the requestor or an admin can record execution")
			}
			now := s.clock()
			res := result
			r.ExecutedAt = timePtr(now)
			r.ExecutedBy = actor.UserID
			r.ExecutionResult = &res
			r.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req, "executed", actor.UserID, string(req.Status), string(req.Status),
		map[string]any{"success": result.Success, "message": result.Message})
	s.log.Info().Str("request_id", req.ID).Bool("success", result.Success).Msg("Approved operation executed")
	return req, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errRequestNotFound(id)
		}
		return nil, err
	}
	return req, nil
}

func (s *ApprovalService) ListRequests(ctx context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	return s.requests.List(ctx, filter)
}

// ListPending returns open requests ordered by deadline, soonest first.
func (s *ApprovalService) ListPending(ctx context.Context, f PendingFilter) ([]*repository.ApprovalRequest, error) {
	all, err := s.requests.List(ctx, repository.RequestFilter{
		TenantID:      f.TenantID,
		CompanyID:     f.CompanyID,
		Domain:        f.Domain,
		OperationType: f.OperationType,
		Status:        repository.RequestPending,
	})
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, r := range all {
		if f.Approver != nil && !couldVote(*f.Approver, r) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func couldVote(p access.Principal, r *repository.ApprovalRequest) bool {
	if r.Policy.ExcludeRequestor && p.UserID == r.RequestedBy {
		return false
	}
	return canAct(p, r.TenantID) && p.HasAny(r.Policy.ApproverCapabilities) && !r.HasVoted(p.UserID)
}

// History returns the audit trail of a request, oldest first.
func (s *ApprovalService) History(ctx context.Context, id string) ([]*repository.AuditEntry, error) {
	if _, err := s.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListBySubject(ctx, repository.SubjectApprovalRequest, id)
}

// Policies lists the loaded approval policies.
func (s *ApprovalService) Policies() []policy.ApprovalPolicy {
	return s.policies.List()
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (s *ApprovalService) conflict(entity string) func() {
	return func() { s.metrics.MutationConflicts.WithLabelValues(entity).Inc() }
}

func (s *ApprovalService) notify(ctx context.Context, r *repository.ApprovalRequest, event string, tokens []string, title, actor string) {
	notifyRequest(ctx, s.notifier, r, event, tokens, title, actor)
}

func notifyRequest(ctx context.Context, n client.Notifier, r *repository.ApprovalRequest, event string, tokens []string, title, actor string) {
	recipients := resolveRecipients(tokens, r.RequestedBy)
	if len(recipients) == 0 {
		return
	}
	n.Notify(ctx, client.NotifyRequest{
		Scope:      client.Scope{TenantID: r.TenantID, CompanyID: r.CompanyID},
		EventType:  event,
		SubjectID:  r.ID,
		ActorID:    actor,
		Recipients: recipients,
		Title:      title,
		Message:    fmt.Sprintf("%s request %s (risk %s) is %s", r.Domain, r.ID, r.RiskLevel, r.Status),
		Channels:   r.Policy.Channels,
		ActionLink: "/governance/requests/" + r.ID,
		Severity:   severityFor(r.RiskLevel),
	})
}

func severityFor(level repository.RiskLevel) string {
	switch level {
	case repository.RiskCritical, repository.RiskHigh:
		return "high"
	case repository.RiskMedium:
		return "medium"
	default:
		return "info"
	}
}

// appendAudit writes an audit entry. Failures are logged and never fail
// the operation that already committed.
func (s *ApprovalService) appendAudit(ctx context.Context, r *repository.ApprovalRequest, action, by, before, after string, meta map[string]any) {
	appendRequestAudit(ctx, s.audit, s.newID, s.clock, s.log, r, action, by, before, after, meta)
}

func appendRequestAudit(ctx context.Context, audit repository.AuditRepository, newID IDGenerator, clock Clock, log *logger.Logger,
	r *repository.ApprovalRequest, action, by, before, after string, meta map[string]any) {
	entry := &repository.AuditEntry{
		ID:           newID(),
		TenantID:     r.TenantID,
		SubjectType:  repository.SubjectApprovalRequest,
		SubjectID:    r.ID,
		Action:       action,
		PerformedBy:  by,
		PerformedAt:  clock(),
		StatusBefore: before,
		StatusAfter:  after,
		Metadata:     meta,
	}
	if err := audit.Append(ctx, entry); err != nil {
		log.Warn().Err(err).Str("request_id", r.ID).Str("action", action).Msg("Failed to write audit entry")
	}
}
