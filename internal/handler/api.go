package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/common/auth"
	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
	"github.com/pesio-ai/be-governance-workflows/internal/service"
)

// API is the transport-neutral surface shared by the HTTP and gRPC
// handlers. Every operation takes the caller from the context and a
// decoded request body, and returns a JSON-encodable result.
type API struct {
	approvals *service.ApprovalService
	playbooks *service.PlaybookService
	log       *logger.Logger
}

// NewAPI creates the API over the two engines.
func NewAPI(approvals *service.ApprovalService, playbooks *service.PlaybookService, log *logger.Logger) *API {
	if log == nil {
		log = logger.Nop()
	}
	return &API{approvals: approvals, playbooks: playbooks, log: log.Component("api")}
}

// ── Request bodies ───────────────────────────────────────────────────────────

type IDQuery struct {
	ID string `json:"id"`
}

type CreateRequestBody struct {
	TenantID      string                    `json:"tenant_id"`
	CompanyID     string                    `json:"company_id"`
	OperationType repository.OperationType  `json:"operation_type"`
	Payload       json.RawMessage           `json:"payload"`
	ChangePreview *repository.ChangePreview `json:"change_preview,omitempty"`
	Reversible    *bool                     `json:"reversible,omitempty"`
}

type ListRequestsQuery struct {
	TenantID      string                   `json:"tenant_id"`
	CompanyID     string                   `json:"company_id"`
	Status        repository.RequestStatus `json:"status"`
	Domain        repository.Domain        `json:"domain"`
	OperationType repository.OperationType `json:"operation_type"`
	RequestedBy   string                   `json:"requested_by"`
}

type PendingQuery struct {
	TenantID      string                   `json:"tenant_id"`
	CompanyID     string                   `json:"company_id"`
	Domain        repository.Domain        `json:"domain"`
	OperationType repository.OperationType `json:"operation_type"`
	ForMe         bool                     `json:"for_me"`
}

type VoteBody struct {
	RequestID string              `json:"request_id"`
	Decision  repository.Decision `json:"decision"`
	Comment   string              `json:"comment,omitempty"`
}

type CancelBody struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

type ExecuteBody struct {
	RequestID string         `json:"request_id"`
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type CreateInstanceBody struct {
	TemplateID      string          `json:"template_id"`
	TemplateVersion int             `json:"template_version,omitempty"`
	TenantID        string          `json:"tenant_id"`
	CompanyID       string          `json:"company_id"`
	FundID          string          `json:"fund_id,omitempty"`
	StartDate       time.Time       `json:"start_date"`
	Owner           string          `json:"owner,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
}

type ListInstancesQuery struct {
	TenantID   string                    `json:"tenant_id"`
	CompanyID  string                    `json:"company_id"`
	FundID     string                    `json:"fund_id"`
	TemplateID string                    `json:"template_id"`
	Status     repository.InstanceStatus `json:"status"`
	Owner      string                    `json:"owner"`
}

type StepStatusBody struct {
	InstanceID    string                `json:"instance_id"`
	StepID        string                `json:"step_id"`
	Status        repository.StepStatus `json:"status"`
	Comment       string                `json:"comment,omitempty"`
	ActualHours   float64               `json:"actual_hours,omitempty"`
	BlockedReason string                `json:"blocked_reason,omitempty"`
}

type ApproveStepBody struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Approved   bool   `json:"approved"`
	Comment    string `json:"comment,omitempty"`
}

type ChecklistBody struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Index      int    `json:"index"`
	Completed  bool   `json:"completed"`
}

type AttachmentBody struct {
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Name       string `json:"name"`
	URI        string `json:"uri"`
}

type ReassignBody struct {
	InstanceID   string                  `json:"instance_id"`
	StepID       string                  `json:"step_id"`
	AssigneeType repository.AssigneeType `json:"assignee_type"`
	Assignee     string                  `json:"assignee"`
}

type InstanceBody struct {
	InstanceID string `json:"instance_id"`
}

type NextOccurrenceQuery struct {
	TemplateID string    `json:"template_id"`
	After      time.Time `json:"after"`
}

// Empty is the body of parameterless operations.
type Empty struct{}

// ListResult wraps collections so every response is a JSON object.
type ListResult struct {
	Items any `json:"items"`
	Count int `json:"count"`
}

func listOf[T any](items []T) ListResult {
	if items == nil {
		items = []T{}
	}
	return ListResult{Items: items, Count: len(items)}
}

// ── Caller ───────────────────────────────────────────────────────────────────

func caller(ctx context.Context) (access.Principal, error) {
	p, err := auth.FromContext(ctx)
	if err != nil {
		return access.Principal{}, errors.Wrap(err, errors.ErrCodeUnauthorized, "authentication required")
	}
	return p, nil
}

// scopeTenant pins tenant-bound callers to their own tenant.
func scopeTenant(p access.Principal, requested string) (string, error) {
	if p.TenantID == "" || p.IsAdmin() && requested != "" {
		return requested, nil
	}
	if requested != "" && requested != p.TenantID {
		return "", errors.New(service.ErrCodeNotAuthorized, "cannot read another tenant's data")
	}
	return p.TenantID, nil
}

// visible hides records of other tenants behind a not-found error.
func visible(p access.Principal, tenantID string, notFound error) error {
	if p.TenantID != "" && !p.IsAdmin() && tenantID != p.TenantID {
		return notFound
	}
	return nil
}

// ── Approval requests ────────────────────────────────────────────────────────

func (a *API) CreateRequest(ctx context.Context, in CreateRequestBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if len(in.Payload) == 0 {
		return nil, errors.InvalidInput("payload", "payload is required")
	}
	payload, err := repository.DecodePayload(in.Payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid payload")
	}
	tenantID := in.TenantID
	if tenantID == "" {
		tenantID = p.TenantID
	}
	return a.approvals.CreateRequest(ctx, service.CreateRequestInput{
		TenantID:      tenantID,
		CompanyID:     in.CompanyID,
		OperationType: in.OperationType,
		Payload:       payload,
		ChangePreview: in.ChangePreview,
		Requestor:     p,
		Reversible:    in.Reversible,
	})
}

func (a *API) GetRequest(ctx context.Context, in IDQuery) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	req, err := a.approvals.GetRequest(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := visible(p, req.TenantID, errors.New(service.ErrCodeRequestNotFound, "approval request "+in.ID+" not found")); err != nil {
		return nil, err
	}
	return req, nil
}

func (a *API) ListRequests(ctx context.Context, in ListRequestsQuery) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	tenantID, err := scopeTenant(p, in.TenantID)
	if err != nil {
		return nil, err
	}
	reqs, err := a.approvals.ListRequests(ctx, repository.RequestFilter{
		TenantID:      tenantID,
		CompanyID:     in.CompanyID,
		Status:        in.Status,
		Domain:        in.Domain,
		OperationType: in.OperationType,
		RequestedBy:   in.RequestedBy,
	})
	if err != nil {
		return nil, err
	}
	return listOf(reqs), nil
}

func (a *API) ListPending(ctx context.Context, in PendingQuery) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	tenantID, err := scopeTenant(p, in.TenantID)
	if err != nil {
		return nil, err
	}
	f := service.PendingFilter{
		TenantID:      tenantID,
		CompanyID:     in.CompanyID,
		Domain:        in.Domain,
		OperationType: in.OperationType,
	}
	if in.ForMe {
		f.Approver = &p
	}
	reqs, err := a.approvals.ListPending(ctx, f)
	if err != nil {
		return nil, err
	}
	return listOf(reqs), nil
}

func (a *API) Vote(ctx context.Context, in VoteBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.approvals.Vote(ctx, service.VoteInput{
		RequestID: in.RequestID,
		Voter:     p,
		Decision:  in.Decision,
		Comment:   in.Comment,
	})
}

func (a *API) CancelRequest(ctx context.Context, in CancelBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.approvals.CancelRequest(ctx, in.RequestID, p, in.Reason)
}

func (a *API) MarkExecuted(ctx context.Context, in ExecuteBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.approvals.MarkExecuted(ctx, in.RequestID, p, repository.ExecutionResult{
		Success: in.Success,
		Message: in.Message,
		Details: in.Details,
	})
}

func (a *API) RequestHistory(ctx context.Context, in IDQuery) (any, error) {
	if _, err := a.GetRequest(ctx, in); err != nil {
		return nil, err
	}
	entries, err := a.approvals.History(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return listOf(entries), nil
}

func (a *API) ListPolicies(ctx context.Context, _ Empty) (any, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return listOf(a.approvals.Policies()), nil
}

// ── Playbooks ────────────────────────────────────────────────────────────────

func (a *API) CreateInstance(ctx context.Context, in CreateInstanceBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	var pctx repository.PlaybookContext
	if len(in.Context) > 0 && string(in.Context) != "null" {
		if pctx, err = repository.DecodeContext(in.Context); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid context")
		}
	}
	tenantID := in.TenantID
	if tenantID == "" {
		tenantID = p.TenantID
	}
	return a.playbooks.CreateInstance(ctx, service.CreateInstanceInput{
		TemplateID:      in.TemplateID,
		TemplateVersion: in.TemplateVersion,
		TenantID:        tenantID,
		CompanyID:       in.CompanyID,
		FundID:          in.FundID,
		StartDate:       in.StartDate,
		Owner:           in.Owner,
		Context:         pctx,
		Actor:           p,
	})
}

func (a *API) GetInstance(ctx context.Context, in IDQuery) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := a.playbooks.GetInstance(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := visible(p, inst.TenantID, errors.New(service.ErrCodeInstanceNotFound, "playbook instance "+in.ID+" not found")); err != nil {
		return nil, err
	}
	return inst, nil
}

func (a *API) ListInstances(ctx context.Context, in ListInstancesQuery) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	tenantID, err := scopeTenant(p, in.TenantID)
	if err != nil {
		return nil, err
	}
	insts, err := a.playbooks.ListInstances(ctx, repository.InstanceFilter{
		TenantID:   tenantID,
		CompanyID:  in.CompanyID,
		FundID:     in.FundID,
		TemplateID: in.TemplateID,
		Status:     in.Status,
		Owner:      in.Owner,
	})
	if err != nil {
		return nil, err
	}
	return listOf(insts), nil
}

func (a *API) UpdateStepStatus(ctx context.Context, in StepStatusBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.UpdateStepStatus(ctx, service.UpdateStepInput{
		InstanceID:    in.InstanceID,
		StepID:        in.StepID,
		Status:        in.Status,
		Actor:         p,
		Comment:       in.Comment,
		ActualHours:   in.ActualHours,
		BlockedReason: in.BlockedReason,
	})
}

func (a *API) ApproveStep(ctx context.Context, in ApproveStepBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.ApproveStep(ctx, service.ApproveStepInput{
		InstanceID: in.InstanceID,
		StepID:     in.StepID,
		Approved:   in.Approved,
		Approver:   p,
		Comment:    in.Comment,
	})
}

func (a *API) UpdateChecklistItem(ctx context.Context, in ChecklistBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.UpdateChecklistItem(ctx, in.InstanceID, in.StepID, in.Index, in.Completed, p)
}

func (a *API) AddAttachment(ctx context.Context, in AttachmentBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.AddAttachment(ctx, in.InstanceID, in.StepID, in.Name, in.URI, p)
}

func (a *API) ReassignStep(ctx context.Context, in ReassignBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.ReassignStep(ctx, in.InstanceID, in.StepID, in.AssigneeType, in.Assignee, p)
}

func (a *API) PauseInstance(ctx context.Context, in InstanceBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.PauseInstance(ctx, in.InstanceID, p)
}

func (a *API) ResumeInstance(ctx context.Context, in InstanceBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.ResumeInstance(ctx, in.InstanceID, p)
}

func (a *API) CancelInstance(ctx context.Context, in InstanceBody) (any, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return a.playbooks.CancelInstance(ctx, in.InstanceID, p)
}

// ReadySteps returns the steps that can be started now.
func (a *API) ReadySteps(ctx context.Context, in IDQuery) (any, error) {
	if _, err := a.GetInstance(ctx, in); err != nil {
		return nil, err
	}
	ready, err := a.playbooks.ReadySteps(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return listOf(ready), nil
}

func (a *API) InstanceHistory(ctx context.Context, in IDQuery) (any, error) {
	if _, err := a.GetInstance(ctx, in); err != nil {
		return nil, err
	}
	entries, err := a.playbooks.History(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	return listOf(entries), nil
}

func (a *API) ListTemplates(ctx context.Context, _ Empty) (any, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return listOf(a.playbooks.Templates()), nil
}

// NextOccurrenceResult reports when a recurring template runs next.
type NextOccurrenceResult struct {
	TemplateID string     `json:"template_id"`
	Recurring  bool       `json:"recurring"`
	Next       *time.Time `json:"next,omitempty"`
}

func (a *API) NextOccurrence(ctx context.Context, in NextOccurrenceQuery) (any, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	after := in.After
	if after.IsZero() {
		after = time.Now().UTC()
	}
	next, ok, err := a.playbooks.NextOccurrence(in.TemplateID, after)
	if err != nil {
		return nil, err
	}
	res := NextOccurrenceResult{TemplateID: in.TemplateID, Recurring: ok}
	if ok {
		res.Next = &next
	}
	return res, nil
}
