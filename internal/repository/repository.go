// Package repository holds the governance domain types and the storage
// contracts the engines run against. Three backends implement them:
// in-memory, Postgres (pgx) and NATS JetStream key-value.
package repository

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
)

var (
	// ErrNotFound is returned when the key does not exist.
	ErrNotFound = stderrors.New("repository: not found")
	// ErrVersionConflict is returned by Update when the stored version no
	// longer matches the version the caller read.
	ErrVersionConflict = stderrors.New("repository: version conflict")
	// ErrAlreadyExists is returned by Create for a duplicate key.
	ErrAlreadyExists = stderrors.New("repository: already exists")
)

// RequestRepository persists approval requests.
//
// Update is a conditional write: it succeeds only if the stored version
// equals r.Version, and on success increments r.Version.
type RequestRepository interface {
	Create(ctx context.Context, r *ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	Update(ctx context.Context, r *ApprovalRequest) error
	List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error)
}

// InstanceRepository persists playbook instances with the same conditional
// write contract as RequestRepository.
type InstanceRepository interface {
	Create(ctx context.Context, p *PlaybookInstance) error
	Get(ctx context.Context, id string) (*PlaybookInstance, error)
	Update(ctx context.Context, p *PlaybookInstance) error
	List(ctx context.Context, filter InstanceFilter) ([]*PlaybookInstance, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*AuditEntry, error)
}

// RequestFilter selects approval requests. Zero fields match everything.
type RequestFilter struct {
	TenantID      string
	CompanyID     string
	Status        RequestStatus
	Domain        Domain
	OperationType OperationType
	RequestedBy   string
	// Unescalated restricts to requests with no escalation recorded.
	Unescalated bool
}

// Matches applies the filter in memory.
func (f RequestFilter) Matches(r *ApprovalRequest) bool {
	switch {
	case f.TenantID != "" && r.TenantID != f.TenantID:
		return false
	case f.CompanyID != "" && r.CompanyID != f.CompanyID:
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	case f.Domain != "" && r.Domain != f.Domain:
		return false
	case f.OperationType != "" && r.OperationType != f.OperationType:
		return false
	case f.RequestedBy != "" && r.RequestedBy != f.RequestedBy:
		return false
	case f.Unescalated && r.EscalatedAt != nil:
		return false
	}
	return true
}

// InstanceFilter selects playbook instances. Zero fields match everything.
type InstanceFilter struct {
	TenantID   string
	CompanyID  string
	FundID     string
	TemplateID string
	Status     InstanceStatus
	Owner      string
}

func (f InstanceFilter) Matches(p *PlaybookInstance) bool {
	switch {
	case f.TenantID != "" && p.TenantID != f.TenantID:
		return false
	case f.CompanyID != "" && p.CompanyID != f.CompanyID:
		return false
	case f.FundID != "" && p.FundID != f.FundID:
		return false
	case f.TemplateID != "" && p.TemplateID != f.TemplateID:
		return false
	case f.Status != "" && p.Status != f.Status:
		return false
	case f.Owner != "" && p.Owner != f.Owner:
		return false
	}
	return true
}

// sortRequests orders by creation time, then id, so every backend lists
// in the same order.
func sortRequests(items []*ApprovalRequest) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func sortInstances(items []*PlaybookInstance) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func sortAudit(items []*AuditEntry) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PerformedAt.Before(items[j].PerformedAt)
	})
}

// wrapStoreErr turns backend failures into coded internal errors while
// leaving the repository sentinels matchable with errors.Is.
func wrapStoreErr(err error, message string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, ErrNotFound) || stderrors.Is(err, ErrVersionConflict) || stderrors.Is(err, ErrAlreadyExists) {
		return err
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}
