package repository

import (
	"context"
	"embed"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-governance-workflows/internal/common/database"
	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// pgUniqueViolation is the SQLSTATE for duplicate primary keys.
const pgUniqueViolation = "23505"

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db *database.DB) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "apply migration "+name)
		}
	}
	return nil
}

// ── Approval requests ────────────────────────────────────────────────────────

// PostgresRequestRepository stores each request as a JSONB document with
// the filterable fields denormalised into columns.
type PostgresRequestRepository struct {
	db *database.DB
}

func NewPostgresRequestRepository(db *database.DB) *PostgresRequestRepository {
	return &PostgresRequestRepository{db: db}
}

func (r *PostgresRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	req.Version = 1
	doc, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval request")
	}

	query := `
		INSERT INTO governance_approval_requests
		    (id, tenant_id, company_id, domain, operation_type, status,
		     requested_by, deadline, escalated, version, document,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11,
		        $12, $13)
	`

	_, err = r.db.Exec(ctx, query,
		req.ID,
		req.TenantID,
		req.CompanyID,
		string(req.Domain),
		string(req.OperationType),
		string(req.Status),
		req.RequestedBy,
		req.Deadline,
		req.EscalatedAt != nil,
		req.Version,
		doc,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return wrapStoreErr(err, "failed to create approval request")
}

func (r *PostgresRequestRepository) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT document
		FROM governance_approval_requests
		WHERE id = $1
	`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, wrapStoreErr(err, "failed to get approval request")
}

// Update writes the document only if the stored version still matches.
func (r *PostgresRequestRepository) Update(ctx context.Context, req *ApprovalRequest) error {
	expected := req.Version
	req.Version = expected + 1
	doc, err := json.Marshal(req)
	if err != nil {
		req.Version = expected
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval request")
	}

	query := `
		UPDATE governance_approval_requests
		SET status     = $3,
		    escalated  = $4,
		    version    = $5,
		    document   = $6,
		    updated_at = $7
		WHERE id = $1 AND version = $2
	`

	tag, err := r.db.Exec(ctx, query,
		req.ID,
		expected,
		string(req.Status),
		req.EscalatedAt != nil,
		req.Version,
		doc,
		req.UpdatedAt,
	)
	if err != nil {
		req.Version = expected
		return wrapStoreErr(err, "failed to update approval request")
	}
	if tag.RowsAffected() == 0 {
		req.Version = expected
		return r.missingOrConflict(ctx, req.ID)
	}
	return nil
}

func (r *PostgresRequestRepository) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM governance_approval_requests WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return wrapStoreErr(err, "failed to check approval request")
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (r *PostgresRequestRepository) List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	query, args := buildRequestListQuery(filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// buildRequestListQuery turns a filter into a parameterised SELECT.
func buildRequestListQuery(f RequestFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id", f.TenantID)
	}
	if f.CompanyID != "" {
		add("company_id", f.CompanyID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Domain != "" {
		add("domain", string(f.Domain))
	}
	if f.OperationType != "" {
		add("operation_type", string(f.OperationType))
	}
	if f.RequestedBy != "" {
		add("requested_by", f.RequestedBy)
	}
	if f.Unescalated {
		where = append(where, "escalated = FALSE")
	}

	query := "SELECT document FROM governance_approval_requests"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return query, args
}

// ── Playbook instances ───────────────────────────────────────────────────────

type PostgresInstanceRepository struct {
	db *database.DB
}

func NewPostgresInstanceRepository(db *database.DB) *PostgresInstanceRepository {
	return &PostgresInstanceRepository{db: db}
}

func (r *PostgresInstanceRepository) Create(ctx context.Context, p *PlaybookInstance) error {
	p.Version = 1
	doc, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal playbook instance")
	}

	query := `
		INSERT INTO governance_playbook_instances
		    (id, tenant_id, company_id, fund_id, template_id, status,
		     owner, due_date, version, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.Exec(ctx, query,
		p.ID,
		p.TenantID,
		p.CompanyID,
		p.FundID,
		p.TemplateID,
		string(p.Status),
		p.Owner,
		p.DueDate,
		p.Version,
		doc,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return wrapStoreErr(err, "failed to create playbook instance")
}

func (r *PostgresInstanceRepository) Get(ctx context.Context, id string) (*PlaybookInstance, error) {
	query := `
		SELECT document
		FROM governance_playbook_instances
		WHERE id = $1
	`

	p, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, wrapStoreErr(err, "failed to get playbook instance")
}

func (r *PostgresInstanceRepository) Update(ctx context.Context, p *PlaybookInstance) error {
	expected := p.Version
	p.Version = expected + 1
	doc, err := json.Marshal(p)
	if err != nil {
		p.Version = expected
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal playbook instance")
	}

	query := `
		UPDATE governance_playbook_instances
		SET status     = $3,
		    owner      = $4,
		    version    = $5,
		    document   = $6,
		    updated_at = $7
		WHERE id = $1 AND version = $2
	`

	tag, err := r.db.Exec(ctx, query,
		p.ID,
		expected,
		string(p.Status),
		p.Owner,
		p.Version,
		doc,
		p.UpdatedAt,
	)
	if err != nil {
		p.Version = expected
		return wrapStoreErr(err, "failed to update playbook instance")
	}
	if tag.RowsAffected() == 0 {
		p.Version = expected
		var exists bool
		err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM governance_playbook_instances WHERE id = $1)`, p.ID).Scan(&exists)
		if err != nil {
			return wrapStoreErr(err, "failed to check playbook instance")
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

func (r *PostgresInstanceRepository) List(ctx context.Context, filter InstanceFilter) ([]*PlaybookInstance, error) {
	query, args := buildInstanceListQuery(filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list playbook instances")
	}
	defer rows.Close()

	var out []*PlaybookInstance
	for rows.Next() {
		p, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan playbook instance")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func buildInstanceListQuery(f InstanceFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if f.TenantID != "" {
		add("tenant_id", f.TenantID)
	}
	if f.CompanyID != "" {
		add("company_id", f.CompanyID)
	}
	if f.FundID != "" {
		add("fund_id", f.FundID)
	}
	if f.TemplateID != "" {
		add("template_id", f.TemplateID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Owner != "" {
		add("owner", f.Owner)
	}

	query := "SELECT document FROM governance_playbook_instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return query, args
}

// ── Audit log ────────────────────────────────────────────────────────────────

// PostgresAuditRepository appends and reads immutable audit entries.
type PostgresAuditRepository struct {
	db *database.DB
}

func NewPostgresAuditRepository(db *database.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

func (r *PostgresAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO governance_audit_log
		    (id, tenant_id, subject_type, subject_id, step_id,
		     action, performed_by, performed_at,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8,
		        $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.SubjectType,
		entry.SubjectID,
		nullable(entry.StepID),
		entry.Action,
		entry.PerformedBy,
		entry.PerformedAt,
		nullable(entry.StatusBefore),
		nullable(entry.StatusAfter),
		metadataJSON,
	)
	return wrapStoreErr(err, "failed to append audit entry")
}

func (r *PostgresAuditRepository) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, tenant_id, subject_type, subject_id, step_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM governance_audit_log
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, subjectType, subjectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	req := &ApprovalRequest{}
	if err := json.Unmarshal(doc, req); err != nil {
		return nil, fmt.Errorf("unmarshal approval request: %w", err)
	}
	return req, nil
}

func scanInstance(row rowScanner) (*PlaybookInstance, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	p := &PlaybookInstance{}
	if err := json.Unmarshal(doc, p); err != nil {
		return nil, fmt.Errorf("unmarshal playbook instance: %w", err)
	}
	return p, nil
}

func scanAuditEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var (
		stepID, before, after *string
		metadataJSON          []byte
	)

	err := sc.Scan(
		&entry.ID,
		&entry.TenantID,
		&entry.SubjectType,
		&entry.SubjectID,
		&stepID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&before,
		&after,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}
	entry.StepID = deref(stepID)
	entry.StatusBefore = deref(before)
	entry.StatusAfter = deref(after)

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
