package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
)

// ── Playbook templates ───────────────────────────────────────────────────────

// Recurrence is how often a template is meant to be instantiated.
type Recurrence string

const (
	RecurrenceOnce       Recurrence = "ONCE"
	RecurrenceDaily      Recurrence = "DAILY"
	RecurrenceWeekly     Recurrence = "WEEKLY"
	RecurrenceMonthly    Recurrence = "MONTHLY"
	RecurrenceQuarterly  Recurrence = "QUARTERLY"
	RecurrenceSemiAnnual Recurrence = "SEMI_ANNUAL"
	RecurrenceAnnual     Recurrence = "ANNUAL"
)

// AssigneeType says how a step assignee is resolved.
type AssigneeType string

const (
	AssigneeUser AssigneeType = "user"
	AssigneeRole AssigneeType = "role"
	AssigneeTeam AssigneeType = "team"
)

// StepAutomation describes an optional machine trigger for a step.
type StepAutomation struct {
	Trigger string            `json:"trigger" yaml:"trigger"`
	Params  map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// PlaybookStepTemplate is a step definition inside a template.
type PlaybookStepTemplate struct {
	ID                 string            `json:"id" yaml:"id"`
	Order              int               `json:"order" yaml:"order"`
	Name               string            `json:"name" yaml:"name"`
	Description        string            `json:"description,omitempty" yaml:"description,omitempty"`
	Instructions       string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	AssigneeType       AssigneeType      `json:"assignee_type" yaml:"assignee_type"`
	DefaultAssignee    string            `json:"default_assignee,omitempty" yaml:"default_assignee,omitempty"`
	EstimatedHours     float64           `json:"estimated_hours,omitempty" yaml:"estimated_hours,omitempty"`
	DueDaysOffset      int               `json:"due_days_offset" yaml:"due_days_offset"`
	DependsOn          []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	BlockedByApproval  bool              `json:"blocked_by_approval,omitempty" yaml:"blocked_by_approval,omitempty"`
	RequiresApproval   bool              `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	ApproverCapability access.Capability `json:"approver_capability,omitempty" yaml:"approver_capability,omitempty"`
	Automation         *StepAutomation   `json:"automation,omitempty" yaml:"automation,omitempty"`
	RequiresAttachment bool              `json:"requires_attachment,omitempty" yaml:"requires_attachment,omitempty"`
	Checklist          []string          `json:"checklist,omitempty" yaml:"checklist,omitempty"`
}

// PlaybookTemplate is a published, immutable procedure definition.
type PlaybookTemplate struct {
	ID                  string                 `json:"id" yaml:"id"`
	Version             int                    `json:"version" yaml:"version"`
	Name                string                 `json:"name" yaml:"name"`
	Category            string                 `json:"category" yaml:"category"`
	Description         string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Steps               []PlaybookStepTemplate `json:"steps" yaml:"steps"`
	DefaultDueDays      int                    `json:"default_due_days" yaml:"default_due_days"`
	ReminderDays        []int                  `json:"reminder_days,omitempty" yaml:"reminder_days,omitempty"`
	EscalationAfterDays int                    `json:"escalation_after_days,omitempty" yaml:"escalation_after_days,omitempty"`
	EscalateTo          []string               `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
	RequiredRoles       []string               `json:"required_roles,omitempty" yaml:"required_roles,omitempty"`
	ApproverRoles       []string               `json:"approver_roles,omitempty" yaml:"approver_roles,omitempty"`
	Recurrence          Recurrence             `json:"recurrence" yaml:"recurrence"`
	// RecurrenceDay anchors the schedule: ISO weekday (1=Monday) for WEEKLY,
	// day of the period's last month otherwise. Zero means the period end.
	RecurrenceDay int `json:"recurrence_day,omitempty" yaml:"recurrence_day,omitempty"`
}

// ── Playbook instances ───────────────────────────────────────────────────────

type InstanceStatus string

const (
	InstanceDraft     InstanceStatus = "DRAFT"
	InstanceActive    InstanceStatus = "ACTIVE"
	InstancePaused    InstanceStatus = "PAUSED"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

type StepStatus string

const (
	StepNotStarted      StepStatus = "NOT_STARTED"
	StepInProgress      StepStatus = "IN_PROGRESS"
	StepBlocked         StepStatus = "BLOCKED"
	StepPendingApproval StepStatus = "PENDING_APPROVAL"
	StepCompleted       StepStatus = "COMPLETED"
	StepSkipped         StepStatus = "SKIPPED"
)

// Done reports whether the step counts towards progress.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

type StepApprovalStatus string

const (
	StepApprovalPending  StepApprovalStatus = "PENDING"
	StepApprovalApproved StepApprovalStatus = "APPROVED"
	StepApprovalRejected StepApprovalStatus = "REJECTED"
)

// StepApproval is the sign-off sub-record of an approval-gated step.
type StepApproval struct {
	Status    StepApprovalStatus `json:"status"`
	Approver  string             `json:"approver,omitempty"`
	DecidedAt *time.Time         `json:"decided_at,omitempty"`
	Comment   string             `json:"comment,omitempty"`
}

type ChecklistItem struct {
	Item      string `json:"item"`
	Completed bool   `json:"completed"`
}

type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URI        string    `json:"uri"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// PlaybookStepInstance is the live state of one step.
type PlaybookStepInstance struct {
	ID                 string            `json:"id"`
	TemplateStepID     string            `json:"template_step_id"`
	Order              int               `json:"order"`
	Name               string            `json:"name"`
	Instructions       string            `json:"instructions,omitempty"`
	Status             StepStatus        `json:"status"`
	Assignee           string            `json:"assignee,omitempty"`
	AssigneeType       AssigneeType      `json:"assignee_type"`
	DueDate            time.Time         `json:"due_date"`
	StartedAt          *time.Time        `json:"started_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CompletedBy        string            `json:"completed_by,omitempty"`
	DependsOn          []string          `json:"depends_on,omitempty"`
	BlockedByApproval  bool              `json:"blocked_by_approval,omitempty"`
	RequiresApproval   bool              `json:"requires_approval,omitempty"`
	ApproverCapability access.Capability `json:"approver_capability,omitempty"`
	Approval           *StepApproval     `json:"approval,omitempty"`
	RequiresAttachment bool              `json:"requires_attachment,omitempty"`
	Attachments        []Attachment      `json:"attachments,omitempty"`
	CompletionComment  string            `json:"completion_comment,omitempty"`
	Checklist          []ChecklistItem   `json:"checklist,omitempty"`
	EstimatedHours     float64           `json:"estimated_hours,omitempty"`
	ActualHours        float64           `json:"actual_hours,omitempty"`
	BlockedReason      string            `json:"blocked_reason,omitempty"`
	BlockedSince       *time.Time        `json:"blocked_since,omitempty"`
	RemindersSent      []int             `json:"reminders_sent,omitempty"`
	EscalatedAt        *time.Time        `json:"escalated_at,omitempty"`
}

// ReminderSent reports whether the reminder for the given day offset went out.
func (s *PlaybookStepInstance) ReminderSent(days int) bool {
	for _, d := range s.RemindersSent {
		if d == days {
			return true
		}
	}
	return false
}

// PlaybookInstance is a running execution of a template snapshot.
type PlaybookInstance struct {
	ID                  string                 `json:"id"`
	TemplateID          string                 `json:"template_id"`
	TemplateVersion     int                    `json:"template_version"`
	TemplateName        string                 `json:"template_name"`
	Category            string                 `json:"category"`
	TenantID            string                 `json:"tenant_id"`
	CompanyID           string                 `json:"company_id"`
	FundID              string                 `json:"fund_id,omitempty"`
	Status              InstanceStatus         `json:"status"`
	Progress            int                    `json:"progress"`
	StartDate           time.Time              `json:"start_date"`
	DueDate             time.Time              `json:"due_date"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	CancelledAt         *time.Time             `json:"cancelled_at,omitempty"`
	Owner               string                 `json:"owner"`
	Steps               []PlaybookStepInstance `json:"steps"`
	Context             PlaybookContext        `json:"-"`
	ReminderDays        []int                  `json:"reminder_days,omitempty"`
	EscalationAfterDays int                    `json:"escalation_after_days,omitempty"`
	EscalateTo          []string               `json:"escalate_to,omitempty"`
	CreatedBy           string                 `json:"created_by"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
	Version             int64                  `json:"version"`
}

// Step returns a pointer into Steps for the given step id.
func (p *PlaybookInstance) Step(id string) (*PlaybookStepInstance, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy safe to mutate.
func (p *PlaybookInstance) Clone() *PlaybookInstance {
	if p == nil {
		return nil
	}
	c := *p
	c.CompletedAt = cloneTime(p.CompletedAt)
	c.CancelledAt = cloneTime(p.CancelledAt)
	c.ReminderDays = append([]int(nil), p.ReminderDays...)
	c.EscalateTo = append([]string(nil), p.EscalateTo...)
	c.Steps = make([]PlaybookStepInstance, len(p.Steps))
	for i, s := range p.Steps {
		cs := s
		cs.StartedAt = cloneTime(s.StartedAt)
		cs.CompletedAt = cloneTime(s.CompletedAt)
		cs.BlockedSince = cloneTime(s.BlockedSince)
		cs.EscalatedAt = cloneTime(s.EscalatedAt)
		cs.DependsOn = append([]string(nil), s.DependsOn...)
		cs.Attachments = append([]Attachment(nil), s.Attachments...)
		cs.Checklist = append([]ChecklistItem(nil), s.Checklist...)
		cs.RemindersSent = append([]int(nil), s.RemindersSent...)
		if s.Approval != nil {
			a := *s.Approval
			a.DecidedAt = cloneTime(s.Approval.DecidedAt)
			cs.Approval = &a
		}
		c.Steps[i] = cs
	}
	return &c
}

func (p PlaybookInstance) MarshalJSON() ([]byte, error) {
	type alias PlaybookInstance
	env, err := EncodeContext(p.Context)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		alias
		Context json.RawMessage `json:"context"`
	}{alias: alias(p), Context: env})
}

func (p *PlaybookInstance) UnmarshalJSON(data []byte) error {
	type alias PlaybookInstance
	aux := struct {
		*alias
		Context json.RawMessage `json:"context"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Context) == 0 || string(aux.Context) == "null" {
		p.Context = nil
		return nil
	}
	c, err := DecodeContext(aux.Context)
	if err != nil {
		return fmt.Errorf("playbook instance %s: %w", p.ID, err)
	}
	p.Context = c
	return nil
}

// ── Playbook context union ───────────────────────────────────────────────────

type ContextType string

const (
	ContextNAVClose         ContextType = "nav_close"
	ContextRegulatoryFiling ContextType = "regulatory_filing"
	ContextAnnualClose      ContextType = "annual_close"
	ContextGeneric          ContextType = "generic"
)

// PlaybookContext is the tagged union of instance-specific business context.
type PlaybookContext interface {
	ContextType() ContextType
}

type NAVCloseContext struct {
	FundID    string    `json:"fund_id"`
	NAVDate   time.Time `json:"nav_date"`
	Frequency string    `json:"frequency,omitempty"`
}

func (NAVCloseContext) ContextType() ContextType { return ContextNAVClose }

type RegulatoryFilingContext struct {
	Regulator  string `json:"regulator"`
	FilingType string `json:"filing_type"`
	Period     string `json:"period"`
}

func (RegulatoryFilingContext) ContextType() ContextType { return ContextRegulatoryFiling }

type AnnualCloseContext struct {
	FiscalYear int    `json:"fiscal_year"`
	Auditor    string `json:"auditor,omitempty"`
}

func (AnnualCloseContext) ContextType() ContextType { return ContextAnnualClose }

type GenericContext struct {
	Values map[string]string `json:"values,omitempty"`
}

func (GenericContext) ContextType() ContextType { return ContextGeneric }

type contextEnvelope struct {
	Type ContextType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func EncodeContext(c PlaybookContext) (json.RawMessage, error) {
	if c == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal %s context: %w", c.ContextType(), err)
	}
	return json.Marshal(contextEnvelope{Type: c.ContextType(), Data: data})
}

func DecodeContext(raw []byte) (PlaybookContext, error) {
	var env contextEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode context envelope: %w", err)
	}
	var (
		c   PlaybookContext
		err error
	)
	switch env.Type {
	case ContextNAVClose:
		var v NAVCloseContext
		err = json.Unmarshal(env.Data, &v)
		c = v
	case ContextRegulatoryFiling:
		var v RegulatoryFilingContext
		err = json.Unmarshal(env.Data, &v)
		c = v
	case ContextAnnualClose:
		var v AnnualCloseContext
		err = json.Unmarshal(env.Data, &v)
		c = v
	case ContextGeneric:
		var v GenericContext
		err = json.Unmarshal(env.Data, &v)
		c = v
	default:
		return nil, fmt.Errorf("unknown context type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s context: %w", env.Type, err)
	}
	return c, nil
}
