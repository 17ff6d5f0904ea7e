package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pesio-ai/be-governance-workflows/internal/access"
	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/common/tracing"
	"github.com/pesio-ai/be-governance-workflows/internal/metrics"
	"github.com/pesio-ai/be-governance-workflows/internal/playbook"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

// PlaybookService instantiates playbook templates and drives their steps.
type PlaybookService struct {
	templates *playbook.Catalogue
	instances repository.InstanceRepository
	audit     repository.AuditRepository
	notifier  client.Notifier
	metrics   *metrics.Metrics
	clock     Clock
	newID     IDGenerator
	log       *logger.Logger
}

// NewPlaybookService creates a PlaybookService. deps.Instances and
// deps.Audit are required.
func NewPlaybookService(templates *playbook.Catalogue, deps Deps) *PlaybookService {
	deps = deps.withDefaults()
	return &PlaybookService{
		templates: templates,
		instances: deps.Instances,
		audit:     deps.Audit,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		newID:     deps.NewID,
		log:       deps.Log.Component("playbook_service"),
	}
}

type CreateInstanceInput struct {
	TemplateID string
	// TemplateVersion zero selects the latest published version.
	TemplateVersion int
	TenantID        string
	CompanyID       string
	FundID          string
	StartDate       time.Time
	Owner           string
	Context         repository.PlaybookContext
	Actor           access.Principal
}

type UpdateStepInput struct {
	InstanceID    string
	StepID        string
	Status        repository.StepStatus
	Actor         access.Principal
	Comment       string
	ActualHours   float64
	BlockedReason string
}

type ApproveStepInput struct {
	InstanceID string
	StepID     string
	Approved   bool
	Approver   access.Principal
	Comment    string
}

// stepTransitions lists the moves UpdateStepStatus accepts. PENDING_APPROVAL
// is left only through ApproveStep.
var stepTransitions = map[repository.StepStatus][]repository.StepStatus{
	repository.StepNotStarted: {repository.StepInProgress, repository.StepBlocked, repository.StepSkipped},
	repository.StepInProgress: {repository.StepCompleted, repository.StepPendingApproval, repository.StepBlocked, repository.StepSkipped},
	repository.StepBlocked:    {repository.StepNotStarted, repository.StepInProgress, repository.StepSkipped},
}

func canTransition(from, to repository.StepStatus) bool {
	for _, s := range stepTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ── Create ───────────────────────────────────────────────────────────────────

// CreateInstance freezes a copy of the template into a new DRAFT instance.
// A template without steps yields an instance that is already COMPLETED.
func (s *PlaybookService) CreateInstance(ctx context.Context, in CreateInstanceInput) (inst *repository.PlaybookInstance, err error) {
	ctx, span := tracing.Start(ctx, "playbook.create_instance",
		attribute.String("template_id", in.TemplateID),
		attribute.String("tenant_id", in.TenantID))
	defer func() { tracing.End(span, err) }()

	if in.TenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant_id is required")
	}
	if in.StartDate.IsZero() {
		return nil, errors.InvalidInput("start_date", "start_date is required")
	}
	if !canAct(in.Actor, in.TenantID) || !in.Actor.HasCapability(access.CapPlaybookManage) {
		return nil, errNotAuthorized("user %s may not start playbooks", in.Actor.UserID)
	}

	tpl, ok := s.templates.Get(in.TemplateID, in.TemplateVersion)
	if !ok {
		return nil, errTemplateNotFound(in.TemplateID, in.TemplateVersion)
	}

	owner := in.Owner
	if owner == "" {
		owner = in.Actor.UserID
	}
	now := s.clock()
	inst = &repository.PlaybookInstance{
		ID:                  s.newID(),
		TemplateID:          tpl.ID,
		TemplateVersion:     tpl.Version,
		TemplateName:        tpl.Name,
		Category:            tpl.Category,
		TenantID:            in.TenantID,
		CompanyID:           in.CompanyID,
		FundID:              in.FundID,
		Status:              repository.InstanceDraft,
		StartDate:           in.StartDate,
		DueDate:             in.StartDate.AddDate(0, 0, tpl.DefaultDueDays),
		Owner:               owner,
		Steps:               make([]repository.PlaybookStepInstance, 0, len(tpl.Steps)),
		Context:             in.Context,
		ReminderDays:        append([]int(nil), tpl.ReminderDays...),
		EscalationAfterDays: tpl.EscalationAfterDays,
		EscalateTo:          append([]string(nil), tpl.EscalateTo...),
		CreatedBy:           in.Actor.UserID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for _, st := range tpl.Steps {
		step := repository.PlaybookStepInstance{
			ID:                 st.ID,
			TemplateStepID:     st.ID,
			Order:              st.Order,
			Name:               st.Name,
			Instructions:       st.Instructions,
			Status:             repository.StepNotStarted,
			Assignee:           st.DefaultAssignee,
			AssigneeType:       st.AssigneeType,
			DueDate:            in.StartDate.AddDate(0, 0, st.DueDaysOffset),
			DependsOn:          append([]string(nil), st.DependsOn...),
			BlockedByApproval:  st.BlockedByApproval,
			RequiresApproval:   st.RequiresApproval,
			ApproverCapability: st.ApproverCapability,
			RequiresAttachment: st.RequiresAttachment,
			EstimatedHours:     st.EstimatedHours,
		}
		for _, item := range st.Checklist {
			step.Checklist = append(step.Checklist, repository.ChecklistItem{Item: item})
		}
		inst.Steps = append(inst.Steps, step)
	}
	inst.Progress = playbook.Progress(inst)
	if inst.Progress == 100 {
		inst.Status = repository.InstanceCompleted
		inst.CompletedAt = timePtr(now)
	}

	if err := s.instances.Create(ctx, inst); err != nil {
		s.log.Error().Err(err).Str("instance_id", inst.ID).Msg("Failed to persist playbook instance")
		return nil, err
	}

	s.metrics.InstancesCreated.WithLabelValues(inst.TemplateID).Inc()
	s.appendAudit(ctx, inst, "", "created", in.Actor.UserID, "", string(inst.Status), map[string]any{
		"template_id":      inst.TemplateID,
		"template_version": inst.TemplateVersion,
	})
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("tenant_id", inst.TenantID).
		Str("template_id", inst.TemplateID).
		Int("template_version", inst.TemplateVersion).
		Int("steps", len(inst.Steps)).
		Msg("Playbook instance created")
	return inst, nil
}

// ── Step transitions ─────────────────────────────────────────────────────────

// UpdateStepStatus moves a step through its lifecycle. Completing a step
// that needs sign-off parks it in PENDING_APPROVAL instead.
func (s *PlaybookService) UpdateStepStatus(ctx context.Context, in UpdateStepInput) (inst *repository.PlaybookInstance, err error) {
	ctx, span := tracing.Start(ctx, "playbook.update_step_status",
		attribute.String("instance_id", in.InstanceID),
		attribute.String("step_id", in.StepID),
		attribute.String("status", string(in.Status)))
	defer func() { tracing.End(span, err) }()

	if in.ActualHours < 0 {
		return nil, errors.InvalidInput("actual_hours", "must not be negative")
	}

	var before, after repository.StepStatus
	var instBefore repository.InstanceStatus
	inst, err = mutate[repository.PlaybookInstance](ctx, s.instances, "playbook instance", in.InstanceID,
		errInstanceNotFound, s.conflict("playbook_instance"),
		func(p *repository.PlaybookInstance) error {
			if p.Status != repository.InstanceDraft && p.Status != repository.InstanceActive {
				return errInvalidState("instance %s is %s", p.ID, p.Status)
			}
			if err := s.authorizeExecute(in.Actor, p); err != nil {
				return err
			}
			step, ok := p.Step(in.StepID)
			if !ok {
				return errStepNotFound(p.ID, in.StepID)
			}
			target := in.Status
			if target == repository.StepCompleted && step.RequiresApproval {
				target = repository.StepPendingApproval
			}
			if !canTransition(step.Status, target) {
				return errInvalidState("step %s cannot move from %s to %s", step.ID, step.Status, in.Status)
			}
			if target == repository.StepPendingApproval && !step.RequiresApproval {
				return errInvalidState("step %s does not require approval", step.ID)
			}

			now := s.clock()
			before, after, instBefore = step.Status, target, p.Status
			switch target {
			case repository.StepInProgress:
				if ok, unmet := playbook.DependenciesSatisfied(p, step); !ok {
					return errors.New(ErrCodeDependencyNotSatisfied,
						fmt.Sprintf("step %s waits on %s", step.ID, strings.Join(unmet, ", ")))
				}
				if !playbook.ApprovalGateCleared(p, step) {
					return errors.New(ErrCodeDependencyNotSatisfied,
						fmt.Sprintf("step %s waits on an earlier sign-off", step.ID))
				}
				if step.StartedAt == nil {
					step.StartedAt = timePtr(now)
				}
				if p.Status == repository.InstanceDraft {
					p.Status = repository.InstanceActive
				}
			case repository.StepBlocked:
				if in.BlockedReason == "" {
					return errors.InvalidInput("blocked_reason", "a reason is required to block a step")
				}
				step.BlockedReason = in.BlockedReason
				step.BlockedSince = timePtr(now)
			case repository.StepPendingApproval:
				if err := completionReady(step); err != nil {
					return err
				}
				step.Approval = &repository.StepApproval{Status: repository.StepApprovalPending}
				step.CompletedBy = in.Actor.UserID
				step.CompletionComment = in.Comment
				step.ActualHours = in.ActualHours
			case repository.StepCompleted:
				if err := completionReady(step); err != nil {
					return err
				}
				step.CompletedAt = timePtr(now)
				step.CompletedBy = in.Actor.UserID
				step.CompletionComment = in.Comment
				step.ActualHours = in.ActualHours
			case repository.StepSkipped:
				step.CompletedAt = timePtr(now)
				step.CompletedBy = in.Actor.UserID
				step.CompletionComment = in.Comment
			}
			if step.Status == repository.StepBlocked && target != repository.StepBlocked {
				step.BlockedReason = ""
				step.BlockedSince = nil
			}
			step.Status = target
			s.refreshProgress(p, now)
			return nil
		})
	if err != nil {
		return nil, err
	}

	step, _ := inst.Step(in.StepID)
	s.metrics.StepTransitions.WithLabelValues(string(after)).Inc()
	s.appendAudit(ctx, inst, step.ID, "step_"+strings.ToLower(string(after)), in.Actor.UserID,
		string(before), string(after), map[string]any{"comment": in.Comment})
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("step_id", step.ID).
		Str("from", string(before)).
		Str("to", string(after)).
		Int("progress", inst.Progress).
		Msg("Playbook step updated")

	if after == repository.StepPendingApproval {
		s.notifyInstance(ctx, inst, step.ID, client.EventStepApprovalRequired,
			approverRecipients(step.ApproverCapability),
			fmt.Sprintf("Sign-off required: %s", step.Name), in.Actor.UserID)
	}
	s.afterProgress(ctx, inst, instBefore, in.Actor.UserID)
	return inst, nil
}

// completionReady checks the evidence a step needs before it can be closed.
func completionReady(step *repository.PlaybookStepInstance) error {
	for _, c := range step.Checklist {
		if !c.Completed {
			return errors.InvalidInput("checklist", fmt.Sprintf("item %q is not completed", c.Item))
		}
	}
	if step.RequiresAttachment && len(step.Attachments) == 0 {
		return errors.InvalidInput("attachments", fmt.Sprintf("step %s requires an attachment", step.ID))
	}
	return nil
}

// ApproveStep records the sign-off decision on a step in PENDING_APPROVAL.
// A rejection sends the step back to IN_PROGRESS.
func (s *PlaybookService) ApproveStep(ctx context.Context, in ApproveStepInput) (inst *repository.PlaybookInstance, err error) {
	ctx, span := tracing.Start(ctx, "playbook.approve_step",
		attribute.String("instance_id", in.InstanceID),
		attribute.String("step_id", in.StepID),
		attribute.Bool("approved", in.Approved))
	defer func() { tracing.End(span, err) }()

	var instBefore repository.InstanceStatus
	inst, err = mutate[repository.PlaybookInstance](ctx, s.instances, "playbook instance", in.InstanceID,
		errInstanceNotFound, s.conflict("playbook_instance"),
		func(p *repository.PlaybookInstance) error {
			if p.Status != repository.InstanceDraft && p.Status != repository.InstanceActive {
				return errInvalidState("instance %s is %s", p.ID, p.Status)
			}
			step, ok := p.Step(in.StepID)
			if !ok {
				return errStepNotFound(p.ID, in.StepID)
			}
			if step.Status != repository.StepPendingApproval {
				return errInvalidState("step %s is %s, not PENDING_APPROVAL", step.ID, step.Status)
			}
			if !canAct(in.Approver, p.TenantID) || !in.Approver.HasCapability(step.ApproverCapability) {
				return errNotAuthorized("user %s may not sign off step %s", in.Approver.UserID, step.ID)
			}
			if step.CompletedBy != "" && step.CompletedBy == in.Approver.UserID {
				return errors.New(ErrCodeSelfApproval, "the assignee who completed the step cannot sign it off")
			}

			now := s.clock()
			instBefore = p.Status
			step.Approval = &repository.StepApproval{
				Approver:  in.Approver.UserID,
				DecidedAt: timePtr(now),
				Comment:   in.Comment,
			}
			if in.Approved {
				step.Approval.Status = repository.StepApprovalApproved
				step.Status = repository.StepCompleted
				step.CompletedAt = timePtr(now)
			} else {
				step.Approval.Status = repository.StepApprovalRejected
				step.Status = repository.StepInProgress
			}
			s.refreshProgress(p, now)
			return nil
		})
	if err != nil {
		return nil, err
	}

	step, _ := inst.Step(in.StepID)
	action, event, title := "step_approved", client.EventStepApproved, "Signed off: "+step.Name
	if !in.Approved {
		action, event, title = "step_rejected", client.EventStepRejected, "Sign-off rejected: "+step.Name
	}
	s.metrics.StepTransitions.WithLabelValues(string(step.Status)).Inc()
	s.appendAudit(ctx, inst, step.ID, action, in.Approver.UserID,
		string(repository.StepPendingApproval), string(step.Status), map[string]any{"comment": in.Comment})
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("step_id", step.ID).
		Str("approver", in.Approver.UserID).
		Bool("approved", in.Approved).
		Msg("Playbook step sign-off recorded")

	recipients := []string{assigneeToken(*step)}
	if step.CompletedBy != "" {
		recipients = append(recipients, "user:"+step.CompletedBy)
	}
	s.notifyInstance(ctx, inst, step.ID, event, recipients, title, in.Approver.UserID)
	s.afterProgress(ctx, inst, instBefore, in.Approver.UserID)
	return inst, nil
}

// ── Step details ─────────────────────────────────────────────────────────────

// UpdateChecklistItem ticks or unticks a checklist item of an open step.
func (s *PlaybookService) UpdateChecklistItem(ctx context.Context, instanceID, stepID string, index int, completed bool, actor access.Principal) (*repository.PlaybookInstance, error) {
	inst, err := s.mutateOpenStep(ctx, instanceID, stepID, actor, func(p *repository.PlaybookInstance, step *repository.PlaybookStepInstance) error {
		if index < 0 || index >= len(step.Checklist) {
			return errors.InvalidInput("index", fmt.Sprintf("step %s has no checklist item %d", step.ID, index))
		}
		if step.Checklist[index].Completed == completed {
			return errNoChange
		}
		step.Checklist[index].Completed = completed
		return nil
	})
	if err != nil {
		return inst, err
	}
	s.appendAudit(ctx, inst, stepID, "checklist_updated", actor.UserID, "", "", map[string]any{
		"index":     index,
		"completed": completed,
	})
	return inst, nil
}

// AddAttachment records evidence on an open step. Content lives elsewhere;
// only the reference is stored.
func (s *PlaybookService) AddAttachment(ctx context.Context, instanceID, stepID, name, uri string, actor access.Principal) (*repository.PlaybookInstance, error) {
	if name == "" || uri == "" {
		return nil, errors.InvalidInput("attachment", "name and uri are required")
	}
	var attachmentID string
	inst, err := s.mutateOpenStep(ctx, instanceID, stepID, actor, func(p *repository.PlaybookInstance, step *repository.PlaybookStepInstance) error {
		attachmentID = s.newID()
		step.Attachments = append(step.Attachments, repository.Attachment{
			ID:         attachmentID,
			Name:       name,
			URI:        uri,
			UploadedBy: actor.UserID,
			UploadedAt: s.clock(),
		})
		return nil
	})
	if err != nil {
		return inst, err
	}
	s.appendAudit(ctx, inst, stepID, "attachment_added", actor.UserID, "", "", map[string]any{
		"attachment_id": attachmentID,
		"name":          name,
	})
	return inst, nil
}

// ReassignStep hands an open step to another assignee. Only playbook
// managers may reassign.
func (s *PlaybookService) ReassignStep(ctx context.Context, instanceID, stepID string, assigneeType repository.AssigneeType, assignee string, actor access.Principal) (*repository.PlaybookInstance, error) {
	switch assigneeType {
	case repository.AssigneeUser, repository.AssigneeRole, repository.AssigneeTeam:
	default:
		return nil, errors.InvalidInput("assignee_type", fmt.Sprintf("unknown assignee type %q", assigneeType))
	}
	if assignee == "" {
		return nil, errors.InvalidInput("assignee", "assignee is required")
	}
	if !actor.HasCapability(access.CapPlaybookManage) {
		return nil, errNotAuthorized("user %s may not reassign steps", actor.UserID)
	}
	var previous string
	inst, err := s.mutateOpenStep(ctx, instanceID, stepID, actor, func(p *repository.PlaybookInstance, step *repository.PlaybookStepInstance) error {
		if step.Assignee == assignee && step.AssigneeType == assigneeType {
			return errNoChange
		}
		previous = step.Assignee
		step.Assignee = assignee
		step.AssigneeType = assigneeType
		return nil
	})
	if err != nil {
		return inst, err
	}
	s.appendAudit(ctx, inst, stepID, "step_reassigned", actor.UserID, "", "", map[string]any{
		"from": previous,
		"to":   assignee,
	})
	return inst, nil
}

// mutateOpenStep applies fn to a step that is not yet done, in an instance
// that still accepts work. errNoChange from fn returns the current state.
func (s *PlaybookService) mutateOpenStep(ctx context.Context, instanceID, stepID string, actor access.Principal,
	fn func(*repository.PlaybookInstance, *repository.PlaybookStepInstance) error) (*repository.PlaybookInstance, error) {
	inst, err := mutate[repository.PlaybookInstance](ctx, s.instances, "playbook instance", instanceID,
		errInstanceNotFound, s.conflict("playbook_instance"),
		func(p *repository.PlaybookInstance) error {
			if p.Status != repository.InstanceDraft && p.Status != repository.InstanceActive {
				return errInvalidState("instance %s is %s", p.ID, p.Status)
			}
			if err := s.authorizeExecute(actor, p); err != nil {
				return err
			}
			step, ok := p.Step(stepID)
			if !ok {
				return errStepNotFound(p.ID, stepID)
			}
			if step.Status.Done() {
				return errInvalidState("step %s is %s", step.ID, step.Status)
			}
			if err := fn(p, step); err != nil {
				return err
			}
			p.UpdatedAt = s.clock()
			return nil
		})
	if errors.Is(err, errNoChange) {
		return inst, nil
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ── Instance lifecycle ───────────────────────────────────────────────────────

// PauseInstance suspends an ACTIVE instance. Reminders and escalations stop
// while it is paused.
func (s *PlaybookService) PauseInstance(ctx context.Context, id string, actor access.Principal) (*repository.PlaybookInstance, error) {
	return s.setInstanceStatus(ctx, id, actor, "paused",
		[]repository.InstanceStatus{repository.InstanceActive}, repository.InstancePaused)
}

// ResumeInstance reactivates a PAUSED instance.
func (s *PlaybookService) ResumeInstance(ctx context.Context, id string, actor access.Principal) (*repository.PlaybookInstance, error) {
	return s.setInstanceStatus(ctx, id, actor, "resumed",
		[]repository.InstanceStatus{repository.InstancePaused}, repository.InstanceActive)
}

// CancelInstance abandons an instance that has not completed.
func (s *PlaybookService) CancelInstance(ctx context.Context, id string, actor access.Principal) (*repository.PlaybookInstance, error) {
	return s.setInstanceStatus(ctx, id, actor, "cancelled",
		[]repository.InstanceStatus{repository.InstanceDraft, repository.InstanceActive, repository.InstancePaused},
		repository.InstanceCancelled)
}

func (s *PlaybookService) setInstanceStatus(ctx context.Context, id string, actor access.Principal, action string,
	from []repository.InstanceStatus, to repository.InstanceStatus) (*repository.PlaybookInstance, error) {
	var before repository.InstanceStatus
	inst, err := mutate[repository.PlaybookInstance](ctx, s.instances, "playbook instance", id,
		errInstanceNotFound, s.conflict("playbook_instance"),
		func(p *repository.PlaybookInstance) error {
			if !canAct(actor, p.TenantID) || !(actor.HasCapability(access.CapPlaybookManage) || actor.UserID == p.Owner) {
				return errNotAuthorized("user %s may not change instance %s", actor.UserID, p.ID)
			}
			allowed := false
			for _, f := range from {
				if p.Status == f {
					allowed = true
					break
				}
			}
			if !allowed {
				return errInvalidState("instance %s is %s and cannot be %s", p.ID, p.Status, action)
			}
			now := s.clock()
			before = p.Status
			p.Status = to
			if to == repository.InstanceCancelled {
				p.CancelledAt = timePtr(now)
			}
			p.UpdatedAt = now
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, inst, "", action, actor.UserID, string(before), string(to), nil)
	s.log.Info().
		Str("instance_id", inst.ID).
		Str("from", string(before)).
		Str("to", string(to)).
		Msg("Playbook instance " + action)
	return inst, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

func (s *PlaybookService) GetInstance(ctx context.Context, id string) (*repository.PlaybookInstance, error) {
	inst, err := s.instances.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errInstanceNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *PlaybookService) ListInstances(ctx context.Context, filter repository.InstanceFilter) ([]*repository.PlaybookInstance, error) {
	return s.instances.List(ctx, filter)
}

// ReadySteps returns the ids of steps that could be started right now.
func (s *PlaybookService) ReadySteps(ctx context.Context, instanceID string) ([]string, error) {
	inst, err := s.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return playbook.ReadySteps(inst), nil
}

// History returns the audit trail of an instance, oldest first.
func (s *PlaybookService) History(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.audit.ListBySubject(ctx, repository.SubjectPlaybookInstance, instanceID)
}

// NextOccurrence reports when the template is next due after the given
// time. ONCE templates never recur.
func (s *PlaybookService) NextOccurrence(templateID string, after time.Time) (time.Time, bool, error) {
	tpl, ok := s.templates.Get(templateID, 0)
	if !ok {
		return time.Time{}, false, errTemplateNotFound(templateID, 0)
	}
	next, ok := playbook.NextOccurrence(tpl, after)
	return next, ok, nil
}

// Templates lists the latest version of every template.
func (s *PlaybookService) Templates() []*repository.PlaybookTemplate {
	return s.templates.List()
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// authorizeExecute allows playbook executors, managers and the owner.
func (s *PlaybookService) authorizeExecute(actor access.Principal, p *repository.PlaybookInstance) error {
	if actor.UserID == "" {
		return errors.InvalidInput("actor", "actor is required")
	}
	if !canAct(actor, p.TenantID) {
		return errNotAuthorized("user %s belongs to another tenant", actor.UserID)
	}
	if actor.UserID == p.Owner || actor.HasAny([]access.Capability{access.CapPlaybookExecute, access.CapPlaybookManage}) {
		return nil
	}
	return errNotAuthorized("user %s may not work on playbooks", actor.UserID)
}

// refreshProgress recomputes progress and completes the instance at 100.
func (s *PlaybookService) refreshProgress(p *repository.PlaybookInstance, now time.Time) {
	p.Progress = playbook.Progress(p)
	if p.Progress == 100 && p.Status != repository.InstanceCompleted {
		p.Status = repository.InstanceCompleted
		p.CompletedAt = timePtr(now)
	}
	p.UpdatedAt = now
}

func (s *PlaybookService) afterProgress(ctx context.Context, inst *repository.PlaybookInstance, before repository.InstanceStatus, actor string) {
	if before == inst.Status {
		return
	}
	s.appendAudit(ctx, inst, "", "instance_"+strings.ToLower(string(inst.Status)), actor,
		string(before), string(inst.Status), map[string]any{"progress": inst.Progress})
	if inst.Status != repository.InstanceCompleted {
		return
	}
	s.log.Info().Str("instance_id", inst.ID).Str("template_id", inst.TemplateID).Msg("Playbook completed")
	s.notifyInstance(ctx, inst, "", client.EventPlaybookCompleted, []string{"user:" + inst.Owner},
		fmt.Sprintf("%s completed", inst.TemplateName), actor)
}

func (s *PlaybookService) conflict(entity string) func() {
	return func() { s.metrics.MutationConflicts.WithLabelValues(entity).Inc() }
}

func (s *PlaybookService) notifyInstance(ctx context.Context, inst *repository.PlaybookInstance, stepID, event string, recipients []string, title, actor string) {
	notifyInstance(ctx, s.notifier, inst, stepID, event, recipients, title, actor)
}

func (s *PlaybookService) appendAudit(ctx context.Context, inst *repository.PlaybookInstance, stepID, action, by, before, after string, meta map[string]any) {
	appendInstanceAudit(ctx, s.audit, s.newID, s.clock, s.log, inst, stepID, action, by, before, after, meta)
}

// assigneeToken renders a step assignee as a recipient token.
func assigneeToken(step repository.PlaybookStepInstance) string {
	if step.Assignee == "" {
		return ""
	}
	return string(step.AssigneeType) + ":" + step.Assignee
}

// approverRecipients addresses every role that grants the capability.
func approverRecipients(c access.Capability) []string {
	roles := access.RolesWithCapability(c)
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, "role:"+r)
	}
	return out
}

func notifyInstance(ctx context.Context, n client.Notifier, inst *repository.PlaybookInstance, stepID, event string, recipients []string, title, actor string) {
	filtered := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r != "" {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return
	}
	subject := inst.ID
	link := "/governance/playbooks/" + inst.ID
	if stepID != "" {
		subject = inst.ID + "/" + stepID
		link += "#" + stepID
	}
	n.Notify(ctx, client.NotifyRequest{
		Scope:      client.Scope{TenantID: inst.TenantID, CompanyID: inst.CompanyID},
		EventType:  event,
		SubjectID:  subject,
		ActorID:    actor,
		Recipients: filtered,
		Title:      title,
		Message:    fmt.Sprintf("%s (%d%% complete, due %s)", inst.TemplateName, inst.Progress, inst.DueDate.Format("2006-01-02")),
		ActionLink: link,
	})
}

func appendInstanceAudit(ctx context.Context, audit repository.AuditRepository, newID IDGenerator, clock Clock, log *logger.Logger,
	inst *repository.PlaybookInstance, stepID, action, by, before, after string, meta map[string]any) {
	entry := &repository.AuditEntry{
		ID:           newID(),
		TenantID:     inst.TenantID,
		SubjectType:  repository.SubjectPlaybookInstance,
		SubjectID:    inst.ID,
		StepID:       stepID,
		Action:       action,
		PerformedBy:  by,
		PerformedAt:  clock(),
		StatusBefore: before,
		StatusAfter:  after,
		Metadata:     meta,
	}
	if err := audit.Append(ctx, entry); err != nil {
		log.Warn().Err(err).Str("instance_id", inst.ID).Str("action", action).Msg("Failed to write audit entry")
	}
}
