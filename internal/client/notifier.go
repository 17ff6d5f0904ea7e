package client

import (
	"context"

	"github.com/rs/zerolog"
)

// Event types emitted by the governance engines.
const (
	EventApprovalRequested   = "approval_requested"
	EventRequestApproved     = "request_approved"
	EventRequestAutoApproved = "request_auto_approved"
	EventRequestRejected     = "request_rejected"
	EventRequestCancelled    = "request_cancelled"
	EventRequestExpired      = "request_expired"
	EventRequestEscalated    = "request_escalated"

	EventStepApprovalRequired = "step_approval_required"
	EventStepApproved         = "step_approved"
	EventStepRejected         = "step_rejected"
	EventStepReminder         = "step_reminder"
	EventStepEscalated        = "step_escalated"
	EventPlaybookCompleted    = "playbook_completed"
)

// Scope locates a notification inside the tenant hierarchy.
type Scope struct {
	TenantID  string `json:"tenant_id"`
	CompanyID string `json:"company_id,omitempty"`
}

// NotifyRequest asks the notification service to deliver a message.
// Recipients are tokens such as "user:<id>" or "role:<name>".
type NotifyRequest struct {
	Scope      Scope
	EventType  string
	SubjectID  string
	ActorID    string
	Recipients []string
	Title      string
	Message    string
	Channels   []string
	ActionLink string
	Severity   string
}

// Notifier is fire-and-forget: implementations log their own failures and
// never report them to the caller.
type Notifier interface {
	Notify(ctx context.Context, req NotifyRequest)
}

// LogNotifier writes notifications to the log. Used when no broker is
// configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, req NotifyRequest) {
	n.log.Info().
		Str("event_type", req.EventType).
		Str("subject_id", req.SubjectID).
		Str("tenant_id", req.Scope.TenantID).
		Strs("recipients", req.Recipients).
		Str("title", req.Title).
		Msg("notification")
}

// MultiNotifier fans a request out to several notifiers.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, req NotifyRequest) {
	for _, n := range m {
		n.Notify(ctx, req)
	}
}
