package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Publisher is the slice of the NATS client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes governance events to NATS for the
// notification service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.governance.approval_requested
//
// Publish failures are logged and never propagated, so a broker outage never
// interrupts an approval or playbook transition.
type NotificationPublisher struct {
	nats   Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Title        string         `json:"title"`
	Message      string         `json:"message,omitempty"`
	Channels     []string       `json:"channels,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	ActionURL    string         `json:"action_url,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = "notifications.governance"
	}
	return &NotificationPublisher{nats: nats, prefix: prefix, log: log}
}

func resourceType(eventType string) string {
	switch eventType {
	case EventStepApprovalRequired, EventStepApproved, EventStepRejected,
		EventStepReminder, EventStepEscalated, EventPlaybookCompleted:
		return "playbook_instance"
	default:
		return "approval_request"
	}
}

func (p *NotificationPublisher) event(req NotifyRequest) *NotificationEvent {
	severity := req.Severity
	if severity == "" {
		severity = "info"
	}
	return &NotificationEvent{
		EventType:    req.EventType,
		TenantID:     req.Scope.TenantID,
		EntityID:     req.Scope.CompanyID,
		ActorID:      req.ActorID,
		Recipients:   req.Recipients,
		ResourceType: resourceType(req.EventType),
		ResourceID:   req.SubjectID,
		Title:        req.Title,
		Message:      req.Message,
		Channels:     req.Channels,
		IsActionable: req.ActionLink != "",
		ActionURL:    req.ActionLink,
		Severity:     severity,
		Category:     "governance",
	}
}

// Notify publishes the request. Subject: <prefix>.<event_type>
func (p *NotificationPublisher) Notify(ctx context.Context, req NotifyRequest) {
	if p.nats == nil {
		return
	}
	if len(req.Recipients) == 0 {
		return
	}

	data, err := json.Marshal(p.event(req))
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", req.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, req.EventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("subject_id", req.SubjectID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("subject_id", req.SubjectID).
		Int("recipients", len(req.Recipients)).
		Msg("notification: event published")
}
