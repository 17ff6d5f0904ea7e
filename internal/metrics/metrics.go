// Package metrics defines the Prometheus collectors of the governance service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "governance"

// Metrics groups the collectors. Build one per registry with New.
type Metrics struct {
	// Approval engine
	RequestsCreated   *prometheus.CounterVec
	Votes             *prometheus.CounterVec
	RequestsFinalized *prometheus.CounterVec

	// Playbooks
	InstancesCreated *prometheus.CounterVec
	StepTransitions  *prometheus.CounterVec

	// Sweeper
	Escalations   *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec

	// Concurrency
	MutationConflicts *prometheus.CounterVec

	// Transport
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all collectors with reg. A nil reg gets a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_requests_created_total",
			Help:      "Approval requests created, by operation type and initial status.",
		}, []string{"operation_type", "status"}),
		Votes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_votes_total",
			Help:      "Votes accepted, by decision.",
		}, []string{"decision"}),
		RequestsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_requests_finalized_total",
			Help:      "Requests that reached a terminal status.",
		}, []string{"status"}),
		InstancesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbook_instances_created_total",
			Help:      "Playbook instances created, by template.",
		}, []string{"template_id"}),
		StepTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playbook_step_transitions_total",
			Help:      "Step status transitions, by target status.",
		}, []string{"status"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations, reminders and expiries fired by the sweeper.",
		}, []string{"kind"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one sweep over a tenant.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sweep"}),
		MutationConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_conflicts_total",
			Help:      "Optimistic concurrency conflicts retried, by entity.",
		}, []string{"entity"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
