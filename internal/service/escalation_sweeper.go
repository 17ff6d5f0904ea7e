package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-governance-workflows/internal/client"
	"github.com/pesio-ai/be-governance-workflows/internal/common/logger"
	"github.com/pesio-ai/be-governance-workflows/internal/common/tracing"
	"github.com/pesio-ai/be-governance-workflows/internal/metrics"
	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

const defaultSweepParallelism = 8

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked         int `json:"checked"`
	Escalated       int `json:"escalated"`
	Expired         int `json:"expired"`
	Reminders       int `json:"reminders"`
	StepEscalations int `json:"step_escalations"`
	Failed          int `json:"failed"`
}

func (r *SweepResult) add(o SweepResult) {
	r.Checked += o.Checked
	r.Escalated += o.Escalated
	r.Expired += o.Expired
	r.Reminders += o.Reminders
	r.StepEscalations += o.StepEscalations
	r.Failed += o.Failed
}

// EscalationSweeper escalates approval requests nearing their deadline and
// chases overdue playbook steps. Every method is idempotent.
type EscalationSweeper struct {
	requests    repository.RequestRepository
	instances   repository.InstanceRepository
	audit       repository.AuditRepository
	notifier    client.Notifier
	metrics     *metrics.Metrics
	clock       Clock
	newID       IDGenerator
	log         *logger.Logger
	parallelism int
}

// NewEscalationSweeper creates a sweeper. parallelism bounds concurrent
// writes; zero selects a default.
func NewEscalationSweeper(deps Deps, parallelism int) *EscalationSweeper {
	deps = deps.withDefaults()
	if parallelism <= 0 {
		parallelism = defaultSweepParallelism
	}
	return &EscalationSweeper{
		requests:    deps.Requests,
		instances:   deps.Instances,
		audit:       deps.Audit,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		newID:       deps.NewID,
		log:         deps.Log.Component("escalation_sweeper"),
		parallelism: parallelism,
	}
}

func (s *EscalationSweeper) conflict(entity string) func() {
	return func() { s.metrics.MutationConflicts.WithLabelValues(entity).Inc() }
}

// each runs fn for every id with bounded parallelism. Entities are
// independent: a failure is logged and counted, the remaining ids still
// run, and all failures come back joined.
func (s *EscalationSweeper) each(ctx context.Context, field, msg string, ids []string, fn func(context.Context, string) error) (int, error) {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, id := range ids {
		g.Go(func() error {
			if err := fn(ctx, id); err != nil {
				s.log.Warn().Err(err).Str(field, id).Msg(msg)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s %s: %w", field, id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(errs), stderrors.Join(errs...)
}

// ── Approval requests ────────────────────────────────────────────────────────

// CheckAndEscalate escalates every pending, not yet escalated request of
// the tenant whose escalation point has passed. An empty tenantID sweeps
// all tenants. Each request is escalated at most once.
func (s *EscalationSweeper) CheckAndEscalate(ctx context.Context, tenantID string) (res SweepResult, err error) {
	ctx, span := tracing.Start(ctx, "sweeper.check_and_escalate", attribute.String("tenant_id", tenantID))
	defer func() { tracing.End(span, err) }()
	defer s.observe("escalate", s.clock())

	candidates, err := s.requests.List(ctx, repository.RequestFilter{
		TenantID:    tenantID,
		Status:      repository.RequestPending,
		Unescalated: true,
	})
	if err != nil {
		return res, err
	}
	res.Checked = len(candidates)

	now := s.clock()
	var due []string
	for _, c := range candidates {
		if c.EscalationDue(now) {
			due = append(due, c.ID)
		}
	}

	var escalated atomic.Int64
	res.Failed, err = s.each(ctx, "request_id", "Failed to escalate request", due,
		func(ctx context.Context, id string) error {
			ok, err := s.escalateRequest(ctx, id)
			if ok {
				escalated.Add(1)
			}
			return err
		})
	res.Escalated = int(escalated.Load())
	return res, err
}

func (s *EscalationSweeper) escalateRequest(ctx context.Context, id string) (bool, error) {
	req, err := mutate[repository.ApprovalRequest](ctx, s.requests, "approval request", id,
		errRequestNotFound, s.conflict("approval_request"),
		func(r *repository.ApprovalRequest) error {
			now := s.clock()
			// Re-checked on fresh state: a vote or another sweeper may have won.
			if r.Status != repository.RequestPending || r.EscalatedAt != nil || !r.EscalationDue(now) {
				return errNoChange
			}
			r.EscalatedAt = timePtr(now)
			r.EscalatedTo = resolveRecipients(r.Policy.EscalateTo, r.RequestedBy)
			r.UpdatedAt = now
			return nil
		})
	if stderrors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.metrics.Escalations.WithLabelValues("request").Inc()
	appendRequestAudit(ctx, s.audit, s.newID, s.clock, s.log, req, "escalated", "system",
		string(req.Status), string(req.Status), map[string]any{"escalated_to": req.EscalatedTo})
	s.log.Info().
		Str("request_id", req.ID).
		Str("tenant_id", req.TenantID).
		Strs("escalated_to", req.EscalatedTo).
		Msg("Approval request escalated")
	notifyRequest(ctx, s.notifier, req, client.EventRequestEscalated, req.Policy.EscalateTo,
		fmt.Sprintf("Escalation: %s awaiting approval", req.OperationType), "system")
	return true, nil
}

// ExpireOverdue moves pending requests past their deadline to EXPIRED.
func (s *EscalationSweeper) ExpireOverdue(ctx context.Context, tenantID string) (res SweepResult, err error) {
	ctx, span := tracing.Start(ctx, "sweeper.expire_overdue", attribute.String("tenant_id", tenantID))
	defer func() { tracing.End(span, err) }()
	defer s.observe("expire", s.clock())

	candidates, err := s.requests.List(ctx, repository.RequestFilter{
		TenantID: tenantID,
		Status:   repository.RequestPending,
	})
	if err != nil {
		return res, err
	}
	res.Checked = len(candidates)

	now := s.clock()
	var overdue []string
	for _, c := range candidates {
		if !now.Before(c.Deadline) {
			overdue = append(overdue, c.ID)
		}
	}

	var expired atomic.Int64
	res.Failed, err = s.each(ctx, "request_id", "Failed to expire request", overdue,
		func(ctx context.Context, id string) error {
			ok, err := s.expireRequest(ctx, id)
			if ok {
				expired.Add(1)
			}
			return err
		})
	res.Expired = int(expired.Load())
	return res, err
}

func (s *EscalationSweeper) expireRequest(ctx context.Context, id string) (bool, error) {
	req, err := mutate[repository.ApprovalRequest](ctx, s.requests, "approval request", id,
		errRequestNotFound, s.conflict("approval_request"),
		func(r *repository.ApprovalRequest) error {
			now := s.clock()
			if r.Status != repository.RequestPending || now.Before(r.Deadline) {
				return errNoChange
			}
			r.Status = repository.RequestExpired
			r.ExpiredAt = timePtr(now)
			r.UpdatedAt = now
			return nil
		})
	if stderrors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.metrics.Escalations.WithLabelValues("expiry").Inc()
	s.metrics.RequestsFinalized.WithLabelValues(string(req.Status)).Inc()
	appendRequestAudit(ctx, s.audit, s.newID, s.clock, s.log, req, "expired", "system",
		string(repository.RequestPending), string(req.Status), nil)
	s.log.Info().Str("request_id", req.ID).Str("tenant_id", req.TenantID).Msg("Approval request expired")
	notifyRequest(ctx, s.notifier, req, client.EventRequestExpired, req.Policy.NotifyOnRejection,
		fmt.Sprintf("%s request expired", req.OperationType), "system")
	return true, nil
}

// ── Playbook deadlines ───────────────────────────────────────────────────────

type stepAlert struct {
	step     repository.PlaybookStepInstance
	reminder bool
}

// CheckPlaybookDeadlines sends each configured step reminder once and
// escalates a step once when it is overdue by the instance's escalation
// window. Only ACTIVE instances are considered.
func (s *EscalationSweeper) CheckPlaybookDeadlines(ctx context.Context, tenantID string) (res SweepResult, err error) {
	ctx, span := tracing.Start(ctx, "sweeper.playbook_deadlines", attribute.String("tenant_id", tenantID))
	defer func() { tracing.End(span, err) }()
	defer s.observe("playbook", s.clock())

	instances, err := s.instances.List(ctx, repository.InstanceFilter{
		TenantID: tenantID,
		Status:   repository.InstanceActive,
	})
	if err != nil {
		return res, err
	}
	res.Checked = len(instances)

	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}

	var (
		mu    sync.Mutex
		found SweepResult
	)
	res.Failed, err = s.each(ctx, "instance_id", "Failed to check playbook deadlines", ids,
		func(ctx context.Context, id string) error {
			r, err := s.checkInstance(ctx, id)
			mu.Lock()
			found.add(r)
			mu.Unlock()
			return err
		})
	res.add(found)
	return res, err
}

func (s *EscalationSweeper) checkInstance(ctx context.Context, id string) (SweepResult, error) {
	var alerts []stepAlert
	inst, err := mutate[repository.PlaybookInstance](ctx, s.instances, "playbook instance", id,
		errInstanceNotFound, s.conflict("playbook_instance"),
		func(p *repository.PlaybookInstance) error {
			alerts = alerts[:0]
			if p.Status != repository.InstanceActive {
				return errNoChange
			}
			now := s.clock()
			for i := range p.Steps {
				st := &p.Steps[i]
				if st.Status.Done() {
					continue
				}
				reminded := false
				for _, d := range p.ReminderDays {
					if st.ReminderSent(d) || now.Before(st.DueDate.Add(-days(d))) {
						continue
					}
					st.RemindersSent = append(st.RemindersSent, d)
					reminded = true
				}
				if reminded {
					alerts = append(alerts, stepAlert{step: *st, reminder: true})
				}
				if st.EscalatedAt == nil && !now.Before(st.DueDate.Add(days(p.EscalationAfterDays))) {
					st.EscalatedAt = timePtr(now)
					alerts = append(alerts, stepAlert{step: *st})
				}
			}
			if len(alerts) == 0 {
				return errNoChange
			}
			p.UpdatedAt = now
			return nil
		})
	if stderrors.Is(err, errNoChange) {
		return SweepResult{}, nil
	}
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for _, a := range alerts {
		if a.reminder {
			res.Reminders++
			s.metrics.Escalations.WithLabelValues("step_reminder").Inc()
			s.notifyStep(ctx, inst, a.step, client.EventStepReminder, []string{assigneeToken(a.step)},
				fmt.Sprintf("Reminder: %s is due %s", a.step.Name, a.step.DueDate.Format("2006-01-02")))
			continue
		}
		res.StepEscalations++
		s.metrics.Escalations.WithLabelValues("step").Inc()
		appendInstanceAudit(ctx, s.audit, s.newID, s.clock, s.log, inst, a.step.ID, "step_escalated", "system",
			string(a.step.Status), string(a.step.Status), map[string]any{"escalated_to": inst.EscalateTo})
		s.log.Info().
			Str("instance_id", inst.ID).
			Str("step_id", a.step.ID).
			Msg("Overdue playbook step escalated")
		s.notifyStep(ctx, inst, a.step, client.EventStepEscalated, inst.EscalateTo,
			fmt.Sprintf("Overdue: %s in %s", a.step.Name, inst.TemplateName))
	}
	return res, nil
}

func (s *EscalationSweeper) notifyStep(ctx context.Context, inst *repository.PlaybookInstance, step repository.PlaybookStepInstance, event string, recipients []string, title string) {
	notifyInstance(ctx, s.notifier, inst, step.ID, event, recipients, title, "system")
}

func (s *EscalationSweeper) observe(sweep string, started time.Time) {
	s.metrics.SweepDuration.WithLabelValues(sweep).Observe(s.clock().Sub(started).Seconds())
}

// ── Runner ───────────────────────────────────────────────────────────────────

// RunnerConfig selects what the runner sweeps and how often.
type RunnerConfig struct {
	Interval time.Duration
	// Tenants to sweep; empty sweeps all tenants in one pass.
	Tenants           []string
	ExpireOverdue     bool
	PlaybookDeadlines bool
}

// SweepRunner drives an EscalationSweeper on a ticker.
type SweepRunner struct {
	sweeper *EscalationSweeper
	cfg     RunnerConfig
	log     *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	runs        atomic.Int64
	escalations atomic.Int64
	failures    atomic.Int64
}

func NewSweepRunner(sweeper *EscalationSweeper, cfg RunnerConfig, log *logger.Logger) *SweepRunner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SweepRunner{sweeper: sweeper, cfg: cfg, log: log.Component("sweep_runner")}
}

// Start launches the loop. It sweeps once immediately, then on every tick.
func (r *SweepRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("sweep runner already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.log.Info().
		Dur("interval", r.cfg.Interval).
		Strs("tenants", r.cfg.Tenants).
		Msg("Sweep runner started")
	return nil
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (r *SweepRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.log.Info().Int64("runs", r.runs.Load()).Msg("Sweep runner stopped")
}

func (r *SweepRunner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass over the configured tenants.
func (r *SweepRunner) RunOnce(ctx context.Context) SweepResult {
	r.runs.Add(1)
	tenants := r.cfg.Tenants
	if len(tenants) == 0 {
		tenants = []string{""}
	}

	var total SweepResult
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			break
		}
		res, err := r.sweeper.CheckAndEscalate(ctx, tenant)
		r.record(err, "escalate", tenant)
		total.add(res)

		if r.cfg.ExpireOverdue {
			res, err := r.sweeper.ExpireOverdue(ctx, tenant)
			r.record(err, "expire", tenant)
			total.add(res)
		}
		if r.cfg.PlaybookDeadlines {
			res, err := r.sweeper.CheckPlaybookDeadlines(ctx, tenant)
			r.record(err, "playbook", tenant)
			total.add(res)
		}
	}
	r.escalations.Add(int64(total.Escalated + total.StepEscalations))

	r.log.Debug().
		Int("checked", total.Checked).
		Int("escalated", total.Escalated).
		Int("expired", total.Expired).
		Int("reminders", total.Reminders).
		Int("step_escalations", total.StepEscalations).
		Int("failed", total.Failed).
		Msg("Sweep completed")
	return total
}

func (r *SweepRunner) record(err error, sweep, tenant string) {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return
	}
	r.failures.Add(1)
	r.log.Error().Err(err).Str("sweep", sweep).Str("tenant_id", tenant).Msg("Sweep failed")
}

// Stats returns counters since construction.
func (r *SweepRunner) Stats() (runs, escalations, failures int64) {
	return r.runs.Load(), r.escalations.Load(), r.failures.Load()
}
