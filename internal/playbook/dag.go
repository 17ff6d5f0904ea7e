// Package playbook validates playbook templates and resolves which steps of
// a running instance may proceed.
package playbook

import (
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-governance-workflows/internal/repository"
)

var validRecurrences = map[repository.Recurrence]bool{
	repository.RecurrenceOnce:       true,
	repository.RecurrenceDaily:      true,
	repository.RecurrenceWeekly:     true,
	repository.RecurrenceMonthly:    true,
	repository.RecurrenceQuarterly:  true,
	repository.RecurrenceSemiAnnual: true,
	repository.RecurrenceAnnual:     true,
}

var validAssigneeTypes = map[repository.AssigneeType]bool{
	repository.AssigneeUser: true,
	repository.AssigneeRole: true,
	repository.AssigneeTeam: true,
}

// ValidateTemplate checks a template and returns its step ids in a
// topological order. Ties are broken by step order, then id.
func ValidateTemplate(t *repository.PlaybookTemplate) ([]string, error) {
	if t == nil {
		return nil, fmt.Errorf("template is nil")
	}

	var errs []error
	if t.ID == "" {
		errs = append(errs, fmt.Errorf("id is required"))
	}
	if t.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if t.Version < 1 {
		errs = append(errs, fmt.Errorf("version must be at least 1"))
	}
	if t.DefaultDueDays < 0 {
		errs = append(errs, fmt.Errorf("default_due_days must not be negative"))
	}
	if t.EscalationAfterDays < 0 {
		errs = append(errs, fmt.Errorf("escalation_after_days must not be negative"))
	}
	for _, d := range t.ReminderDays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("reminder_days must not be negative"))
			break
		}
	}
	if !validRecurrences[t.Recurrence] {
		errs = append(errs, fmt.Errorf("unknown recurrence %q", t.Recurrence))
	}

	byID := make(map[string]*repository.PlaybookStepTemplate, len(t.Steps))
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("step %d: id is required", i))
			continue
		}
		if _, dup := byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("step %s: duplicate id", s.ID))
			continue
		}
		byID[s.ID] = s
		if s.AssigneeType != "" && !validAssigneeTypes[s.AssigneeType] {
			errs = append(errs, fmt.Errorf("step %s: unknown assignee type %q", s.ID, s.AssigneeType))
		}
		if s.RequiresApproval && s.ApproverCapability == "" {
			errs = append(errs, fmt.Errorf("step %s: approver_capability is required when approval is required", s.ID))
		}
	}

	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, fmt.Errorf("step %s: depends on itself", s.ID))
				continue
			}
			if _, ok := byID[dep]; !ok {
				errs = append(errs, fmt.Errorf("step %s: unknown dependency %q", s.ID, dep))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("template %s v%d: %w", t.ID, t.Version, stderrors.Join(errs...))
	}

	order, err := topologicalOrder(t.Steps)
	if err != nil {
		return nil, fmt.Errorf("template %s v%d: %w", t.ID, t.Version, err)
	}
	return order, nil
}

// topologicalOrder runs Kahn's algorithm. Inputs are assumed to reference
// only known ids.
func topologicalOrder(steps []repository.PlaybookStepTemplate) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	rank := make(map[string]int, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		rank[s.ID] = s.Order
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	less := func(a, b string) bool {
		if rank[a] != rank[b] {
			return rank[a] < rank[b]
		}
		return a < b
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(steps) {
		var cyclic []string
		for id, n := range indegree {
			if n > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("dependency cycle among steps %v", cyclic)
	}
	return order, nil
}
