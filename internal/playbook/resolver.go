package playbook

import "github.com/pesio-ai/be-governance-workflows/internal/repository"

func findStep(inst *repository.PlaybookInstance, templateStepID string) *repository.PlaybookStepInstance {
	for i := range inst.Steps {
		if inst.Steps[i].TemplateStepID == templateStepID {
			return &inst.Steps[i]
		}
	}
	return nil
}

// DependenciesSatisfied reports whether every dependency of step is
// COMPLETED or SKIPPED, and returns the ids that are not.
func DependenciesSatisfied(inst *repository.PlaybookInstance, step *repository.PlaybookStepInstance) (bool, []string) {
	var unmet []string
	for _, dep := range step.DependsOn {
		s := findStep(inst, dep)
		if s == nil || !s.Status.Done() {
			unmet = append(unmet, dep)
		}
	}
	return len(unmet) == 0, unmet
}

// ApprovalGateCleared reports whether an approval-blocked step may start:
// every earlier step that needs approval must already be approved.
func ApprovalGateCleared(inst *repository.PlaybookInstance, step *repository.PlaybookStepInstance) bool {
	if !step.BlockedByApproval {
		return true
	}
	for i := range inst.Steps {
		s := &inst.Steps[i]
		if s.Order >= step.Order || !s.RequiresApproval {
			continue
		}
		if s.Approval == nil || s.Approval.Status != repository.StepApprovalApproved {
			return false
		}
	}
	return true
}

// CanStart combines the dependency and approval-gate checks.
func CanStart(inst *repository.PlaybookInstance, step *repository.PlaybookStepInstance) (bool, []string) {
	ok, unmet := DependenciesSatisfied(inst, step)
	if !ApprovalGateCleared(inst, step) {
		return false, unmet
	}
	return ok, unmet
}

// ReadySteps returns the ids of not-started or blocked steps that could
// move to IN_PROGRESS now, in instance order.
func ReadySteps(inst *repository.PlaybookInstance) []string {
	var ready []string
	for i := range inst.Steps {
		s := &inst.Steps[i]
		if s.Status != repository.StepNotStarted && s.Status != repository.StepBlocked {
			continue
		}
		if ok, _ := CanStart(inst, s); ok {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

// Progress is round(100 * done / total); an instance without steps is done.
func Progress(inst *repository.PlaybookInstance) int {
	total := len(inst.Steps)
	if total == 0 {
		return 100
	}
	done := 0
	for _, s := range inst.Steps {
		if s.Status.Done() {
			done++
		}
	}
	return (200*done + total) / (2 * total)
}
