package service

import (
	"fmt"

	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
)

// Domain error codes. Transports map them to HTTP statuses and gRPC codes.
const (
	ErrCodePolicyNotFound         errors.Code = "POLICY_NOT_FOUND"
	ErrCodeRequestNotFound        errors.Code = "REQUEST_NOT_FOUND"
	ErrCodeInstanceNotFound       errors.Code = "INSTANCE_NOT_FOUND"
	ErrCodeTemplateNotFound       errors.Code = "TEMPLATE_NOT_FOUND"
	ErrCodeStepNotFound           errors.Code = "STEP_NOT_FOUND"
	ErrCodeInvalidState           errors.Code = "INVALID_STATE"
	ErrCodeNotAuthorized          errors.Code = "NOT_AUTHORIZED"
	ErrCodeSelfApproval           errors.Code = "SELF_APPROVAL_FORBIDDEN"
	ErrCodeDuplicateVote          errors.Code = "DUPLICATE_VOTE"
	ErrCodeDependencyNotSatisfied errors.Code = "DEPENDENCY_NOT_SATISFIED"
	ErrCodeConcurrentModification errors.Code = "CONCURRENT_MODIFICATION"
)

func errPolicyNotFound(op string) error {
	return errors.New(ErrCodePolicyNotFound, fmt.Sprintf("no approval policy for operation type %q", op))
}

func errRequestNotFound(id string) error {
	return errors.New(ErrCodeRequestNotFound, fmt.Sprintf("approval request %s not found", id))
}

func errInstanceNotFound(id string) error {
	return errors.New(ErrCodeInstanceNotFound, fmt.Sprintf("playbook instance %s not found", id))
}

func errTemplateNotFound(id string, version int) error {
	if version == 0 {
		return errors.New(ErrCodeTemplateNotFound, fmt.Sprintf("playbook template %s not found", id))
	}
	return errors.New(ErrCodeTemplateNotFound, fmt.Sprintf("playbook template %s v%d not found", id, version))
}

func errStepNotFound(instanceID, stepID string) error {
	return errors.New(ErrCodeStepNotFound, fmt.Sprintf("step %s not found in instance %s", stepID, instanceID))
}

func errInvalidState(format string, args ...any) error {
	return errors.Newf(ErrCodeInvalidState, format, args...)
}

func errNotAuthorized(format string, args ...any) error {
	return errors.Newf(ErrCodeNotAuthorized, format, args...)
}

func errConcurrentModification(kind, id string) error {
	return errors.New(ErrCodeConcurrentModification,
		fmt.Sprintf("%s %s was modified concurrently; retry the operation", kind, id))
}
