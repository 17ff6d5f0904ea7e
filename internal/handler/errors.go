package handler

import (
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-governance-workflows/internal/common/errors"
	"github.com/pesio-ai/be-governance-workflows/internal/service"
)

type errorMapping struct {
	http int
	grpc codes.Code
}

var errorMappings = map[errors.Code]errorMapping{
	errors.ErrCodeNotFound:                {http.StatusNotFound, codes.NotFound},
	service.ErrCodeRequestNotFound:        {http.StatusNotFound, codes.NotFound},
	service.ErrCodeInstanceNotFound:       {http.StatusNotFound, codes.NotFound},
	service.ErrCodeTemplateNotFound:       {http.StatusNotFound, codes.NotFound},
	service.ErrCodeStepNotFound:           {http.StatusNotFound, codes.NotFound},
	service.ErrCodePolicyNotFound:         {http.StatusBadRequest, codes.InvalidArgument},
	errors.ErrCodeInvalidInput:            {http.StatusBadRequest, codes.InvalidArgument},
	errors.ErrCodeUnauthorized:            {http.StatusUnauthorized, codes.Unauthenticated},
	errors.ErrCodeForbidden:               {http.StatusForbidden, codes.PermissionDenied},
	service.ErrCodeNotAuthorized:          {http.StatusForbidden, codes.PermissionDenied},
	service.ErrCodeSelfApproval:           {http.StatusForbidden, codes.PermissionDenied},
	service.ErrCodeInvalidState:           {http.StatusConflict, codes.FailedPrecondition},
	service.ErrCodeDuplicateVote:          {http.StatusConflict, codes.AlreadyExists},
	errors.ErrCodeConflict:                {http.StatusConflict, codes.Aborted},
	service.ErrCodeConcurrentModification: {http.StatusConflict, codes.Aborted},
	service.ErrCodeDependencyNotSatisfied: {http.StatusUnprocessableEntity, codes.FailedPrecondition},
}

func mappingFor(err error) (errors.Code, errorMapping) {
	code := errors.CodeOf(err)
	if m, ok := errorMappings[code]; ok {
		return code, m
	}
	return errors.ErrCodeInternal, errorMapping{http.StatusInternalServerError, codes.Internal}
}

// mapErrorToGRPC converts a coded error into a gRPC status. The domain code
// travels in the message prefix so clients can branch on it.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, m := mappingFor(err)
	if m.grpc == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Errorf(m.grpc, "%s", errorMessage(code, err))
}

func errorMessage(code errors.Code, err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return string(code) + ": " + e.Message
	}
	return string(code)
}
