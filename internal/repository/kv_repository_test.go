package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestIsRevisionMismatch(t *testing.T) {
	type testCase struct {
		name     string
		err      error
		expected bool
	}

	testCases := []testCase{
		{name: "wrong last sequence", err: &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}, expected: true},
		{name: "wrapped key exists", err: fmt.Errorf("update: %w", jetstream.ErrKeyExists), expected: true},
		{name: "other api error", err: &jetstream.APIError{Code: 503, ErrorCode: jetstream.JSErrCodeStreamNotFound}, expected: false},
		{name: "plain error", err: errors.New("timeout"), expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isRevisionMismatch(tc.err))
		})
	}
}

func TestAuditKey_PrefixIsolatesSubjects(t *testing.T) {
	prefix := auditKey(SubjectApprovalRequest, "r1", "")
	assert.Equal(t, "approval_request.r1.", prefix)
	assert.Equal(t, "approval_request.r1.e9", auditKey(SubjectApprovalRequest, "r1", "e9"))
	assert.NotContains(t, auditKey(SubjectApprovalRequest, "r10", "e1"), prefix)
}
