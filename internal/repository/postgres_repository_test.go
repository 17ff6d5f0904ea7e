package repository

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestListQuery(t *testing.T) {
	type testCase struct {
		name      string
		filter    RequestFilter
		wantQuery string
		wantArgs  []any
	}

	testCases := []testCase{
		{
			name:      "no filter",
			filter:    RequestFilter{},
			wantQuery: "SELECT document FROM governance_approval_requests ORDER BY created_at ASC, id ASC",
		},
		{
			name:      "tenant and status",
			filter:    RequestFilter{TenantID: "t1", Status: RequestPending},
			wantQuery: "SELECT document FROM governance_approval_requests WHERE tenant_id = $1 AND status = $2 ORDER BY created_at ASC, id ASC",
			wantArgs:  []any{"t1", "PENDING"},
		},
		{
			name:      "unescalated adds no placeholder",
			filter:    RequestFilter{TenantID: "t1", Unescalated: true, Domain: DomainNAV},
			wantQuery: "SELECT document FROM governance_approval_requests WHERE tenant_id = $1 AND domain = $2 AND escalated = FALSE ORDER BY created_at ASC, id ASC",
			wantArgs:  []any{"t1", "nav"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			query, args := buildRequestListQuery(tc.filter)
			assert.Equal(t, tc.wantQuery, query)
			assert.Equal(t, tc.wantArgs, args)
		})
	}
}

func TestBuildInstanceListQuery(t *testing.T) {
	query, args := buildInstanceListQuery(InstanceFilter{TenantID: "t1", FundID: "f1", Status: InstanceActive})
	assert.Equal(t,
		"SELECT document FROM governance_playbook_instances WHERE tenant_id = $1 AND fund_id = $2 AND status = $3 ORDER BY created_at ASC, id ASC",
		query)
	assert.Equal(t, []any{"t1", "f1", "ACTIVE"}, args)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	sql, err := migrations.ReadFile(names[0])
	require.NoError(t, err)
	assert.Contains(t, string(sql), "governance_approval_requests")
	assert.Contains(t, string(sql), "version         BIGINT")
}
