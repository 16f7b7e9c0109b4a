package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof1lho/archestra-sub000/internal/policy"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DriverPostgres), mock
}

func TestRebind(t *testing.T) {
	pg := New(nil, DriverPostgres)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := New(nil, DriverSQLite)
	assert.Equal(t, "WHERE x = ?", lite.rebind("WHERE x = ?"))
}

func TestPostgres_GetAgent(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, is_default, created_at FROM agents WHERE id = $1`)).
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_default", "created_at"}).
			AddRow("a1", "support", true, created))

	a, err := s.GetAgent(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "support", a.Name)
	assert.True(t, a.IsDefault)
	assert.Equal(t, created, a.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetAgentNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM agents WHERE id = $1`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_default", "created_at"}))

	_, err := s.GetAgent(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ToolInvocationPolicies(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tool_invocation_policies WHERE agent_tool_id = $1 ORDER BY position, id`)).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_tool_id", "argument_name", "operator", "value", "action", "reason"}).
			AddRow("p1", "b1", "to", "endsWith", "@corp.com", "allow_when_context_is_untrusted", "").
			AddRow("p2", "b1", "to", "contains", "evil", "block_always", "evil domain"))

	got, err := s.ToolInvocationPolicies(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, policy.InvocationAllowWhenUntrusted, got[0].Action)
	assert.Equal(t, policy.OpContains, got[1].Operator)
	assert.Equal(t, "evil domain", got[1].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_QueryErrorPropagates(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM trusted_data_policies WHERE agent_tool_id = $1`)).
		WithArgs("b1").
		WillReturnError(assert.AnError)

	_, err := s.TrustedDataPolicies(context.Background(), "b1")
	require.ErrorIs(t, err, assert.AnError)
}
