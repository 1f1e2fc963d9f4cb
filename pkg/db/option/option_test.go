package option

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"smallbiznis-recurring/pkg/db/pagination"
	"smallbiznis-recurring/services/testutil"
)

type optionRow struct {
	ID     int64
	Status string
}

func dryRun(t *testing.T, opts ...QueryOption) *gorm.Statement {
	t.Helper()
	db := testutil.NewTestDB(t, &optionRow{}).Session(&gorm.Session{DryRun: true})
	for _, opt := range opts {
		db = opt(db)
	}
	var out []optionRow
	return db.Find(&out).Statement
}

func TestApplyOperator(t *testing.T) {
	stmt := dryRun(t, ApplyOperator(Condition{Field: "status", Operator: NEQ, Value: "done"}))
	require.Contains(t, stmt.SQL.String(), "status <> ?")
	require.Equal(t, []any{"done"}, stmt.Vars)

	stmt = dryRun(t, ApplyOperator(Condition{Field: "id", Operator: IN, Value: []int64{1, 2}}))
	require.Contains(t, stmt.SQL.String(), "IN (?,?)")
}

func TestWithSortByFallsBackWhenNotAllowed(t *testing.T) {
	stmt := dryRun(t, WithSortBy(QuerySortBy{SortBy: "password", OrderBy: "desc", Allow: map[string]bool{"id": true}}))
	require.Contains(t, stmt.SQL.String(), "ORDER BY `created_at` DESC")
}

func TestApplyPagination(t *testing.T) {
	cursor, err := pagination.EncodeCursor(pagination.Cursor{ID: "41"})
	require.NoError(t, err)

	stmt := dryRun(t, ApplyPagination(pagination.Pagination{Cursor: cursor, Limit: 5}))
	require.Contains(t, stmt.SQL.String(), "id > ?")
	require.Contains(t, stmt.Vars, int64(41))
	require.Contains(t, stmt.Vars, 6)
}
