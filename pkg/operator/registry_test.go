package operator_test

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/relquery/pkg/errors"
	"github.com/theory-cloud/relquery/pkg/operator"
)

func mustSQL(t *testing.T, r *operator.Registry, op, column string, value any) (string, []any) {
	t.Helper()

	fn, err := r.Resolve(op)
	require.NoError(t, err)

	pred, err := fn(column, value)
	require.NoError(t, err)

	sqlStr, args, err := pred.ToSql()
	require.NoError(t, err)
	return sqlStr, args
}

func TestComparisonOperators(t *testing.T) {
	r := operator.Default()

	cases := []struct {
		op    string
		value any
		sql   string
	}{
		{"eq", 5, "price = ?"},
		{"exact", 5, "price = ?"},
		{"ne", 5, "price <> ?"},
		{"gt", 5, "price > ?"},
		{"ge", 5, "price >= ?"},
		{"lt", 5, "price < ?"},
		{"le", 5, "price <= ?"},
	}

	for _, tc := range cases {
		sqlStr, args := mustSQL(t, r, tc.op, "price", tc.value)
		assert.Equal(t, tc.sql, sqlStr, "operator %s", tc.op)
		assert.Equal(t, []any{tc.value}, args, "operator %s", tc.op)
	}
}

func TestMembershipOperators(t *testing.T) {
	r := operator.Default()

	sqlStr, args := mustSQL(t, r, "in", "status", []string{"open", "closed"})
	assert.Equal(t, "status IN (?,?)", sqlStr)
	assert.Equal(t, []any{"open", "closed"}, args)

	sqlStr, _ = mustSQL(t, r, "notin", "status", []string{"open"})
	assert.Equal(t, "status NOT IN (?)", sqlStr)
}

func TestMembershipOperatorsRequireSlice(t *testing.T) {
	r := operator.Default()

	fn, err := r.Resolve("in")
	require.NoError(t, err)

	_, err = fn("status", "open")
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestBetween(t *testing.T) {
	r := operator.Default()

	sqlStr, args := mustSQL(t, r, "between", "price", []int{10, 20})
	assert.Equal(t, "price BETWEEN ? AND ?", sqlStr)
	assert.Equal(t, []any{10, 20}, args)
}

func TestBetweenRequiresTwoElements(t *testing.T) {
	r := operator.Default()

	fn, err := r.Resolve("between")
	require.NoError(t, err)

	_, err = fn("price", []int{10})
	assert.ErrorIs(t, err, errors.ErrInvalidValue)

	_, err = fn("price", 10)
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestIsNull(t *testing.T) {
	r := operator.Default()

	sqlStr, _ := mustSQL(t, r, "isnull", "deleted_at", true)
	assert.Equal(t, "deleted_at IS NULL", sqlStr)

	sqlStr, _ = mustSQL(t, r, "isnull", "deleted_at", false)
	assert.Equal(t, "deleted_at IS NOT NULL", sqlStr)

	fn, err := r.Resolve("isnull")
	require.NoError(t, err)
	_, err = fn("deleted_at", 1)
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestStringMatchOperators(t *testing.T) {
	r := operator.Default()

	sqlStr, args := mustSQL(t, r, "like", "name", "Bob%")
	assert.Equal(t, "name LIKE ?", sqlStr)
	assert.Equal(t, []any{"Bob%"}, args)

	sqlStr, args = mustSQL(t, r, "startswith", "name", "Bo")
	assert.Equal(t, "name LIKE ?", sqlStr)
	assert.Equal(t, []any{"Bo%"}, args)

	sqlStr, args = mustSQL(t, r, "endswith", "name", "ob")
	assert.Equal(t, "name LIKE ?", sqlStr)
	assert.Equal(t, []any{"%ob"}, args)
}

func TestCaseInsensitiveMatchOperators(t *testing.T) {
	r := operator.Default()

	sqlStr, args := mustSQL(t, r, "icontains", "name", "bo")
	assert.Equal(t, "LOWER(name) LIKE LOWER(?)", sqlStr)
	assert.Equal(t, []any{"%bo%"}, args)

	sqlStr, args = mustSQL(t, r, "istartswith", "name", "bo")
	assert.Equal(t, "LOWER(name) LIKE LOWER(?)", sqlStr)
	assert.Equal(t, []any{"bo%"}, args)

	sqlStr, _ = mustSQL(t, r, "ilike", "name", "bob")
	assert.Equal(t, "LOWER(name) LIKE LOWER(?)", sqlStr)
}

func TestStringMatchRequiresString(t *testing.T) {
	r := operator.Default()

	fn, err := r.Resolve("contains")
	require.NoError(t, err)
	_, err = fn("name", 42)
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestDatePartOperators(t *testing.T) {
	r := operator.Default()

	sqlStr, args := mustSQL(t, r, "year", "created_at", 2024)
	assert.Equal(t, "CAST(strftime('%Y', created_at) AS INTEGER) = ?", sqlStr)
	assert.Equal(t, []any{2024}, args)

	sqlStr, _ = mustSQL(t, r, "year_ge", "created_at", 2024)
	assert.Equal(t, "CAST(strftime('%Y', created_at) AS INTEGER) >= ?", sqlStr)

	sqlStr, _ = mustSQL(t, r, "month_ne", "created_at", 6)
	assert.Equal(t, "CAST(strftime('%m', created_at) AS INTEGER) <> ?", sqlStr)

	sqlStr, _ = mustSQL(t, r, "day_lt", "created_at", 15)
	assert.Equal(t, "CAST(strftime('%d', created_at) AS INTEGER) < ?", sqlStr)
}

func TestResolveUnknownOperator(t *testing.T) {
	r := operator.Default()

	_, err := r.Resolve("gtt")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownOperator)
	assert.Contains(t, err.Error(), "gtt")
}

func TestRegisterCustomOperator(t *testing.T) {
	r := operator.Default()

	err := r.Register("not_like", func(column string, value any) (sq.Sqlizer, error) {
		return sq.Expr(column+" NOT LIKE ?", value), nil
	})
	require.NoError(t, err)

	sqlStr, _ := mustSQL(t, r, "not_like", "name", "bob%")
	assert.Equal(t, "name NOT LIKE ?", sqlStr)
}

func TestRegisterValidatesName(t *testing.T) {
	r := operator.NewRegistry()

	err := r.Register("bad__name", operator.Eq)
	assert.ErrorIs(t, err, errors.ErrInvalidTag)

	err = r.Register("eq", nil)
	assert.ErrorIs(t, err, errors.ErrInvalidValue)
}

func TestHasAndNames(t *testing.T) {
	r := operator.Default()

	assert.True(t, r.Has("gt"))
	assert.False(t, r.Has("gtt"))
	assert.Contains(t, r.Names(), "between")
}
