package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

var orderColumns = []models.Column{
	models.NewColumn("id", "INTEGER", false, 1),
	models.NewColumn("name", "VARCHAR(20)", true, 2),
	models.NewColumn("amount", "NUMERIC", true, 3),
	models.NewColumn("shipped_at", "TIMESTAMP", true, 4),
}

func newOrders(t *testing.T) *Runner {
	t.Helper()
	shipped := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := NewRunnerFromRows("mem:orders", "orders", orderColumns, [][]any{
		{int64(1), "ab", 10.5, shipped},
		{int64(2), "abcd", int64(20), nil},
		{int64(3), nil, nil, "2024-03-02T00:00:00Z"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewRunnerFromRows(t *testing.T) {
	r := newOrders(t)

	assert.Equal(t, int64(3), r.NumRows())
	require.Len(t, r.Batches(), 1)
	assert.Equal(t, 4, len(r.Schema().Fields()))

	rec := r.Batches()[0]
	names, ok := rec.Column(1).(*array.String)
	require.True(t, ok)
	assert.Equal(t, "abcd", names.Value(1))
	assert.True(t, names.IsNull(2))

	assert.Equal(t, 20.0, ValueAt(rec.Column(2), 1))
	assert.Nil(t, ValueAt(rec.Column(3), 1))
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), ValueAt(rec.Column(3), 2))
}

func TestNewRunnerFromRows_WrongArity(t *testing.T) {
	_, err := NewRunnerFromRows("bad", "orders", orderColumns, [][]any{{int64(1)}})
	assert.ErrorContains(t, err, "row 0")
}

func TestRunner_CustomSQL(t *testing.T) {
	r := newOrders(t)
	ctx := context.Background()

	row, err := r.QueryRow(ctx, datasource.ExpandQuery(r, "SELECT COUNT(*), MAX(LENGTH(name)) FROM {{table}}"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), row[0])
	assert.Equal(t, int64(4), row[1])

	var ids []int64
	err = r.Query(ctx, `SELECT id FROM "orders" WHERE name IS NULL`, func(_ []string, values []any) error {
		ids = append(ids, values[0].(int64))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestRunner_Close(t *testing.T) {
	r, err := NewRunnerFromRows("mem", "t", orderColumns[:1], [][]any{{int64(1)}})
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Nil(t, r.Batches())

	_, err = r.QueryRow(context.Background(), "SELECT 1")
	assert.ErrorContains(t, err, "closed")
}

func sqliteSource(t *testing.T, rows int) *sqlite.Runner {
	t.Helper()
	ctx := context.Background()
	src, err := sqlite.NewRunner(ctx, &sqlite.Config{DSN: ":memory:"},
		datasource.Partition{Source: datasource.Source{Table: "orders"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	_, err = src.DB().ExecContext(ctx, `CREATE TABLE orders (id INTEGER, name VARCHAR(20))`)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = src.DB().ExecContext(ctx, `INSERT INTO orders VALUES (?, ?)`, i, "row-name")
		require.NoError(t, err)
	}
	return src
}

func TestMaterialize(t *testing.T) {
	src := sqliteSource(t, 10)
	columns, err := src.DiscoverColumns(context.Background())
	require.NoError(t, err)

	r, err := Materialize(context.Background(), src, columns, MaterializeOptions{BatchRows: 4})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, int64(10), r.NumRows())
	assert.Len(t, r.Batches(), 3)
	assert.Equal(t, "sqlite:orders#mem", r.ID())
}

func TestMaterialize_Budget(t *testing.T) {
	src := sqliteSource(t, 100)
	columns, err := src.DiscoverColumns(context.Background())
	require.NoError(t, err)

	_, err = Materialize(context.Background(), src, columns, MaterializeOptions{MaxBytes: 256})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrResourceExhausted))

	var re *apperrors.ResourceExhaustedError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, int64(256), re.Limit)
	assert.Greater(t, re.Observed, re.Limit)
}

func TestMaterialize_NoRoomLeft(t *testing.T) {
	src := sqliteSource(t, 3)
	columns, err := src.DiscoverColumns(context.Background())
	require.NoError(t, err)

	_, err = Materialize(context.Background(), src, columns, MaterializeOptions{MaxBytes: -1})
	assert.True(t, errors.Is(err, apperrors.ErrResourceExhausted))

	mr, err := Materialize(context.Background(), src, columns, MaterializeOptions{})
	require.NoError(t, err)
	defer mr.Close()
	assert.Positive(t, mr.EstimatedBytes())
	assert.Positive(t, mr.SizeBytes())
}
