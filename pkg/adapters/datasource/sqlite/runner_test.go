package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

func newTestRunner(t *testing.T, part datasource.Partition) *Runner {
	t.Helper()
	ctx := context.Background()

	r, err := NewRunner(ctx, &Config{DSN: ":memory:"}, part, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, err = r.DB().ExecContext(ctx, `CREATE TABLE orders (id INTEGER NOT NULL, name VARCHAR(20), amount NUMERIC)`)
	require.NoError(t, err)
	_, err = r.DB().ExecContext(ctx, `INSERT INTO orders VALUES (1, 'ab', 10), (2, 'abcd', 20), (3, NULL, 30)`)
	require.NoError(t, err)
	return r
}

func TestRunner_QueryRow(t *testing.T) {
	r := newTestRunner(t, datasource.Partition{Source: datasource.Source{Table: "orders"}})

	row, err := r.QueryRow(context.Background(), "SELECT COUNT(*), MAX(LENGTH(name)) FROM orders")
	require.NoError(t, err)
	require.Len(t, row, 2)
	assert.Equal(t, int64(3), row[0])
	assert.Equal(t, int64(4), row[1])
	assert.Equal(t, "sqlite:orders", r.ID())
}

func TestRunner_QueryRow_NoRows(t *testing.T) {
	r := newTestRunner(t, datasource.Partition{Source: datasource.Source{Table: "orders"}})

	row, err := r.QueryRow(context.Background(), "SELECT id FROM orders WHERE id > 100")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestRunner_Query_PartitionPredicate(t *testing.T) {
	r := newTestRunner(t, datasource.Partition{ID: "p2", Source: datasource.Source{Table: "orders", Predicate: "id >= 2"}})

	query := datasource.ExpandQuery(r, "SELECT id FROM {{table}} ORDER BY id")
	assert.Contains(t, query, `(SELECT * FROM "orders" WHERE id >= 2) AS partition_src`)

	var ids []int64
	err := r.Query(context.Background(), query, func(columns []string, values []any) error {
		assert.Equal(t, []string{"id"}, columns)
		ids = append(ids, values[0].(int64))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids)
	assert.Equal(t, "p2", r.ID())
}

func TestRunner_Query_Error(t *testing.T) {
	r := newTestRunner(t, datasource.Partition{Source: datasource.Source{Table: "orders"}})

	err := r.Query(context.Background(), "SELECT nope FROM orders", func([]string, []any) error { return nil })
	assert.Error(t, err)
}

func TestRunner_DiscoverColumns(t *testing.T) {
	r := newTestRunner(t, datasource.Partition{Source: datasource.Source{Table: "orders"}})

	cols, err := r.DiscoverColumns(context.Background())
	require.NoError(t, err)
	require.Len(t, cols, 3)

	assert.Equal(t, "id", cols[0].Name)
	assert.Equal(t, models.DataTypeInt, cols[0].DataType)
	assert.False(t, cols[0].Nullable)
	assert.Equal(t, models.DataTypeString, cols[1].DataType)
	assert.True(t, cols[1].Concatenable)
	assert.Equal(t, models.DataTypeDecimal, cols[2].DataType)
}

func TestRegistration(t *testing.T) {
	assert.True(t, datasource.IsRegistered("sqlite"))

	factory := datasource.NewRunnerFactory(nil, zaptest.NewLogger(t))
	r, err := factory.NewRunner(context.Background(), "sqlite", map[string]any{"path": ":memory:"},
		datasource.Partition{Source: datasource.Source{Table: "t"}})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = factory.NewRunner(context.Background(), "sqlite", map[string]any{}, datasource.Partition{})
	assert.Error(t, err)

	_, err = factory.NewRunner(context.Background(), "oracle", nil, datasource.Partition{})
	assert.Error(t, err)
}

func TestDialect(t *testing.T) {
	d := Dialect{}
	assert.Equal(t, `"we""ird"`, d.QuoteIdentifier(`we"ird`))
	assert.Equal(t, "LENGTH(x)", d.Length("x"))
	assert.Equal(t, "SELECT * FROM t LIMIT 5", d.SelectSample("*", "t", 5))
	assert.Equal(t, "'O''Brien'", d.StringLiteral("O'Brien"))
}
