package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

var knownTypes = []string{"postgres", "mssql", "sqlite"}

const ordersSuite = `
tables:
  - schema: sales
    name: orders
    datasource:
      type: postgres
      config:
        host: warehouse.internal
        port: 5432
        user: quality
        password: ${QUALITY_WAREHOUSE_PASSWORD}
        database: analytics
    partitions:
      - id: eu
        where: "region = 'eu'"
      - id: archive
        schema: archive
        table: orders_2023
    columns:
      - name: id
        type: bigint
        nullable: false
      - name: amount
        type: numeric(12,2)
    in_memory:
      enabled: true
      max_rows: 1000
    metrics: [rowCount, nullCount, sum]
    tests:
      - name: row_count
        type: tableRowCountToBeBetween
        parameters:
          minValue: 1
          maxValue: 1000000
      - name: amount_not_null
        type: columnValuesToBeNotNull
        column: amount
    limits:
      max_merge_bytes: 1048576
      runner_timeout: 2m
      table_timeout: 10m
  - name: customers
    datasource:
      type: sqlite
      config:
        dsn: /data/customers.db
`

func TestParseSuite(t *testing.T) {
	t.Setenv("QUALITY_WAREHOUSE_PASSWORD", "hunter2")

	s, err := ParseSuite([]byte(ordersSuite), knownTypes)
	require.NoError(t, err)
	require.Len(t, s.Tables, 2)

	orders := s.Tables[0]
	assert.Equal(t, "sales.orders", orders.Ref().FQN())
	assert.Equal(t, "hunter2", orders.Datasource.Config["password"])
	assert.Equal(t, 5432, orders.Datasource.Config["port"])
	require.Len(t, orders.Tests, 2)
	assert.Equal(t, "1", orders.Tests[0].Parameters["minValue"], "numeric parameters decode as strings")
	assert.Equal(t, 2*time.Minute, orders.Limits.RunnerTimeout)
}

func TestSuite_Plans(t *testing.T) {
	s, err := ParseSuite([]byte(ordersSuite), knownTypes)
	require.NoError(t, err)

	plans, err := s.Plans(nil)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	p := plans[0]
	assert.Equal(t, "postgres", p.DatasourceType)
	require.Len(t, p.Partitions, 2)
	assert.Equal(t, "eu", p.Partitions[0].ID)
	assert.Equal(t, "orders", p.Partitions[0].Source.Table, "partition inherits the suite table")
	assert.Equal(t, "sales", p.Partitions[0].Source.Schema)
	assert.Equal(t, "region = 'eu'", p.Partitions[0].Source.Predicate)
	assert.Equal(t, "orders_2023", p.Partitions[1].Source.Table)
	assert.Equal(t, "archive", p.Partitions[1].Source.Schema)

	require.Len(t, p.Columns, 2)
	assert.False(t, p.Columns[0].Nullable)
	assert.True(t, p.Columns[1].Nullable, "nullable defaults to true")
	assert.Equal(t, 2, p.Columns[1].OrdinalPosition)
	assert.Equal(t, models.DataTypeDecimal, p.Columns[1].DataType)

	assert.True(t, p.InMemory.Enabled)
	assert.Equal(t, 1000, p.InMemory.MaxRows)
	assert.Equal(t, int64(1048576), p.Limits.MaxMergeBytes)
	assert.Equal(t, 10*time.Minute, p.Limits.TableTimeout)

	// no partitions means one runner over the whole table
	c := plans[1]
	require.Len(t, c.Partitions, 1)
	assert.Equal(t, "customers", c.Partitions[0].Source.Table)
	assert.Empty(t, c.Columns)
}

func TestSuite_PlansFilter(t *testing.T) {
	s, err := ParseSuite([]byte(ordersSuite), knownTypes)
	require.NoError(t, err)

	plans, err := s.Plans([]string{"customers"})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "customers", plans[0].Table.Name)

	plans, err = s.Plans([]string{"SALES.ORDERS", " "})
	require.NoError(t, err)
	require.Len(t, plans, 1)

	_, err = s.Plans([]string{"missing"})
	assert.ErrorContains(t, err, `"missing" is not in the suite`)
}

func TestParseSuite_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", `tables: []`, "no tables"},
		{"no name", "tables:\n  - datasource: {type: sqlite}", "name is required"},
		{"unknown type", "tables:\n  - name: t\n    datasource: {type: oracle}", `unknown datasource type "oracle"`},
		{"test without type", "tables:\n  - name: t\n    datasource: {type: sqlite}\n    tests:\n      - name: x", "type is required"},
		{"duplicate", "tables:\n  - name: t\n    datasource: {type: sqlite}\n  - name: t\n    datasource: {type: sqlite}", "more than once"},
		{"empty partition", "tables:\n  - name: t\n    datasource: {type: sqlite}\n    partitions:\n      - id: p1", "needs a table or a where clause"},
		{"bad yaml", "tables: [", "failed to parse suite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSuite([]byte(tt.yaml), knownTypes)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ordersSuite), 0o644))

	s, err := LoadSuite(path, knownTypes)
	require.NoError(t, err)
	assert.Len(t, s.Tables, 2)

	_, err = LoadSuite(filepath.Join(t.TempDir(), "missing.yaml"), knownTypes)
	assert.Error(t, err)
}
