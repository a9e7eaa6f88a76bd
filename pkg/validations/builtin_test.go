package validations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

type fakeEnv struct {
	columns []models.Column
	values  map[string]models.MetricValue // "column/metric"
	rows    *models.ResultSet
	rowsErr error
	scalar  models.MetricValue
	queries []string
}

func (f *fakeEnv) Table() models.TableRef   { return models.TableRef{Schema: "sales", Name: "orders"} }
func (f *fakeEnv) Columns() []models.Column { return f.columns }

func (f *fakeEnv) Metric(_ context.Context, column, name string) (models.MetricValue, error) {
	v, ok := f.values[column+"/"+name]
	if !ok {
		return models.MetricValue{}, errors.New("unexpected metric " + column + "/" + name)
	}
	return v, nil
}

func (f *fakeEnv) CustomQuery(_ context.Context, query string) (*models.ResultSet, error) {
	f.queries = append(f.queries, query)
	if f.rowsErr != nil {
		return &models.ResultSet{}, f.rowsErr
	}
	return f.rows, nil
}

func (f *fakeEnv) ScalarSum(_ context.Context, q ScalarQuery) (models.MetricValue, error) {
	f.queries = append(f.queries, q(sqlite.Dialect{}, `"orders"`))
	return f.scalar, nil
}

func evaluate(t *testing.T, env *fakeEnv, tc models.TestCase) (Outcome, error) {
	t.Helper()
	def, err := NewDefaultRegistry().Resolve(tc.Type)
	require.NoError(t, err)
	in := Input{Case: tc, Params: Params(tc.Parameters), Env: env}
	if def.Scope == ColumnScope {
		col, ok := models.FindColumn(env.columns, tc.Column)
		require.True(t, ok)
		in.Column = col
	}
	return def.Evaluate(context.Background(), in)
}

func orderColumns() []models.Column {
	return []models.Column{
		models.NewColumn("id", "INTEGER", false, 1),
		models.NewColumn("currency", "VARCHAR(3)", true, 2),
		models.NewColumn("amount", "NUMERIC(10,2)", true, 3),
	}
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Len(t, r.Types(), 17)

	_, err := r.Resolve("columnValuesToMatchRegex")
	assert.ErrorIs(t, err, apperrors.ErrUnknownTestDefinition)

	assert.Error(t, r.Register(&Definition{Type: TableRowCountToEqual, Evaluate: func(context.Context, Input) (Outcome, error) { return Outcome{}, nil }}))
	assert.Error(t, r.Register(&Definition{Type: "noEval"}))
}

func TestMetricRules(t *testing.T) {
	env := &fakeEnv{
		columns: orderColumns(),
		values: map[string]models.MetricValue{
			"/rowCount":          models.Computed(120),
			"/columnCount":       models.Computed(3),
			"amount/min":         models.Computed(-5),
			"amount/max":         models.Computed(900),
			"amount/mean":        models.Computed(45.5),
			"amount/sum":         models.Computed(5460),
			"amount/stdDev":      models.Computed(12.25),
			"amount/nullCount":   models.Computed(2),
			"id/nullCount":       models.Computed(0),
			"id/valuesCount":     models.Computed(120),
			"id/distinctCount":   models.Computed(120),
			"currency/minLength": models.Computed(3),
			"currency/maxLength": models.Computed(3),
		},
	}

	tests := []struct {
		name string
		tc   models.TestCase
		pass bool
	}{
		{"row count in range", models.TestCase{Type: TableRowCountToBeBetween, Parameters: map[string]string{"minValue": "100", "maxValue": "200"}}, true},
		{"row count above max", models.TestCase{Type: TableRowCountToBeBetween, Parameters: map[string]string{"maxValue": "110"}}, false},
		{"row count unbounded", models.TestCase{Type: TableRowCountToBeBetween}, true},
		{"row count equal", models.TestCase{Type: TableRowCountToEqual, Parameters: map[string]string{"value": "120"}}, true},
		{"column count equal", models.TestCase{Type: TableColumnCountToEqual, Parameters: map[string]string{"columnCount": "4"}}, false},
		{"column count between", models.TestCase{Type: TableColumnCountToBeBetween, Parameters: map[string]string{"minColValue": "2"}}, true},
		{"values between fails on min", models.TestCase{Type: ColumnValuesToBeBetween, Column: "amount", Parameters: map[string]string{"minValue": "0"}}, false},
		{"values between", models.TestCase{Type: ColumnValuesToBeBetween, Column: "amount", Parameters: map[string]string{"minValue": "-10", "maxValue": "1000"}}, true},
		{"min between", models.TestCase{Type: ColumnValueMinToBeBetween, Column: "amount", Parameters: map[string]string{"minValueForMinInCol": "-5", "maxValueForMinInCol": "0"}}, true},
		{"max between", models.TestCase{Type: ColumnValueMaxToBeBetween, Column: "amount", Parameters: map[string]string{"maxValueForMaxInCol": "500"}}, false},
		{"mean between", models.TestCase{Type: ColumnValueMeanToBeBetween, Column: "amount", Parameters: map[string]string{"minValueForMeanInCol": "40", "maxValueForMeanInCol": "50"}}, true},
		{"sum between", models.TestCase{Type: ColumnValuesSumToBeBetween, Column: "amount", Parameters: map[string]string{"minValueForColSum": "6000"}}, false},
		{"stddev between", models.TestCase{Type: ColumnValueStdDevToBeBetween, Column: "amount", Parameters: map[string]string{"maxValueForStdDevInCol": "20"}}, true},
		{"lengths between", models.TestCase{Type: ColumnValueLengthsToBeBetween, Column: "currency", Parameters: map[string]string{"minLength": "3", "maxLength": "3"}}, true},
		{"not null fails", models.TestCase{Type: ColumnValuesToBeNotNull, Column: "amount"}, false},
		{"not null passes", models.TestCase{Type: ColumnValuesToBeNotNull, Column: "id"}, true},
		{"unique", models.TestCase{Type: ColumnValuesToBeUnique, Column: "id"}, true},
		{"missing count", models.TestCase{Type: ColumnValuesMissingCount, Column: "amount", Parameters: map[string]string{"missingCountValue": "2"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := evaluate(t, env, tt.tc)
			require.NoError(t, err)
			assert.Equal(t, tt.pass, out.Pass, out.Message)
			assert.NotEmpty(t, out.Observed)
			assert.NotEmpty(t, out.Message)
		})
	}
}

func TestRuleAbortsOnNonMeasurements(t *testing.T) {
	env := &fakeEnv{
		columns: orderColumns(),
		values: map[string]models.MetricValue{
			"id/minLength":   models.NotComputable("length of int column"),
			"id/maxLength":   models.NotComputable("length of int column"),
			"amount/min":     models.Empty(),
			"amount/max":     models.Empty(),
			"amount/mean":    models.Failed(errors.New("all runners failed")),
			"/rowCount":      models.Computed(10),
			"id/nullCount":   models.Computed(0),
			"id/valuesCount": models.Computed(10),
		},
	}

	_, err := evaluate(t, env, models.TestCase{Type: ColumnValueLengthsToBeBetween, Column: "id", Parameters: map[string]string{"maxLength": "5"}})
	assert.ErrorIs(t, err, apperrors.ErrNotComputable)

	_, err = evaluate(t, env, models.TestCase{Type: ColumnValuesToBeBetween, Column: "amount"})
	assert.ErrorIs(t, err, apperrors.ErrNotComputable)

	_, err = evaluate(t, env, models.TestCase{Type: ColumnValueMeanToBeBetween, Column: "amount"})
	assert.Equal(t, apperrors.KindRunnerFailure, apperrors.Classify(err))

	// parameters are checked before anything is computed
	_, err = evaluate(t, env, models.TestCase{Type: TableRowCountToBeBetween, Parameters: map[string]string{"minValue": "lots"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)

	_, err = evaluate(t, env, models.TestCase{Type: TableRowCountToEqual})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)
}

func TestIncompleteMetricIsReported(t *testing.T) {
	mv := models.Computed(10)
	mv.Incomplete = true
	mv.FailedRunners = []string{"shard-2"}
	env := &fakeEnv{values: map[string]models.MetricValue{"/rowCount": mv}}

	out, err := evaluate(t, env, models.TestCase{Type: TableRowCountToBeBetween, Parameters: map[string]string{"minValue": "1"}})
	require.NoError(t, err)
	assert.True(t, out.Pass)
	assert.Equal(t, []string{"shard-2"}, out.Incomplete)
}

func TestColumnNameToExist(t *testing.T) {
	env := &fakeEnv{columns: orderColumns()}

	out, err := evaluate(t, env, models.TestCase{Type: TableColumnNameToExist, Parameters: map[string]string{"columnName": "AMOUNT"}})
	require.NoError(t, err)
	assert.True(t, out.Pass)

	out, err = evaluate(t, env, models.TestCase{Type: TableColumnNameToExist, Parameters: map[string]string{"columnName": "discount"}})
	require.NoError(t, err)
	assert.False(t, out.Pass)
	v, _ := models.Verdict{Observed: out.Observed}.ObservedByName("columnNameExists")
	assert.Equal(t, "false", v)

	_, err = evaluate(t, env, models.TestCase{Type: TableColumnNameToExist})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)
}

func TestCustomSQLQuery(t *testing.T) {
	env := &fakeEnv{rows: &models.ResultSet{Columns: []string{"id"}, Rows: [][]any{{int64(1)}, {int64(7)}}}}

	out, err := evaluate(t, env, models.TestCase{Type: TableCustomSQLQuery, Parameters: map[string]string{
		"sqlExpression": "SELECT id FROM {{table}} WHERE amount < 0;",
	}})
	require.NoError(t, err)
	assert.False(t, out.Pass)
	assert.Equal(t, []string{"SELECT id FROM {{table}} WHERE amount < 0"}, env.queries)

	out, err = evaluate(t, env, models.TestCase{Type: TableCustomSQLQuery, Parameters: map[string]string{
		"sqlExpression": "SELECT id FROM {{table}}", "threshold": "2",
	}})
	require.NoError(t, err)
	assert.True(t, out.Pass)

	out, err = evaluate(t, env, models.TestCase{Type: TableCustomSQLQuery, Parameters: map[string]string{
		"sqlExpression": "SELECT COUNT(*) FROM {{table}}", "strategy": "count", "threshold": "5",
	}})
	require.NoError(t, err)
	assert.False(t, out.Pass, "1 + 7 > 5")

	_, err = evaluate(t, env, models.TestCase{Type: TableCustomSQLQuery, Parameters: map[string]string{"sqlExpression": "DROP TABLE x"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)

	_, err = evaluate(t, env, models.TestCase{Type: TableCustomSQLQuery, Parameters: map[string]string{"sqlExpression": "SELECT 1", "strategy": "SAMPLE"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)
}

func TestCustomSQLQueryResourceExhausted(t *testing.T) {
	env := &fakeEnv{rowsErr: apperrors.NewResourceExhausted("custom query", 10, 20)}

	_, err := evaluate(t, env, models.TestCase{Type: TableCustomSQLQuery, Parameters: map[string]string{"sqlExpression": "SELECT * FROM {{table}}"}})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindResourceExhausted, apperrors.Classify(err))
}

func TestInSet(t *testing.T) {
	env := &fakeEnv{columns: orderColumns(), scalar: models.Computed(0)}

	out, err := evaluate(t, env, models.TestCase{Type: ColumnValuesToBeInSet, Column: "currency", Parameters: map[string]string{"allowedValues": "EUR, USD, O'Brien"}})
	require.NoError(t, err)
	assert.True(t, out.Pass)
	require.Len(t, env.queries, 1)
	assert.Equal(t, `SELECT COUNT(*) FROM "orders" WHERE "currency" IS NOT NULL AND "currency" NOT IN ('EUR', 'USD', 'O''Brien')`, env.queries[0])

	env.scalar = models.Computed(3)
	out, err = evaluate(t, env, models.TestCase{Type: ColumnValuesToBeInSet, Column: "amount", Parameters: map[string]string{"allowedValues": "1, 2.5"}})
	require.NoError(t, err)
	assert.False(t, out.Pass)
	assert.True(t, strings.HasSuffix(env.queries[1], `NOT IN (1, 2.5)`))

	_, err = evaluate(t, env, models.TestCase{Type: ColumnValuesToBeInSet, Column: "amount", Parameters: map[string]string{"allowedValues": "1, two"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)

	_, err = evaluate(t, env, models.TestCase{Type: ColumnValuesToBeInSet, Column: "currency", Parameters: map[string]string{"allowedValues": "EUR, ' OR '1'='1"}})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)

	_, err = evaluate(t, env, models.TestCase{Type: ColumnValuesToBeInSet, Column: "currency"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)
	assert.Len(t, env.queries, 2)
}

func TestMissingCountWithMatchers(t *testing.T) {
	env := &fakeEnv{
		columns: orderColumns(),
		values:  map[string]models.MetricValue{"currency/nullCount": models.Computed(2)},
		scalar:  models.Computed(3),
	}

	out, err := evaluate(t, env, models.TestCase{Type: ColumnValuesMissingCount, Column: "currency", Parameters: map[string]string{
		"missingCountValue": "5", "missingValueMatch": "N/A, ''",
	}})
	require.NoError(t, err)
	assert.True(t, out.Pass, out.Message)
	assert.Contains(t, env.queries[0], `"currency" IN ('N/A')`)
	v, _ := models.Verdict{Observed: out.Observed}.ObservedByName("missingCount")
	assert.Equal(t, "5", v)
}
