package validations

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/metrics"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	sqlutil "github.com/ekaya-inc/ekaya-quality/pkg/sql"
)

const (
	TableRowCountToBeBetween      = "tableRowCountToBeBetween"
	TableRowCountToEqual          = "tableRowCountToEqual"
	TableColumnCountToBeBetween   = "tableColumnCountToBeBetween"
	TableColumnCountToEqual       = "tableColumnCountToEqual"
	TableColumnNameToExist        = "tableColumnNameToExist"
	TableCustomSQLQuery           = "tableCustomSQLQuery"
	ColumnValuesToBeBetween       = "columnValuesToBeBetween"
	ColumnValueMinToBeBetween     = "columnValueMinToBeBetween"
	ColumnValueMaxToBeBetween     = "columnValueMaxToBeBetween"
	ColumnValueMeanToBeBetween    = "columnValueMeanToBeBetween"
	ColumnValuesSumToBeBetween    = "columnValuesSumToBeBetween"
	ColumnValueStdDevToBeBetween  = "columnValueStdDevToBeBetween"
	ColumnValueLengthsToBeBetween = "columnValueLengthsToBeBetween"
	ColumnValuesToBeNotNull       = "columnValuesToBeNotNull"
	ColumnValuesToBeUnique        = "columnValuesToBeUnique"
	ColumnValuesMissingCount      = "columnValuesMissingCount"
	ColumnValuesToBeInSet         = "columnValuesToBeInSet"
)

// Builtins returns the built-in rule kinds.
func Builtins() []*Definition {
	return []*Definition{
		metricInRange(TableRowCountToBeBetween, TableScope, metrics.RowCount, "minValue", "maxValue"),
		metricEquals(TableRowCountToEqual, TableScope, metrics.RowCount, "value"),
		metricInRange(TableColumnCountToBeBetween, TableScope, metrics.ColumnCount, "minColValue", "maxColValue"),
		metricEquals(TableColumnCountToEqual, TableScope, metrics.ColumnCount, "columnCount"),
		columnNameToExist(),
		customSQLQuery(),
		extremaInRange(ColumnValuesToBeBetween, metrics.Min, metrics.Max, "minValue", "maxValue"),
		metricInRange(ColumnValueMinToBeBetween, ColumnScope, metrics.Min, "minValueForMinInCol", "maxValueForMinInCol"),
		metricInRange(ColumnValueMaxToBeBetween, ColumnScope, metrics.Max, "minValueForMaxInCol", "maxValueForMaxInCol"),
		metricInRange(ColumnValueMeanToBeBetween, ColumnScope, metrics.Mean, "minValueForMeanInCol", "maxValueForMeanInCol"),
		metricInRange(ColumnValuesSumToBeBetween, ColumnScope, metrics.Sum, "minValueForColSum", "maxValueForColSum"),
		metricInRange(ColumnValueStdDevToBeBetween, ColumnScope, metrics.StdDev, "minValueForStdDevInCol", "maxValueForStdDevInCol"),
		extremaInRange(ColumnValueLengthsToBeBetween, metrics.MinLength, metrics.MaxLength, "minLength", "maxLength"),
		notNull(),
		unique(),
		missingCount(),
		inSet(),
	}
}

// metricInRange checks one metric against optional bounds.
func metricInRange(testType string, scope Scope, metric, minName, maxName string) *Definition {
	return &Definition{
		Type:        testType,
		Scope:       scope,
		Description: fmt.Sprintf("%s between %s and %s", metric, minName, maxName),
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			bounds, err := in.Params.RangeOf(minName, maxName)
			if err != nil {
				return Outcome{}, err
			}
			var o observer
			v, err := o.metric(ctx, in, metric)
			if err != nil {
				return Outcome{}, err
			}
			pass := bounds.Contains(v)
			return o.finish(pass, "%s %s %s %s", metric, formatNumber(v), verb(pass), bounds), nil
		},
	}
}

// extremaInRange requires the smallest and largest observation to sit inside the bounds.
func extremaInRange(testType, lowMetric, highMetric, minName, maxName string) *Definition {
	return &Definition{
		Type:        testType,
		Scope:       ColumnScope,
		Description: fmt.Sprintf("%s and %s between %s and %s", lowMetric, highMetric, minName, maxName),
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			bounds, err := in.Params.RangeOf(minName, maxName)
			if err != nil {
				return Outcome{}, err
			}
			var o observer
			lo, err := o.metric(ctx, in, lowMetric)
			if err != nil {
				return Outcome{}, err
			}
			hi, err := o.metric(ctx, in, highMetric)
			if err != nil {
				return Outcome{}, err
			}
			pass := (bounds.Min == nil || lo >= *bounds.Min) && (bounds.Max == nil || hi <= *bounds.Max)
			return o.finish(pass, "observed [%s, %s] %s %s", formatNumber(lo), formatNumber(hi), verb(pass), bounds), nil
		},
	}
}

func metricEquals(testType string, scope Scope, metric, param string) *Definition {
	return &Definition{
		Type:        testType,
		Scope:       scope,
		Description: fmt.Sprintf("%s equals %s", metric, param),
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			want, err := in.Params.RequiredFloat(param)
			if err != nil {
				return Outcome{}, err
			}
			var o observer
			v, err := o.metric(ctx, in, metric)
			if err != nil {
				return Outcome{}, err
			}
			return o.finish(v == want, "%s is %s, expected %s", metric, formatNumber(v), formatNumber(want)), nil
		},
	}
}

func columnNameToExist() *Definition {
	return &Definition{
		Type:        TableColumnNameToExist,
		Scope:       TableScope,
		Description: "a column named columnName exists",
		Evaluate: func(_ context.Context, in Input) (Outcome, error) {
			name := in.Params.String("columnName", "")
			if name == "" {
				return Outcome{}, fmt.Errorf("columnName is required: %w", apperrors.ErrInvalidParameter)
			}
			_, found := models.FindColumn(in.Env.Columns(), name)
			var o observer
			o.record("columnNameExists", strconv.FormatBool(found))
			if found {
				return o.finish(true, "column %s exists", name), nil
			}
			return o.finish(false, "column %s does not exist in %s", name, in.Env.Table().FQN()), nil
		},
	}
}

// customSQLQuery runs sqlExpression on every partition. With strategy ROWS
// the returned row count is compared to threshold; with COUNT the first
// column of every returned row is summed instead.
func customSQLQuery() *Definition {
	return &Definition{
		Type:        TableCustomSQLQuery,
		Scope:       TableScope,
		Description: "rows returned by sqlExpression do not exceed threshold",
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			query, err := sqlutil.ValidateCustomQuery(in.Params.String("sqlExpression", ""))
			if err != nil {
				return Outcome{}, fmt.Errorf("sqlExpression: %v: %w", err, apperrors.ErrInvalidParameter)
			}
			threshold, _, err := in.Params.Float("threshold")
			if err != nil {
				return Outcome{}, err
			}
			strategy := strings.ToUpper(in.Params.String("strategy", "ROWS"))
			if strategy != "ROWS" && strategy != "COUNT" {
				return Outcome{}, fmt.Errorf("strategy %q must be ROWS or COUNT: %w", strategy, apperrors.ErrInvalidParameter)
			}

			rs, err := in.Env.CustomQuery(ctx, query)
			if err != nil {
				return Outcome{}, err
			}

			result := float64(rs.Len())
			if strategy == "COUNT" {
				result = 0
				for _, row := range rs.Rows {
					if len(row) == 0 {
						continue
					}
					v, ok, err := datasource.ToFloat64(row[0])
					if err != nil {
						return Outcome{}, fmt.Errorf("COUNT strategy expects a numeric first column: %w", err)
					}
					if ok {
						result += v
					}
				}
			}

			var o observer
			o.record("resultRowCount", formatNumber(result))
			pass := result <= threshold
			if pass {
				return o.finish(true, "query returned %s, threshold %s", formatNumber(result), formatNumber(threshold)), nil
			}
			return o.finish(false, "query returned %s, above threshold %s", formatNumber(result), formatNumber(threshold)), nil
		},
	}
}

func notNull() *Definition {
	return &Definition{
		Type:        ColumnValuesToBeNotNull,
		Scope:       ColumnScope,
		Description: "the column holds no nulls",
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			var o observer
			nulls, err := o.metric(ctx, in, metrics.NullCount)
			if err != nil {
				return Outcome{}, err
			}
			return o.finish(nulls == 0, "found %s null values", formatNumber(nulls)), nil
		},
	}
}

func unique() *Definition {
	return &Definition{
		Type:        ColumnValuesToBeUnique,
		Scope:       ColumnScope,
		Description: "every non-null value is distinct",
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			var o observer
			values, err := o.metric(ctx, in, metrics.ValuesCount)
			if err != nil {
				return Outcome{}, err
			}
			distinct, err := o.metric(ctx, in, metrics.DistinctCount)
			if err != nil {
				return Outcome{}, err
			}
			return o.finish(values == distinct, "%s values, %s distinct", formatNumber(values), formatNumber(distinct)), nil
		},
	}
}

// missingCount compares nulls plus values listed in missingValueMatch
// with missingCountValue.
func missingCount() *Definition {
	return &Definition{
		Type:        ColumnValuesMissingCount,
		Scope:       ColumnScope,
		Description: "the number of missing values equals missingCountValue",
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			want, err := in.Params.RequiredFloat("missingCountValue")
			if err != nil {
				return Outcome{}, err
			}
			var matchers []literal
			if in.Params.has("missingValueMatch") {
				matchers, err = literals(in.Column, "missingValueMatch", in.Params.List("missingValueMatch"))
				if err != nil {
					return Outcome{}, err
				}
			}

			var o observer
			missing, err := o.metric(ctx, in, metrics.NullCount)
			if err != nil {
				return Outcome{}, err
			}
			if len(matchers) > 0 {
				mv, err := in.Env.ScalarSum(ctx, countMatching(in.Column, matchers, false))
				if err != nil {
					return Outcome{}, err
				}
				matched, err := o.number("matchedMissingValues", mv)
				if err != nil {
					return Outcome{}, err
				}
				missing += matched
			}
			o.record("missingCount", formatNumber(missing))
			return o.finish(missing == want, "%s missing values, expected %s", formatNumber(missing), formatNumber(want)), nil
		},
	}
}

func inSet() *Definition {
	return &Definition{
		Type:        ColumnValuesToBeInSet,
		Scope:       ColumnScope,
		Description: "every non-null value is one of allowedValues",
		Evaluate: func(ctx context.Context, in Input) (Outcome, error) {
			allowed := in.Params.List("allowedValues")
			if len(allowed) == 0 {
				return Outcome{}, fmt.Errorf("allowedValues is required: %w", apperrors.ErrInvalidParameter)
			}
			lits, err := literals(in.Column, "allowedValues", allowed)
			if err != nil {
				return Outcome{}, err
			}

			mv, err := in.Env.ScalarSum(ctx, countMatching(in.Column, lits, true))
			if err != nil {
				return Outcome{}, err
			}
			var o observer
			outside, err := o.number("countNotInSet", mv)
			if err != nil {
				return Outcome{}, err
			}
			return o.finish(outside == 0, "%s values outside the allowed set", formatNumber(outside)), nil
		},
	}
}

// literal is a parameter value ready to render in any dialect.
type literal struct {
	number *float64
	text   string
}

func (l literal) render(d datasource.Dialect) string {
	if l.number != nil {
		return datasource.FloatLiteral(*l.number)
	}
	return d.StringLiteral(l.text)
}

// literals parses values for numeric columns and screens them for
// injection otherwise.
func literals(col models.Column, param string, values []string) ([]literal, error) {
	out := make([]literal, 0, len(values))
	if col.DataType.IsNumeric() {
		for _, v := range values {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %q is not a number for numeric column %s: %w", param, v, col.Name, apperrors.ErrInvalidParameter)
			}
			out = append(out, literal{number: &f})
		}
		return out, nil
	}
	if err := sqlutil.ScreenLiterals(param, values); err != nil {
		return nil, err
	}
	for _, v := range values {
		out = append(out, literal{text: v})
	}
	return out, nil
}

// countMatching counts non-null values that are (or, with negate, are not) in lits.
func countMatching(col models.Column, lits []literal, negate bool) ScalarQuery {
	return func(d datasource.Dialect, from string) string {
		rendered := make([]string, len(lits))
		for i, l := range lits {
			rendered[i] = l.render(d)
		}
		op := "IN"
		if negate {
			op = "NOT IN"
		}
		quoted := d.QuoteIdentifier(col.Name)
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL AND %s %s (%s)",
			from, quoted, quoted, op, strings.Join(rendered, ", "))
	}
}
