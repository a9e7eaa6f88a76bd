package datasource

import (
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Dialect renders backend-native SQL fragments for pushdown metrics.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string

	// Length returns the character length of a string expression.
	Length(expr string) string

	// Floor rounds a non-negative numeric expression down to an integer.
	Floor(expr string) string

	// Float casts an expression to double precision.
	Float(expr string) string

	// Sum aggregates expr without overflowing the column's integer width.
	Sum(expr string, dt models.DataType) string

	// SelectSample returns a statement selecting the list at most n rows
	// from a FROM target.
	SelectSample(list, from string, n int) string

	// StringLiteral quotes s as a string literal.
	StringLiteral(s string) string
}

// SelectList quotes the columns in order for a SELECT list. No columns
// selects all of them.
func SelectList(d Dialect, columns []models.Column) string {
	if len(columns) == 0 {
		return "*"
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdentifier(c.Name)
	}
	return strings.Join(quoted, ", ")
}

// QuoteString is the ANSI string literal quoting shared by the built-in dialects.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FloatLiteral renders f so every built-in dialect parses it back exactly.
func FloatLiteral(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
