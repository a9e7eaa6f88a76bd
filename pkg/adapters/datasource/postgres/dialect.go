package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Dialect renders PostgreSQL SQL.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

// QuoteIdentifier uses PostgreSQL's standard double-quote quoting.
func (Dialect) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Length casts to text first so uuid and char(n) columns measure their rendered form.
func (Dialect) Length(expr string) string {
	return fmt.Sprintf("LENGTH(%s::text)", expr)
}

func (Dialect) Floor(expr string) string {
	return fmt.Sprintf("FLOOR(%s)", expr)
}

func (Dialect) Float(expr string) string {
	return fmt.Sprintf("CAST(%s AS DOUBLE PRECISION)", expr)
}

// Sum relies on PostgreSQL widening: SUM(int4) is bigint, SUM(int8) is numeric.
func (Dialect) Sum(expr string, _ models.DataType) string {
	return fmt.Sprintf("SUM(%s)", expr)
}

func (Dialect) SelectSample(list, from string, n int) string {
	return fmt.Sprintf("SELECT %s FROM %s LIMIT %d", list, from, n)
}

func (Dialect) StringLiteral(s string) string {
	return datasource.QuoteString(s)
}

var _ datasource.Dialect = Dialect{}
