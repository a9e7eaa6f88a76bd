package mssql

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Dialect renders T-SQL.
type Dialect struct{}

func (Dialect) Name() string { return "mssql" }

func (Dialect) QuoteIdentifier(name string) string { return quoteName(name) }

// Length casts first: LEN rejects TEXT/NTEXT and uniqueidentifier.
func (Dialect) Length(expr string) string {
	return fmt.Sprintf("LEN(CAST(%s AS NVARCHAR(MAX)))", expr)
}

func (Dialect) Floor(expr string) string {
	return fmt.Sprintf("FLOOR(%s)", expr)
}

func (Dialect) Float(expr string) string {
	return fmt.Sprintf("CAST(%s AS FLOAT)", expr)
}

// Sum widens integer columns; SUM(int) overflows at 2^31 in SQL Server.
func (Dialect) Sum(expr string, dt models.DataType) string {
	if dt == models.DataTypeInt {
		return fmt.Sprintf("SUM(CAST(%s AS BIGINT))", expr)
	}
	return fmt.Sprintf("SUM(%s)", expr)
}

func (Dialect) SelectSample(list, from string, n int) string {
	return fmt.Sprintf("SELECT TOP (%d) %s FROM %s", n, list, from)
}

// StringLiteral returns an N” literal so non-ASCII values compare against NVARCHAR columns.
func (Dialect) StringLiteral(s string) string {
	return "N'" + escapeStringLiteral(s) + "'"
}

var _ datasource.Dialect = Dialect{}
