package sqlite

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Dialect renders SQLite SQL.
type Dialect struct{}

func (Dialect) Name() string { return "sqlite" }

func (Dialect) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (Dialect) Length(expr string) string {
	return fmt.Sprintf("LENGTH(%s)", expr)
}

// Floor truncates; callers only floor non-negative bucket offsets.
func (Dialect) Floor(expr string) string {
	return fmt.Sprintf("CAST(%s AS INTEGER)", expr)
}

func (Dialect) Float(expr string) string {
	return fmt.Sprintf("CAST(%s AS REAL)", expr)
}

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
