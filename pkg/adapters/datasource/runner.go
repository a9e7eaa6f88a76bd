package datasource

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// TablePlaceholder in a custom query is replaced with the runner's partition source.
const TablePlaceholder = "{{table}}"

// Source identifies the physical partition a runner reads.
type Source struct {
	Schema    string `yaml:"schema"`
	Table     string `yaml:"table"`
	Predicate string `yaml:"where"`
}

// RowVisitor receives each row of a streamed result. The values slice is
// reused between calls; visitors must copy what they keep.
type RowVisitor func(columns []string, values []any) error

// Runner is an executable handle bound to one physical partition.
// A runner is used by one goroutine at a time.
type Runner interface {
	// ID names the runner in logs and incomplete-result reports.
	ID() string

	// Dialect describes the SQL flavour Query and QueryRow accept.
	Dialect() Dialect

	// Source returns the partition this runner is bound to.
	Source() Source

	// Query executes a pushdown statement and streams the result rows.
	Query(ctx context.Context, query string, visit RowVisitor) error

	// QueryRow executes a scalar statement and returns its first row.
	// A statement that produces no rows yields a nil slice.
	QueryRow(ctx context.Context, query string) ([]any, error)

	// Close releases the runner. Shared pools stay open.
	Close() error
}

// InMemoryRunner is a runner whose partition is materialized locally as
// arrow record batches.
type InMemoryRunner interface {
	Runner

	Schema() *arrow.Schema
	Batches() []arrow.Record
}

// ColumnDiscoverer is implemented by runners that can describe their source table.
type ColumnDiscoverer interface {
	DiscoverColumns(ctx context.Context) ([]models.Column, error)
}

// FromClause renders the FROM target for src: the quoted table, or a derived
// table when the partition has a predicate.
func FromClause(d Dialect, src Source) string {
	table := d.QuoteIdentifier(src.Table)
	if src.Schema != "" {
		table = d.QuoteIdentifier(src.Schema) + "." + table
	}
	if strings.TrimSpace(src.Predicate) == "" {
		return table
	}
	return fmt.Sprintf("(SELECT * FROM %s WHERE %s) AS partition_src", table, src.Predicate)
}

// ExpandQuery substitutes the table placeholder in a custom query with the
// runner's partition source.
func ExpandQuery(r Runner, query string) string {
	if !strings.Contains(query, TablePlaceholder) {
		return query
	}
	return strings.ReplaceAll(query, TablePlaceholder, FromClause(r.Dialect(), r.Source()))
}
