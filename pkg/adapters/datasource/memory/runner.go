package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/util"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Runner holds one partition as arrow record batches. Metrics read the
// batches directly; custom SQL runs against a private SQLite copy that is
// loaded on first use.
type Runner struct {
	id      string
	table   string
	columns []models.Column
	schema  *arrow.Schema
	batches []arrow.Record
	// estimated is the row-size estimate charged against a materialization budget.
	estimated int64

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// NewRunner takes ownership of batches. They must match SchemaFor(columns).
func NewRunner(id, table string, columns []models.Column, batches []arrow.Record) *Runner {
	return &Runner{
		id:      id,
		table:   table,
		columns: columns,
		schema:  SchemaFor(columns),
		batches: batches,
	}
}

// NewRunnerFromRows builds a runner from literal rows, mostly for tests and
// small reference tables.
func NewRunnerFromRows(id, table string, columns []models.Column, rows [][]any) (*Runner, error) {
	schema := SchemaFor(columns)
	b := newBatchBuilder(memory.NewGoAllocator(), schema, DefaultBatchRows)
	for i, row := range rows {
		if err := b.append(row); err != nil {
			b.discard()
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return NewRunner(id, table, columns, b.finish()), nil
}

func (r *Runner) ID() string                  { return r.id }
func (r *Runner) Dialect() datasource.Dialect { return sqlite.Dialect{} }

// Source names only the table: the batches already hold just this partition.
func (r *Runner) Source() datasource.Source {
	return datasource.Source{Table: r.table}
}

func (r *Runner) Schema() *arrow.Schema   { return r.schema }
func (r *Runner) Batches() []arrow.Record { return r.batches }

// NumRows counts rows across all batches.
func (r *Runner) NumRows() int64 {
	var n int64
	for _, rec := range r.batches {
		n += rec.NumRows()
	}
	return n
}

// SizeBytes is the total buffer size of all batches.
func (r *Runner) SizeBytes() int64 {
	var n int64
	for _, rec := range r.batches {
		n += util.TotalRecordSize(rec)
	}
	return n
}

// EstimatedBytes is what Materialize charged against its budget.
func (r *Runner) EstimatedBytes() int64 { return r.estimated }

// DiscoverColumns returns the columns the runner was built with.
func (r *Runner) DiscoverColumns(context.Context) ([]models.Column, error) {
	return r.columns, nil
}

// Query runs query against the SQLite copy of the batches.
func (r *Runner) Query(ctx context.Context, query string, visit datasource.RowVisitor) error {
	db, err := r.sqlDB(ctx)
	if err != nil {
		return err
	}
	return datasource.NewSQLRunner(r.id, db, sqlite.Dialect{}, r.Source(), nil).Query(ctx, query, visit)
}

// QueryRow returns the first row of query, or nil when there is none.
func (r *Runner) QueryRow(ctx context.Context, query string) ([]any, error) {
	db, err := r.sqlDB(ctx)
	if err != nil {
		return nil, err
	}
	return datasource.NewSQLRunner(r.id, db, sqlite.Dialect{}, r.Source(), nil).QueryRow(ctx, query)
}

func (r *Runner) sqlDB(ctx context.Context) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("runner %s is closed", r.id)
	}
	if r.db != nil {
		return r.db, nil
	}

	db, err := sqlite.OpenDB(ctx, &sqlite.Config{DSN: ":memory:"})
	if err != nil {
		return nil, err
	}
	if err := r.load(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("load %s into sqlite: %w", r.table, err)
	}
	r.db = db
	return db, nil
}

func (r *Runner) load(ctx context.Context, db *sql.DB) error {
	d := sqlite.Dialect{}

	defs := make([]string, len(r.columns))
	placeholders := make([]string, len(r.columns))
	for i, c := range r.columns {
		defs[i] = d.QuoteIdentifier(c.Name) + " " + sqliteType(c.DataType)
		placeholders[i] = "?"
	}
	table := d.QuoteIdentifier(r.table)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, strings.Join(placeholders, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	args := make([]any, len(r.columns))
	for _, rec := range r.batches {
		for row := 0; row < int(rec.NumRows()); row++ {
			for col := range args {
				args[col] = ValueAt(rec.Column(col), row)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func sqliteType(dt models.DataType) string {
	switch dt {
	case models.DataTypeInt, models.DataTypeBoolean:
		return "INTEGER"
	case models.DataTypeFloat, models.DataTypeDecimal:
		return "REAL"
	case models.DataTypeBinary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// Close releases the batches and the SQLite copy.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	for _, rec := range r.batches {
		rec.Release()
	}
	r.batches = nil
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

var (
	_ datasource.InMemoryRunner   = (*Runner)(nil)
	_ datasource.ColumnDiscoverer = (*Runner)(nil)
)
