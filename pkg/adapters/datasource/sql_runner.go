package datasource

import (
	"context"
	"database/sql"
	"fmt"
)

// ValueNormalizer converts a scanned driver value given its database type name.
type ValueNormalizer func(dbType string, v any) any

// SQLRunner is a Runner over a database/sql pool. Dialect packages embed it
// and supply their dialect and value normalization.
type SQLRunner struct {
	id        string
	db        *sql.DB
	dialect   Dialect
	source    Source
	normalize ValueNormalizer
}

// NewSQLRunner binds a runner to a database/sql pool. normalize may be nil.
func NewSQLRunner(id string, db *sql.DB, dialect Dialect, source Source, normalize ValueNormalizer) *SQLRunner {
	return &SQLRunner{id: id, db: db, dialect: dialect, source: source, normalize: normalize}
}

func (r *SQLRunner) ID() string       { return r.id }
func (r *SQLRunner) Dialect() Dialect { return r.dialect }
func (r *SQLRunner) Source() Source   { return r.source }

// DB returns the underlying pool.
func (r *SQLRunner) DB() *sql.DB { return r.db }

// Query streams every row of query to visit.
func (r *SQLRunner) Query(ctx context.Context, query string, visit RowVisitor) error {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to get columns: %w", err)
	}
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return fmt.Errorf("failed to get column types: %w", err)
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if r.normalize != nil {
			for i, v := range values {
				if v != nil {
					values[i] = r.normalize(columnTypes[i].DatabaseTypeName(), v)
				}
			}
		}
		if err := visit(columns, values); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}

// QueryRow returns a copy of the first row of query, or nil when there is none.
func (r *SQLRunner) QueryRow(ctx context.Context, query string) ([]any, error) {
	var first []any
	err := r.Query(ctx, query, func(_ []string, values []any) error {
		if first == nil {
			first = append([]any(nil), values...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return first, nil
}

// Close is a no-op: the pool belongs to the connection manager or the owner
// that opened it.
func (r *SQLRunner) Close() error {
	return nil
}
