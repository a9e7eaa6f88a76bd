package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Runner is a pushdown runner over one PostgreSQL table partition.
type Runner struct {
	id        string
	pool      *pgxpool.Pool
	source    datasource.Source
	connMgr   *datasource.ConnectionManager
	connStr   string
	ownedPool bool
}

// NewRunner opens a runner using the connection manager. If connMgr is nil,
// the runner creates and owns an unmanaged pool.
func NewRunner(ctx context.Context, cfg *Config, part datasource.Partition, connMgr *datasource.ConnectionManager) (*Runner, error) {
	connStr := cfg.ConnString()
	source := part.Source
	if source.Schema == "" {
		source.Schema = cfg.Schema
	}

	r := &Runner{
		id:      runnerID(part, source),
		source:  source,
		connStr: connStr,
	}

	if connMgr == nil {
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		r.pool = pool
		r.ownedPool = true
		return r, nil
	}

	connector, err := connMgr.Acquire(ctx, "postgres", connStr, func(ctx context.Context) (datasource.PoolConnector, error) {
		mc := connMgr.Config()
		poolConfig, err := pgxpool.ParseConfig(connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse connection string: %w", err)
		}
		poolConfig.MaxConns = mc.PoolMaxConns
		poolConfig.MinConns = mc.PoolMinConns
		if mc.IdleTimeout > 0 {
			poolConfig.MaxConnIdleTime = mc.IdleTimeout
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, err
		}
		return datasource.NewPostgresPool(pool), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pooled connection: %w", err)
	}

	pool, err := datasource.GetPostgresPool(connector)
	if err != nil {
		return nil, fmt.Errorf("failed to extract postgres pool: %w", err)
	}
	r.pool = pool
	r.connMgr = connMgr
	return r, nil
}

// NewRunnerFromPool binds a runner to a pool the caller owns.
func NewRunnerFromPool(id string, pool *pgxpool.Pool, source datasource.Source) *Runner {
	return &Runner{id: id, pool: pool, source: source}
}

func runnerID(part datasource.Partition, src datasource.Source) string {
	if part.ID != "" {
		return part.ID
	}
	id := "postgres:" + src.Table
	if src.Schema != "" {
		id = "postgres:" + src.Schema + "." + src.Table
	}
	if src.Predicate != "" {
		id += "[" + src.Predicate + "]"
	}
	return id
}

func (r *Runner) ID() string                  { return r.id }
func (r *Runner) Dialect() datasource.Dialect { return Dialect{} }
func (r *Runner) Source() datasource.Source   { return r.source }
func (r *Runner) Pool() *pgxpool.Pool         { return r.pool }

// Query streams every row of query to visit.
func (r *Runner) Query(ctx context.Context, query string, visit datasource.RowVisitor) error {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("failed to read row values: %w", err)
		}
		for i, v := range values {
			values[i] = normalizeValue(v)
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

// QueryRow returns the first row of query, or nil when there is none.
func (r *Runner) QueryRow(ctx context.Context, query string) ([]any, error) {
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

// normalizeValue maps pgx-native values onto the forms the metric
// reducers share with the other backends.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return v
	}
}

// DiscoverColumns reads the partition table's columns from information_schema.
func (r *Runner) DiscoverColumns(ctx context.Context) ([]models.Column, error) {
	const query = `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES', c.ordinal_position
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`
	schema := r.source.Schema
	if schema == "" {
		schema = "public"
	}

	rows, err := r.pool.Query(ctx, query, schema, r.source.Table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			name, dataType string
			nullable       bool
			ordinal        int32
		)
		if err := rows.Scan(&name, &dataType, &nullable, &ordinal); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, models.NewColumn(name, dataType, nullable, int(ordinal)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, r.source.Table)
	}
	return columns, nil
}

// Close releases the runner (but NOT the pool if managed).
func (r *Runner) Close() error {
	if r.connMgr != nil {
		r.connMgr.Release("postgres", r.connStr)
		return nil
	}
	if r.ownedPool && r.pool != nil {
		r.pool.Close()
	}
	return nil
}

var (
	_ datasource.Runner           = (*Runner)(nil)
	_ datasource.ColumnDiscoverer = (*Runner)(nil)
)
