package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // database/sql driver "sqlite"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Runner is a pushdown runner over a SQLite database.
type Runner struct {
	*datasource.SQLRunner
	connMgr *datasource.ConnectionManager
	cfg     *Config
	ownedDB bool
}

// OpenDB opens and pings a SQLite database.
func OpenDB(ctx context.Context, cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if cfg.InMemory() {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return db, nil
}

// NewRunner opens a runner for one partition. With a nil connection manager
// the runner owns its database and closes it on Close.
func NewRunner(ctx context.Context, cfg *Config, part datasource.Partition, connMgr *datasource.ConnectionManager) (*Runner, error) {
	id := runnerID(part)

	if connMgr == nil {
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Runner{
			SQLRunner: datasource.NewSQLRunner(id, db, Dialect{}, part.Source, nil),
			cfg:       cfg,
			ownedDB:   true,
		}, nil
	}

	conn, err := connMgr.Acquire(ctx, "sqlite", cfg.DSN, func(ctx context.Context) (datasource.PoolConnector, error) {
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return datasource.NewSQLPool("sqlite", db), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pooled connection: %w", err)
	}
	db, err := datasource.GetSQLDB(conn)
	if err != nil {
		return nil, err
	}

	return &Runner{
		SQLRunner: datasource.NewSQLRunner(id, db, Dialect{}, part.Source, nil),
		connMgr:   connMgr,
		cfg:       cfg,
	}, nil
}

// NewRunnerFromDB binds a runner to an already open database the caller owns.
func NewRunnerFromDB(id string, db *sql.DB, source datasource.Source) *Runner {
	return &Runner{SQLRunner: datasource.NewSQLRunner(id, db, Dialect{}, source, nil)}
}

func runnerID(part datasource.Partition) string {
	if part.ID != "" {
		return part.ID
	}
	if part.Source.Predicate != "" {
		return fmt.Sprintf("sqlite:%s[%s]", part.Source.Table, part.Source.Predicate)
	}
	return "sqlite:" + part.Source.Table
}

// DiscoverColumns reads the partition table's columns with PRAGMA table_info.
func (r *Runner) DiscoverColumns(ctx context.Context) ([]models.Column, error) {
	query := fmt.Sprintf("PRAGMA table_info(%s)", Dialect{}.QuoteIdentifier(r.Source().Table))
	rows, err := r.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, models.NewColumn(name, colType, notNull == 0, cid+1))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found", r.Source().Table)
	}
	return columns, nil
}

// Close releases the runner (but NOT the DB if managed).
func (r *Runner) Close() error {
	if r.connMgr != nil {
		r.connMgr.Release("sqlite", r.cfg.DSN)
		return nil
	}
	if r.ownedDB {
		return r.DB().Close()
	}
	return nil
}

var (
	_ datasource.Runner           = (*Runner)(nil)
	_ datasource.ColumnDiscoverer = (*Runner)(nil)
)
