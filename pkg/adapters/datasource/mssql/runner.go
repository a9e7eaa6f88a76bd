package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb/azuread" // Azure AD support, registers "azuresql"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Runner is a pushdown runner over one SQL Server table partition.
// Supports SQL authentication and Azure AD service principals.
type Runner struct {
	*datasource.SQLRunner
	connMgr *datasource.ConnectionManager
	connStr string
	ownedDB bool
}

// NewRunner opens a runner for one partition. With a nil connection manager
// the runner owns its database and closes it on Close.
func NewRunner(ctx context.Context, cfg *Config, part datasource.Partition, connMgr *datasource.ConnectionManager) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	driverName, connStr, err := connectionString(cfg)
	if err != nil {
		return nil, err
	}

	source := part.Source
	if source.Schema == "" {
		source.Schema = cfg.DefaultSchema()
	}
	id := runnerID(part, source)

	open := func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open(driverName, connStr)
		if err != nil {
			return nil, fmt.Errorf("open %s connection: %w", cfg.AuthMethod, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("connection test failed: %w", err)
		}
		return db, nil
	}

	if connMgr == nil {
		db, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return &Runner{
			SQLRunner: datasource.NewSQLRunner(id, db, Dialect{}, source, normalizeValue),
			ownedDB:   true,
		}, nil
	}

	connector, err := connMgr.Acquire(ctx, "mssql", connStr, func(ctx context.Context) (datasource.PoolConnector, error) {
		db, err := open(ctx)
		if err != nil {
			return nil, err
		}
		mc := connMgr.Config()
		db.SetMaxOpenConns(int(mc.PoolMaxConns))
		db.SetMaxIdleConns(int(mc.PoolMinConns))
		if mc.IdleTimeout > 0 {
			db.SetConnMaxIdleTime(mc.IdleTimeout)
		}
		return datasource.NewSQLPool("mssql", db), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pooled connection: %w", err)
	}

	db, err := datasource.GetSQLDB(connector)
	if err != nil {
		return nil, fmt.Errorf("failed to extract mssql db: %w", err)
	}

	return &Runner{
		SQLRunner: datasource.NewSQLRunner(id, db, Dialect{}, source, normalizeValue),
		connMgr:   connMgr,
		connStr:   connStr,
	}, nil
}

func runnerID(part datasource.Partition, src datasource.Source) string {
	if part.ID != "" {
		return part.ID
	}
	id := "mssql:" + src.Schema + "." + src.Table
	if src.Predicate != "" {
		id += "[" + src.Predicate + "]"
	}
	return id
}

// connectionString returns the driver name and DSN for the configured auth method.
func connectionString(cfg *Config) (string, string, error) {
	query := url.Values{}
	query.Add("database", cfg.Database)

	if cfg.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if cfg.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if cfg.ConnectionTimeout > 0 {
		query.Add("connection timeout", fmt.Sprintf("%d", cfg.ConnectionTimeout))
	}

	switch cfg.AuthMethod {
	case AuthSQL:
		return "sqlserver", fmt.Sprintf("sqlserver://%s:%s@%s:%d?%s",
			url.QueryEscape(cfg.Username),
			url.QueryEscape(cfg.Password),
			cfg.Host,
			cfg.Port,
			query.Encode(),
		), nil

	case AuthServicePrincipal:
		// The azuresql driver reads fedauth and acquires its own tokens.
		query.Add("fedauth", "ActiveDirectoryServicePrincipal")
		query.Add("user id", cfg.ClientID)
		query.Add("password", cfg.ClientSecret)
		query.Add("tenant id", cfg.TenantID)
		return "azuresql", fmt.Sprintf("sqlserver://%s:%d?%s", cfg.Host, cfg.Port, query.Encode()), nil

	default:
		return "", "", fmt.Errorf("unsupported auth method: %s", cfg.AuthMethod)
	}
}

// DiscoverColumns reads the partition table's columns from the catalog views.
func (r *Runner) DiscoverColumns(ctx context.Context) ([]models.Column, error) {
	query := `
	SET NOCOUNT ON;
	SELECT
	    c.name AS column_name,
	    tp.name AS data_type,
	    CASE WHEN c.is_nullable = 1 THEN 1 ELSE 0 END AS is_nullable,
	    c.column_id AS ordinal_position
	FROM sys.columns c
	INNER JOIN sys.types tp ON c.user_type_id = tp.user_type_id
	WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
	ORDER BY c.column_id
	`

	src := r.Source()
	rows, err := r.DB().QueryContext(ctx, query,
		sql.Named("schema", src.Schema),
		sql.Named("table", src.Table),
	)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			name, dataType string
			isNullable     int
			ordinal        int
		)
		if err := rows.Scan(&name, &dataType, &isNullable, &ordinal); err != nil {
			return nil, fmt.Errorf("scan column row: %w", err)
		}
		columns = append(columns, models.NewColumn(name, dataType, isNullable == 1, ordinal))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column rows: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", src.Schema, src.Table)
	}
	return columns, nil
}

// Close releases the runner (but NOT the DB if managed).
func (r *Runner) Close() error {
	if r.connMgr != nil {
		r.connMgr.Release("mssql", r.connStr)
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
