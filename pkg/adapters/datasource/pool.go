package datasource

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConnector abstracts connection pool operations across database types.
type PoolConnector interface {
	// Ping verifies the connection is alive
	Ping(ctx context.Context) error

	// Close closes all connections in the pool
	Close() error

	// GetType returns the database type for logging/stats
	GetType() string
}

// PostgresPool wraps *pgxpool.Pool to implement PoolConnector.
type PostgresPool struct {
	pool *pgxpool.Pool
}

// NewPostgresPool wraps an existing pgx pool.
func NewPostgresPool(pool *pgxpool.Pool) *PostgresPool {
	return &PostgresPool{pool: pool}
}

func (w *PostgresPool) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

func (w *PostgresPool) Close() error {
	w.pool.Close()
	return nil
}

func (w *PostgresPool) GetType() string {
	return "postgres"
}

// Pool returns the underlying *pgxpool.Pool.
func (w *PostgresPool) Pool() *pgxpool.Pool {
	return w.pool
}

// SQLPool wraps *sql.DB for database/sql drivers (SQL Server, SQLite).
type SQLPool struct {
	db     *sql.DB
	dbType string
}

// NewSQLPool wraps an open *sql.DB.
func NewSQLPool(dbType string, db *sql.DB) *SQLPool {
	return &SQLPool{db: db, dbType: dbType}
}

func (w *SQLPool) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

func (w *SQLPool) Close() error {
	return w.db.Close()
}

func (w *SQLPool) GetType() string {
	return w.dbType
}

// DB returns the underlying *sql.DB.
func (w *SQLPool) DB() *sql.DB {
	return w.db
}

// GetPostgresPool extracts the *pgxpool.Pool from a connector.
func GetPostgresPool(connector PoolConnector) (*pgxpool.Pool, error) {
	wrapper, ok := connector.(*PostgresPool)
	if !ok {
		return nil, fmt.Errorf("connector is not a PostgreSQL pool")
	}
	return wrapper.Pool(), nil
}

// GetSQLDB extracts the *sql.DB from a connector.
func GetSQLDB(connector PoolConnector) (*sql.DB, error) {
	wrapper, ok := connector.(*SQLPool)
	if !ok {
		return nil, fmt.Errorf("connector is not a database/sql pool")
	}
	return wrapper.DB(), nil
}
