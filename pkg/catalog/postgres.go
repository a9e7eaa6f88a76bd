package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/database"
	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// PostgresStore keeps the catalog in a PostgreSQL database migrated by
// pkg/database.
type PostgresStore struct {
	db        *database.DB
	logger    *zap.Logger
	closeOnce sync.Once
}

// NewPostgresStore wraps an open database. The store owns db and closes it.
func NewPostgresStore(db *database.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger.Named("catalog")}
}

// OpenPostgresStore connects and applies migrations.
func OpenPostgresStore(ctx context.Context, cfg *database.Config, logger *zap.Logger) (*PostgresStore, error) {
	db, err := database.NewConnection(ctx, cfg)
	if err != nil {
		return nil, &apperrors.CatalogError{Kind: apperrors.CatalogTransport, Op: "connect", Err: errors.New(logging.SanitizeError(err))}
	}
	if err := db.Migrate(logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog store: %w", err)
	}
	return NewPostgresStore(db, logger), nil
}

var _ Catalog = (*PostgresStore)(nil)

// storeError classifies a database failure. Permission failures map to
// auth; everything else is transport.
func storeError(op string, err error) error {
	kind := apperrors.CatalogTransport
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "42501" || pgErr.Code == "28000" || pgErr.Code == "28P01") {
		kind = apperrors.CatalogAuth
	}
	return &apperrors.CatalogError{Kind: kind, Op: op, Err: err}
}

// UpsertSchema records a table's columns. It replaces any previous set.
func (s *PostgresStore) UpsertSchema(ctx context.Context, table models.TableRef, columns []models.Column) error {
	const op = "upsert_schema"
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storeError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM quality_table_columns WHERE table_fqn = $1`, table.FQN()); err != nil {
		return storeError(op, err)
	}

	batch := &pgx.Batch{}
	for i, col := range columns {
		batch.Queue(`
			INSERT INTO quality_table_columns (table_fqn, column_name, raw_type, nullable, ordinal_position)
			VALUES ($1, $2, $3, $4, $5)`,
			table.FQN(), col.Name, col.RawType, col.Nullable, i+1)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return storeError(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *PostgresStore) FetchSchema(ctx context.Context, table models.TableRef) ([]models.Column, error) {
	const op = "fetch_schema"
	rows, err := s.db.Query(ctx, `
		SELECT column_name, raw_type, nullable, ordinal_position
		FROM quality_table_columns
		WHERE table_fqn = $1
		ORDER BY ordinal_position`, table.FQN())
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	var columns []models.Column
	for rows.Next() {
		var (
			name, rawType string
			nullable      bool
			ordinal       int
		)
		if err := rows.Scan(&name, &rawType, &nullable, &ordinal); err != nil {
			return nil, storeError(op, err)
		}
		columns = append(columns, models.NewColumn(name, rawType, nullable, ordinal))
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}

	if len(columns) == 0 {
		return nil, &apperrors.CatalogError{
			Kind: apperrors.CatalogNotFound,
			Op:   op,
			Err:  fmt.Errorf("no columns recorded for %s", table.FQN()),
		}
	}
	return columns, nil
}

func (s *PostgresStore) PersistProfile(ctx context.Context, resp *models.ProfilingResponse) error {
	const op = "persist_profile"
	metricsJSON, err := json.Marshal(resp.Metrics)
	if err != nil {
		return storeError(op, fmt.Errorf("encode metrics: %w", err))
	}
	verdicts := resp.Verdicts
	if verdicts == nil {
		verdicts = []models.Verdict{}
	}
	verdictsJSON, err := json.Marshal(verdicts)
	if err != nil {
		return storeError(op, fmt.Errorf("encode verdicts: %w", err))
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO quality_profiles (run_id, table_fqn, metrics, verdicts, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, table_fqn) DO UPDATE
		SET metrics = EXCLUDED.metrics,
		    verdicts = EXCLUDED.verdicts,
		    started_at = EXCLUDED.started_at,
		    duration_ms = EXCLUDED.duration_ms`,
		resp.RunID, resp.Table.FQN(), metricsJSON, verdictsJSON, resp.StartedAt, resp.Duration.Milliseconds())
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *PostgresStore) PersistSample(ctx context.Context, runID uuid.UUID, table models.TableRef, sample *models.ResultSet) error {
	const op = "persist_sample"
	columnsJSON, err := json.Marshal(sample.Columns)
	if err != nil {
		return storeError(op, fmt.Errorf("encode columns: %w", err))
	}
	rowsJSON, err := json.Marshal(sample.Rows)
	if err != nil {
		return storeError(op, fmt.Errorf("encode rows: %w", err))
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO quality_samples (run_id, table_fqn, columns, rows)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, table_fqn) DO UPDATE
		SET columns = EXCLUDED.columns, rows = EXCLUDED.rows`,
		runID, table.FQN(), columnsJSON, rowsJSON)
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *PostgresStore) PersistRunStatus(ctx context.Context, summary *models.RunSummary) error {
	const op = "persist_run_status"
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return storeError(op, fmt.Errorf("encode summary: %w", err))
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO quality_runs (run_id, started_at, finished_at, succeeded, failed, aborted, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE
		SET finished_at = EXCLUDED.finished_at,
		    succeeded = EXCLUDED.succeeded,
		    failed = EXCLUDED.failed,
		    aborted = EXCLUDED.aborted,
		    summary = EXCLUDED.summary`,
		summary.RunID, summary.StartedAt, summary.FinishedAt,
		summary.Succeeded, summary.Failed, summary.Aborted, summaryJSON)
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.closeOnce.Do(s.db.Close)
	return nil
}
