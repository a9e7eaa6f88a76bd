// Package catalog holds the clients the engine uses to read table schemas
// and persist profiling results, samples and run summaries.
package catalog

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Catalog is the external metadata store. Every failing operation returns
// a *apperrors.CatalogError so callers can tell auth, not-found, rate-limit
// and transport failures apart.
type Catalog interface {
	// FetchSchema returns the table's columns in ordinal order.
	FetchSchema(ctx context.Context, table models.TableRef) ([]models.Column, error)

	PersistProfile(ctx context.Context, resp *models.ProfilingResponse) error

	PersistSample(ctx context.Context, runID uuid.UUID, table models.TableRef, sample *models.ResultSet) error

	PersistRunStatus(ctx context.Context, summary *models.RunSummary) error

	// Close releases the transport. It is safe to call more than once.
	Close() error
}

// Type names a catalog implementation in configuration.
type Type string

const (
	TypeREST     Type = "rest"
	TypePostgres Type = "postgres"
)

// SchemaWriter is implemented by catalogs that can record a schema the
// engine discovered from the datasource itself.
type SchemaWriter interface {
	UpsertSchema(ctx context.Context, table models.TableRef, columns []models.Column) error
}
