package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// ordersDB writes a small orders table to a SQLite file and returns its path.
func ordersDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE orders (id INTEGER NOT NULL, name VARCHAR(20), amount NUMERIC, region VARCHAR(10))`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO orders VALUES
		(1, 'ab', 10, 'eu'),
		(2, 'abcd', 20, 'eu'),
		(3, NULL, 30, 'us'),
		(4, 'abcdef', NULL, 'us'),
		(5, 'a', 50, 'apac')`)
	require.NoError(t, err)
	return path
}

// partitions opens one runner per predicate, named p1, p2, ...
func partitions(t *testing.T, path string, predicates ...string) []datasource.Runner {
	t.Helper()
	runners := make([]datasource.Runner, 0, len(predicates))
	for i, p := range predicates {
		r, err := sqlite.NewRunner(context.Background(), &sqlite.Config{DSN: path}, datasource.Partition{
			ID:     fmt.Sprintf("p%d", i+1),
			Source: datasource.Source{Table: "orders", Predicate: p},
		}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		runners = append(runners, r)
	}
	return runners
}

func ordersColumns() []models.Column {
	return []models.Column{
		models.NewColumn("id", "INTEGER", false, 1),
		models.NewColumn("name", "VARCHAR(20)", true, 2),
		models.NewColumn("amount", "NUMERIC", true, 3),
		models.NewColumn("region", "VARCHAR(10)", true, 4),
	}
}

func column(t *testing.T, name string) models.Column {
	t.Helper()
	col, ok := models.FindColumn(ordersColumns(), name)
	require.True(t, ok)
	return col
}

// brokenRunner fails every statement.
type brokenRunner struct {
	datasource.Runner
	id  string
	err error
}

func broken(base datasource.Runner, id string) *brokenRunner {
	return &brokenRunner{Runner: base, id: id, err: errors.New("connection reset by peer")}
}

func (r *brokenRunner) ID() string { return r.id }

func (r *brokenRunner) Query(context.Context, string, datasource.RowVisitor) error {
	return r.err
}

func (r *brokenRunner) QueryRow(context.Context, string) ([]any, error) {
	return nil, r.err
}

// stuckRunner blocks until its context is done.
type stuckRunner struct {
	datasource.Runner
	id string
}

func (r *stuckRunner) ID() string { return r.id }

func (r *stuckRunner) Query(ctx context.Context, _ string, _ datasource.RowVisitor) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *stuckRunner) QueryRow(ctx context.Context, _ string) ([]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeCatalog records writes and fails the tables listed in failTables.
type fakeCatalog struct {
	mu         sync.Mutex
	schemas    map[string][]models.Column
	failTables map[string]error
	profiles   []*models.ProfilingResponse
	samples    map[string]*models.ResultSet
	runs       []*models.RunSummary
	upserts    map[string][]models.Column
	closed     int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		schemas:    make(map[string][]models.Column),
		failTables: make(map[string]error),
		samples:    make(map[string]*models.ResultSet),
		upserts:    make(map[string][]models.Column),
	}
}

func (c *fakeCatalog) FetchSchema(_ context.Context, table models.TableRef) ([]models.Column, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cols, ok := c.schemas[table.FQN()]
	if !ok {
		return nil, &apperrors.CatalogError{Kind: apperrors.CatalogNotFound, Op: "fetch_schema", StatusCode: 404, Err: errors.New("unknown table")}
	}
	return cols, nil
}

func (c *fakeCatalog) PersistProfile(_ context.Context, resp *models.ProfilingResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failTables[resp.Table.FQN()]; err != nil {
		return err
	}
	c.profiles = append(c.profiles, resp)
	return nil
}

func (c *fakeCatalog) PersistSample(_ context.Context, _ uuid.UUID, table models.TableRef, sample *models.ResultSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples[table.FQN()] = sample
	return nil
}

func (c *fakeCatalog) PersistRunStatus(_ context.Context, summary *models.RunSummary) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, summary)
	return nil
}

func (c *fakeCatalog) UpsertSchema(_ context.Context, table models.TableRef, columns []models.Column) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts[table.FQN()] = columns
	return nil
}

func (c *fakeCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeCatalog) profile(fqn string) *models.ProfilingResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.profiles {
		if p.Table.FQN() == fqn {
			return p
		}
	}
	return nil
}
