package services

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/metrics"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/telemetry"
	"github.com/ekaya-inc/ekaya-quality/pkg/validations"
)

// TableSession binds one table's columns and runners for a profiling pass.
// Metric values are memoized, so rules reuse what the profile already
// computed and ask for the rest on demand.
type TableSession struct {
	table    models.TableRef
	columns  []models.Column
	runners  []datasource.Runner
	coord    PartitionCoordinator
	registry *metrics.Registry
	opts     metrics.Options
	recorder telemetry.Recorder
	logger   *zap.Logger

	mu      sync.Mutex
	results *models.MetricResultSet
}

// SessionDeps groups what a session computes with.
type SessionDeps struct {
	Coordinator PartitionCoordinator
	Registry    *metrics.Registry
	Options     metrics.Options
	Recorder    telemetry.Recorder
	Logger      *zap.Logger
}

// NewTableSession creates a session. The runners stay owned by the caller.
func NewTableSession(table models.TableRef, columns []models.Column, runners []datasource.Runner, deps SessionDeps) *TableSession {
	recorder := deps.Recorder
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	return &TableSession{
		table:    table,
		columns:  columns,
		runners:  runners,
		coord:    deps.Coordinator,
		registry: deps.Registry,
		opts:     deps.Options,
		recorder: recorder,
		logger:   deps.Logger.Named("session").With(zap.String("table", table.FQN())),
		results:  models.NewMetricResultSet(),
	}
}

var _ validations.Env = (*TableSession)(nil)

func (s *TableSession) Table() models.TableRef           { return s.table }
func (s *TableSession) Columns() []models.Column         { return s.columns }
func (s *TableSession) Runners() []datasource.Runner     { return s.runners }
func (s *TableSession) Registry() *metrics.Registry      { return s.registry }
func (s *TableSession) Results() *models.MetricResultSet { return s.results }

// Metric returns the memoized value of a metric, computing it and its
// requirements first when needed. The column is ignored for table metrics.
func (s *TableSession) Metric(ctx context.Context, column, name string) (models.MetricValue, error) {
	m, err := s.registry.Resolve(name)
	if err != nil {
		return models.MetricValue{}, err
	}

	var col models.Column
	if m.Kind == metrics.ColumnMetric {
		if column == "" {
			return models.MetricValue{}, fmt.Errorf("%s is a column metric and needs a column: %w", name, apperrors.ErrInvalidParameter)
		}
		var ok bool
		col, ok = models.FindColumn(s.columns, column)
		if !ok {
			return models.MetricValue{}, fmt.Errorf("column %q not found in %s: %w", column, s.table.FQN(), apperrors.ErrInvalidParameter)
		}
	}

	if v, ok := s.lookup(col.Name, name); ok {
		return v, nil
	}

	v := s.compute(ctx, m, col)

	s.mu.Lock()
	defer s.mu.Unlock()
	if col.Name == "" {
		s.results.SetTable(name, v)
	} else {
		s.results.SetColumn(col.Name, name, v)
	}
	return v, nil
}

func (s *TableSession) lookup(column, name string) (models.MetricValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results.Get(column, name)
}

func (s *TableSession) compute(ctx context.Context, m *metrics.Metric, col models.Column) (mv models.MetricValue) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Metric computation panicked",
				zap.String("metric", m.Name),
				zap.String("column", col.Name),
				zap.Any("panic", p))
			mv = models.Failed(fmt.Errorf("panic computing %s: %v", m.Name, p))
		}
	}()

	if !m.AppliesTo(col) {
		s.logger.Debug("Metric does not apply to column type",
			zap.String("metric", m.Name),
			zap.String("column", col.Name),
			zap.String("data_type", string(col.DataType)))
		mv = models.NotComputable(fmt.Sprintf("%s does not apply to %s column %s", m.Name, col.DataType, col.Name))
		s.recorder.MetricComputed(m.Name, string(mv.Status))
		return mv
	}

	deps := make(map[string]models.MetricValue, len(m.Requires))
	for _, dep := range m.Requires {
		dv, err := s.Metric(ctx, col.Name, dep)
		if err != nil {
			return models.Failed(fmt.Errorf("requirement %s: %w", dep, err))
		}
		deps[dep] = dv
	}

	if m.Composed() {
		mv = m.Compose(metrics.ComposeInput{Deps: deps, Columns: s.columns, Options: s.opts})
		s.recorder.MetricComputed(m.Name, string(mv.Status))
		return mv
	}
	return s.coord.ComputeMetric(ctx, m, col, deps, s.runners)
}

// CustomQuery concatenates a free-form query over every runner.
func (s *TableSession) CustomQuery(ctx context.Context, query string) (*models.ResultSet, error) {
	return s.coord.Concat(ctx, query, s.runners)
}

// ScalarSum sums a per-partition scalar query over every runner.
func (s *TableSession) ScalarSum(ctx context.Context, q validations.ScalarQuery) (models.MetricValue, error) {
	return s.coord.ScalarSum(ctx, q, s.runners), nil
}
