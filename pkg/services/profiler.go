package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/metrics"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// TableProfiler computes the requested metrics for every column of a table.
type TableProfiler interface {
	// Profile plans the requested metrics (all registered metrics when
	// empty) and computes them through the session. Inapplicable or failed
	// metrics are recorded as such; only an invalid request is an error.
	Profile(ctx context.Context, s *TableSession, requested []string) (*models.MetricResultSet, error)
}

type tableProfiler struct {
	logger *zap.Logger
}

func NewTableProfiler(logger *zap.Logger) TableProfiler {
	return &tableProfiler{logger: logger.Named("profiler")}
}

var _ TableProfiler = (*tableProfiler)(nil)

func (p *tableProfiler) Profile(ctx context.Context, s *TableSession, requested []string) (*models.MetricResultSet, error) {
	plan, err := s.Registry().Plan(requested)
	if err != nil {
		return nil, fmt.Errorf("plan metrics for %s: %w", s.Table().FQN(), err)
	}

	var tableMetrics, columnMetrics []*metrics.Metric
	for _, m := range plan {
		if m.Kind == metrics.TableMetric {
			tableMetrics = append(tableMetrics, m)
		} else {
			columnMetrics = append(columnMetrics, m)
		}
	}

	for _, m := range tableMetrics {
		if err := ctx.Err(); err != nil {
			return s.Results(), err
		}
		if _, err := s.Metric(ctx, "", m.Name); err != nil {
			return nil, err
		}
	}

	for _, col := range s.Columns() {
		for _, m := range columnMetrics {
			if err := ctx.Err(); err != nil {
				return s.Results(), err
			}
			if _, err := s.Metric(ctx, col.Name, m.Name); err != nil {
				return nil, err
			}
		}
	}

	counts := s.Results().Counts()
	p.logger.Debug("Profiled table",
		zap.String("table", s.Table().FQN()),
		zap.Int("columns", len(s.Columns())),
		zap.Int("computed", counts.Computed),
		zap.Int("not_computable", counts.NotComputable),
		zap.Int("failed", counts.Failed),
		zap.Int("incomplete", counts.Incomplete))

	return s.Results(), nil
}
