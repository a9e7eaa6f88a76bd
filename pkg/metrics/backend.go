package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
)

// Backend computes one runner's partial for a reduced metric.
type Backend interface {
	Name() string
	Partial(ctx context.Context, m *Metric, bc BuildContext, r datasource.Runner) (Partial, error)
}

// BackendFor selects the in-memory backend for runners that hold arrow
// batches and the pushdown backend otherwise.
func BackendFor(r datasource.Runner) Backend {
	if _, ok := r.(datasource.InMemoryRunner); ok {
		return InMemory{}
	}
	return Pushdown{}
}

// Pushdown translates a metric into the runner's SQL dialect.
type Pushdown struct{}

func (Pushdown) Name() string { return "pushdown" }

func (Pushdown) Partial(ctx context.Context, m *Metric, bc BuildContext, r datasource.Runner) (Partial, error) {
	acc := m.Zero(bc)

	query, err := m.Pushdown(bc)
	if errors.Is(err, errNoScan) {
		return acc, nil
	}
	if err != nil {
		return nil, err
	}

	err = r.Query(ctx, query, func(_ []string, row []any) error {
		var foldErr error
		acc, foldErr = m.Fold(bc, acc, row)
		return foldErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	return acc, nil
}

// InMemory reduces each arrow batch and merges the batch partials with the
// metric's merge function.
type InMemory struct{}

func (InMemory) Name() string { return "in_memory" }

func (InMemory) Partial(ctx context.Context, m *Metric, bc BuildContext, r datasource.Runner) (Partial, error) {
	mr, ok := r.(datasource.InMemoryRunner)
	if !ok {
		return nil, fmt.Errorf("runner %s holds no in-memory batches", r.ID())
	}

	colIdx := -1
	if m.Kind == ColumnMetric {
		indices := mr.Schema().FieldIndices(bc.Column.Name)
		if len(indices) == 0 {
			return nil, fmt.Errorf("column %s not in batches of %s: %w", bc.Column.Name, r.ID(), apperrors.ErrNotFound)
		}
		colIdx = indices[0]
	}

	acc := m.Zero(bc)
	for _, rec := range mr.Batches() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var col arrow.Array
		if colIdx >= 0 {
			col = rec.Column(colIdx)
		}
		p, err := m.Reduce(bc, col, int(rec.NumRows()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		acc = m.Merge(acc, p)
	}
	return acc, nil
}
