package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// MaterializeOptions bounds a materialization.
type MaterializeOptions struct {
	// MaxBytes is the estimated in-memory size ceiling. Zero means
	// unbounded; negative leaves no room for any row.
	MaxBytes int64
	// MaxRows limits the read to a sample of the partition. Zero reads all rows.
	MaxRows   int
	BatchRows int
	Allocator memory.Allocator
}

var errBudget = errors.New("materialization budget exceeded")

// Materialize reads the partition behind src into arrow batches and returns
// an in-memory runner over them. The source runner is not closed.
func Materialize(ctx context.Context, src datasource.Runner, columns []models.Column, opts MaterializeOptions) (*Runner, error) {
	alloc := opts.Allocator
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}

	d := src.Dialect()
	from := datasource.FromClause(d, src.Source())
	// Values are appended by position, so select exactly the resolved columns.
	list := datasource.SelectList(d, columns)
	query := fmt.Sprintf("SELECT %s FROM %s", list, from)
	if opts.MaxRows > 0 {
		query = d.SelectSample(list, from, opts.MaxRows)
	}

	b := newBatchBuilder(alloc, SchemaFor(columns), opts.BatchRows)
	var used int64
	err := src.Query(ctx, query, func(_ []string, values []any) error {
		used += datasource.EstimateRowBytes(values)
		if opts.MaxBytes != 0 && used > opts.MaxBytes {
			return errBudget
		}
		return b.append(values)
	})
	if err != nil {
		b.discard()
		if errors.Is(err, errBudget) {
			return nil, apperrors.NewResourceExhausted("materialize "+src.ID(), opts.MaxBytes, used)
		}
		return nil, fmt.Errorf("materialize %s: %w", src.ID(), err)
	}

	r := NewRunner(src.ID()+"#mem", src.Source().Table, columns, b.finish())
	r.estimated = used
	return r, nil
}
