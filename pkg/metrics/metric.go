// Package metrics defines data-quality metrics once and computes them on
// either a pushdown runner or an in-memory runner. Every metric carries its
// own merge function so per-partition partials combine the same way on
// both backends.
package metrics

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Kind says whether a metric describes a whole table or one column.
type Kind int

const (
	TableMetric Kind = iota
	ColumnMetric
)

func (k Kind) String() string {
	if k == TableMetric {
		return "table"
	}
	return "column"
}

// Partial is one runner's reduced state for a metric. Its concrete type is
// private to the metric that produced it.
type Partial any

// Options tune metrics that need sizing.
type Options struct {
	HistogramBins      int
	DistinctExactLimit int
}

// DefaultOptions returns the options used when a table configures none.
func DefaultOptions() Options {
	return Options{HistogramBins: 10, DistinctExactLimit: 100_000}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HistogramBins <= 0 {
		o.HistogramBins = d.HistogramBins
	}
	if o.DistinctExactLimit <= 0 {
		o.DistinctExactLimit = d.DistinctExactLimit
	}
	return o
}

// BuildContext is what a metric sees when it runs against one runner.
type BuildContext struct {
	Dialect datasource.Dialect
	// From is the rendered FROM target of the runner's partition.
	From string
	// Column is zero for table metrics.
	Column models.Column
	// Quoted is the dialect-quoted column identifier.
	Quoted string
	// Deps holds the merged values of the metric's requirements.
	Deps    map[string]models.MetricValue
	Options Options
}

// NewBuildContext prepares a context for running against r.
func NewBuildContext(r datasource.Runner, col models.Column, deps map[string]models.MetricValue, opts Options) BuildContext {
	d := r.Dialect()
	bc := BuildContext{
		Dialect: d,
		From:    datasource.FromClause(d, r.Source()),
		Column:  col,
		Deps:    deps,
		Options: opts.withDefaults(),
	}
	if col.Name != "" {
		bc.Quoted = d.QuoteIdentifier(col.Name)
	}
	return bc
}

// ComposeInput feeds a composed metric.
type ComposeInput struct {
	Deps    map[string]models.MetricValue
	Columns []models.Column
	Options Options
}

// Metric is an immutable metric definition.
//
// A metric is either composed (Compose set; computed from other metric
// values without touching runners) or reduced (Zero, Pushdown, Fold, Reduce,
// Merge and Finalize set).
type Metric struct {
	Name string
	Kind Kind
	// Applies reports whether the metric is defined for a column. Nil
	// means every column.
	Applies func(models.Column) bool
	// Requires lists metrics whose merged values must exist first.
	Requires []string

	Compose func(in ComposeInput) models.MetricValue

	// Zero returns the neutral partial.
	Zero func(bc BuildContext) Partial
	// Pushdown renders the query one runner executes.
	Pushdown func(bc BuildContext) (string, error)
	// Fold reduces one pushdown result row into acc.
	Fold func(bc BuildContext, acc Partial, row []any) (Partial, error)
	// Reduce computes the partial of one arrow batch. col is nil for
	// table metrics.
	Reduce func(bc BuildContext, col arrow.Array, rows int) (Partial, error)
	// Merge combines two partials. It must be associative and commutative.
	// It may modify and return a; b is left untouched.
	Merge func(a, b Partial) Partial
	// Finalize turns a merged partial into the reported value.
	Finalize func(bc BuildContext, p Partial) models.MetricValue
}

// Composed reports whether the metric is computed from other metrics only.
func (m *Metric) Composed() bool {
	return m.Compose != nil
}

// AppliesTo reports whether m is defined for col. Table metrics apply to
// the zero column only.
func (m *Metric) AppliesTo(col models.Column) bool {
	if m.Kind == TableMetric {
		return col.Name == ""
	}
	if m.Applies == nil {
		return true
	}
	return m.Applies(col)
}

// Applicability predicates.

func numeric(c models.Column) bool      { return c.DataType.IsNumeric() }
func concatenable(c models.Column) bool { return c.Concatenable }

// hashable excludes types whose values have no stable canonical form.
func hashable(c models.Column) bool {
	switch c.DataType {
	case models.DataTypeJSON, models.DataTypeArray, models.DataTypeStruct, models.DataTypeUnknown:
		return false
	}
	return true
}
