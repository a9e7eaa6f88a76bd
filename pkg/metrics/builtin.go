package metrics

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/memory"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Built-in metric names.
const (
	RowCount           = "rowCount"
	ColumnCount        = "columnCount"
	ValuesCount        = "valuesCount"
	NullCount          = "nullCount"
	NullProportion     = "nullProportion"
	DistinctCount      = "distinctCount"
	DistinctProportion = "distinctProportion"
	Min                = "min"
	Max                = "max"
	Sum                = "sum"
	Mean               = "mean"
	StdDev             = "stdDev"
	MinLength          = "minLength"
	MaxLength          = "maxLength"
	Histogram          = "histogram"
)

// errNoScan tells a backend that the runner has nothing to contribute and
// the metric's zero partial stands.
var errNoScan = errors.New("nothing to scan")

// Builtins returns fresh definitions of every built-in metric.
func Builtins() []*Metric {
	return []*Metric{
		rowCountMetric(),
		columnCountMetric(),
		valuesCountMetric(),
		nullCountMetric(),
		proportionMetric(NullProportion, NullCount, RowCount, nil),
		distinctCountMetric(),
		proportionMetric(DistinctProportion, DistinctCount, ValuesCount, hashable),
		extremumMetric(Min, "MIN", less),
		extremumMetric(Max, "MAX", greater),
		sumMetric(Sum, func(p sumPartial) float64 { return p.sum.InexactFloat64() }),
		sumMetric(Mean, func(p sumPartial) float64 {
			return p.sum.Div(decimal.NewFromInt(p.n)).InexactFloat64()
		}),
		stdDevMetric(),
		lengthMetric(MinLength, "MIN", less, false),
		lengthMetric(MaxLength, "MAX", greater, true),
		histogramMetric(),
	}
}

func aggregate(bc BuildContext, exprs ...string) string {
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), bc.From)
}

func zeroCount(BuildContext) Partial { return int64(0) }

func foldCount(_ BuildContext, acc Partial, row []any) (Partial, error) {
	n, err := datasource.ToInt64(row[0])
	if err != nil {
		return nil, err
	}
	return acc.(int64) + n, nil
}

func finalizeCount(_ BuildContext, p Partial) models.MetricValue {
	return models.Computed(float64(p.(int64)))
}

func rowCountMetric() *Metric {
	return &Metric{
		Name: RowCount,
		Kind: TableMetric,
		Zero: zeroCount,
		Pushdown: func(bc BuildContext) (string, error) {
			return aggregate(bc, "COUNT(*)"), nil
		},
		Fold: foldCount,
		Reduce: func(_ BuildContext, _ arrow.Array, rows int) (Partial, error) {
			return int64(rows), nil
		},
		Merge:    mergeCount,
		Finalize: finalizeCount,
	}
}

func columnCountMetric() *Metric {
	return &Metric{
		Name: ColumnCount,
		Kind: TableMetric,
		Compose: func(in ComposeInput) models.MetricValue {
			return models.Computed(float64(len(in.Columns)))
		},
	}
}

func valuesCountMetric() *Metric {
	return &Metric{
		Name: ValuesCount,
		Kind: ColumnMetric,
		Zero: zeroCount,
		Pushdown: func(bc BuildContext) (string, error) {
			return aggregate(bc, fmt.Sprintf("COUNT(%s)", bc.Quoted)), nil
		},
		Fold: foldCount,
		Reduce: func(_ BuildContext, col arrow.Array, rows int) (Partial, error) {
			return int64(rows - col.NullN()), nil
		},
		Merge:    mergeCount,
		Finalize: finalizeCount,
	}
}

func nullCountMetric() *Metric {
	return &Metric{
		Name: NullCount,
		Kind: ColumnMetric,
		Zero: zeroCount,
		Pushdown: func(bc BuildContext) (string, error) {
			return aggregate(bc, fmt.Sprintf("COUNT(*) - COUNT(%s)", bc.Quoted)), nil
		},
		Fold: foldCount,
		Reduce: func(_ BuildContext, col arrow.Array, _ int) (Partial, error) {
			return int64(col.NullN()), nil
		},
		Merge:    mergeCount,
		Finalize: finalizeCount,
	}
}

// proportionMetric composes numerator / denominator. A zero denominator
// yields an empty value.
func proportionMetric(name, numerator, denominator string, applies func(models.Column) bool) *Metric {
	return &Metric{
		Name:     name,
		Kind:     ColumnMetric,
		Applies:  applies,
		Requires: []string{numerator, denominator},
		Compose: func(in ComposeInput) models.MetricValue {
			num, den := in.Deps[numerator], in.Deps[denominator]
			if v, stop := dependencyOutcome(num, den); stop {
				return v
			}
			n, _ := num.Number()
			d, ok := den.Number()
			out := models.Empty()
			if ok && d != 0 {
				out = models.Computed(n / d)
			}
			out.Incomplete = num.Incomplete || den.Incomplete
			return out
		},
	}
}

// dependencyOutcome propagates a dependency that is not a usable measurement.
func dependencyOutcome(deps ...models.MetricValue) (models.MetricValue, bool) {
	for _, d := range deps {
		switch d.Status {
		case models.ValueNotComputable:
			return models.NotComputable(d.Error), true
		case models.ValueFailed:
			return models.Failed(fmt.Errorf("dependency failed: %s", d.Error)), true
		case "":
			return models.Failed(errors.New("dependency missing")), true
		}
	}
	return models.MetricValue{}, false
}

func distinctCountMetric() *Metric {
	return &Metric{
		Name:    DistinctCount,
		Kind:    ColumnMetric,
		Applies: hashable,
		Zero: func(bc BuildContext) Partial {
			return newDistinctSet(bc.Options.DistinctExactLimit)
		},
		Pushdown: func(bc BuildContext) (string, error) {
			return fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL", bc.Quoted, bc.From, bc.Quoted), nil
		},
		Fold: func(_ BuildContext, acc Partial, row []any) (Partial, error) {
			if row[0] != nil {
				acc.(*distinctSet).add(hashValue(row[0]))
			}
			return acc, nil
		},
		Reduce: func(bc BuildContext, col arrow.Array, rows int) (Partial, error) {
			set := newDistinctSet(bc.Options.DistinctExactLimit)
			for i := 0; i < rows; i++ {
				if v := memory.ValueAt(col, i); v != nil {
					set.add(hashValue(v))
				}
			}
			return set, nil
		},
		Merge: mergeDistinct,
		Finalize: func(_ BuildContext, p Partial) models.MetricValue {
			return models.Computed(float64(p.(*distinctSet).count()))
		},
	}
}

func zeroExtremum(BuildContext) Partial { return extremum{} }

func finalizeExtremum(_ BuildContext, p Partial) models.MetricValue {
	e := p.(extremum)
	if !e.set {
		return models.Empty()
	}
	return models.Computed(e.v)
}

func extremumMetric(name, fn string, keep func(old, new float64) bool) *Metric {
	return &Metric{
		Name:    name,
		Kind:    ColumnMetric,
		Applies: numeric,
		Zero:    zeroExtremum,
		Pushdown: func(bc BuildContext) (string, error) {
			return aggregate(bc, fmt.Sprintf("%s(%s)", fn, bc.Quoted)), nil
		},
		Fold: func(_ BuildContext, acc Partial, row []any) (Partial, error) {
			v, ok, err := datasource.ToFloat64(row[0])
			if err != nil || !ok {
				return acc, err
			}
			return acc.(extremum).observe(v, keep), nil
		},
		Reduce: func(_ BuildContext, col arrow.Array, rows int) (Partial, error) {
			e := extremum{}
			for i := 0; i < rows; i++ {
				v, ok, err := datasource.ToFloat64(memory.ValueAt(col, i))
				if err != nil {
					return nil, err
				}
				if ok {
					e = e.observe(v, keep)
				}
			}
			return e, nil
		},
		Merge:    mergeExtremum(keep),
		Finalize: finalizeExtremum,
	}
}

func sumMetric(name string, value func(sumPartial) float64) *Metric {
	return &Metric{
		Name:    name,
		Kind:    ColumnMetric,
		Applies: numeric,
		Zero:    func(BuildContext) Partial { return sumPartial{} },
		Pushdown: func(bc BuildContext) (string, error) {
			return aggregate(bc,
				bc.Dialect.Sum(bc.Quoted, bc.Column.DataType),
				fmt.Sprintf("COUNT(%s)", bc.Quoted),
			), nil
		},
		Fold: func(_ BuildContext, acc Partial, row []any) (Partial, error) {
			sum, _, err := datasource.ToDecimal(row[0])
			if err != nil {
				return nil, err
			}
			n, err := datasource.ToInt64(row[1])
			if err != nil {
				return nil, err
			}
			return mergeSum(acc, sumPartial{sum: sum, n: n}), nil
		},
		Reduce: func(_ BuildContext, col arrow.Array, rows int) (Partial, error) {
			p := sumPartial{}
			for i := 0; i < rows; i++ {
				d, ok, err := datasource.ToDecimal(memory.ValueAt(col, i))
				if err != nil {
					return nil, err
				}
				if ok {
					p.sum = p.sum.Add(d)
					p.n++
				}
			}
			return p, nil
		},
		Merge: mergeSum,
		Finalize: func(_ BuildContext, p Partial) models.MetricValue {
			sp := p.(sumPartial)
			if sp.n == 0 {
				return models.Empty()
			}
			return models.Computed(value(sp))
		},
	}
}

func stdDevMetric() *Metric {
	return &Metric{
		Name:    StdDev,
		Kind:    ColumnMetric,
		Applies: numeric,
		Zero:    func(BuildContext) Partial { return moments{} },
		Pushdown: func(bc BuildContext) (string, error) {
			f := bc.Dialect.Float(bc.Quoted)
			return aggregate(bc,
				fmt.Sprintf("COUNT(%s)", bc.Quoted),
				fmt.Sprintf("SUM(%s)", f),
				fmt.Sprintf("SUM(%s * %s)", f, f),
			), nil
		},
		Fold: func(_ BuildContext, acc Partial, row []any) (Partial, error) {
			n, err := datasource.ToInt64(row[0])
			if err != nil {
				return nil, err
			}
			sum, _, err := datasource.ToDecimal(row[1])
			if err != nil {
				return nil, err
			}
			sumSq, _, err := datasource.ToDecimal(row[2])
			if err != nil {
				return nil, err
			}
			return mergeMoments(acc, moments{n: n, sum: sum, sumSq: sumSq}), nil
		},
		Reduce: func(_ BuildContext, col arrow.Array, rows int) (Partial, error) {
			m := moments{}
			for i := 0; i < rows; i++ {
				d, ok, err := datasource.ToDecimal(memory.ValueAt(col, i))
				if err != nil {
					return nil, err
				}
				if ok {
					m = m.observe(d)
				}
			}
			return m, nil
		},
		Merge: mergeMoments,
		Finalize: func(_ BuildContext, p Partial) models.MetricValue {
			sd, ok := p.(moments).stdDev()
			if !ok {
				return models.Empty()
			}
			return models.Computed(sd)
		},
	}
}

// lengthMetric measures string lengths in characters. With nullAsEmpty,
// nulls count as the empty string; otherwise they are skipped. Both
// match the pushdown aggregate: MAX ignores nulls and 0 never wins it.
func lengthMetric(name, fn string, keep func(old, new float64) bool, nullAsEmpty bool) *Metric {
	return &Metric{
		Name:    name,
		Kind:    ColumnMetric,
		Applies: concatenable,
		Zero:    zeroExtremum,
		Pushdown: func(bc BuildContext) (string, error) {
			if !bc.Column.Concatenable {
				return "", fmt.Errorf("%s on %s (%s): %w", name, bc.Column.Name, bc.Column.DataType, apperrors.ErrNotComputable)
			}
			return aggregate(bc, fmt.Sprintf("%s(%s)", fn, bc.Dialect.Length(bc.Quoted))), nil
		},
		Fold: func(_ BuildContext, acc Partial, row []any) (Partial, error) {
			v, ok, err := datasource.ToFloat64(row[0])
			if err != nil || !ok {
				return acc, err
			}
			return acc.(extremum).observe(v, keep), nil
		},
		Reduce: func(bc BuildContext, col arrow.Array, rows int) (Partial, error) {
			strs, ok := col.(*array.String)
			if !ok {
				return nil, fmt.Errorf("%s on %s (arrow %s): %w", name, bc.Column.Name, col.DataType(), apperrors.ErrNotComputable)
			}
			e := extremum{}
			for i := 0; i < rows; i++ {
				s := ""
				if strs.IsNull(i) {
					if !nullAsEmpty {
						continue
					}
				} else {
					s = strs.Value(i)
				}
				e = e.observe(float64(utf8.RuneCountInString(s)), keep)
			}
			return e, nil
		},
		Merge: mergeExtremum(keep),
		Finalize: func(_ BuildContext, p Partial) models.MetricValue {
			e := p.(extremum)
			if !e.set {
				return models.Computed(0)
			}
			return models.Computed(e.v)
		},
	}
}

// histogramShape derives equal-width buckets from the merged min and max.
func histogramShape(bc BuildContext) (lo, width float64, bins int, ok bool) {
	lo, okMin := bc.Deps[Min].Number()
	hi, okMax := bc.Deps[Max].Number()
	if !okMin || !okMax {
		return 0, 0, 0, false
	}
	if hi == lo {
		return lo, 0, 1, true
	}
	bins = bc.Options.HistogramBins
	return lo, (hi - lo) / float64(bins), bins, true
}

func bucketOf(v, lo, width float64, bins int) int {
	if width == 0 {
		return 0
	}
	idx := int(math.Floor((v - lo) / width))
	if idx < 0 {
		return 0
	}
	if idx >= bins {
		return bins - 1
	}
	return idx
}

func histogramMetric() *Metric {
	return &Metric{
		Name:     Histogram,
		Kind:     ColumnMetric,
		Applies:  numeric,
		Requires: []string{Min, Max},
		Zero: func(bc BuildContext) Partial {
			_, _, bins, _ := histogramShape(bc)
			return make(histogramPartial, bins)
		},
		Pushdown: func(bc BuildContext) (string, error) {
			lo, width, _, ok := histogramShape(bc)
			if !ok {
				return "", errNoScan
			}
			if width == 0 {
				return aggregate(bc, "0", fmt.Sprintf("COUNT(%s)", bc.Quoted)), nil
			}
			bucket := bc.Dialect.Floor(fmt.Sprintf("(%s - %s) / %s",
				bc.Dialect.Float(bc.Quoted), datasource.FloatLiteral(lo), datasource.FloatLiteral(width)))
			return fmt.Sprintf("SELECT %s AS bucket, COUNT(*) AS frequency FROM %s WHERE %s IS NOT NULL GROUP BY %s",
				bucket, bc.From, bc.Quoted, bucket), nil
		},
		Fold: func(bc BuildContext, acc Partial, row []any) (Partial, error) {
			_, _, bins, _ := histogramShape(bc)
			idx, err := datasource.ToInt64(row[0])
			if err != nil {
				return nil, err
			}
			n, err := datasource.ToInt64(row[1])
			if err != nil {
				return nil, err
			}
			h := acc.(histogramPartial)
			switch {
			case idx < 0:
				idx = 0
			case int(idx) >= bins:
				idx = int64(bins - 1)
			}
			h[idx] += n
			return h, nil
		},
		Reduce: func(bc BuildContext, col arrow.Array, rows int) (Partial, error) {
			lo, width, bins, ok := histogramShape(bc)
			h := make(histogramPartial, bins)
			if !ok {
				return h, nil
			}
			for i := 0; i < rows; i++ {
				v, present, err := datasource.ToFloat64(memory.ValueAt(col, i))
				if err != nil {
					return nil, err
				}
				if present {
					h[bucketOf(v, lo, width, bins)]++
				}
			}
			return h, nil
		},
		Merge: mergeHistogram,
		Finalize: func(bc BuildContext, p Partial) models.MetricValue {
			lo, width, bins, ok := histogramShape(bc)
			if !ok {
				return models.Empty()
			}
			hi, _ := bc.Deps[Max].Number()
			boundaries := make([]float64, bins+1)
			for i := range boundaries {
				boundaries[i] = lo + float64(i)*width
			}
			boundaries[bins] = hi
			out := models.MetricValue{
				Status:    models.ValueComputed,
				Histogram: &models.Histogram{Boundaries: boundaries, Frequencies: p.(histogramPartial)},
			}
			out.Incomplete = bc.Deps[Min].Incomplete || bc.Deps[Max].Incomplete
			return out
		},
	}
}
