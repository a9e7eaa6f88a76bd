package metrics

import (
	"encoding/binary"
	"math"

	"github.com/axiomhq/hyperloglog"
	"github.com/shopspring/decimal"
	"github.com/zeebo/xxh3"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
)

// count partials are plain int64.

func mergeCount(a, b Partial) Partial {
	return a.(int64) + b.(int64)
}

// extremum is a min or max with an explicit "seen anything" flag so an
// empty partition never contributes a fake zero.
type extremum struct {
	v   float64
	set bool
}

func (e extremum) observe(v float64, keep func(old, new float64) bool) extremum {
	if !e.set || keep(e.v, v) {
		return extremum{v: v, set: true}
	}
	return e
}

func greater(old, new float64) bool { return new > old }
func less(old, new float64) bool    { return new < old }

func mergeExtremum(keep func(old, new float64) bool) func(a, b Partial) Partial {
	return func(a, b Partial) Partial {
		ea, eb := a.(extremum), b.(extremum)
		if !eb.set {
			return ea
		}
		return ea.observe(eb.v, keep)
	}
}

// sumPartial is an exact sum plus the number of summed values.
type sumPartial struct {
	sum decimal.Decimal
	n   int64
}

func mergeSum(a, b Partial) Partial {
	sa, sb := a.(sumPartial), b.(sumPartial)
	return sumPartial{sum: sa.sum.Add(sb.sum), n: sa.n + sb.n}
}

// moments carries count, sum and sum of squares for the population
// standard deviation.
type moments struct {
	n     int64
	sum   decimal.Decimal
	sumSq decimal.Decimal
}

func (m moments) observe(v decimal.Decimal) moments {
	return moments{n: m.n + 1, sum: m.sum.Add(v), sumSq: m.sumSq.Add(v.Mul(v))}
}

func mergeMoments(a, b Partial) Partial {
	ma, mb := a.(moments), b.(moments)
	return moments{n: ma.n + mb.n, sum: ma.sum.Add(mb.sum), sumSq: ma.sumSq.Add(mb.sumSq)}
}

func (m moments) stdDev() (float64, bool) {
	if m.n == 0 {
		return 0, false
	}
	n := decimal.NewFromInt(m.n)
	mean := m.sum.Div(n)
	variance := m.sumSq.Div(n).Sub(mean.Mul(mean)).InexactFloat64()
	if variance < 0 {
		variance = 0 // rounding on near-constant columns
	}
	return math.Sqrt(variance), true
}

// distinctSet counts distinct values exactly by 64-bit hash until it holds
// more than limit hashes, then switches to a HyperLogLog sketch.
type distinctSet struct {
	exact  map[uint64]struct{}
	sketch *hyperloglog.Sketch
	limit  int
}

func newDistinctSet(limit int) *distinctSet {
	return &distinctSet{exact: make(map[uint64]struct{}), limit: limit}
}

// hashValue hashes the canonical form so equal values read through
// different drivers collide.
func hashValue(v any) uint64 {
	return xxh3.HashString(datasource.CanonicalKey(v))
}

func (d *distinctSet) add(h uint64) {
	if d.sketch != nil {
		d.sketch.Insert(hashBytes(h))
		return
	}
	d.exact[h] = struct{}{}
	if len(d.exact) > d.limit {
		d.promote()
	}
}

func (d *distinctSet) promote() {
	d.sketch = hyperloglog.New16()
	for h := range d.exact {
		d.sketch.Insert(hashBytes(h))
	}
	d.exact = nil
}

func (d *distinctSet) count() uint64 {
	if d.sketch != nil {
		return d.sketch.Estimate()
	}
	return uint64(len(d.exact))
}

func (d *distinctSet) exactCount() bool {
	return d.sketch == nil
}

func hashBytes(h uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], h)
	return b[:]
}

func mergeDistinct(a, b Partial) Partial {
	da, db := a.(*distinctSet), b.(*distinctSet)
	switch {
	case db.sketch == nil:
		for h := range db.exact {
			da.add(h)
		}
	default:
		if da.sketch == nil {
			da.promote()
		}
		_ = da.sketch.Merge(db.sketch) // both sketches use the same precision
	}
	return da
}

// histogramPartial holds per-bucket counts.
type histogramPartial []int64

func mergeHistogram(a, b Partial) Partial {
	ha, hb := a.(histogramPartial), b.(histogramPartial)
	if len(ha) < len(hb) {
		ha, hb = hb, ha
	}
	out := make(histogramPartial, len(ha))
	copy(out, ha)
	for i, n := range hb {
		out[i] += n
	}
	return out
}
