package models

// ValueStatus says whether a metric value is a real measurement.
type ValueStatus string

const (
	ValueComputed      ValueStatus = "computed"
	ValueNotComputable ValueStatus = "not_computable"
	ValueFailed        ValueStatus = "failed"
)

// Histogram is a set of ordered bucket boundaries with parallel frequencies.
// Boundaries has one more element than Frequencies.
type Histogram struct {
	Boundaries  []float64 `json:"boundaries"`
	Frequencies []int64   `json:"frequencies"`
}

// MetricValue is the outcome of computing one metric for one column or table.
//
// A Computed value with a nil Value means the metric had no observations
// (for example max over a column that only holds nulls).
type MetricValue struct {
	Status        ValueStatus `json:"status"`
	Value         *float64    `json:"value,omitempty"`
	Histogram     *Histogram  `json:"histogram,omitempty"`
	Incomplete    bool        `json:"incomplete,omitempty"`
	FailedRunners []string    `json:"failed_runners,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Computed builds a computed scalar value.
func Computed(v float64) MetricValue {
	return MetricValue{Status: ValueComputed, Value: &v}
}

// Empty builds a computed value without observations.
func Empty() MetricValue {
	return MetricValue{Status: ValueComputed}
}

// NotComputable builds the explicit marker for an inapplicable metric.
func NotComputable(reason string) MetricValue {
	return MetricValue{Status: ValueNotComputable, Error: reason}
}

// Failed builds a value for a metric whose computation failed.
func Failed(err error) MetricValue {
	mv := MetricValue{Status: ValueFailed}
	if err != nil {
		mv.Error = err.Error()
	}
	return mv
}

// Number returns the scalar value when there is one.
func (v MetricValue) Number() (float64, bool) {
	if v.Status != ValueComputed || v.Value == nil {
		return 0, false
	}
	return *v.Value, true
}

// IsComputed reports whether the value is a real measurement.
func (v MetricValue) IsComputed() bool {
	return v.Status == ValueComputed
}

// ColumnMetrics maps metric name to value for one column.
type ColumnMetrics map[string]MetricValue

// MetricResultSet holds table-level results plus per-column results.
type MetricResultSet struct {
	Table   map[string]MetricValue   `json:"table"`
	Columns map[string]ColumnMetrics `json:"columns"`
}

// NewMetricResultSet returns an empty, writable result set.
func NewMetricResultSet() *MetricResultSet {
	return &MetricResultSet{
		Table:   make(map[string]MetricValue),
		Columns: make(map[string]ColumnMetrics),
	}
}

// SetTable records a table-level value.
func (r *MetricResultSet) SetTable(metric string, v MetricValue) {
	r.Table[metric] = v
}

// SetColumn records a column-level value.
func (r *MetricResultSet) SetColumn(column, metric string, v MetricValue) {
	cm, ok := r.Columns[column]
	if !ok {
		cm = make(ColumnMetrics)
		r.Columns[column] = cm
	}
	cm[metric] = v
}

// Get looks up a value; column "" addresses the table level.
func (r *MetricResultSet) Get(column, metric string) (MetricValue, bool) {
	if r == nil {
		return MetricValue{}, false
	}
	if column == "" {
		v, ok := r.Table[metric]
		return v, ok
	}
	v, ok := r.Columns[column][metric]
	return v, ok
}

// Counts tallies the values by status.
func (r *MetricResultSet) Counts() MetricCounts {
	var c MetricCounts
	if r == nil {
		return c
	}
	add := func(v MetricValue) {
		switch v.Status {
		case ValueComputed:
			c.Computed++
		case ValueNotComputable:
			c.NotComputable++
		case ValueFailed:
			c.Failed++
		}
		if v.Incomplete {
			c.Incomplete++
		}
	}
	for _, v := range r.Table {
		add(v)
	}
	for _, cm := range r.Columns {
		for _, v := range cm {
			add(v)
		}
	}
	return c
}

// MetricCounts summarises a result set.
type MetricCounts struct {
	Computed      int `json:"computed"`
	NotComputable int `json:"not_computable"`
	Failed        int `json:"failed"`
	Incomplete    int `json:"incomplete"`
}

// Add accumulates other into c.
func (c *MetricCounts) Add(other MetricCounts) {
	c.Computed += other.Computed
	c.NotComputable += other.NotComputable
	c.Failed += other.Failed
	c.Incomplete += other.Incomplete
}

// ResultSet is the ordered row output of a free-form query.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Len returns the number of rows.
func (r *ResultSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}
