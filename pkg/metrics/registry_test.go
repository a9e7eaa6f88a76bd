package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

func planNames(plan []*Metric) []string {
	names := make([]string, len(plan))
	for i, m := range plan {
		names[i] = m.Name
	}
	return names
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewDefaultRegistry()

	m, err := r.Resolve(MaxLength)
	require.NoError(t, err)
	assert.Equal(t, MaxLength, m.Name)

	_, err = r.Resolve("p99")
	assert.True(t, errors.Is(err, apperrors.ErrUnknownMetric))
}

func TestRegistry_RegisterRejectsDuplicatesAndIncompleteMetrics(t *testing.T) {
	r := NewDefaultRegistry()

	assert.ErrorContains(t, r.Register(rowCountMetric()), "already registered")
	assert.ErrorContains(t, r.Register(&Metric{Name: "half", Kind: ColumnMetric, Zero: zeroCount}), "reduced metrics need")
	assert.Error(t, r.Register(&Metric{}))
}

func TestRegistry_Plan(t *testing.T) {
	r := NewDefaultRegistry()

	plan, err := r.Plan([]string{Histogram, NullProportion, Min})
	require.NoError(t, err)
	assert.Equal(t, []string{Min, Max, Histogram, NullCount, RowCount, NullProportion}, planNames(plan))

	all, err := r.Plan(nil)
	require.NoError(t, err)
	assert.Len(t, all, len(Builtins()))
	seen := map[string]bool{}
	for _, m := range all {
		for _, dep := range m.Requires {
			assert.True(t, seen[dep], "%s planned before its dependency %s", m.Name, dep)
		}
		seen[m.Name] = true
	}

	_, err = r.Plan([]string{"rowCount", "median"})
	assert.True(t, errors.Is(err, apperrors.ErrUnknownMetric))
}

func TestRegistry_PlanDetectsCycles(t *testing.T) {
	r := NewRegistry()
	compose := func(ComposeInput) models.MetricValue { return models.Empty() }
	require.NoError(t, r.Register(&Metric{Name: "a", Requires: []string{"b"}, Compose: compose}))
	require.NoError(t, r.Register(&Metric{Name: "b", Requires: []string{"a"}, Compose: compose}))

	_, err := r.Plan([]string{"a"})
	assert.ErrorContains(t, err, "cycle")
}

func TestApplicable(t *testing.T) {
	r := NewDefaultRegistry()
	text := models.NewColumn("name", "varchar(20)", true, 1)
	num := models.NewColumn("amount", "numeric(10,2)", true, 2)
	blob := models.NewColumn("payload", "jsonb", true, 3)

	tests := []struct {
		metric string
		col    models.Column
		want   bool
	}{
		{MaxLength, text, true},
		{MaxLength, num, false},
		{MinLength, num, false},
		{Sum, num, true},
		{Sum, text, false},
		{Histogram, num, true},
		{NullCount, blob, true},
		{DistinctCount, blob, false},
		{DistinctCount, text, true},
		{RowCount, text, false},
		{RowCount, models.Column{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.metric+"/"+tt.col.Name, func(t *testing.T) {
			m, err := r.Resolve(tt.metric)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Applicable(m, tt.col))
		})
	}
}
