package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/metrics"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/telemetry"
)

// countingRecorder counts telemetry calls.
type countingRecorder struct {
	telemetry.Nop
	mu             sync.Mutex
	runnerFailures map[string]int
	metrics        map[string]int
	verdicts       map[string]int
	sinkWrites     map[string]int
	tables         map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		runnerFailures: make(map[string]int),
		metrics:        make(map[string]int),
		verdicts:       make(map[string]int),
		sinkWrites:     make(map[string]int),
		tables:         make(map[string]int),
	}
}

func (r *countingRecorder) RunnerFailed(runnerType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runnerFailures[runnerType]++
}

func (r *countingRecorder) MetricComputed(metric, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[metric+"/"+status]++
}

func (r *countingRecorder) VerdictRecorded(testType, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[testType+"/"+status]++
}

func (r *countingRecorder) SinkWrite(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinkWrites[status]++
}

func (r *countingRecorder) TableFinished(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[status]++
}

func newCoordinator(t *testing.T, cfg CoordinatorConfig, rec telemetry.Recorder) PartitionCoordinator {
	t.Helper()
	return NewPartitionCoordinator(cfg, rec, zaptest.NewLogger(t))
}

func metric(t *testing.T, name string) *metrics.Metric {
	t.Helper()
	m, err := metrics.NewDefaultRegistry().Resolve(name)
	require.NoError(t, err)
	return m
}

func numberOf(t *testing.T, v models.MetricValue) float64 {
	t.Helper()
	n, ok := v.Number()
	require.True(t, ok, "expected a number, got %+v", v)
	return n
}

func TestComputeMetric_SplitEqualsWhole(t *testing.T) {
	path := ordersDB(t)
	whole := partitions(t, path, "")
	split := partitions(t, path, "id <= 2", "id > 2")
	c := newCoordinator(t, CoordinatorConfig{}, nil)
	ctx := context.Background()

	tests := []struct {
		metric string
		column string
		want   float64
	}{
		{metrics.Max, "amount", 50},
		{metrics.Min, "amount", 10},
		{metrics.Sum, "amount", 110},
		{metrics.ValuesCount, "name", 4},
		{metrics.NullCount, "amount", 1},
		{metrics.DistinctCount, "region", 3},
		{metrics.MaxLength, "name", 6},
		{metrics.MinLength, "name", 1},
		{metrics.RowCount, "", 5},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.metric, tt.column), func(t *testing.T) {
			m := metric(t, tt.metric)
			var col models.Column
			if tt.column != "" {
				col = column(t, tt.column)
			}

			one := c.ComputeMetric(ctx, m, col, nil, whole)
			two := c.ComputeMetric(ctx, m, col, nil, split)

			assert.InDelta(t, tt.want, numberOf(t, one), 1e-9)
			assert.InDelta(t, numberOf(t, one), numberOf(t, two), 1e-9)
			assert.False(t, two.Incomplete)
		})
	}
}

func TestComputeMetric_PartialFailureIsIncomplete(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "id <= 2", "id = 3", "id >= 4")
	runners := []datasource.Runner{rs[0], broken(rs[1], "p2"), rs[2]}
	rec := newCountingRecorder()
	c := newCoordinator(t, CoordinatorConfig{TolerateRunnerFailures: true}, rec)

	maxV := c.ComputeMetric(context.Background(), metric(t, metrics.Max), column(t, "amount"), nil, runners)
	assert.Equal(t, 50.0, numberOf(t, maxV))
	assert.True(t, maxV.Incomplete)
	assert.Equal(t, []string{"p2"}, maxV.FailedRunners)

	sum := c.ComputeMetric(context.Background(), metric(t, metrics.Sum), column(t, "amount"), nil, runners)
	assert.Equal(t, 80.0, numberOf(t, sum), "row 3 lives on the failed runner")
	assert.True(t, sum.Incomplete)

	assert.Equal(t, 2, rec.runnerFailures["sqlite"])
	assert.Equal(t, 1, rec.metrics["max/computed"])
}

func TestComputeMetric_PartialFailureNotTolerated(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "id <= 2", "id > 2")
	runners := []datasource.Runner{rs[0], broken(rs[1], "p2")}
	c := newCoordinator(t, CoordinatorConfig{TolerateRunnerFailures: false}, nil)

	v := c.ComputeMetric(context.Background(), metric(t, metrics.Max), column(t, "amount"), nil, runners)
	assert.Equal(t, models.ValueFailed, v.Status)
	assert.Contains(t, v.Error, apperrors.ErrIncompleteResult.Error())
	assert.Contains(t, v.Error, "1 of 2 runners failed")
}

func TestComputeMetric_AllRunnersFail(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "")
	c := newCoordinator(t, CoordinatorConfig{TolerateRunnerFailures: true}, nil)

	v := c.ComputeMetric(context.Background(), metric(t, metrics.Max), column(t, "amount"), nil,
		[]datasource.Runner{broken(rs[0], "p1")})
	assert.Equal(t, models.ValueFailed, v.Status)
	assert.Contains(t, v.Error, "runner p1")

	v = c.ComputeMetric(context.Background(), metric(t, metrics.Max), column(t, "amount"), nil, nil)
	assert.Equal(t, models.ValueFailed, v.Status)
}

func TestComputeMetric_NotComputable(t *testing.T) {
	path := ordersDB(t)
	c := newCoordinator(t, CoordinatorConfig{}, nil)

	v := c.ComputeMetric(context.Background(), metric(t, metrics.MaxLength), column(t, "amount"), nil, partitions(t, path, ""))
	assert.Equal(t, models.ValueNotComputable, v.Status)
	_, ok := v.Number()
	assert.False(t, ok)
}

func TestComputeMetric_RunnerTimeout(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "id <= 2", "id > 2")
	runners := []datasource.Runner{rs[0], &stuckRunner{Runner: rs[1], id: "slow"}}
	c := newCoordinator(t, CoordinatorConfig{RunnerTimeout: 50 * time.Millisecond, TolerateRunnerFailures: true}, nil)

	start := time.Now()
	v := c.ComputeMetric(context.Background(), metric(t, metrics.Max), column(t, "amount"), nil, runners)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, 20.0, numberOf(t, v))
	assert.True(t, v.Incomplete)
	assert.Equal(t, []string{"slow"}, v.FailedRunners)
}

func TestConcat_PreservesRunnerOrder(t *testing.T) {
	path := ordersDB(t)
	runners := partitions(t, path, "id > 2", "id <= 2")
	c := newCoordinator(t, CoordinatorConfig{MaxMergeBytes: 1 << 20, MaxParallelRunners: 2}, nil)

	rs, err := c.Concat(context.Background(), "SELECT id FROM {{table}} ORDER BY id", runners)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, rs.Columns)

	var ids []int64
	for _, row := range rs.Rows {
		ids = append(ids, row[0].(int64))
	}
	assert.Equal(t, []int64{3, 4, 5, 1, 2}, ids)
}

func TestConcat_ResourceExhaustedIsDistinctFromNoMatches(t *testing.T) {
	path := ordersDB(t)
	runners := partitions(t, path, "id <= 2", "id > 2")
	// One row of a single int64 column is estimated at 48 bytes.
	rec := newCountingRecorder()
	c := newCoordinator(t, CoordinatorConfig{MaxMergeBytes: 100}, rec)

	rs, err := c.Concat(context.Background(), "SELECT id FROM {{table}}", runners)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrResourceExhausted)
	assert.Equal(t, apperrors.KindResourceExhausted, apperrors.Classify(err))
	assert.Contains(t, err.Error(), apperrors.DefaultRecommendation)
	require.NotNil(t, rs)
	assert.Equal(t, 0, rs.Len())
	assert.Empty(t, rec.runnerFailures, "runners stopped by the bound are not failures")

	rs, err = c.Concat(context.Background(), "SELECT id FROM {{table}} WHERE id > 100", runners)
	require.NoError(t, err)
	assert.Equal(t, 0, rs.Len())
}

func TestConcat_RunnerFailureFailsQuery(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "id <= 2", "id > 2")
	c := newCoordinator(t, CoordinatorConfig{TolerateRunnerFailures: true}, nil)

	out, err := c.Concat(context.Background(), "SELECT id FROM {{table}}", []datasource.Runner{rs[0], broken(rs[1], "p2")})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRunnerFailure, apperrors.Classify(err))
	assert.Equal(t, 0, out.Len())
}

func TestScalarSum(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "id <= 2", "id = 3", "id >= 4")
	c := newCoordinator(t, CoordinatorConfig{TolerateRunnerFailures: true}, nil)

	var seen []string
	var mu sync.Mutex
	q := func(d datasource.Dialect, from string) string {
		mu.Lock()
		seen = append(seen, from)
		mu.Unlock()
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = 'eu'", from, d.QuoteIdentifier("region"))
	}

	v := c.ScalarSum(context.Background(), q, rs)
	assert.Equal(t, 2.0, numberOf(t, v))
	assert.Len(t, seen, 3)

	v = c.ScalarSum(context.Background(), q, []datasource.Runner{rs[0], broken(rs[1], "p2")})
	assert.Equal(t, 2.0, numberOf(t, v))
	assert.True(t, v.Incomplete)
}

func TestSample_FallsBackToNextRunner(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "", "")
	c := newCoordinator(t, CoordinatorConfig{}, nil)

	sample, err := c.Sample(context.Background(), []datasource.Runner{broken(rs[0], "p1"), rs[1]}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sample.Len())
	assert.Equal(t, []string{"id", "name", "amount", "region"}, sample.Columns)

	_, err = c.Sample(context.Background(), []datasource.Runner{broken(rs[0], "p1")}, 2)
	assert.Error(t, err)
}

func TestSample_WalksRunnersInOrder(t *testing.T) {
	path := ordersDB(t)
	rs := partitions(t, path, "id <= 2", "id > 2")
	c := newCoordinator(t, CoordinatorConfig{}, nil)

	sample, err := c.Sample(context.Background(), rs, 4)
	require.NoError(t, err)
	require.Equal(t, 4, sample.Len())
	var ids []int64
	for _, row := range sample.Rows {
		ids = append(ids, row[0].(int64))
	}
	assert.Equal(t, []int64{1, 2, 3, 4}, ids)

	sample, err = c.Sample(context.Background(), rs, 50)
	require.NoError(t, err)
	assert.Equal(t, 5, sample.Len())
}
