package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/metrics"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/telemetry"
	"github.com/ekaya-inc/ekaya-quality/pkg/validations"
)

// CoordinatorConfig bounds the fan-out over a table's runners.
type CoordinatorConfig struct {
	// RunnerTimeout caps a single runner operation. Zero means no cap.
	RunnerTimeout time.Duration
	// MaxMergeBytes caps the rows a custom query may concatenate. Zero means unbounded.
	MaxMergeBytes int64
	// MaxParallelRunners limits concurrent runner operations. Zero means one per runner.
	MaxParallelRunners int
	// TolerateRunnerFailures returns merged values from the surviving
	// runners, flagged incomplete, instead of failing the metric.
	TolerateRunnerFailures bool
	MetricOptions          metrics.Options
}

// PartitionCoordinator runs one logical operation against every runner bound
// to a table and combines the outputs.
type PartitionCoordinator interface {
	// ComputeMetric runs a reduced metric on every runner and merges the
	// partials with the metric's merge function.
	ComputeMetric(ctx context.Context, m *metrics.Metric, col models.Column, deps map[string]models.MetricValue, runners []datasource.Runner) models.MetricValue

	// Concat runs a custom query on every runner and concatenates the rows
	// in runner order. When the rows exceed MaxMergeBytes it returns an
	// empty result set together with a ResourceExhaustedError.
	Concat(ctx context.Context, query string, runners []datasource.Runner) (*models.ResultSet, error)

	// ScalarSum runs a one-value query per runner and sums the results.
	ScalarSum(ctx context.Context, q validations.ScalarQuery, runners []datasource.Runner) models.MetricValue

	// Sample collects up to n rows walking the runners in order. Failed
	// runners are skipped; it errors only when every runner fails.
	Sample(ctx context.Context, runners []datasource.Runner, n int) (*models.ResultSet, error)
}

type partitionCoordinator struct {
	cfg      CoordinatorConfig
	recorder telemetry.Recorder
	logger   *zap.Logger
}

// NewPartitionCoordinator creates a coordinator. A nil recorder records nothing.
func NewPartitionCoordinator(cfg CoordinatorConfig, recorder telemetry.Recorder, logger *zap.Logger) PartitionCoordinator {
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	return &partitionCoordinator{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.Named("coordinator"),
	}
}

var _ PartitionCoordinator = (*partitionCoordinator)(nil)

type runnerFunc func(ctx context.Context, i int, r datasource.Runner) error

// fanOut calls fn once per runner and waits for all of them. Errors are
// returned by runner index; one runner's failure never cancels the others.
func (c *partitionCoordinator) fanOut(ctx context.Context, op string, runners []datasource.Runner, fn runnerFunc) []error {
	errs := make([]error, len(runners))

	var g errgroup.Group
	if c.cfg.MaxParallelRunners > 0 {
		g.SetLimit(c.cfg.MaxParallelRunners)
	}
	for i, r := range runners {
		g.Go(func() error {
			errs[i] = c.runOne(ctx, op, i, r, fn)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (c *partitionCoordinator) runOne(ctx context.Context, op string, i int, r datasource.Runner, fn runnerFunc) (err error) {
	parent := ctx
	if c.cfg.RunnerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunnerTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err == nil || errors.Is(err, apperrors.ErrNotComputable) || errors.Is(err, apperrors.ErrResourceExhausted) {
			return
		}
		// Cancelled by the caller (a sibling hit the merge bound, or the run
		// is stopping): not this runner's failure.
		if errors.Is(parent.Err(), context.Canceled) {
			err = &apperrors.RunnerError{RunnerID: r.ID(), Err: err}
			return
		}
		c.recorder.RunnerFailed(r.Dialect().Name())
		c.logger.Warn("Runner operation failed",
			zap.String("runner", r.ID()),
			zap.String("op", op),
			zap.String("error", logging.SanitizeError(err)))
		err = &apperrors.RunnerError{RunnerID: r.ID(), Err: err}
	}()

	return fn(ctx, i, r)
}

// survivors splits fan-out errors into the failed runner IDs and their errors.
func survivors(runners []datasource.Runner, errs []error) (failed []string, failures []error) {
	for i, err := range errs {
		if err != nil {
			failed = append(failed, runners[i].ID())
			failures = append(failures, err)
		}
	}
	return failed, failures
}

func (c *partitionCoordinator) partialLoss(failed []string, failures []error, total int) error {
	if len(failed) == total {
		return errors.Join(failures...)
	}
	if len(failed) > 0 && !c.cfg.TolerateRunnerFailures {
		return fmt.Errorf("%w: %d of %d runners failed: %w",
			apperrors.ErrIncompleteResult, len(failed), total, errors.Join(failures...))
	}
	return nil
}

func (c *partitionCoordinator) ComputeMetric(ctx context.Context, m *metrics.Metric, col models.Column, deps map[string]models.MetricValue, runners []datasource.Runner) models.MetricValue {
	mv := c.computeMetric(ctx, m, col, deps, runners)
	c.recorder.MetricComputed(m.Name, string(mv.Status))
	return mv
}

func (c *partitionCoordinator) computeMetric(ctx context.Context, m *metrics.Metric, col models.Column, deps map[string]models.MetricValue, runners []datasource.Runner) models.MetricValue {
	if len(runners) == 0 {
		return models.Failed(apperrors.ErrNoRunners)
	}
	if !m.AppliesTo(col) {
		return models.NotComputable(fmt.Sprintf("%s does not apply to %s column %s", m.Name, col.DataType, col.Name))
	}
	if m.Composed() {
		return models.Failed(fmt.Errorf("%s is composed and has no partials", m.Name))
	}

	partials := make([]metrics.Partial, len(runners))
	errs := c.fanOut(ctx, "metric:"+m.Name, runners, func(ctx context.Context, i int, r datasource.Runner) error {
		bc := metrics.NewBuildContext(r, col, deps, c.cfg.MetricOptions)
		p, err := metrics.BackendFor(r).Partial(ctx, m, bc, r)
		if err != nil {
			return err
		}
		partials[i] = p
		return nil
	})

	for _, err := range errs {
		if errors.Is(err, apperrors.ErrNotComputable) {
			return models.NotComputable(err.Error())
		}
	}

	failed, failures := survivors(runners, errs)
	if err := c.partialLoss(failed, failures, len(runners)); err != nil {
		return models.Failed(err)
	}

	var acc metrics.Partial
	merged := false
	var finalRunner datasource.Runner
	for i, p := range partials {
		if errs[i] != nil {
			continue
		}
		if !merged {
			acc, merged, finalRunner = p, true, runners[i]
			continue
		}
		acc = m.Merge(acc, p)
	}

	mv := m.Finalize(metrics.NewBuildContext(finalRunner, col, deps, c.cfg.MetricOptions), acc)
	if len(failed) > 0 {
		mv.Incomplete = true
		mv.FailedRunners = failed
	}
	return mv
}

func (c *partitionCoordinator) Concat(ctx context.Context, query string, runners []datasource.Runner) (*models.ResultSet, error) {
	if len(runners) == 0 {
		return &models.ResultSet{}, apperrors.ErrNoRunners
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		used      atomic.Int64
		exhausted atomic.Pointer[apperrors.ResourceExhaustedError]
	)
	limit := c.cfg.MaxMergeBytes
	parts := make([]*models.ResultSet, len(runners))

	errs := c.fanOut(ctx, "custom_query", runners, func(ctx context.Context, i int, r datasource.Runner) error {
		part := &models.ResultSet{}
		err := r.Query(ctx, datasource.ExpandQuery(r, query), func(columns []string, values []any) error {
			if part.Columns == nil {
				part.Columns = append([]string{}, columns...)
			}
			total := used.Add(datasource.EstimateRowBytes(values))
			if limit > 0 && total > limit {
				re := apperrors.NewResourceExhausted("custom query", limit, total)
				exhausted.CompareAndSwap(nil, re)
				cancel()
				return re
			}
			part.Rows = append(part.Rows, append([]any(nil), values...))
			return nil
		})
		if err != nil {
			return err
		}
		parts[i] = part
		return nil
	})

	if re := exhausted.Load(); re != nil {
		c.logger.Warn("Custom query result exceeded memory bound",
			zap.String("query", logging.SanitizeQuery(query)),
			zap.Int64("limit_bytes", re.Limit),
			zap.Int("runners", len(runners)))
		return &models.ResultSet{}, re
	}

	// A missing partition could hide violating rows, so any runner failure
	// fails the whole query.
	if failed, failures := survivors(runners, errs); len(failed) > 0 {
		return &models.ResultSet{}, fmt.Errorf("custom query failed on %d of %d runners: %w",
			len(failed), len(runners), errors.Join(failures...))
	}

	out := &models.ResultSet{}
	for _, p := range parts {
		if out.Columns == nil && p.Columns != nil {
			out.Columns = p.Columns
		}
		out.Rows = append(out.Rows, p.Rows...)
	}
	return out, nil
}

func (c *partitionCoordinator) ScalarSum(ctx context.Context, q validations.ScalarQuery, runners []datasource.Runner) models.MetricValue {
	if len(runners) == 0 {
		return models.Failed(apperrors.ErrNoRunners)
	}

	var mu sync.Mutex
	sum := decimal.Zero
	errs := c.fanOut(ctx, "scalar", runners, func(ctx context.Context, _ int, r datasource.Runner) error {
		d := r.Dialect()
		row, err := r.QueryRow(ctx, q(d, datasource.FromClause(d, r.Source())))
		if err != nil {
			return err
		}
		if len(row) == 0 {
			return nil
		}
		v, ok, err := datasource.ToDecimal(row[0])
		if err != nil {
			return err
		}
		if ok {
			mu.Lock()
			sum = sum.Add(v)
			mu.Unlock()
		}
		return nil
	})

	failed, failures := survivors(runners, errs)
	if err := c.partialLoss(failed, failures, len(runners)); err != nil {
		return models.Failed(err)
	}

	mv := models.Computed(sum.InexactFloat64())
	if len(failed) > 0 {
		mv.Incomplete = true
		mv.FailedRunners = failed
	}
	return mv
}

func (c *partitionCoordinator) Sample(ctx context.Context, runners []datasource.Runner, n int) (*models.ResultSet, error) {
	if len(runners) == 0 {
		return nil, apperrors.ErrNoRunners
	}

	out := &models.ResultSet{}
	var failures []error
	for i, r := range runners {
		want := n - out.Len()
		if want <= 0 {
			break
		}
		part := &models.ResultSet{}
		err := c.runOne(ctx, "sample", i, r, func(ctx context.Context, _ int, r datasource.Runner) error {
			d := r.Dialect()
			return r.Query(ctx, d.SelectSample("*", datasource.FromClause(d, r.Source()), want), func(columns []string, values []any) error {
				if part.Columns == nil {
					part.Columns = append([]string{}, columns...)
				}
				if len(part.Rows) < want {
					part.Rows = append(part.Rows, append([]any(nil), values...))
				}
				return nil
			})
		})
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if out.Columns == nil {
			out.Columns = part.Columns
		}
		out.Rows = append(out.Rows, part.Rows...)
	}
	if len(failures) == len(runners) {
		return nil, fmt.Errorf("sample: %w", errors.Join(failures...))
	}
	return out, nil
}
