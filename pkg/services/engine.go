package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/memory"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/catalog"
	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/metrics"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/services/workqueue"
	"github.com/ekaya-inc/ekaya-quality/pkg/telemetry"
	"github.com/ekaya-inc/ekaya-quality/pkg/validations"
)

// DefaultSampleRows is the sample payload size when none is configured.
const DefaultSampleRows = 50

// EngineConfig holds run-wide limits. Tables may override some of them.
type EngineConfig struct {
	Coordinator       CoordinatorConfig
	TableTimeout      time.Duration
	MaxParallelTables int
	// SampleRows is the size of the persisted sample. Negative disables sampling.
	SampleRows int
}

// TableLimits overrides run-wide limits for one table. Zero fields inherit.
type TableLimits struct {
	MaxMergeBytes int64
	RunnerTimeout time.Duration
	TableTimeout  time.Duration
}

// InMemoryOptions asks for each partition to be materialized and profiled in memory.
type InMemoryOptions struct {
	Enabled bool
	// MaxRows samples at most this many rows per partition. Zero reads all.
	MaxRows int
}

// TablePlan is one table's work for a run.
type TablePlan struct {
	Table            models.TableRef
	DatasourceType   string
	DatasourceConfig map[string]any
	Partitions       []datasource.Partition
	// Columns skips the catalog schema lookup when set.
	Columns  []models.Column
	InMemory InMemoryOptions
	Metrics  []string
	Tests    []models.TestCase
	Limits   TableLimits
}

// Engine runs profiling and validation over a set of tables.
type Engine interface {
	// Run processes every plan and returns the run summary. Failures are
	// isolated per table and reported in the summary; only a cancelled
	// parent context returns an error.
	Run(ctx context.Context, plans []TablePlan) (*models.RunSummary, error)
}

// EngineDeps are the collaborators an engine is built from.
type EngineDeps struct {
	Factory   datasource.RunnerFactory
	Catalog   catalog.Catalog
	Sink      ResultSink
	Metrics   *metrics.Registry
	Tests     *validations.Registry
	Profiler  TableProfiler
	Evaluator ValidationEvaluator
	Recorder  telemetry.Recorder
}

type engine struct {
	cfg       EngineConfig
	factory   datasource.RunnerFactory
	catalog   catalog.Catalog
	sink      ResultSink
	metrics   *metrics.Registry
	profiler  TableProfiler
	evaluator ValidationEvaluator
	recorder  telemetry.Recorder
	now       func() time.Time
	logger    *zap.Logger
}

// NewEngine creates an engine. Missing registries, profiler, evaluator and
// recorder fall back to the defaults.
func NewEngine(cfg EngineConfig, deps EngineDeps, logger *zap.Logger) Engine {
	if deps.Recorder == nil {
		deps.Recorder = telemetry.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewDefaultRegistry()
	}
	if deps.Tests == nil {
		deps.Tests = validations.NewDefaultRegistry()
	}
	if deps.Profiler == nil {
		deps.Profiler = NewTableProfiler(logger)
	}
	if deps.Evaluator == nil {
		deps.Evaluator = NewValidationEvaluator(deps.Tests, deps.Recorder, logger)
	}
	if deps.Sink == nil {
		deps.Sink = NewResultSink(deps.Catalog, deps.Recorder, logger)
	}
	if cfg.SampleRows == 0 {
		cfg.SampleRows = DefaultSampleRows
	}

	return &engine{
		cfg:       cfg,
		factory:   deps.Factory,
		catalog:   deps.Catalog,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		profiler:  deps.Profiler,
		evaluator: deps.Evaluator,
		recorder:  deps.Recorder,
		now:       time.Now,
		logger:    logger.Named("engine"),
	}
}

var _ Engine = (*engine)(nil)

func (e *engine) Run(ctx context.Context, plans []TablePlan) (*models.RunSummary, error) {
	runID := uuid.New()
	summary := models.NewRunSummary(runID, e.now().UTC())
	logger := e.logger.With(zap.String("run_id", runID.String()))
	logger.Info("Starting quality run", zap.Int("tables", len(plans)))

	outcomes := make([]models.TableOutcome, len(plans))
	var mu sync.Mutex

	opts := []workqueue.QueueOption{workqueue.WithContext(ctx)}
	if e.cfg.MaxParallelTables > 0 {
		opts = append(opts, workqueue.WithMaxConcurrent(e.cfg.MaxParallelTables))
	}
	if e.cfg.TableTimeout > 0 {
		opts = append(opts, workqueue.WithTaskTimeout(e.cfg.TableTimeout))
	}
	queue := workqueue.New(logger, opts...)
	queue.SetOnUpdate(func(snapshots []workqueue.TaskSnapshot) {
		p := workqueue.ProgressOf(snapshots)
		logger.Debug("Run progress",
			zap.Int("percent", p.Percentage()),
			zap.Int("running", p.Running),
			zap.Int("completed", p.Completed),
			zap.Int("failed", p.Failed))
	})

	for i, plan := range plans {
		queue.Enqueue(workqueue.NewFuncTask(plan.Table.FQN(), func(ctx context.Context) error {
			outcome := e.runTable(ctx, runID, plan)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			if outcome.Status != models.TableSucceeded {
				return fmt.Errorf("%s %s: %s", outcome.Table, outcome.Status, outcome.Error)
			}
			return nil
		}))
	}

	// Table failures are already in the outcomes.
	var runErr error
	if err := queue.Wait(ctx); err != nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	mu.Lock()
	for i, o := range outcomes {
		if o.Status == "" {
			// The task never reported, either cancelled or panicked.
			o = models.TableOutcome{
				Table:  plans[i].Table.FQN(),
				Status: models.TableAborted,
				Kind:   apperrors.KindInternal,
				Error:  "table did not complete",
			}
			if ctx.Err() != nil {
				o.Kind = apperrors.Classify(ctx.Err())
				o.Error = ctx.Err().Error()
			}
		}
		summary.Add(o)
	}
	mu.Unlock()
	summary.FinishedAt = e.now().UTC()

	statusCtx := context.WithoutCancel(ctx)
	if err := e.sink.PersistRunStatus(statusCtx, summary); err != nil {
		logger.Error("Failed to persist run status", zap.String("error", logging.SanitizeError(err)))
	}
	if err := e.recorder.Flush(); err != nil {
		logger.Warn("Failed to push run metrics", zap.Error(err))
	}

	logger.Info("Quality run finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("aborted", summary.Aborted),
		zap.Int("verdicts_passed", summary.Verdicts.Passed),
		zap.Int("verdicts_failed", summary.Verdicts.Failed),
		zap.Int("verdicts_aborted", summary.Verdicts.Aborted))
	return summary, runErr
}

// coordinatorConfig applies a table's overrides.
func (e *engine) coordinatorConfig(l TableLimits) CoordinatorConfig {
	cfg := e.cfg.Coordinator
	if l.MaxMergeBytes > 0 {
		cfg.MaxMergeBytes = l.MaxMergeBytes
	}
	if l.RunnerTimeout > 0 {
		cfg.RunnerTimeout = l.RunnerTimeout
	}
	return cfg
}

// tableRun accumulates one table's outcome.
type tableRun struct {
	outcome models.TableOutcome
	start   time.Time
}

func (t *tableRun) fail(status models.TableStatus, err error) models.TableOutcome {
	t.outcome.Status = status
	t.outcome.Kind = apperrors.Classify(err)
	t.outcome.Error = err.Error()
	return t.outcome
}

// runTable profiles, validates and persists one table. It never panics
// past the task boundary and never returns an error; the outcome says
// what happened.
func (e *engine) runTable(ctx context.Context, runID uuid.UUID, plan TablePlan) (outcome models.TableOutcome) {
	fqn := plan.Table.FQN()
	logger := e.logger.With(zap.String("table", fqn))
	t := &tableRun{outcome: models.TableOutcome{Table: fqn}, start: e.now()}

	defer func() {
		if p := recover(); p != nil {
			outcome = t.fail(models.TableFailed, fmt.Errorf("panic: %v", p))
		}
		outcome.Duration = e.now().Sub(t.start)
		e.recorder.TableFinished(string(outcome.Status), outcome.Duration)
		switch outcome.Status {
		case models.TableSucceeded:
			logger.Info("Table finished", zap.Duration("duration", outcome.Duration))
		default:
			logger.Error("Table did not succeed",
				zap.String("status", string(outcome.Status)),
				zap.String("kind", string(outcome.Kind)),
				zap.String("error", logging.SanitizeError(errors.New(outcome.Error))))
		}
	}()

	if plan.Limits.TableTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Limits.TableTimeout)
		defer cancel()
	}
	// timedOut reports whether the table budget ran out, as opposed to
	// a shutdown of the whole run.
	timedOut := func() bool { return errors.Is(ctx.Err(), context.DeadlineExceeded) }

	if err := plan.Table.Validate(); err != nil {
		return t.fail(models.TableFailed, fmt.Errorf("%v: %w", err, apperrors.ErrInvalidParameter))
	}

	runners, err := e.factory.NewRunners(ctx, plan.DatasourceType, plan.DatasourceConfig, plan.Partitions)
	if err != nil {
		return t.fail(models.TableFailed, fmt.Errorf("open runners: %w", err))
	}
	defer func() {
		if err := datasource.CloseAll(runners); err != nil {
			logger.Warn("Failed to close runners", zap.String("error", logging.SanitizeError(err)))
		}
	}()
	if len(runners) == 0 {
		return t.fail(models.TableFailed, apperrors.ErrNoRunners)
	}

	columns, err := e.resolveColumns(ctx, plan, runners)
	if err != nil {
		return t.fail(models.TableFailed, err)
	}

	coordCfg := e.coordinatorConfig(plan.Limits)
	if plan.InMemory.Enabled {
		mem, err := e.materialize(ctx, runners, columns, coordCfg.MaxMergeBytes, plan.InMemory.MaxRows)
		if err != nil {
			if errors.Is(err, apperrors.ErrResourceExhausted) || timedOut() {
				return t.fail(models.TableAborted, err)
			}
			return t.fail(models.TableFailed, err)
		}
		defer func() { _ = datasource.CloseAll(mem) }()
		runners = mem
	}

	coord := NewPartitionCoordinator(coordCfg, e.recorder, logger)
	session := NewTableSession(plan.Table, columns, runners, SessionDeps{
		Coordinator: coord,
		Registry:    e.metrics,
		Options:     coordCfg.MetricOptions,
		Recorder:    e.recorder,
		Logger:      logger,
	})

	if _, err := e.profiler.Profile(ctx, session, plan.Metrics); err != nil {
		if timedOut() {
			return t.fail(models.TableAborted, err)
		}
		return t.fail(models.TableFailed, err)
	}

	verdicts := e.evaluator.Evaluate(ctx, session, plan.Tests)
	for _, v := range verdicts {
		t.outcome.Verdicts.Record(v.Status)
	}
	t.outcome.Metrics = session.Results().Counts()

	var sample *models.ResultSet
	if e.cfg.SampleRows > 0 {
		sample, err = coord.Sample(ctx, runners, e.cfg.SampleRows)
		if err != nil {
			logger.Warn("Failed to fetch sample rows", zap.String("error", logging.SanitizeError(err)))
			sample = nil
		}
	}

	if timedOut() {
		return t.fail(models.TableAborted, fmt.Errorf("table timeout: %w", ctx.Err()))
	}

	resp := &models.ProfilingResponse{
		RunID:     runID,
		Table:     plan.Table,
		Columns:   columns,
		Metrics:   session.Results(),
		Sample:    sample,
		Verdicts:  verdicts,
		StartedAt: t.start.UTC(),
		Duration:  e.now().Sub(t.start),
	}
	if err := e.sink.Persist(ctx, resp); err != nil {
		return t.fail(models.TableFailed, err)
	}

	t.outcome.Status = models.TableSucceeded
	return t.outcome
}

// resolveColumns prefers configured columns, then the catalog, then the
// first runner's own schema when the catalog does not know the table.
func (e *engine) resolveColumns(ctx context.Context, plan TablePlan, runners []datasource.Runner) ([]models.Column, error) {
	if len(plan.Columns) > 0 {
		return plan.Columns, nil
	}

	columns, err := e.catalog.FetchSchema(ctx, plan.Table)
	if err == nil {
		return columns, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("fetch schema: %w", err)
	}

	disc, ok := runners[0].(datasource.ColumnDiscoverer)
	if !ok {
		return nil, fmt.Errorf("fetch schema: %w", err)
	}
	columns, derr := disc.DiscoverColumns(ctx)
	if derr != nil {
		return nil, fmt.Errorf("discover columns: %w", derr)
	}

	if w, ok := e.catalog.(catalog.SchemaWriter); ok {
		if err := w.UpsertSchema(ctx, plan.Table, columns); err != nil {
			e.logger.Warn("Failed to record discovered schema",
				zap.String("table", plan.Table.FQN()),
				zap.String("error", logging.SanitizeError(err)))
		}
	}
	return columns, nil
}

// materialize turns every runner into an in-memory runner. The byte budget
// is shared across partitions.
func (e *engine) materialize(ctx context.Context, runners []datasource.Runner, columns []models.Column, maxBytes int64, maxRows int) ([]datasource.Runner, error) {
	out := make([]datasource.Runner, 0, len(runners))
	remaining := maxBytes
	for _, r := range runners {
		budget := remaining
		if maxBytes > 0 && budget == 0 {
			budget = -1
		}
		mr, err := memory.Materialize(ctx, r, columns, memory.MaterializeOptions{
			MaxBytes: budget,
			MaxRows:  maxRows,
		})
		if err != nil {
			_ = datasource.CloseAll(out)
			var re *apperrors.ResourceExhaustedError
			if errors.As(err, &re) {
				return nil, apperrors.NewResourceExhausted("materialize "+r.ID(), maxBytes, maxBytes-remaining+re.Observed)
			}
			return nil, err
		}
		e.logger.Debug("Materialized partition",
			zap.String("runner", r.ID()),
			zap.Int64("estimated_bytes", mr.EstimatedBytes()),
			zap.Int64("buffer_bytes", mr.SizeBytes()))
		if maxBytes > 0 {
			remaining -= mr.EstimatedBytes()
		}
		out = append(out, mr)
	}
	return out, nil
}
