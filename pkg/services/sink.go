package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/catalog"
	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/telemetry"
)

// ResultSink persists profiling responses to the catalog, one table at a time.
type ResultSink interface {
	// Persist writes one table's profile and, when present, its sample.
	// A failure affects this table only.
	Persist(ctx context.Context, resp *models.ProfilingResponse) error

	PersistRunStatus(ctx context.Context, summary *models.RunSummary) error

	// Close releases the catalog transport. Safe to call more than once.
	Close() error
}

type resultSink struct {
	catalog   catalog.Catalog
	recorder  telemetry.Recorder
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

func NewResultSink(cat catalog.Catalog, recorder telemetry.Recorder, logger *zap.Logger) ResultSink {
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	return &resultSink{
		catalog:  cat,
		recorder: recorder,
		logger:   logger.Named("sink"),
	}
}

var _ ResultSink = (*resultSink)(nil)

// SanitizeIdentifier strips the backtick quoting some pushdown dialects
// leave around column references.
func SanitizeIdentifier(name string) string {
	return strings.ReplaceAll(name, "`", "")
}

// sanitizeResponse returns a copy of resp with every column identifier
// sanitized. resp itself is not modified.
func sanitizeResponse(resp *models.ProfilingResponse) *models.ProfilingResponse {
	out := *resp

	out.Columns = make([]models.Column, len(resp.Columns))
	for i, c := range resp.Columns {
		c.Name = SanitizeIdentifier(c.Name)
		out.Columns[i] = c
	}

	if resp.Metrics != nil {
		ms := models.NewMetricResultSet()
		for name, v := range resp.Metrics.Table {
			ms.SetTable(name, v)
		}
		for col, cm := range resp.Metrics.Columns {
			for name, v := range cm {
				ms.SetColumn(SanitizeIdentifier(col), name, v)
			}
		}
		out.Metrics = ms
	}

	if resp.Sample != nil {
		sample := &models.ResultSet{Rows: resp.Sample.Rows}
		for _, c := range resp.Sample.Columns {
			sample.Columns = append(sample.Columns, SanitizeIdentifier(c))
		}
		out.Sample = sample
	}

	if resp.Verdicts != nil {
		out.Verdicts = make([]models.Verdict, len(resp.Verdicts))
		for i, v := range resp.Verdicts {
			v.Target = SanitizeIdentifier(v.Target)
			out.Verdicts[i] = v
		}
	}
	return &out
}

func (s *resultSink) Persist(ctx context.Context, resp *models.ProfilingResponse) error {
	clean := sanitizeResponse(resp)
	table := clean.Table.FQN()

	if err := s.catalog.PersistProfile(ctx, clean); err != nil {
		s.fail(table, "persist_profile", err)
		return fmt.Errorf("persist profile of %s: %w", table, err)
	}
	s.recorder.SinkWrite("ok")

	if clean.Sample.Len() > 0 {
		if err := s.catalog.PersistSample(ctx, clean.RunID, clean.Table, clean.Sample); err != nil {
			s.fail(table, "persist_sample", err)
			return fmt.Errorf("persist sample of %s: %w", table, err)
		}
		s.recorder.SinkWrite("ok")
	}

	s.logger.Debug("Persisted profile",
		zap.String("table", table),
		zap.Int("verdicts", len(clean.Verdicts)),
		zap.Int("sample_rows", clean.Sample.Len()))
	return nil
}

func (s *resultSink) fail(table, op string, err error) {
	s.recorder.SinkWrite("failed")

	fields := []zap.Field{
		zap.String("table", table),
		zap.String("op", op),
		zap.String("kind", string(apperrors.Classify(err))),
		zap.String("error", logging.SanitizeError(err)),
	}
	var ce *apperrors.CatalogError
	if errors.As(err, &ce) {
		fields = append(fields,
			zap.String("catalog_kind", string(ce.Kind)),
			zap.Int("status", ce.StatusCode),
			zap.Bool("retryable", ce.IsRetryable()))
	}
	s.logger.Error("Failed to persist results", fields...)
}

func (s *resultSink) PersistRunStatus(ctx context.Context, summary *models.RunSummary) error {
	if err := s.catalog.PersistRunStatus(ctx, summary); err != nil {
		s.fail("", "persist_run_status", err)
		return fmt.Errorf("persist run status: %w", err)
	}
	s.recorder.SinkWrite("ok")
	return nil
}

func (s *resultSink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.catalog.Close()
	})
	return s.closeErr
}
