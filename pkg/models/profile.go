package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
)

// ProfilingResponse is the output of one profiling pass over a table.
// It is built once and handed to the result sink.
type ProfilingResponse struct {
	RunID     uuid.UUID        `json:"run_id"`
	Table     TableRef         `json:"table"`
	Columns   []Column         `json:"columns"`
	Metrics   *MetricResultSet `json:"metrics"`
	Sample    *ResultSet       `json:"sample,omitempty"`
	Verdicts  []Verdict        `json:"verdicts,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}

// TableStatus is the per-table outcome of a run.
type TableStatus string

const (
	TableSucceeded TableStatus = "succeeded"
	TableFailed    TableStatus = "failed"
	TableAborted   TableStatus = "aborted"
)

// TableOutcome is the run summary line for one table.
type TableOutcome struct {
	Table    string                `json:"table"`
	Status   TableStatus           `json:"status"`
	Kind     apperrors.FailureKind `json:"kind,omitempty"`
	Error    string                `json:"error,omitempty"`
	Metrics  MetricCounts          `json:"metrics"`
	Verdicts VerdictCounts         `json:"verdicts"`
	Duration time.Duration         `json:"duration"`
}

// RunSummary aggregates every table outcome in a run.
type RunSummary struct {
	RunID      uuid.UUID      `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tables     []TableOutcome `json:"tables"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Aborted    int            `json:"aborted"`
	Metrics    MetricCounts   `json:"metrics"`
	Verdicts   VerdictCounts  `json:"verdicts"`
}

// NewRunSummary starts a summary for a new run.
func NewRunSummary(runID uuid.UUID, startedAt time.Time) *RunSummary {
	return &RunSummary{RunID: runID, StartedAt: startedAt}
}

// Add appends an outcome and updates the counters.
func (s *RunSummary) Add(o TableOutcome) {
	s.Tables = append(s.Tables, o)
	switch o.Status {
	case TableSucceeded:
		s.Succeeded++
	case TableFailed:
		s.Failed++
	case TableAborted:
		s.Aborted++
	}
	s.Metrics.Add(o.Metrics)
	s.Verdicts.Add(o.Verdicts)
}

// Clean reports whether every table succeeded and no unit failed or aborted.
func (s *RunSummary) Clean() bool {
	return s.Failed == 0 && s.Aborted == 0 && s.Verdicts.Aborted == 0 && s.Metrics.Failed == 0
}
