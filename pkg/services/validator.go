package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
	"github.com/ekaya-inc/ekaya-quality/pkg/telemetry"
	"github.com/ekaya-inc/ekaya-quality/pkg/validations"
)

// RuleState is the evaluation state of one test case.
type RuleState string

const (
	RulePending    RuleState = "Pending"
	RuleEvaluating RuleState = "Evaluating"
	RulePass       RuleState = "Pass"
	RuleFail       RuleState = "Fail"
	RuleAborted    RuleState = "Aborted"
)

// Terminal reports whether no further transition is allowed.
func (s RuleState) Terminal() bool {
	return s == RulePass || s == RuleFail || s == RuleAborted
}

var ruleTransitions = map[RuleState][]RuleState{
	RulePending:    {RuleEvaluating, RuleAborted},
	RuleEvaluating: {RulePass, RuleFail, RuleAborted},
}

// CanTransition reports whether from -> to is a legal rule transition.
func CanTransition(from, to RuleState) bool {
	for _, allowed := range ruleTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ruleRun tracks one test case through its states.
type ruleRun struct {
	tc    models.TestCase
	state RuleState
}

func (r *ruleRun) advance(to RuleState) error {
	if !CanTransition(r.state, to) {
		return fmt.Errorf("test case %s: illegal transition %s -> %s", r.tc.Name, r.state, to)
	}
	r.state = to
	return nil
}

// ValidationEvaluator turns test cases into verdicts.
type ValidationEvaluator interface {
	// Evaluate runs every test case independently; the returned verdicts
	// are in test case order and each one is terminal.
	Evaluate(ctx context.Context, env validations.Env, cases []models.TestCase) []models.Verdict

	// EvaluateOne runs a single test case.
	EvaluateOne(ctx context.Context, env validations.Env, tc models.TestCase) models.Verdict
}

type validationEvaluator struct {
	registry *validations.Registry
	recorder telemetry.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

func NewValidationEvaluator(registry *validations.Registry, recorder telemetry.Recorder, logger *zap.Logger) ValidationEvaluator {
	if recorder == nil {
		recorder = telemetry.Nop{}
	}
	return &validationEvaluator{
		registry: registry,
		recorder: recorder,
		now:      time.Now,
		logger:   logger.Named("validator"),
	}
}

var _ ValidationEvaluator = (*validationEvaluator)(nil)

func (e *validationEvaluator) Evaluate(ctx context.Context, env validations.Env, cases []models.TestCase) []models.Verdict {
	verdicts := make([]models.Verdict, 0, len(cases))
	for _, tc := range cases {
		verdicts = append(verdicts, e.EvaluateOne(ctx, env, tc))
	}
	return verdicts
}

func (e *validationEvaluator) EvaluateOne(ctx context.Context, env validations.Env, tc models.TestCase) models.Verdict {
	run := &ruleRun{tc: tc, state: RulePending}
	verdict := models.Verdict{
		TestCase: tc.Name,
		TestType: tc.Type,
		Target:   tc.Target(env.Table()),
	}

	outcome, err := e.run(ctx, run, env)
	switch {
	case err != nil:
		_ = run.advance(RuleAborted)
		verdict.AbortReason = apperrors.Classify(err)
		verdict.Message = err.Error()
		if outcome != nil {
			verdict.Observed = outcome.Observed
		}
		e.logger.Warn("Test case aborted",
			zap.String("table", env.Table().FQN()),
			zap.String("test_case", tc.Name),
			zap.String("column", tc.Column),
			zap.String("kind", string(verdict.AbortReason)),
			zap.String("error", logging.SanitizeError(err)))
	case outcome.Pass:
		_ = run.advance(RulePass)
	default:
		_ = run.advance(RuleFail)
	}

	verdict.Status = models.VerdictStatus(run.state)
	if err == nil {
		verdict.Observed = outcome.Observed
		verdict.Message = outcome.Message
		if len(outcome.Incomplete) > 0 {
			verdict.Message += fmt.Sprintf(" (incomplete: runners %s failed)", strings.Join(outcome.Incomplete, ", "))
		}
	}
	verdict.Timestamp = e.now().UTC()

	e.recorder.VerdictRecorded(tc.Type, string(verdict.Status))
	return verdict
}

// run moves the rule to Evaluating and calls its definition. A panic in
// the definition is converted into an error for this rule only.
func (e *validationEvaluator) run(ctx context.Context, run *ruleRun, env validations.Env) (out *validations.Outcome, err error) {
	tc := run.tc
	def, err := e.registry.Resolve(tc.Type)
	if err != nil {
		return nil, err
	}

	in := validations.Input{Case: tc, Params: validations.Params(tc.Parameters), Env: env}
	if def.Scope == validations.ColumnScope {
		if tc.Column == "" {
			return nil, fmt.Errorf("%s needs a column: %w", tc.Type, apperrors.ErrInvalidParameter)
		}
		col, ok := models.FindColumn(env.Columns(), tc.Column)
		if !ok {
			return nil, fmt.Errorf("column %q not found in %s: %w", tc.Column, env.Table().FQN(), apperrors.ErrInvalidParameter)
		}
		in.Column = col
	}

	if err := run.advance(RuleEvaluating); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("test case %s panicked: %v", tc.Name, p)
		}
	}()

	o, err := def.Evaluate(ctx, in)
	return &o, err
}
