package validations

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// observer collects observed values while a rule evaluates.
type observer struct {
	out Outcome
}

func (o *observer) record(name, value string) {
	o.out.Observed = append(o.out.Observed, models.ObservedValue{Name: name, Value: value})
}

func (o *observer) noteIncomplete(runners []string) {
	for _, r := range runners {
		dup := false
		for _, seen := range o.out.Incomplete {
			if seen == r {
				dup = true
				break
			}
		}
		if !dup {
			o.out.Incomplete = append(o.out.Incomplete, r)
		}
	}
}

// number turns a metric value into a scalar. A value that is not a real
// measurement becomes an error, so the rule aborts instead of passing or
// failing on a placeholder.
func (o *observer) number(name string, mv models.MetricValue) (float64, error) {
	switch mv.Status {
	case models.ValueNotComputable:
		return 0, fmt.Errorf("%s is not computable (%s): %w", name, mv.Error, apperrors.ErrNotComputable)
	case models.ValueFailed:
		return 0, fmt.Errorf("%s failed: %s: %w", name, mv.Error, apperrors.ErrIncompleteResult)
	}
	v, ok := mv.Number()
	if !ok {
		return 0, fmt.Errorf("%s has no non-null observations: %w", name, apperrors.ErrNotComputable)
	}
	if mv.Incomplete {
		o.noteIncomplete(mv.FailedRunners)
	}
	o.record(name, formatNumber(v))
	return v, nil
}

// metric fetches and records one metric of the rule's target.
func (o *observer) metric(ctx context.Context, in Input, name string) (float64, error) {
	mv, err := in.Env.Metric(ctx, in.Column.Name, name)
	if err != nil {
		return 0, err
	}
	return o.number(name, mv)
}

func (o *observer) finish(pass bool, format string, args ...any) Outcome {
	o.out.Pass = pass
	o.out.Message = fmt.Sprintf(format, args...)
	return o.out
}

func verb(pass bool) string {
	if pass {
		return "is within"
	}
	return "is outside"
}
