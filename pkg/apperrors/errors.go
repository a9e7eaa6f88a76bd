package apperrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrNotComputable         = errors.New("metric not computable for column type")
	ErrUnknownMetric         = errors.New("unknown metric")
	ErrUnknownTestDefinition = errors.New("unknown test definition")
	ErrNoRunners             = errors.New("no runners bound to table")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrResourceExhausted     = errors.New("resource exhausted")
	ErrIncompleteResult      = errors.New("result is incomplete")
)

// FailureKind is the coarse category reported for an isolated failure.
type FailureKind string

const (
	KindNotComputable     FailureKind = "not_computable"
	KindRunnerFailure     FailureKind = "runner_failure"
	KindResourceExhausted FailureKind = "resource_exhausted"
	KindTransportFailure  FailureKind = "transport_failure"
	KindTimeout           FailureKind = "timeout"
	KindInvalidParameter  FailureKind = "invalid_parameter"
	KindInternal          FailureKind = "internal"
)

// RunnerError is the failure of one partition's operation.
type RunnerError struct {
	RunnerID string
	Err      error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner %s: %v", e.RunnerID, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }

// ResourceExhaustedError reports that a merge or concatenation crossed its
// configured size ceiling.
type ResourceExhaustedError struct {
	Scope          string
	Limit          int64
	Observed       int64
	Recommendation string
}

// DefaultRecommendation is attached when the caller has no better advice.
const DefaultRecommendation = "use a smaller sample size or split the table into more partitions"

func NewResourceExhausted(scope string, limit, observed int64) *ResourceExhaustedError {
	return &ResourceExhaustedError{
		Scope:          scope,
		Limit:          limit,
		Observed:       observed,
		Recommendation: DefaultRecommendation,
	}
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s exceeded memory bound (%d > %d bytes): %s",
		e.Scope, e.Observed, e.Limit, e.Recommendation)
}

func (e *ResourceExhaustedError) Is(target error) bool {
	return target == ErrResourceExhausted
}

// CatalogErrorKind distinguishes catalog failures for logging and retry decisions.
type CatalogErrorKind string

const (
	CatalogAuth        CatalogErrorKind = "auth"
	CatalogNotFound    CatalogErrorKind = "not_found"
	CatalogRateLimited CatalogErrorKind = "rate_limited"
	CatalogTransport   CatalogErrorKind = "transport"
)

// CatalogError is returned by every catalog client operation that fails.
type CatalogError struct {
	Kind       CatalogErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *CatalogError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("catalog %s (%s, status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("catalog %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

func (e *CatalogError) Is(target error) bool {
	return e.Kind == CatalogNotFound && target == ErrNotFound
}

// IsRetryable lets retry.DoIfRetryable skip permanent catalog failures.
func (e *CatalogError) IsRetryable() bool {
	return e.Kind == CatalogRateLimited || e.Kind == CatalogTransport
}

// CatalogKind returns the catalog error kind, or "" when err is not a catalog error.
func CatalogKind(err error) CatalogErrorKind {
	var ce *CatalogError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) FailureKind {
	var ce *CatalogError
	var re *RunnerError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotComputable):
		return KindNotComputable
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrUnknownMetric), errors.Is(err, ErrUnknownTestDefinition):
		return KindInvalidParameter
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &ce):
		return KindTransportFailure
	case errors.As(err, &re), errors.Is(err, ErrNoRunners), errors.Is(err, ErrIncompleteResult):
		return KindRunnerFailure
	default:
		return KindInternal
	}
}
