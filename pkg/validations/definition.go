// Package validations defines the rule kinds a test case can name and how
// each one turns metric values or query results into a pass/fail outcome.
package validations

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Scope says whether a rule targets the table or one of its columns.
type Scope int

const (
	TableScope Scope = iota
	ColumnScope
)

// ScalarQuery renders a statement returning one numeric value for one
// partition, given the runner's dialect and FROM target.
type ScalarQuery func(d datasource.Dialect, from string) string

// Env is what a rule may ask of the engine while it evaluates.
type Env interface {
	Table() models.TableRef
	Columns() []models.Column

	// Metric returns the merged value of a metric, computing it if the
	// profile pass did not.
	Metric(ctx context.Context, column, name string) (models.MetricValue, error)

	// CustomQuery runs a free-form query on every runner and concatenates
	// the rows in runner order.
	CustomQuery(ctx context.Context, query string) (*models.ResultSet, error)

	// ScalarSum runs a per-partition scalar query and sums the results.
	ScalarSum(ctx context.Context, q ScalarQuery) (models.MetricValue, error)
}

// Input is a single evaluation request.
type Input struct {
	Case   models.TestCase
	Column models.Column // zero for table rules
	Params Params
	Env    Env
}

// Outcome is the result of a rule whose computation succeeded.
type Outcome struct {
	Pass     bool
	Observed []models.ObservedValue
	Message  string
	// Incomplete lists runners whose contribution is missing.
	Incomplete []string
}

// EvalFunc evaluates one rule. A returned error aborts the rule.
type EvalFunc func(ctx context.Context, in Input) (Outcome, error)

// Definition is a registered rule kind.
type Definition struct {
	Type        string
	Scope       Scope
	Description string
	Evaluate    EvalFunc
}

// Registry maps rule types to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// NewDefaultRegistry holds every built-in rule kind.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range Builtins() {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(d *Definition) error {
	if d == nil || d.Type == "" || d.Evaluate == nil {
		return fmt.Errorf("test definition needs a type and an evaluate function")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[d.Type]; exists {
		return fmt.Errorf("test definition %s already registered", d.Type)
	}
	r.defs[d.Type] = d
	return nil
}

// Resolve looks up a rule kind.
func (r *Registry) Resolve(testType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[testType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownTestDefinition, testType)
	}
	return d, nil
}

// Types returns every registered rule type, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.defs))
	for t := range r.defs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
