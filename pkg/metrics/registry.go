package metrics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-quality/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-quality/pkg/models"
)

// Registry maps metric names to definitions. It is written during
// initialization and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*Metric)}
}

// NewDefaultRegistry returns a registry holding every built-in metric.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range Builtins() {
		if err := r.Register(m); err != nil {
			panic(err) // built-ins are static; a failure here is a programming error
		}
	}
	return r
}

// Register adds a metric. Names are unique.
func (r *Registry) Register(m *Metric) error {
	if m == nil || m.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if !m.Composed() && (m.Zero == nil || m.Pushdown == nil || m.Fold == nil ||
		m.Reduce == nil || m.Merge == nil || m.Finalize == nil) {
		return fmt.Errorf("metric %s: reduced metrics need zero, pushdown, fold, reduce, merge and finalize", m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.metrics[m.Name]; exists {
		return fmt.Errorf("metric %s already registered", m.Name)
	}
	r.metrics[m.Name] = m
	return nil
}

// Resolve looks up a metric by name.
func (r *Registry) Resolve(name string) (*Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metrics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownMetric, name)
	}
	return m, nil
}

// Applicable reports whether m can be computed for col.
func (r *Registry) Applicable(m *Metric, col models.Column) bool {
	return m.AppliesTo(col)
}

// Names returns every registered metric name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plan resolves names plus everything they require and returns them in
// dependency order. Requested order is kept where dependencies allow.
// An empty request plans every registered metric.
func (r *Registry) Plan(names []string) ([]*Metric, error) {
	if len(names) == 0 {
		names = r.Names()
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var plan []*Metric

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("metric dependency cycle: %v -> %s", path, name)
		}
		m, err := r.Resolve(name)
		if err != nil {
			return err
		}
		state[name] = visiting
		for _, dep := range m.Requires {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		plan = append(plan, m)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return plan, nil
}
