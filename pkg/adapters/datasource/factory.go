package datasource

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// RunnerFactory opens runners from the adapter registry.
type RunnerFactory interface {
	// NewRunner opens a runner of the given datasource type for one partition.
	NewRunner(ctx context.Context, dsType string, config map[string]any, part Partition) (Runner, error)

	// NewRunners opens one runner per partition, in order. On failure every
	// runner opened so far is closed.
	NewRunners(ctx context.Context, dsType string, config map[string]any, parts []Partition) ([]Runner, error)

	// ListTypes returns info for all registered adapter types.
	ListTypes() []AdapterInfo
}

type registryFactory struct {
	connMgr *ConnectionManager
	logger  *zap.Logger
}

// NewRunnerFactory returns a factory that uses the global registry.
func NewRunnerFactory(connMgr *ConnectionManager, logger *zap.Logger) RunnerFactory {
	return &registryFactory{
		connMgr: connMgr,
		logger:  logger,
	}
}

func (f *registryFactory) NewRunner(ctx context.Context, dsType string, config map[string]any, part Partition) (Runner, error) {
	factory := GetFactory(dsType)
	if factory == nil {
		return nil, fmt.Errorf("unsupported datasource type: %s (not compiled in)", dsType)
	}
	return factory(ctx, config, part, f.connMgr, f.logger)
}

func (f *registryFactory) NewRunners(ctx context.Context, dsType string, config map[string]any, parts []Partition) ([]Runner, error) {
	runners := make([]Runner, 0, len(parts))
	for _, part := range parts {
		r, err := f.NewRunner(ctx, dsType, config, part)
		if err != nil {
			CloseAll(runners)
			return nil, fmt.Errorf("open runner for %s: %w", part.Source.Table, err)
		}
		runners = append(runners, r)
	}
	return runners, nil
}

func (f *registryFactory) ListTypes() []AdapterInfo {
	return RegisteredAdapters()
}

// CloseAll closes every runner, returning the first error.
func CloseAll(runners []Runner) error {
	var first error
	for _, r := range runners {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Ensure registryFactory implements RunnerFactory at compile time.
var _ RunnerFactory = (*registryFactory)(nil)
