package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/retry"
)

const (
	DefaultPoolMaxConns = 10
	DefaultPoolMinConns = 1
	DefaultHealthCheck  = 5 * time.Second
)

// ConnectionManagerConfig holds configuration for the connection manager.
type ConnectionManagerConfig struct {
	PoolMaxConns int32
	PoolMinConns int32
	IdleTimeout  time.Duration
	Retry        *retry.Config
}

// OpenFunc creates a new pool for a connection string.
type OpenFunc func(ctx context.Context) (PoolConnector, error)

// ConnectionManager shares one pool between all partitions that point at the
// same datasource. Pools live until Close.
type ConnectionManager struct {
	mu      sync.Mutex
	pools   map[string]*managedPool // key: "{type}:{xxh3(dsn)}"
	cfg     ConnectionManagerConfig
	stopped bool
	logger  *zap.Logger
}

type managedPool struct {
	conn     PoolConnector
	refs     int
	lastUsed time.Time
}

// NewConnectionManager creates a connection manager with the given configuration.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns <= 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultConfig()
	}
	return &ConnectionManager{
		pools:  make(map[string]*managedPool),
		cfg:    cfg,
		logger: logger.Named("connections"),
	}
}

// Config returns the effective configuration.
func (m *ConnectionManager) Config() ConnectionManagerConfig {
	return m.cfg
}

// PoolKey derives the pool key. The DSN is hashed so credentials never
// appear in keys or logs.
func PoolKey(dsType, connString string) string {
	return fmt.Sprintf("%s:%016x", dsType, xxh3.HashString(connString))
}

// Acquire returns the shared pool for (dsType, connString), creating it with
// open on first use. Existing pools are health-checked and recreated when the
// check fails.
func (m *ConnectionManager) Acquire(ctx context.Context, dsType, connString string, open OpenFunc) (PoolConnector, error) {
	key := PoolKey(dsType, connString)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("connection manager closed")
	}

	if managed, ok := m.pools[key]; ok {
		healthCtx, cancel := context.WithTimeout(ctx, DefaultHealthCheck)
		err := retry.Do(healthCtx, m.cfg.Retry, func() error {
			return managed.conn.Ping(healthCtx)
		})
		cancel()
		if err == nil {
			managed.refs++
			managed.lastUsed = time.Now()
			return managed.conn, nil
		}

		m.logger.Warn("connection unhealthy, recreating",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)),
		)
		_ = managed.conn.Close()
		delete(m.pools, key)
	}

	conn, err := retry.DoWithResult(ctx, m.cfg.Retry, func() (PoolConnector, error) {
		c, err := open(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		m.logger.Error("failed to create pool after retries",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("failed to create pool for %s after retries: %w", key, err)
	}

	m.pools[key] = &managedPool{conn: conn, refs: 1, lastUsed: time.Now()}
	m.logger.Info("created new connection pool",
		zap.String("key", key),
		zap.String("type", conn.GetType()),
	)
	return conn, nil
}

// Release drops one reference. The pool stays open for reuse until Close.
func (m *ConnectionManager) Release(dsType, connString string) {
	key := PoolKey(dsType, connString)

	m.mu.Lock()
	defer m.mu.Unlock()

	if managed, ok := m.pools[key]; ok && managed.refs > 0 {
		managed.refs--
	}
}

// Close closes every pool. Idempotent.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	var first error
	for key, managed := range m.pools {
		if err := managed.conn.Close(); err != nil && first == nil {
			first = fmt.Errorf("close pool %s: %w", key, err)
		}
	}
	m.pools = make(map[string]*managedPool)
	m.logger.Info("connection manager closed")
	return first
}

// GetStats returns statistics about the connection manager.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ConnectionStats{
		TotalPools:  len(m.pools),
		PoolsByType: make(map[string]int),
	}
	for _, managed := range m.pools {
		stats.PoolsByType[managed.conn.GetType()]++
		stats.References += managed.refs
	}
	return stats
}

// ConnectionStats contains statistics about the connection manager state.
type ConnectionStats struct {
	TotalPools  int            `json:"total_pools"`
	References  int            `json:"references"`
	PoolsByType map[string]int `json:"pools_by_type"`
}
