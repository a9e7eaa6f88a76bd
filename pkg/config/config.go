package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-quality/pkg/catalog"
	"github.com/ekaya-inc/ekaya-quality/pkg/database"
	"github.com/ekaya-inc/ekaya-quality/pkg/metrics"
	"github.com/ekaya-inc/ekaya-quality/pkg/services"
)

// DefaultPath is read when no -config flag is given.
const DefaultPath = "config.yaml"

// Config holds all configuration for ekaya-quality.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, tokens) must only come from environment variables.
type Config struct {
	Env       string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	SuitePath string `yaml:"suite_path" env:"SUITE_PATH" env-default:"suite.yaml"`
	Version   string `yaml:"-"` // Set at load time, not from config

	Engine     EngineConfig     `yaml:"engine"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Datasource DatasourceConfig `yaml:"datasource"`
}

// EngineConfig holds run-wide limits. Suite tables may override the limits.
type EngineConfig struct {
	MaxMergeBytes int64         `yaml:"max_merge_bytes" env:"ENGINE_MAX_MERGE_BYTES" env-default:"268435456"`
	RunnerTimeout time.Duration `yaml:"runner_timeout" env:"ENGINE_RUNNER_TIMEOUT" env-default:"5m"`
	TableTimeout  time.Duration `yaml:"table_timeout" env:"ENGINE_TABLE_TIMEOUT" env-default:"30m"`
	// TolerateRunnerFailures is YAML only; nil means true.
	TolerateRunnerFailures *bool `yaml:"tolerate_runner_failures"`
	MaxParallelTables      int   `yaml:"max_parallel_tables" env:"ENGINE_MAX_PARALLEL_TABLES" env-default:"4"`
	MaxParallelRunners     int   `yaml:"max_parallel_runners" env:"ENGINE_MAX_PARALLEL_RUNNERS" env-default:"8"`
	// SampleRows is the size of the persisted sample; negative disables it.
	SampleRows         int `yaml:"sample_rows" env:"ENGINE_SAMPLE_ROWS" env-default:"50"`
	HistogramBins      int `yaml:"histogram_bins" env:"ENGINE_HISTOGRAM_BINS" env-default:"10"`
	DistinctExactLimit int `yaml:"distinct_exact_limit" env:"ENGINE_DISTINCT_EXACT_LIMIT" env-default:"100000"`
}

// CatalogConfig selects and configures the catalog the engine reads schemas
// from and writes results to.
type CatalogConfig struct {
	Type     string         `yaml:"type" env:"CATALOG_TYPE" env-default:"rest"`
	BaseURL  string         `yaml:"base_url" env:"CATALOG_BASE_URL" env-default:""`
	Token    string         `yaml:"-" env:"CATALOG_TOKEN"` // Secret - not in YAML
	Timeout  time.Duration  `yaml:"timeout" env:"CATALOG_TIMEOUT" env-default:"30s"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds the PostgreSQL catalog store connection.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_quality"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// TelemetryConfig configures the end-of-run Pushgateway flush.
type TelemetryConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL" env-default:""`
	Job            string `yaml:"job" env:"PUSHGATEWAY_JOB" env-default:"ekaya_quality"`
}

// DatasourceConfig holds datasource connection pool settings.
type DatasourceConfig struct {
	// ConnectionTTLMinutes is how long idle datasource pools are kept alive.
	ConnectionTTLMinutes int   `yaml:"connection_ttl_minutes" env:"DATASOURCE_CONNECTION_TTL_MINUTES" env-default:"5"`
	PoolMaxConns         int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"10"`
	PoolMinConns         int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"1"`
}

// Load reads configuration from path with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, CATALOG_TOKEN) must come from environment variables.
func Load(path, version string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Catalog.Database.Host = ResolveHostForDocker(cfg.Catalog.Database.Host)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields Load cannot default.
func (c *Config) Validate() error {
	switch catalog.Type(strings.ToLower(c.Catalog.Type)) {
	case catalog.TypeREST:
		if c.Catalog.BaseURL == "" {
			return fmt.Errorf("catalog.base_url is required for the rest catalog")
		}
		if _, err := url.ParseRequestURI(c.Catalog.BaseURL); err != nil {
			return fmt.Errorf("catalog.base_url: %w", err)
		}
	case catalog.TypePostgres:
		if c.Catalog.Database.Host == "" || c.Catalog.Database.Database == "" {
			return fmt.Errorf("catalog.database host and database are required for the postgres catalog")
		}
	default:
		return fmt.Errorf("catalog.type %q must be rest or postgres", c.Catalog.Type)
	}

	if c.Engine.MaxMergeBytes < 0 {
		return fmt.Errorf("engine.max_merge_bytes must not be negative")
	}
	if c.Engine.RunnerTimeout < 0 || c.Engine.TableTimeout < 0 {
		return fmt.Errorf("engine timeouts must not be negative")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store returns the connection settings for the Postgres catalog store.
func (c *DatabaseConfig) Store() *database.Config {
	return &database.Config{
		URL:            c.ConnectionString(),
		MaxConnections: c.MaxConnections,
	}
}

// ServiceConfig maps the engine section onto the engine's own settings.
func (c *EngineConfig) ServiceConfig() services.EngineConfig {
	return services.EngineConfig{
		Coordinator: services.CoordinatorConfig{
			RunnerTimeout:          c.RunnerTimeout,
			MaxMergeBytes:          c.MaxMergeBytes,
			MaxParallelRunners:     c.MaxParallelRunners,
			TolerateRunnerFailures: c.TolerateRunnerFailures == nil || *c.TolerateRunnerFailures,
			MetricOptions: metrics.Options{
				HistogramBins:      c.HistogramBins,
				DistinctExactLimit: c.DistinctExactLimit,
			},
		},
		TableTimeout:      c.TableTimeout,
		MaxParallelTables: c.MaxParallelTables,
		SampleRows:        c.SampleRows,
	}
}

// ConnectionManager returns the pool settings shared by all datasources.
func (c *DatasourceConfig) ConnectionManager() datasource.ConnectionManagerConfig {
	return datasource.ConnectionManagerConfig{
		PoolMaxConns: c.PoolMaxConns,
		PoolMinConns: c.PoolMinConns,
		IdleTimeout:  time.Duration(c.ConnectionTTLMinutes) * time.Minute,
	}
}
