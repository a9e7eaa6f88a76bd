package sqlite

import (
	"fmt"
	"strings"
)

// Config contains SQLite connection options.
type Config struct {
	// DSN is passed to the modernc driver, e.g. "quality.db" or
	// "file:quality.db?mode=ro".
	DSN string
}

// FromMap creates a Config from a generic config map. "path" is accepted as
// an alias of "dsn".
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{}
	if dsn, ok := config["dsn"].(string); ok {
		cfg.DSN = dsn
	} else if path, ok := config["path"].(string); ok {
		cfg.DSN = path
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	return cfg, nil
}

// InMemory reports whether the DSN names a private in-memory database, which
// must be served by a single connection.
func (c *Config) InMemory() bool {
	return c.DSN == ":memory:" || strings.Contains(c.DSN, "mode=memory")
}
