package mssql

import (
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
)

// Authentication methods.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

const (
	defaultPort              = 1433
	defaultConnectionTimeout = 30
	defaultSchema            = "dbo"
)

// Config holds the SQL Server settings of a suite datasource.
type Config struct {
	Host     string
	Port     int
	Database string
	Schema   string // used by partitions that name none

	AuthMethod string
	Username   string
	Password   string

	// Azure AD service principal
	TenantID     string
	ClientID     string
	ClientSecret string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int // seconds
}

// FromMap reads a suite datasource block. Without auth_method, a client_id
// selects a service principal and a username selects SQL authentication.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{}
	var ok bool
	if cfg.Host, ok = datasource.StringOption(config, "host"); !ok {
		return nil, errors.New("host is required")
	}
	if cfg.Database, ok = datasource.StringOption(config, "database"); !ok {
		return nil, errors.New("database is required")
	}
	cfg.Schema, _ = datasource.StringOption(config, "schema")

	var err error
	if cfg.Port, err = datasource.IntOption(config, "port", defaultPort); err != nil {
		return nil, err
	}
	if cfg.ConnectionTimeout, err = datasource.IntOption(config, "connection_timeout", defaultConnectionTimeout); err != nil {
		return nil, err
	}
	if cfg.TrustServerCertificate, err = datasource.BoolOption(config, "trust_server_certificate", false); err != nil {
		return nil, err
	}
	// go-mssqldb also accepts "strict", which implies encryption.
	if s, _ := config["encrypt"].(string); s == "strict" {
		cfg.Encrypt = true
	} else if cfg.Encrypt, err = datasource.BoolOption(config, "encrypt", true); err != nil {
		return nil, err
	}

	cfg.Username, _ = datasource.StringOption(config, "username", "user")
	cfg.Password, _ = config["password"].(string)
	cfg.TenantID, _ = datasource.StringOption(config, "tenant_id")
	cfg.ClientID, _ = datasource.StringOption(config, "client_id")
	cfg.ClientSecret, _ = datasource.StringOption(config, "client_secret")

	cfg.AuthMethod, _ = datasource.StringOption(config, "auth_method")
	if cfg.AuthMethod == "" {
		switch {
		case cfg.ClientID != "":
			cfg.AuthMethod = AuthServicePrincipal
		case cfg.Username != "":
			cfg.AuthMethod = AuthSQL
		default:
			return nil, errors.New("could not auto-detect auth method; no credentials provided")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultSchema is the schema partitions without one are read from.
func (c *Config) DefaultSchema() string {
	if c.Schema != "" {
		return c.Schema
	}
	return defaultSchema
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Database == "" {
		return errors.New("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.AuthMethod {
	case AuthSQL:
		if c.Username == "" {
			return errors.New("username is required for SQL authentication")
		}
	case AuthServicePrincipal:
		for _, f := range []struct{ name, value string }{
			{"tenant_id", c.TenantID}, {"client_id", c.ClientID}, {"client_secret", c.ClientSecret},
		} {
			if f.value == "" {
				return fmt.Errorf("%s is required for service principal authentication", f.name)
			}
		}
	default:
		return fmt.Errorf("invalid auth method: %s (must be %s or %s)", c.AuthMethod, AuthSQL, AuthServicePrincipal)
	}
	return nil
}
