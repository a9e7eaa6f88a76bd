package mssql

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
)

// integrationConfig reads SQL auth settings from the environment or skips.
func integrationConfig(t *testing.T) *Config {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	host := os.Getenv("MSSQL_HOST")
	user := os.Getenv("MSSQL_USER")
	password := os.Getenv("MSSQL_PASSWORD")
	database := os.Getenv("MSSQL_DATABASE")
	if host == "" || user == "" || password == "" || database == "" {
		t.Skip("skipping integration test: MSSQL_HOST, MSSQL_USER, MSSQL_PASSWORD, or MSSQL_DATABASE not set")
	}

	port := 1433
	if p := os.Getenv("MSSQL_PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			t.Fatalf("invalid MSSQL_PORT: %v", err)
		}
	}

	return &Config{
		Host:       host,
		Port:       port,
		Database:   database,
		AuthMethod: "sql",
		Username:   user,
		Password:   password,
		Encrypt:    false,
	}
}

func TestRunner_QueryRow_SQLAuth(t *testing.T) {
	cfg := integrationConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r, err := NewRunner(ctx, cfg, datasource.Partition{Source: datasource.Source{Table: "sys_check"}}, nil)
	require.NoError(t, err)
	defer r.Close()

	row, err := r.QueryRow(ctx, "SELECT CAST(1.25 AS DECIMAL(5,2)) AS d, N'abc' AS s")
	require.NoError(t, err)
	require.Len(t, row, 2)
	assert.Equal(t, "abc", row[1])
	assert.Equal(t, "mssql:dbo.sys_check", r.ID())
}

func TestRunner_SharesPoolThroughConnectionManager(t *testing.T) {
	cfg := integrationConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{PoolMaxConns: 4, PoolMinConns: 1}, zaptest.NewLogger(t))
	defer connMgr.Close()

	a, err := NewRunner(ctx, cfg, datasource.Partition{ID: "a", Source: datasource.Source{Table: "t"}}, connMgr)
	require.NoError(t, err)
	b, err := NewRunner(ctx, cfg, datasource.Partition{ID: "b", Source: datasource.Source{Table: "t", Predicate: "1 = 0"}}, connMgr)
	require.NoError(t, err)

	assert.Same(t, a.DB(), b.DB())
	assert.Equal(t, 1, connMgr.GetStats().TotalPools)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}
