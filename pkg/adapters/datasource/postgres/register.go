package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "Connect to PostgreSQL 12+, Aurora PostgreSQL, Supabase",
		},
		Factory: func(ctx context.Context, config map[string]any, part datasource.Partition, connMgr *datasource.ConnectionManager, _ *zap.Logger) (datasource.Runner, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return NewRunner(ctx, cfg, part, connMgr)
		},
	})
}
