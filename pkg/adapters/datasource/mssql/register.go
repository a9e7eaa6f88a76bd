package mssql

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Type:        "mssql",
			DisplayName: "Microsoft SQL Server",
			Description: "Connect to SQL Server 2019+, Azure SQL Database",
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
