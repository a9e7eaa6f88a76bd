package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/postgres"
	_ "github.com/ekaya-inc/ekaya-quality/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ekaya-quality/pkg/catalog"
	"github.com/ekaya-inc/ekaya-quality/pkg/config"
	"github.com/ekaya-inc/ekaya-quality/pkg/logging"
	"github.com/ekaya-inc/ekaya-quality/pkg/services"
	"github.com/ekaya-inc/ekaya-quality/pkg/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

const (
	exitOK        = 0
	exitInitError = 1
	exitUnclean   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultPath, "path to config.yaml")
	suitePath := flag.String("suite", "", "path to the check suite (overrides suite_path)")
	tables := flag.String("tables", "", "comma-separated tables to run (default: all)")
	flag.Parse()

	cfg, err := config.Load(*configPath, Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitInitError
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return exitInitError
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("catalog", cfg.Catalog.Type),
		zap.Int64("max_merge_bytes", cfg.Engine.MaxMergeBytes),
		zap.Duration("runner_timeout", cfg.Engine.RunnerTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *suitePath == "" {
		*suitePath = cfg.SuitePath
	}
	factory := datasource.NewRunnerFactory(nil, logger)
	var knownTypes []string
	for _, info := range factory.ListTypes() {
		knownTypes = append(knownTypes, info.Type)
	}
	suite, err := config.LoadSuite(*suitePath, knownTypes)
	if err != nil {
		logger.Error("Failed to load suite", zap.String("path", *suitePath), zap.Error(err))
		return exitInitError
	}
	var only []string
	if *tables != "" {
		only = strings.Split(*tables, ",")
	}
	plans, err := suite.Plans(only)
	if err != nil {
		logger.Error("Failed to select tables", zap.Error(err))
		return exitInitError
	}

	recorder, err := telemetry.NewPrometheus(cfg.Telemetry.PushgatewayURL, cfg.Telemetry.Job)
	if err != nil {
		logger.Error("Failed to create telemetry recorder", zap.Error(err))
		return exitInitError
	}

	cat, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open catalog",
			zap.String("type", cfg.Catalog.Type),
			zap.String("error", logging.SanitizeError(err)))
		return exitInitError
	}
	sink := services.NewResultSink(cat, recorder, logger)
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("Failed to close catalog", zap.Error(err))
		}
	}()

	connMgr := datasource.NewConnectionManager(cfg.Datasource.ConnectionManager(), logger)
	defer func() {
		if err := connMgr.Close(); err != nil {
			logger.Warn("Failed to close datasource pools", zap.Error(err))
		}
	}()

	engine := services.NewEngine(cfg.Engine.ServiceConfig(), services.EngineDeps{
		Factory:  datasource.NewRunnerFactory(connMgr, logger),
		Catalog:  cat,
		Sink:     sink,
		Recorder: recorder,
	}, logger)

	summary, runErr := engine.Run(ctx, plans)
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logger.Error("Failed to encode run summary", zap.Error(err))
	} else {
		fmt.Println(string(out))
	}
	if runErr != nil {
		logger.Warn("Run interrupted", zap.Error(runErr))
		return exitUnclean
	}
	if !summary.Clean() {
		return exitUnclean
	}
	return exitOK
}

func openCatalog(ctx context.Context, cfg *config.Config, logger *zap.Logger) (catalog.Catalog, error) {
	switch catalog.Type(strings.ToLower(cfg.Catalog.Type)) {
	case catalog.TypePostgres:
		return catalog.OpenPostgresStore(ctx, cfg.Catalog.Database.Store(), logger)
	default:
		return catalog.NewRESTClient(catalog.RESTConfig{
			BaseURL: cfg.Catalog.BaseURL,
			Token:   cfg.Catalog.Token,
			Timeout: cfg.Catalog.Timeout,
		}, logger)
	}
}
