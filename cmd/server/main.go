// Package main is the entry point for the fuzzpool MCP server.
//
// The fuzzpool server provisions a fixed-capacity pool of paired fuzzing
// sandboxes (one address-sanitized, one coverage-instrumented per slot)
// for a benchmark project and exposes checkout, compile, fuzz, coverage
// and rewrite operations to an LLM-driven pipeline over the Model
// Context Protocol, on stdio or HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/fuzzpool/config"
	"github.com/isdmx/fuzzpool/logger"
	"github.com/isdmx/fuzzpool/mcpserver"
	"github.com/isdmx/fuzzpool/sandbox"
)

// newPool provisions the sandbox pool for the configured benchmark.
// This is the front-loaded cost of the whole trial: every container is
// started here, serially, before the server accepts any tool call.
func newPool(cfg *config.Config, log *zap.Logger) (*sandbox.Pool, error) {
	runner := sandbox.NewExecRunner(log)
	preparer := sandbox.NewHelperImagePreparer(log, runner, cfg.Sandbox.Runtime, cfg.Sandbox.OSSFuzzDir)

	bench := sandbox.Benchmark{
		Project:    cfg.Benchmark.Project,
		Language:   cfg.Benchmark.Language,
		TargetName: cfg.Benchmark.TargetName,
		TargetPath: cfg.Benchmark.TargetPath,
	}
	settings := sandbox.Settings{
		RuntimeBin:    cfg.Sandbox.Runtime,
		OSSFuzzDir:    cfg.Sandbox.OSSFuzzDir,
		Engine:        cfg.Sandbox.Engine,
		Platform:      cfg.Sandbox.Platform,
		UseBuildCache: cfg.Sandbox.UseBuildCache,
	}

	return sandbox.NewPool(context.Background(), log, preparer, bench,
		cfg.Pool.Capacity, cfg.Pool.TotalCores, settings,
		sandbox.WithCommandRunner(runner))
}

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// The sandbox pool for the configured benchmark
			newPool,

			// MCP Server
			mcpserver.New,
		),

		// Tear the pool down with the process
		fx.Invoke(
			func(lc fx.Lifecycle, pool *sandbox.Pool) {
				lc.Append(fx.Hook{
					OnStop: func(ctx context.Context) error {
						return pool.Close(ctx)
					},
				})
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
