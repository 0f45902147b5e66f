// SND risk engine - behavioral risk scoring for authentication events
package main

import (
	"context"
	"os"
	"time"

	"github.com/sndlabs/snd/internal/config"
	"github.com/sndlabs/snd/internal/logging"
	"github.com/sndlabs/snd/internal/server"
	"github.com/sndlabs/snd/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting snd risk engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"store", cfg.StoreDriver,
		"ai_weight", cfg.AIWeight,
		"rules_weight", cfg.RulesWeight,
		"persist_max_risk", cfg.PersistMaxRisk,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTelEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
