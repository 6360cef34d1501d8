// migrate applies the embedded SQL migrations: go run ./cmd/migrate [-direction=down] [-version].
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/config"
	"push-auth-control-plane/backend/internal/db/migrate"
	"push-auth-control-plane/backend/internal/logger"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	versionOnly := flag.Bool("version", false, "Print the applied schema version and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; export it or add it to .env")
	}

	if !*versionOnly {
		if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
			log.Fatal("migrate failed", zap.String("direction", *direction), zap.Error(err))
		}
	}

	version, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("read schema version", zap.Error(err))
	}
	if dirty {
		log.Warn("schema is dirty; fix the failed migration and force the version", zap.Uint("version", version))
		os.Exit(1)
	}
	log.Info("schema version", zap.Uint("version", version))
}
