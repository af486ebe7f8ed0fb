// Package main is the entry point for the tradegate event gateway daemon.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"tradegate/internal/app"
	"tradegate/internal/config"
	"tradegate/internal/logging"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Build(cfg.App.LogLevel, cfg.App.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := app.New(cfg, log).Run(); err != nil {
		log.Error("tradegate_exit", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}
