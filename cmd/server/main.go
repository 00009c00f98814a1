// Command server runs the binsight translation service: it accepts binary
// uploads, decompiles them, and translates the artifacts to plain-language
// descriptions through the configured LLM backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/config"
	"github.com/binsight/binsight-ai/internal/logging"
	"github.com/binsight/binsight-ai/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "binsight: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the YAML config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := config.NewManager(*configPath)
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := mgr.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := mgr.Get()

	log, level, err := logging.NewWithLevel(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	srv, err := server.NewServer(ctx, cfg, log)
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}
	log.Info("binsight server started",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port))

	// Config file changes apply the log level in place; everything else
	// needs a restart.
	go func() {
		for updated := range mgr.Watch(ctx) {
			if err := level.UnmarshalText([]byte(updated.Logging.Level)); err != nil {
				log.Warn("ignoring invalid log level from config reload",
					zap.String("level", updated.Logging.Level))
				continue
			}
			log.Info("log level updated", zap.String("level", updated.Logging.Level))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}
	return nil
}
