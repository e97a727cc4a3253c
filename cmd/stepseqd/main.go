// Command stepseqd runs the collaborative step sequencer backend: the
// WebSocket session endpoint, the REST metadata API, and the hybrid
// hot/cold persistence behind them.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/stepseq/stepseq/internal/config"
	"github.com/stepseq/stepseq/internal/events"
	"github.com/stepseq/stepseq/internal/monitoring"
	"github.com/stepseq/stepseq/internal/protocol"
	"github.com/stepseq/stepseq/internal/server"
	"github.com/stepseq/stepseq/internal/session"
	"github.com/stepseq/stepseq/internal/store"
)

func main() {
	debug := flag.Bool("debug", false, "force debug logging")
	flag.Parse()

	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("configuration failed")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	hot, err := store.OpenHotStore(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	defer hot.Close()

	cold, err := store.NewColdStore(store.ColdConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}
	defer cold.Close()

	var bus events.Publisher = events.NopPublisher{}
	if cfg.NATSURL != "" {
		natsBus, err := events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		bus = natsBus
	}
	defer bus.Close()

	policy, err := protocol.ParseLockPolicy(cfg.LockPolicy)
	if err != nil {
		return err
	}

	registry := session.NewRegistry(hot, cold, bus, policy, logger)
	srv := server.New(cfg, logger, registry, cold)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
