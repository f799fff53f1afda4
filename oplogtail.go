package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/oplogtail/admin"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/maxpert/oplogtail/mongo"
	"github.com/maxpert/oplogtail/tailer"
	_ "github.com/maxpert/oplogtail/tailer/sink"
	_ "github.com/maxpert/oplogtail/tailer/transformer"
	"github.com/maxpert/oplogtail/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Int("tailers", len(cfg.Config.Tailers)).Msg("oplogtail - MongoDB oplog change forwarder")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := tailer.NewRegistry(ctx, tailer.RegistryConfig{
		Tailers:    cfg.Config.Tailers,
		Checkpoint: cfg.Config.Checkpoint,
		Filter:     cfg.Config.Filter,
		Sinks:      cfg.Config.Sinks,
		OpenSource: mongo.NewSource,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tailers")
		return
	}

	if err := registry.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tailers")
		return
	}

	lagCollector := telemetry.NewLagCollector(
		registry,
		time.Duration(cfg.Config.Prometheus.LagCollectIntervalSecs)*time.Second,
	)
	lagCollector.Start()
	defer lagCollector.Stop()

	if cfg.Config.Admin.Enabled {
		adminServer, err := admin.Start(cfg.Config.Admin, admin.NewAdminHandlers(registry))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := adminServer.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	go handleSignals(registry)

	log.Info().Msg("oplogtail started successfully")

	if err := registry.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Tailer stopped with a fatal error")
		return
	}
	log.Info().Msg("All tailers stopped")
}

// handleSignals maps SIGINT/SIGTERM to a graceful stop and SIGUSR1 to a
// checkpoint of every tailer
func handleSignals(registry *tailer.Registry) {
	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for sig := range signals {
		switch sig {
		case syscall.SIGUSR1:
			log.Info().Msg("Checkpoint requested by signal")
			registry.CheckpointNow()
		default:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			registry.Stop()
			signal.Stop(signals)
			return
		}
	}
}
