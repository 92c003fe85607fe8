// Context Warden gateway entrypoint.
//
// DESIGN: Wire-up only. All behavior lives in internal/; main loads config,
// constructs the budget pipeline bottom-up (counter, partitioner, store,
// indexer, backend, engine, truncator, manager), and runs the HTTP server
// until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/contextwarden/gateway/internal/budget"
	"github.com/contextwarden/gateway/internal/chunk"
	"github.com/contextwarden/gateway/internal/condense"
	"github.com/contextwarden/gateway/internal/config"
	"github.com/contextwarden/gateway/internal/gateway"
	"github.com/contextwarden/gateway/internal/monitoring"
	"github.com/contextwarden/gateway/internal/utils"
)

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load()
	initLogging(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			log.Warn().Str("path", *configPath).Msg("config file not found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatal().Err(err).Msg("load config")
		}
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}

// initLogging picks console output for terminals and JSON otherwise.
func initLogging(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

func run(cfg *config.Config) error {
	counter := budget.NewTokenCounter(cfg.Counting)
	risk := budget.NewRiskAnalyzer(cfg.Risk)
	truncator := budget.NewEmergencyTruncator(counter)

	partitioner := chunk.NewPartitioner(cfg.Chunking, counter.CountOne)

	var store *chunk.Store
	if cfg.Cache.Path != "" {
		s, err := chunk.OpenStore(cfg.Cache)
		if err != nil {
			return fmt.Errorf("open chunk store: %w", err)
		}
		store = s
		defer func() {
			if cerr := store.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("closing chunk store")
			}
		}()
	}

	indexer := chunk.NewIndexer(partitioner, cfg.Cache, store)

	backend, err := condense.NewLLMBackend(cfg.Backend)
	if err != nil {
		return fmt.Errorf("configure backend: %w", err)
	}
	engine := condense.NewEngine(backend, counter.CountText, cfg.Condensation)

	metrics := monitoring.NewMetricsCollector()
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled:     cfg.Monitoring.Enabled,
		LogPath:     cfg.Monitoring.LogPath,
		LogToStdout: cfg.Monitoring.LogToStdout,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tracker.Close()

	manager := budget.NewManager(counter, risk, indexer, engine, truncator, metrics, cfg.Condensation, cfg.Limits)
	gw := gateway.New(cfg, manager, metrics, tracker)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gw.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info().
		Int("port", cfg.Server.Port).
		Str("provider", cfg.Backend.Provider).
		Str("model", cfg.Backend.Model).
		Str("api_key", utils.MaskKey(cfg.Backend.APIKey)).
		Bool("estimated_counts", counter.Degraded()).
		Msg("context warden gateway starting")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
