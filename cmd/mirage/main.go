// Package main is the entry point for the Mirage deception engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"vantagesec.com/mirage/internal/api"
	"vantagesec.com/mirage/internal/config"
	"vantagesec.com/mirage/internal/content"
	"vantagesec.com/mirage/internal/engine"
	"vantagesec.com/mirage/internal/honeyport"
	"vantagesec.com/mirage/internal/llm"
	"vantagesec.com/mirage/internal/metrics"
	"vantagesec.com/mirage/internal/strategy"
	"vantagesec.com/mirage/internal/threat"
	"vantagesec.com/mirage/internal/timing"
	"vantagesec.com/mirage/pkg/dsl"
	"vantagesec.com/mirage/pkg/protocol"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	dryRun := flag.Bool("dry-run", false, "Record activity without touching the filesystem")
	once := flag.Bool("once", false, "Run a single tick and exit")
	loop := flag.Bool("loop", false, "Run the continuous loop (the default mode)")
	profile := flag.String("strategy", "", "Strategy weight profile (balanced, quiet, aggressive)")
	genNarrative := flag.Bool("generate-narrative", false, "Regenerate the narrative arc and exit")
	refresh := flag.Bool("refresh-content", false, "Replenish forecast queues and asset pools, then exit")
	flag.Parse()

	if err := validateModes(*once, *loop); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Printf("Mirage Deception Engine\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *profile != "" {
		if err := cfg.ApplyProfile(*profile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to apply strategy profile: %v\n", err)
			os.Exit(1)
		}
	}

	logger := initLogger(cfg.Logging)
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Bool("dry_run", *dryRun).
		Msg("Starting Mirage")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	store, err := content.New(ctx, cfg.Database, rng, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize content store")
	}
	defer store.Close()

	detector, err := threat.New(cfg.Threat, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize threat detector")
	}

	collaborator := llm.New(cfg.Collaborator, rng, logger)

	minter, err := strategy.NewTokenMinter(store, rng)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize token minter")
	}

	selector := strategy.New(cfg.Strategy, store, collaborator, minter, rng, logger)

	narrative := content.NewNarrativeStore(cfg.NarrativePath, logger)

	personas := make([]*dsl.Persona, len(cfg.Personas))
	for i := range cfg.Personas {
		personas[i] = &cfg.Personas[i]
	}

	// One-shot maintenance modes run without the loop or servers.
	if *genNarrative {
		if err := generateNarrative(ctx, narrative, collaborator, personas); err != nil {
			logger.Fatal().Err(err).Msg("Narrative generation failed")
		}
		logger.Info().Msg("Narrative arc regenerated")
		return
	}
	if *refresh {
		if err := refreshContent(ctx, cfg, store, collaborator, personas, logger); err != nil {
			logger.Fatal().Err(err).Msg("Content refresh failed")
		}
		logger.Info().Msg("Content refreshed")
		return
	}

	var runner engine.CommandRunner
	if *dryRun {
		runner = engine.NewNoopRunner()
	} else {
		runner = engine.NewShellRunner(cfg.Executor.CommandTimeout)
	}
	model := timing.New(cfg.Timing, rng)
	executor := engine.NewExecutor(cfg.Executor, runner, collaborator, store, detector, model, *dryRun, logger)

	m := metrics.New()

	eng := engine.New(cfg.Loop, personas, cfg.Triggers,
		model, selector, strategy.NewInjector(cfg.Noise, rng),
		executor, store, narrative, collaborator, detector, m, rng, logger)

	if *once {
		if err := eng.RunOnce(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Tick failed")
		}
		return
	}

	ports := honeyport.New(cfg.Honeyport, detector, m, logger)
	if err := ports.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start honeyport listeners")
	}
	defer ports.Stop()

	server := api.New(cfg.Server, api.Dependencies{
		Store:     store,
		Detector:  detector,
		Personas:  personas,
		Metrics:   m,
		Version:   Version,
		StartTime: time.Now(),
	}, logger)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Operator API failed")
		}
	}()

	// Cancel the loop on the first signal; the in-flight scene completes
	// before the engine returns.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Int("personas", len(personas)).
		Msg("Mirage is ready")

	if err := eng.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Deception loop error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	logger.Info().Msg("Mirage stopped")
}

// validateModes rejects contradictory run-mode flags. Loop mode is the
// default, so -loop alone is a no-op and -once alone switches modes;
// naming both is a contradiction.
func validateModes(once, loop bool) error {
	if once && loop {
		return fmt.Errorf("-once and -loop are mutually exclusive")
	}
	return nil
}

// generateNarrative forces a fresh arc for the current month.
func generateNarrative(ctx context.Context, narrative *content.NarrativeStore,
	collaborator *llm.Client, personas []*dsl.Persona) error {

	names := make([]string, len(personas))
	for i, p := range personas {
		names[i] = p.Name
	}

	_, err := narrative.GetOrCreate(ctx, time.Now(),
		func(ctx context.Context, month string) (*dsl.NarrativeArc, error) {
			return collaborator.GenerateNarrative(ctx, month, names)
		})
	return err
}

// refreshContent prefills each persona's forecast queue and replenishes
// the breadcrumb pool, so the loop can start against warm content.
func refreshContent(ctx context.Context, cfg *config.Config, store *content.Store,
	collaborator *llm.Client, personas []*dsl.Persona, logger zerolog.Logger) error {

	for _, p := range personas {
		req := protocol.SceneRequest{
			Persona:     p.Name,
			Role:        p.Role,
			Skills:      p.Skills,
			Tools:       p.Tools,
			Zone:        p.HomeDir + "/project",
			ThreatLevel: threat.LevelNone.String(),
		}
		scenes, err := collaborator.GenerateForecast(ctx, req, cfg.Strategy.ForecastBatch)
		if err != nil {
			return fmt.Errorf("failed to forecast for %s: %w", p.Name, err)
		}
		accepted, err := store.PushForecastBatch(ctx, p.Name, scenes)
		if err != nil {
			return err
		}
		logger.Info().Str("persona", p.Name).Int("accepted", accepted).Msg("Forecast queue refreshed")
	}

	assets, err := collaborator.GenerateAssets(ctx, content.AssetBreadcrumb, cfg.Strategy.RefreshBatch, "")
	if err != nil {
		return fmt.Errorf("failed to generate breadcrumbs: %w", err)
	}
	return store.AddAssets(ctx, content.AssetBreadcrumb, assets)
}

func initLogger(cfg config.Logging) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	return logger
}
