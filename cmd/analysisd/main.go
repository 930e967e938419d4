package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/app"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := app.LoadEnvFiles(".env"); err != nil {
		log.Warn().Err(err).Msg("dotenv")
	}

	var (
		cfg        app.Config
		configPath string
	)
	flag.StringVar(&configPath, "config", os.Getenv("PAGECHECK_CONFIG"), "Path to a YAML or JSON config file")
	flag.StringVar(&cfg.ListenAddr, "listen", app.DefaultListenAddr, "Address to serve the Analysis Service on")
	flag.StringVar(&cfg.LLMBaseURL, "llm.base", os.Getenv("LLM_BASE_URL"), "OpenAI-compatible base URL")
	flag.StringVar(&cfg.LLMModel, "llm.model", os.Getenv("LLM_MODEL"), "Model name")
	flag.StringVar(&cfg.LLMAPIKey, "llm.key", os.Getenv("LLM_API_KEY"), "API key for OpenAI-compatible server")
	flag.BoolVar(&cfg.SSLVerify, "ssl.verify", true, "Verify TLS certificates of the model server")
	flag.StringVar(&cfg.VotesDB, "votes.db", os.Getenv("VOTES_DB"), "SQLite path for reader feedback (empty disables /api/v1/vote)")
	flag.StringVar(&cfg.CacheDir, "cache.dir", os.Getenv("CACHE_DIR"), "Directory for cached verdicts (empty disables)")
	flag.BoolVar(&cfg.Verbose, "v", false, "Verbose logging")
	flag.Parse()

	if configPath != "" {
		fc, err := app.LoadConfigFile(configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config file")
		}
		app.ApplyFileConfig(&cfg, fc)
	}
	app.ApplyEnvToConfig(&cfg)

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Debug().Str("version", app.BuildVersion).Str("commit", app.BuildCommit).Str("built", app.BuildDate).Msg("build")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("analysisd stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config) error {
	srv, done, err := app.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer func() {
		if err := done(); err != nil {
			log.Warn().Err(err).Msg("close votes")
		}
	}()
	return srv.Start(ctx, cfg.ListenAddr)
}
