package main

import (
	"context"
	"errors"
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
	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := app.LoadEnvFiles(".env"); err != nil {
		log.Warn().Err(err).Msg("dotenv")
	}

	cfg, configPath := parseFlags(flag.CommandLine, os.Args[1:])
	if err := loadConfig(&cfg, configPath); err != nil {
		log.Error().Err(err).Msg("config")
		os.Exit(1)
	}

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Debug().Str("version", app.BuildVersion).Str("commit", app.BuildCommit).Str("built", app.BuildDate).Msg("build")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("run failed")
		// Exit code policy: 2 when the analysis itself failed, 1 otherwise.
		if errors.Is(err, app.ErrAnalysisFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (app.Config, string) {
	var (
		cfg        app.Config
		configPath string
	)
	fs.StringVar(&configPath, "config", os.Getenv("PAGECHECK_CONFIG"), "Path to a YAML or JSON config file")
	fs.StringVar(&cfg.PageURL, "url", "", "Page to analyze through the relay (extension path)")
	fs.StringVar(&cfg.Text, "text", "", "Text to analyze directly (dashboard path)")
	fs.StringVar(&cfg.ImageURL, "image.url", "", "Image URL to analyze (dashboard path)")
	fs.StringVar(&cfg.ImagePath, "image.file", "", "Image file to upload (dashboard path)")
	fs.StringVar(&cfg.SourceContext, "image.context", "", "Image source context: downloaded, messaging, camera or unknown")
	fs.StringVar(&cfg.OutputPath, "output", "-", "Path to write the Markdown verdict ('-' for stdout)")
	fs.StringVar(&cfg.PDFPath, "output.pdf", "", "Optional path to also write the verdict as PDF")
	fs.StringVar(&cfg.APIBaseURL, "api.base", envOr("API_BASE_URL", app.DefaultAPIBaseURL), "Analysis Service base URL")
	fs.StringVar(&cfg.UserAgent, "ua", envOr("USER_AGENT", app.DefaultUserAgent()), "User-Agent for page and service requests")
	fs.BoolVar(&cfg.SSLVerify, "ssl.verify", true, "Verify TLS certificates")
	fs.StringVar(&cfg.Store, "store", envOr("STORE", app.DefaultStore), "Result slot backend: memory, file or redis")
	fs.StringVar(&cfg.StoreDir, "store.dir", envOr("STORE_DIR", app.DefaultStoreDir), "Directory for the file store")
	fs.StringVar(&cfg.RedisAddr, "store.redis", os.Getenv("REDIS_ADDR"), "Redis address for the redis store")
	fs.DurationVar(&cfg.CycleTimeout, "timeout.cycle", app.DefaultCycleTimeout, "Upper bound on one analysis cycle")
	fs.DurationVar(&cfg.FetchTimeout, "timeout.fetch", app.DefaultFetchTimeout, "Upper bound on one page load")
	fs.BoolVar(&cfg.Verbose, "v", false, "Verbose logging")
	_ = fs.Parse(args)
	return cfg, configPath
}

// loadConfig applies the config file (if any), then env for anything still
// unset, then validates.
func loadConfig(cfg *app.Config, path string) error {
	if path != "" {
		fc, err := app.LoadConfigFile(path)
		if err != nil {
			return fmt.Errorf("load config file: %w", err)
		}
		app.ApplyFileConfig(cfg, fc)
	}
	app.ApplyEnvToConfig(cfg)
	return app.ValidateConfig(*cfg)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, cfg app.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}
