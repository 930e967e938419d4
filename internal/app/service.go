package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/pagecheck/internal/service"
	"github.com/hyperifyio/pagecheck/internal/storage"
)

// NewService builds the reference Analysis Service. The returned func
// releases the vote database.
func NewService(ctx context.Context, cfg Config) (*service.Server, func() error, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		return nil, nil, err
	}

	transportCfg := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		transportCfg.BaseURL = cfg.LLMBaseURL
	}
	transportCfg.HTTPClient = newHTTPClient(90*time.Second, cfg.SSLVerify)
	ai := openai.NewClientWithConfig(transportCfg)

	// Preflight is best-effort; a down model surfaces per request instead.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if models, err := ai.ListModels(pctx); err != nil {
		log.Warn().Err(err).Msg("LLM model list failed; continuing")
	} else {
		log.Info().Int("count", len(models.Models)).Str("model", cfg.LLMModel).Msg("LLM models available")
	}

	var (
		votes service.VoteStore
		done  = func() error { return nil }
	)
	if cfg.VotesDB != "" {
		db, err := service.OpenVotes(cfg.VotesDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open votes: %w", err)
		}
		votes, done = db, db.Close
	}

	verifier := &service.Verifier{Client: ai, Model: cfg.LLMModel}
	if cfg.CacheDir != "" {
		verifier.Cache = &storage.File{Dir: cfg.CacheDir, StrictPerms: true}
	}
	pipeline := &service.Pipeline{
		Checker:     verifier,
		ImageClient: newHTTPClient(10*time.Second, cfg.SSLVerify),
	}
	return service.NewServer(pipeline, votes), done, nil
}
