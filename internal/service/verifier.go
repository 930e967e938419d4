// Package service is a reference Analysis Service for local development:
// it answers /api/v1/analyze with verdicts from an OpenAI-compatible model
// and records reader feedback on /api/v1/vote.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/pagecheck/internal/storage"
)

// ChatClient is the subset of the OpenAI client the service needs, so
// tests and other OpenAI-compatible backends can stand in.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Verdict is the model's fact-check of a claim.
type Verdict struct {
	Verdict         string   `json:"verdict"`
	ConfidenceScore float64  `json:"confidence_score"`
	Explanation     string   `json:"explanation"`
	Correction      *string  `json:"correction"`
	Enrichment      []string `json:"enrichment"`
	Sources         []string `json:"sources"`
}

// score accepts a number or a numeric string, since models do both.
type score float64

func (s *score) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*s = score(f)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("confidence_score: %w", err)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
	if err != nil {
		return fmt.Errorf("confidence_score: %w", err)
	}
	*s = score(f)
	return nil
}

const verifySystemPrompt = `You are a Trust & Safety analysis engine. Analyze the user's claim for factual accuracy, provide context, and cite credible sources.
Respond with a single minified JSON object and nothing else:
{"verdict": one of "Factually Correct", "Factually Incorrect", "Misleading", "Lacks Context",
 "confidence_score": float 0.0-1.0,
 "explanation": why the claim is correct, incorrect or missing nuance,
 "correction": corrected information when incorrect or misleading, else null,
 "enrichment": 2-3 additional verifiable facts,
 "sources": 2-3 URLs of credible public sources}`

const describePrompt = "Analyze this image closely. Describe the primary subject, scene, and any text visible. Formulate this description into a single, concise factual claim."

// ErrEmptyClaim is returned when there is nothing to verify.
var ErrEmptyClaim = errors.New("claim cannot be empty")

// Verifier asks a chat model for verdicts.
type Verifier struct {
	Client ChatClient
	Model  string
	// Cache, when set, keeps verdicts per model and claim.
	Cache storage.Store
}

// VerifyClaim returns the model's verdict on claim. The confidence score is
// clamped to [0,1]. Claims longer than the model's window are trimmed.
func (v *Verifier) VerifyClaim(ctx context.Context, claim string) (Verdict, error) {
	claim = strings.TrimSpace(claim)
	if claim == "" {
		return Verdict{}, ErrEmptyClaim
	}
	if fitted, trimmed := fitClaim(v.Model, verifySystemPrompt, claim); trimmed {
		log.Debug().Int("from", len(claim)).Int("to", len(fitted)).Msg("claim trimmed to model context")
		claim = fitted
	}
	key := verdictKey(v.Model, claim)
	if cached, ok := v.cached(ctx, key); ok {
		return cached, nil
	}
	content, err := v.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: verifySystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: claim},
	})
	if err != nil {
		return Verdict{}, err
	}
	verdict, err := parseVerdict(content)
	if err != nil {
		return Verdict{}, err
	}
	v.remember(ctx, key, verdict)
	return verdict, nil
}

// verdictKey digests model and claim so equal claims share an entry.
func verdictKey(model, claim string) string {
	h := sha256.Sum256([]byte(model + "\n\n" + claim))
	return "verdict:" + hex.EncodeToString(h[:])
}

func (v *Verifier) cached(ctx context.Context, key string) (Verdict, bool) {
	if v.Cache == nil {
		return Verdict{}, false
	}
	b, ok, err := v.Cache.Get(ctx, key)
	if err != nil || !ok {
		return Verdict{}, false
	}
	var out Verdict
	if err := json.Unmarshal(b, &out); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("discarding unreadable cached verdict")
		return Verdict{}, false
	}
	log.Debug().Str("key", key).Msg("verdict cache hit")
	return out, true
}

func (v *Verifier) remember(ctx context.Context, key string, verdict Verdict) {
	if v.Cache == nil {
		return
	}
	b, err := json.Marshal(verdict)
	if err == nil {
		err = v.Cache.Set(ctx, key, b)
	}
	if err != nil {
		log.Warn().Err(err).Msg("verdict cache write failed")
	}
}

// DescribeImage turns an image into a claim that can be fact-checked.
func (v *Verifier) DescribeImage(ctx context.Context, image []byte) (string, error) {
	return v.askAboutImage(ctx, describePrompt, image)
}

var errModelMissing = errors.New("verdict model is not configured")

func (v *Verifier) complete(ctx context.Context, msgs []openai.ChatCompletionMessage) (string, error) {
	if v == nil || v.Client == nil {
		return "", errModelMissing
	}
	resp, err := v.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       v.Model,
		Messages:    msgs,
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// stripFence removes a ```json fence around a model reply.
func stripFence(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseVerdict decodes a model reply, tolerating a ```json fence.
func parseVerdict(content string) (Verdict, error) {
	s := stripFence(content)

	var raw struct {
		Verdict
		ConfidenceScore score `json:"confidence_score"`
	}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	out := raw.Verdict
	out.ConfidenceScore = clamp01(float64(raw.ConfidenceScore))
	if out.Enrichment == nil {
		out.Enrichment = []string{}
	}
	if out.Sources == nil {
		out.Sources = []string{}
	}
	return out, nil
}

func clamp01(f float64) float64 {
	switch {
	case f != f, f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
