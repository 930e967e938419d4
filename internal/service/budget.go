package service

import (
	"math"
	"strings"
	"unicode/utf8"
)

// verdictReserveTokens is kept free for the model's JSON reply.
const verdictReserveTokens = 1024

// estimateTokens uses ~4 chars per token, rounded up.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 4.0))
}

// modelContextTokens returns a rough context window for model. Unknown
// models get a conservative 8k.
func modelContextTokens(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	if v, ok := knownModelMax[name]; ok {
		return v
	}
	switch {
	case strings.HasSuffix(name, "1m"):
		return 1_000_000
	case strings.HasSuffix(name, "200k"):
		return 200_000
	case strings.HasSuffix(name, "128k"), strings.Contains(name, "-mini"):
		return 128_000
	case strings.HasSuffix(name, "32k"):
		return 32_768
	}
	return 8192
}

var knownModelMax = map[string]int{
	"gpt-4o":        128_000,
	"gpt-4o-mini":   128_000,
	"gpt-4-turbo":   128_000,
	"gpt-3.5-turbo": 16_384,
	"llama-3":       8_192,
	"llama-3.1":     128_000,
	"gpt-oss-20b":   4_096,
}

// fitClaim trims a claim so the system prompt, the claim and the reply
// reservation fit the model's window, with 5% (min 512 tokens) headroom.
// Cuts happen on a rune boundary and prefer the last sentence end.
func fitClaim(model, system, claim string) (string, bool) {
	window := modelContextTokens(model)
	headroom := int(math.Ceil(float64(window) * 0.05))
	if headroom < 512 {
		headroom = 512
	}
	budget := window - headroom - verdictReserveTokens - estimateTokens(system)
	if budget <= 0 || estimateTokens(claim) <= budget {
		return claim, false
	}
	limit := budget * 4
	for limit > 0 && !utf8.RuneStart(claim[limit]) {
		limit--
	}
	cut := claim[:limit]
	if i := strings.LastIndexAny(cut, ".!?"); i > limit/2 {
		cut = cut[:i+1]
	}
	return strings.TrimSpace(cut), true
}
