package main

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// chatRequest keeps message content raw: image prompts send an array of
// parts instead of a string.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func textOf(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return strings.TrimSpace(s), true
}

// promptOf returns the text part of a multi-part (image) message.
func promptOf(raw json.RawMessage) string {
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	_ = json.Unmarshal(raw, &parts)
	for _, p := range parts {
		if p.Type == "text" {
			return p.Text
		}
	}
	return ""
}

// imageReply answers the image prompts: forensics, image-text match, or a
// description otherwise.
func imageReply(prompt string) string {
	switch {
	case strings.Contains(prompt, "image forensics"):
		b, _ := json.Marshal(map[string]any{
			"verdict":          "Likely Real Photograph",
			"confidence_score": 0.62,
			"reasoning":        "1) Light direction consistent; 3) Natural texture; 8) Uniform noise.",
		})
		return string(b)
	case strings.Contains(prompt, "depicts the subject"):
		i := strings.LastIndex(prompt, "Text:")
		related := i >= 0 && !strings.Contains(strings.ToLower(prompt[i:]), "unrelated")
		b, _ := json.Marshal(map[string]any{"related": related, "reasoning": "Stub comparison."})
		return string(b)
	default:
		return "A crowd gathers in a city square holding signs."
	}
}

// stubVerdict answers deterministically from the claim wording so local
// runs exercise every verdict style.
func stubVerdict(claim string) map[string]any {
	lower := strings.ToLower(claim)
	v := map[string]any{
		"verdict":          "Factually Correct",
		"confidence_score": 0.85,
		"explanation":      "The stub model accepts this claim.",
		"correction":       nil,
		"enrichment":       []string{"This verdict was produced by the local stub model."},
		"sources":          []string{"https://www.example.org/reference"},
	}
	switch {
	case strings.Contains(lower, "fake") || strings.Contains(lower, "hoax"):
		v["verdict"] = "Factually Incorrect"
		v["confidence_score"] = 0.9
		v["explanation"] = "The stub model rejects claims that mention hoaxes."
		v["correction"] = "No evidence supports this claim."
	case strings.Contains(lower, "!"):
		v["verdict"] = "Misleading"
		v["confidence_score"] = 0.55
		v["explanation"] = "The stub model treats exclamations as missing nuance."
	}
	return v
}

func newMux(model string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": model, "object": "model"}},
		})
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var content string
		first, isText := textOf(req.Messages[0].Content)
		switch {
		case !isText:
			content = imageReply(promptOf(req.Messages[0].Content))
		case strings.Contains(first, "Trust & Safety analysis engine"):
			claim := ""
			if len(req.Messages) >= 2 {
				claim, _ = textOf(req.Messages[1].Content)
			}
			b, _ := json.Marshal(stubVerdict(claim))
			content = "```json\n" + string(b) + "\n```"
		default:
			http.Error(w, "unexpected system", http.StatusBadRequest)
			return
		}
		log.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("completion")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	})
	return mux
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	model := os.Getenv("MODEL_ID")
	if strings.TrimSpace(model) == "" {
		model = "test-model"
	}
	addr := os.Getenv("ADDR")
	if strings.TrimSpace(addr) == "" {
		addr = ":8081"
	}

	log.Info().Str("addr", addr).Str("model", model).Msg("openai-stub listening")
	srv := &http.Server{Addr: addr, Handler: newMux(model), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}
