package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/analysis"
)

// ClaimChecker verifies claims, turns images into claims and judges images.
type ClaimChecker interface {
	VerifyClaim(ctx context.Context, claim string) (Verdict, error)
	DescribeImage(ctx context.Context, image []byte) (string, error)
	ImageChecker
}

// Input is one analysis request as received by the service.
type Input struct {
	Text          string
	ImageURL      string
	Image         []byte
	SourceContext analysis.SourceContext
}

// Empty reports whether there is nothing to analyze.
func (in Input) Empty() bool {
	return strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.ImageURL) == "" && len(in.Image) == 0
}

const imageDownloadFailed = "The provided image URL could not be downloaded or is invalid."

// Pipeline combines the claim verdict with the tone and image sub-reports.
type Pipeline struct {
	Checker ClaimChecker
	// ImageClient downloads image URLs. Nil means a client with a 10s timeout.
	ImageClient *http.Client
	// MaxImageBytes caps downloads. Zero means 10 MiB.
	MaxImageBytes int64
}

// Analyze produces the verdict payload. Partial failures (no model, image
// download errors) are reported inside the payload; an error is returned
// only when the request itself was cancelled.
func (p *Pipeline) Analyze(ctx context.Context, in Input) (analysis.Result, error) {
	var authenticity any
	image := in.Image
	if len(image) == 0 && in.ImageURL != "" {
		b, err := p.download(ctx, in.ImageURL)
		if err != nil {
			log.Warn().Err(err).Str("url", in.ImageURL).Msg("image download failed")
			authenticity = map[string]string{"error": imageDownloadFailed}
		} else {
			image = b
		}
	}
	if len(image) > 0 && authenticity == nil {
		authenticity = assessAuthenticity(ctx, p.Checker, image, in.SourceContext)
	}

	claim := strings.TrimSpace(in.Text)
	if claim == "" && len(image) > 0 && p.Checker != nil {
		described, err := p.Checker.DescribeImage(ctx, image)
		if err != nil {
			log.Warn().Err(err).Msg("image description failed")
		} else {
			claim = described
		}
	}
	if err := ctx.Err(); err != nil {
		return analysis.Result{}, err
	}

	var (
		linguistic any
		coherence  any
		verdict    Verdict
		verifyErr  error
	)
	if claim != "" {
		linguistic = analyzeTone(claim)
		if p.Checker == nil {
			verifyErr = errModelMissing
		} else {
			verdict, verifyErr = p.Checker.VerifyClaim(ctx, claim)
		}
		if verifyErr != nil {
			log.Warn().Err(verifyErr).Msg("claim verification failed")
		}
		// coherence is judged only for images given by URL
		if strings.TrimSpace(in.ImageURL) != "" {
			coherence = matchImageText(ctx, p.Checker, image, claim)
		}
	}
	if err := ctx.Err(); err != nil {
		return analysis.Result{}, err
	}

	var res analysis.Result
	switch {
	case claim != "" && verifyErr == nil:
		res = analysis.Result{
			Verdict:         verdict.Verdict,
			ConfidenceScore: verdict.ConfidenceScore,
			Explanation:     verdict.Explanation,
			Enrichment:      verdict.Enrichment,
			Sources:         verdict.Sources,
		}
		if verdict.Correction != nil {
			res.Correction = *verdict.Correction
		}
	case claim != "":
		res = analysis.Result{Verdict: "Analysis Complete", Explanation: verifyErr.Error()}
	default:
		res = analysis.Result{Verdict: "Image Analyzed", Explanation: "Provide text for a full fact-check."}
	}
	res.LinguisticAnalysis = rawOrNil(linguistic)
	res.ImageAnalysis = rawOrNil(coherence)
	res.ImageAuthenticity = rawOrNil(authenticity)
	return res, nil
}

func (p *Pipeline) download(ctx context.Context, url string) ([]byte, error) {
	client := p.ImageClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	limit := p.MaxImageBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

type toneReport struct {
	Score float64 `json:"score"`
	Flag  string  `json:"flag"`
}

// analyzeTone flags emotive writing: shouting, stacked exclamation marks
// and sensational vocabulary.
func analyzeTone(text string) toneReport {
	words := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
	if len(words) == 0 {
		return toneReport{Score: 0.5, Flag: "Text analysis could not be completed."}
	}
	var shouting, emotive int
	for _, w := range words {
		if len([]rune(w)) > 2 && strings.ToUpper(w) == w {
			shouting++
		}
		if sensational[strings.ToLower(w)] {
			emotive++
		}
	}
	exclaims := strings.Count(text, "!")
	signal := float64(shouting+emotive)/float64(len(words)) + float64(exclaims)/float64(len(words)+1)
	if signal > 0.08 {
		return toneReport{Score: 0.3, Flag: "The text exhibits emotive or sensational language, which can be a sign of biased writing."}
	}
	return toneReport{Score: 0.7, Flag: "The text's tone appears to be neutral."}
}

var sensational = map[string]bool{
	"shocking": true, "outrageous": true, "unbelievable": true, "horrifying": true,
	"disaster": true, "destroyed": true, "exposed": true, "scandal": true,
	"secret": true, "banned": true, "miracle": true, "terrifying": true,
}

func rawOrNil(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
