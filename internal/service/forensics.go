package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/rwcarlsen/goexif/exif"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/pagecheck/internal/analysis"
)

// Forensic verdicts.
const (
	VerdictLikelyAI      = "Likely AI-Generated"
	VerdictLikelyReal    = "Likely Real Photograph"
	VerdictIndeterminate = "Indeterminate"
)

const forensicPrompt = `You are a digital image forensics expert. Examine the image for signs of AI generation or manipulation and base every statement on something visible in it.
Check, briefly and in order:
1) lighting, shadows, reflections and catchlights;
2) geometry, perspective and object boundaries;
3) textures such as skin, hair, fabric and repeated patterns;
4) anatomy: hands, ears, teeth, eyes, limbs;
5) background coherence and legibility of text or signage;
6) color, tone, depth of field and bokeh;
7) edges and compositing seams;
8) noise and compression uniformity;
9) cloning, patching or relighting.
Reply with ONE minified JSON object and nothing else, keys in this order:
{"verdict": one of "Likely AI-Generated", "Likely Real Photograph", "Indeterminate",
 "confidence_score": float 0.0-1.0 with at most 2 decimals,
 "reasoning": one line citing the checklist by number, at most 700 characters}
Use 0.40-0.60 for mixed signals and stay at or below 0.85 unless the evidence is overwhelming.
Answer "Indeterminate" with 0.20-0.35 when the image is too small, compressed or obstructed to judge.`

const matchPrompt = `Decide whether this image depicts the subject of the text below.
Reply with ONE minified JSON object and nothing else: {"related": true or false, "reasoning": one short sentence}.
Text: `

// matchTextRunes bounds the text sent along with an image for matching.
const matchTextRunes = 500

// ImageAssessment is the vision model's forensic read of an image.
type ImageAssessment struct {
	Verdict         string  `json:"verdict"`
	ConfidenceScore float64 `json:"confidence_score"`
	Reasoning       string  `json:"reasoning"`
}

// AssessImage asks the vision model whether image looks generated or
// manipulated. Verdicts outside the known three read as Indeterminate.
func (v *Verifier) AssessImage(ctx context.Context, image []byte) (ImageAssessment, error) {
	content, err := v.askAboutImage(ctx, forensicPrompt, image)
	if err != nil {
		return ImageAssessment{}, err
	}
	var raw struct {
		Verdict         string `json:"verdict"`
		ConfidenceScore score  `json:"confidence_score"`
		Reasoning       string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &raw); err != nil {
		return ImageAssessment{}, fmt.Errorf("decode assessment: %w", err)
	}
	out := ImageAssessment{
		Verdict:         VerdictIndeterminate,
		ConfidenceScore: clamp01(float64(raw.ConfidenceScore)),
		Reasoning:       strings.TrimSpace(raw.Reasoning),
	}
	switch verdict := strings.TrimSpace(raw.Verdict); verdict {
	case VerdictLikelyAI, VerdictLikelyReal:
		out.Verdict = verdict
	}
	return out, nil
}

// MatchImage reports whether image depicts what text talks about.
func (v *Verifier) MatchImage(ctx context.Context, image []byte, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, ErrEmptyClaim
	}
	if utf8.RuneCountInString(text) > matchTextRunes {
		text = string([]rune(text)[:matchTextRunes])
	}
	content, err := v.askAboutImage(ctx, matchPrompt+text, image)
	if err != nil {
		return false, err
	}
	var raw struct {
		Related bool `json:"related"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &raw); err != nil {
		return false, fmt.Errorf("decode match: %w", err)
	}
	return raw.Related, nil
}

func (v *Verifier) askAboutImage(ctx context.Context, prompt string, image []byte) (string, error) {
	mime, ok := sniffImage(image)
	if !ok {
		return "", errNotImage
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
	return v.complete(ctx, []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
		},
	}})
}

var errNotImage = errors.New("not a recognized image")

type metadataReport struct {
	HasEXIF bool   `json:"has_exif"`
	Camera  string `json:"camera,omitempty"`
	Flag    string `json:"flag"`
}

const (
	flagHasEXIF = "Image contains EXIF metadata, a strong indicator of a real photograph from a camera."
	flagNoEXIF  = "Image lacks EXIF metadata. This is highly common for AI-generated images or images that have been scrubbed of their original data."

	flagCameraNoEXIF     = "The image lacks camera metadata (EXIF), which is unusual for a photo claimed to be directly from a camera. This is a suspicious sign."
	flagSharedNoEXIF     = "The image lacks camera metadata, which is normal and expected for images downloaded from the internet or sent via messaging apps."
	flagCameraHasEXIF    = "The image contains camera metadata (EXIF), which strongly supports the claim that it is an original photograph."
	flagConfidenceScaled = "Confidence was significantly reduced due to the mismatch between the stated source and the image's metadata."
)

func readMetadata(image []byte, mime string) metadataReport {
	payload := exifPayload(image, mime)
	if payload == nil {
		return metadataReport{Flag: flagNoEXIF}
	}
	x, err := exif.Decode(bytes.NewReader(payload))
	if x == nil || (err != nil && exif.IsCriticalError(err)) {
		return metadataReport{Flag: flagNoEXIF}
	}
	rep := metadataReport{HasEXIF: true, Flag: flagHasEXIF}
	var camera []string
	for _, name := range []exif.FieldName{exif.Make, exif.Model} {
		if tag, err := x.Get(name); err == nil {
			if s, err := tag.StringVal(); err == nil && strings.TrimSpace(s) != "" {
				camera = append(camera, strings.TrimSpace(s))
			}
		}
	}
	rep.Camera = strings.Join(camera, " ")
	return rep
}

// exifPayload returns the bytes exif.Decode should see: the whole file for
// JPEG and TIFF, the raw EXIF chunk for PNG and WebP, nil otherwise.
func exifPayload(image []byte, mime string) []byte {
	switch mime {
	case "image/jpeg", "image/tiff":
		return image
	case "image/png":
		return pngChunk(image, "eXIf")
	case "image/webp":
		return riffChunk(image, "EXIF")
	default:
		return nil
	}
}

func pngChunk(b []byte, want string) []byte {
	const sigLen = 8
	for off := sigLen; off+12 <= len(b); {
		n := int(binary.BigEndian.Uint32(b[off:]))
		typ := string(b[off+4 : off+8])
		end := off + 8 + n
		if n < 0 || end+4 > len(b) {
			return nil
		}
		if typ == want {
			return b[off+8 : end]
		}
		if typ == "IEND" {
			return nil
		}
		off = end + 4
	}
	return nil
}

func riffChunk(b []byte, want string) []byte {
	const headerLen = 12
	for off := headerLen; off+8 <= len(b); {
		typ := string(b[off : off+4])
		n := int(binary.LittleEndian.Uint32(b[off+4:]))
		end := off + 8 + n
		if n < 0 || end > len(b) {
			return nil
		}
		if typ == want {
			return b[off+8 : end]
		}
		off = end + n%2
	}
	return nil
}

// ImageChecker is the vision side of the verdict model.
type ImageChecker interface {
	AssessImage(ctx context.Context, image []byte) (ImageAssessment, error)
	MatchImage(ctx context.Context, image []byte, text string) (bool, error)
}

type authenticityReport struct {
	Verdict          string         `json:"verdict"`
	Confidence       float64        `json:"confidence"`
	FullExplanation  string         `json:"full_explanation"`
	Format           string         `json:"format"`
	SourceContext    string         `json:"source_context"`
	MetadataAnalysis metadataReport `json:"metadata_analysis"`
	VisualAnalysis   any            `json:"visual_analysis"`
}

// assessAuthenticity combines the visual verdict with the EXIF check, read
// against where the user says the image came from. A camera image without
// EXIF keeps at most 60% of the visual confidence, floored at 0.3.
func assessAuthenticity(ctx context.Context, checker ImageChecker, image []byte, sc analysis.SourceContext) any {
	mime, ok := sniffImage(image)
	if !ok {
		return map[string]string{"error": "Could not open image file: " + errNotImage.Error() + "."}
	}
	if sc == "" {
		sc = analysis.SourceUnknown
	}
	meta := readMetadata(image, mime)
	rep := authenticityReport{
		Verdict:          VerdictIndeterminate,
		Format:           mime,
		SourceContext:    string(sc),
		MetadataAnalysis: meta,
	}

	var parts []string
	visual, err := assessVisual(ctx, checker, image)
	if err != nil {
		log.Warn().Err(err).Msg("visual image analysis failed")
		rep.VisualAnalysis = map[string]string{"error": "Visual analysis failed: " + err.Error()}
		parts = append(parts, "Visual analysis was unavailable.")
	} else {
		rep.Verdict = visual.Verdict
		rep.Confidence = visual.ConfidenceScore
		rep.VisualAnalysis = visual
		if visual.Reasoning != "" {
			parts = append(parts, visual.Reasoning)
		}
	}

	switch {
	case sc == analysis.SourceCamera && !meta.HasEXIF:
		parts = append(parts, flagCameraNoEXIF)
	case (sc == analysis.SourceDownloaded || sc == analysis.SourceMessaging) && !meta.HasEXIF:
		parts = append(parts, flagSharedNoEXIF)
	case sc == analysis.SourceCamera:
		parts = append(parts, flagCameraHasEXIF)
	default:
		parts = append(parts, meta.Flag)
	}
	if sc == analysis.SourceCamera && !meta.HasEXIF {
		rep.Confidence = math.Max(0.3, rep.Confidence*0.6)
		parts = append(parts, flagConfidenceScaled)
	}
	rep.FullExplanation = strings.Join(parts, " ")
	return rep
}

func assessVisual(ctx context.Context, checker ImageChecker, image []byte) (ImageAssessment, error) {
	if checker == nil {
		return ImageAssessment{}, errModelMissing
	}
	return checker.AssessImage(ctx, image)
}

type imageMatch struct {
	Match bool    `json:"match"`
	Score float64 `json:"score"`
	Flag  string  `json:"flag"`
}

var (
	matchRelated   = imageMatch{Match: true, Score: 0.9, Flag: "The main image appears to be semantically related to the article's text."}
	matchUnrelated = imageMatch{Match: false, Score: 0.2, Flag: "The main image does not seem to match the content of the text."}
	matchFailed    = imageMatch{Match: false, Score: 0, Flag: "The provided image could not be processed."}
)

// matchImageText scores image-text coherence. Any failure, including a
// missing image, reads as matchFailed.
func matchImageText(ctx context.Context, checker ImageChecker, image []byte, text string) imageMatch {
	if checker == nil || len(image) == 0 {
		return matchFailed
	}
	related, err := checker.MatchImage(ctx, image, text)
	if err != nil {
		log.Warn().Err(err).Msg("image-text match failed")
		return matchFailed
	}
	if related {
		return matchRelated
	}
	return matchUnrelated
}
