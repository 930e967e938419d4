package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/pagecheck/internal/analysis"
	"github.com/hyperifyio/pagecheck/internal/extract"
	"github.com/hyperifyio/pagecheck/internal/storage"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)

type stubChat struct {
	reply    string
	err      error
	requests []openai.ChatCompletionRequest
}

func (s *stubChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: s.reply},
	}}}, nil
}

func TestVerifier_ParsesFencedReply(t *testing.T) {
	chat := &stubChat{reply: "```json\n{\"verdict\":\"Factually Incorrect\",\"confidence_score\":\"0.8\",\"explanation\":\"No.\",\"correction\":\"It was 1969.\",\"enrichment\":[\"a\"],\"sources\":[\"https://www.nasa.gov/\"]}\n```"}
	v := &Verifier{Client: chat, Model: "test-model"}

	got, err := v.VerifyClaim(context.Background(), "  The moon landing was in 1970.  ")
	require.NoError(t, err)
	assert.Equal(t, "Factually Incorrect", got.Verdict)
	assert.InDelta(t, 0.8, got.ConfidenceScore, 1e-9)
	require.NotNil(t, got.Correction)
	assert.Equal(t, "It was 1969.", *got.Correction)
	assert.Equal(t, []string{"https://www.nasa.gov/"}, got.Sources)

	require.Len(t, chat.requests, 1)
	assert.Equal(t, "test-model", chat.requests[0].Model)
	assert.Equal(t, "The moon landing was in 1970.", chat.requests[0].Messages[1].Content)
}

func TestVerifier_ClampsAndDefaults(t *testing.T) {
	v := &Verifier{Client: &stubChat{reply: `{"verdict":"Factually Correct","confidence_score":1.7,"explanation":"Yes."}`}}
	got, err := v.VerifyClaim(context.Background(), "Water is wet.")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.ConfidenceScore)
	assert.NotNil(t, got.Enrichment)
	assert.NotNil(t, got.Sources)
	assert.Nil(t, got.Correction)
}

func TestVerifier_Errors(t *testing.T) {
	_, err := (&Verifier{Client: &stubChat{}}).VerifyClaim(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyClaim)

	_, err = (&Verifier{Client: &stubChat{err: errors.New("boom")}}).VerifyClaim(context.Background(), "claim")
	assert.ErrorContains(t, err, "boom")

	_, err = (&Verifier{Client: &stubChat{reply: "I think it's true"}}).VerifyClaim(context.Background(), "claim")
	assert.ErrorContains(t, err, "decode verdict")

	_, err = (&Verifier{}).VerifyClaim(context.Background(), "claim")
	assert.Error(t, err)
}

func TestVerifier_DescribeImageSendsDataURL(t *testing.T) {
	chat := &stubChat{reply: "A cat sits on a red chair."}
	v := &Verifier{Client: chat}
	claim, err := v.DescribeImage(context.Background(), pngBytes)
	require.NoError(t, err)
	assert.Equal(t, "A cat sits on a red chair.", claim)
	parts := chat.requests[0].Messages[0].MultiContent
	require.Len(t, parts, 2)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))

	_, err = v.DescribeImage(context.Background(), []byte("plain text"))
	assert.Error(t, err)
}

type stubChecker struct {
	verdict   Verdict
	err       error
	described string
	claims    []string

	assessment ImageAssessment
	assessErr  error
	related    bool
	matchErr   error
	matched    []string
}

func (s *stubChecker) AssessImage(context.Context, []byte) (ImageAssessment, error) {
	return s.assessment, s.assessErr
}

func (s *stubChecker) MatchImage(_ context.Context, _ []byte, text string) (bool, error) {
	s.matched = append(s.matched, text)
	return s.related, s.matchErr
}

func (s *stubChecker) VerifyClaim(_ context.Context, claim string) (Verdict, error) {
	s.claims = append(s.claims, claim)
	return s.verdict, s.err
}

func (s *stubChecker) DescribeImage(context.Context, []byte) (string, error) {
	return s.described, nil
}

func TestPipeline_TextVerdict(t *testing.T) {
	correction := "Actually 1969."
	p := &Pipeline{Checker: &stubChecker{verdict: Verdict{Verdict: "Misleading", ConfidenceScore: 0.6, Explanation: "x", Correction: &correction, Enrichment: []string{}, Sources: []string{}}}}
	res, err := p.Analyze(context.Background(), Input{Text: "SHOCKING scandal EXPOSED!!!"})
	require.NoError(t, err)
	assert.Equal(t, "Misleading", res.Verdict)
	assert.Equal(t, "Actually 1969.", res.Correction)

	var tone toneReport
	require.NoError(t, json.Unmarshal(res.LinguisticAnalysis, &tone))
	assert.Equal(t, 0.3, tone.Score)
	assert.Nil(t, res.ImageAuthenticity)
}

func TestPipeline_VerifierFailureFallsBack(t *testing.T) {
	p := &Pipeline{Checker: &stubChecker{err: errors.New("model unavailable")}}
	res, err := p.Analyze(context.Background(), Input{Text: "The council approved the budget on Tuesday."})
	require.NoError(t, err)
	assert.Equal(t, "Analysis Complete", res.Verdict)
	assert.Equal(t, 0.0, res.ConfidenceScore)
	assert.Equal(t, "model unavailable", res.Explanation)

	var tone toneReport
	require.NoError(t, json.Unmarshal(res.LinguisticAnalysis, &tone))
	assert.Equal(t, 0.7, tone.Score)
}

func TestPipeline_ImageURLDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := &Pipeline{Checker: &stubChecker{}}
	res, err := p.Analyze(context.Background(), Input{ImageURL: srv.URL + "/missing.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "Image Analyzed", res.Verdict)
	assert.JSONEq(t, `{"error":"`+imageDownloadFailed+`"}`, string(res.ImageAuthenticity))
}

func TestPipeline_UploadedImageOnly(t *testing.T) {
	checker := &stubChecker{described: "A flooded street.", verdict: Verdict{Verdict: "Lacks Context", ConfidenceScore: 0.4}}
	p := &Pipeline{Checker: checker}
	res, err := p.Analyze(context.Background(), Input{Image: pngBytes, SourceContext: analysis.SourceMessaging})
	require.NoError(t, err)
	assert.Equal(t, []string{"A flooded street."}, checker.claims)
	assert.Equal(t, "Lacks Context", res.Verdict)

	var img authenticityReport
	require.NoError(t, json.Unmarshal(res.ImageAuthenticity, &img))
	assert.Equal(t, "image/png", img.Format)
	assert.Equal(t, "messaging", img.SourceContext)
	assert.Nil(t, res.ImageAnalysis)
	assert.Empty(t, checker.matched)
}

func TestPipeline_ImageURLCoherence(t *testing.T) {
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes)
	}))
	defer img.Close()

	checker := &stubChecker{related: true, verdict: Verdict{Verdict: "Factually Correct", ConfidenceScore: 0.9}}
	p := &Pipeline{Checker: checker}
	res, err := p.Analyze(context.Background(), Input{Text: "Flooding in the city centre.", ImageURL: img.URL + "/a.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Flooding in the city centre."}, checker.matched)
	var m imageMatch
	require.NoError(t, json.Unmarshal(res.ImageAnalysis, &m))
	assert.Equal(t, matchRelated, m)

	checker.related = false
	res, err = p.Analyze(context.Background(), Input{Text: "Flooding in the city centre.", ImageURL: img.URL + "/a.png"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(res.ImageAnalysis, &m))
	assert.Equal(t, matchUnrelated, m)

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	res, err = p.Analyze(context.Background(), Input{Text: "Flooding in the city centre.", ImageURL: missing.URL + "/gone.png"})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(res.ImageAnalysis, &m))
	assert.Equal(t, matchFailed, m)
}

func TestVerifier_AssessImage(t *testing.T) {
	chat := &stubChat{reply: "```json\n{\"verdict\":\"Likely AI-Generated\",\"confidence_score\":\"0.7\",\"reasoning\":\"1) Shadows disagree; 4) six fingers.\"}\n```"}
	v := &Verifier{Client: chat, Model: "vision"}
	got, err := v.AssessImage(context.Background(), pngBytes)
	require.NoError(t, err)
	assert.Equal(t, ImageAssessment{Verdict: VerdictLikelyAI, ConfidenceScore: 0.7, Reasoning: "1) Shadows disagree; 4) six fingers."}, got)
	parts := chat.requests[0].Messages[0].MultiContent
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, "forensics")
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,"))

	chat.reply = `{"verdict":"Probably fine","confidence_score":3}`
	got, err = v.AssessImage(context.Background(), pngBytes)
	require.NoError(t, err)
	assert.Equal(t, VerdictIndeterminate, got.Verdict)
	assert.Equal(t, 1.0, got.ConfidenceScore)

	_, err = v.AssessImage(context.Background(), []byte("<html></html>"))
	assert.ErrorIs(t, err, errNotImage)
}

func TestVerifier_MatchImage(t *testing.T) {
	chat := &stubChat{reply: `{"related":true,"reasoning":"Both show a flood."}`}
	v := &Verifier{Client: chat}
	ok, err := v.MatchImage(context.Background(), pngBytes, "  Flooding downtown. ")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, strings.HasSuffix(chat.requests[0].Messages[0].MultiContent[0].Text, "Text: Flooding downtown."))

	_, err = v.MatchImage(context.Background(), pngBytes, " ")
	assert.ErrorIs(t, err, ErrEmptyClaim)
}

// jpegWithEXIF is a JPEG header carrying an APP1 EXIF segment whose single
// IFD holds Make="Cam".
var jpegWithEXIF = func() []byte {
	tiff := []byte("MM\x00*\x00\x00\x00\x08" +
		"\x00\x01" + // one entry
		"\x01\x0f\x00\x02\x00\x00\x00\x04Cam\x00" + // Make, ASCII, 4 bytes inline
		"\x00\x00\x00\x00")
	payload := append([]byte("Exif\x00\x00"), tiff...)
	n := len(payload) + 2
	b := []byte{0xff, 0xd8, 0xff, 0xe1, byte(n >> 8), byte(n)}
	b = append(b, payload...)
	return append(b, 0xff, 0xd9)
}()

func TestReadMetadata(t *testing.T) {
	meta := readMetadata(jpegWithEXIF, "image/jpeg")
	assert.True(t, meta.HasEXIF)
	assert.Equal(t, "Cam", meta.Camera)
	assert.Equal(t, flagHasEXIF, meta.Flag)

	meta = readMetadata(pngBytes, "image/png")
	assert.False(t, meta.HasEXIF)
	assert.Equal(t, flagNoEXIF, meta.Flag)
}

func TestAssessAuthenticity_SourceContext(t *testing.T) {
	ctx := context.Background()
	decode := func(v any) authenticityReport {
		t.Helper()
		b, err := json.Marshal(v)
		require.NoError(t, err)
		var rep authenticityReport
		require.NoError(t, json.Unmarshal(b, &rep))
		return rep
	}
	genuine := &stubChecker{assessment: ImageAssessment{Verdict: VerdictLikelyReal, ConfidenceScore: 0.8, Reasoning: "1) Consistent light."}}

	rep := decode(assessAuthenticity(ctx, genuine, pngBytes, analysis.SourceCamera))
	assert.Equal(t, VerdictLikelyReal, rep.Verdict)
	assert.InDelta(t, 0.48, rep.Confidence, 1e-9)
	assert.Contains(t, rep.FullExplanation, "1) Consistent light.")
	assert.Contains(t, rep.FullExplanation, flagCameraNoEXIF)
	assert.Contains(t, rep.FullExplanation, flagConfidenceScaled)

	weak := &stubChecker{assessment: ImageAssessment{Verdict: VerdictIndeterminate, ConfidenceScore: 0.2}}
	rep = decode(assessAuthenticity(ctx, weak, pngBytes, analysis.SourceCamera))
	assert.InDelta(t, 0.3, rep.Confidence, 1e-9)

	rep = decode(assessAuthenticity(ctx, genuine, pngBytes, analysis.SourceMessaging))
	assert.InDelta(t, 0.8, rep.Confidence, 1e-9)
	assert.Contains(t, rep.FullExplanation, flagSharedNoEXIF)
	assert.NotContains(t, rep.FullExplanation, flagConfidenceScaled)

	rep = decode(assessAuthenticity(ctx, genuine, jpegWithEXIF, analysis.SourceCamera))
	assert.True(t, rep.MetadataAnalysis.HasEXIF)
	assert.InDelta(t, 0.8, rep.Confidence, 1e-9)
	assert.Contains(t, rep.FullExplanation, flagCameraHasEXIF)

	rep = decode(assessAuthenticity(ctx, genuine, pngBytes, ""))
	assert.Equal(t, "unknown", rep.SourceContext)
	assert.Contains(t, rep.FullExplanation, flagNoEXIF)

	failing := &stubChecker{assessErr: errors.New("vision offline")}
	rep = decode(assessAuthenticity(ctx, failing, pngBytes, analysis.SourceDownloaded))
	assert.Equal(t, VerdictIndeterminate, rep.Verdict)
	assert.Equal(t, map[string]any{"error": "Visual analysis failed: vision offline"}, rep.VisualAnalysis)

	got := assessAuthenticity(ctx, genuine, []byte("not an image"), analysis.SourceCamera)
	assert.Equal(t, map[string]string{"error": "Could not open image file: not a recognized image."}, got)
}

type stubAnalyzer struct {
	got Input
	res analysis.Result
	err error
}

func (s *stubAnalyzer) Analyze(_ context.Context, in Input) (analysis.Result, error) {
	s.got = in
	return s.res, s.err
}

func TestServer_AnalyzeValidation(t *testing.T) {
	srv := httptest.NewServer(NewServer(&stubAnalyzer{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+analysis.AnalyzePath, "application/json", strings.NewReader(`{"text":"   "}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, detailNothingToAnalyze, body["detail"])
}

func TestServer_ClientRoundTrip(t *testing.T) {
	an := &stubAnalyzer{res: analysis.Result{Verdict: "False", ConfidenceScore: 0.2, Explanation: "No."}}
	srv := httptest.NewServer(NewServer(an, nil).Handler())
	defer srv.Close()
	client := &analysis.Client{BaseURL: srv.URL}

	out := client.Analyze(context.Background(), extract.Content{Text: "claim", ImageURL: "https://img.example/a.png"})
	s, ok := out.(analysis.Success)
	require.True(t, ok, "expected success, got %#v", out)
	assert.Equal(t, "False", s.Result().Verdict)
	assert.Equal(t, "claim", an.got.Text)
	assert.Equal(t, "https://img.example/a.png", an.got.ImageURL)

	req, err := analysis.Build("", "", &analysis.ImageFile{Name: "a.png", Data: pngBytes}, "camera")
	require.NoError(t, err)
	out = client.Submit(context.Background(), req)
	_, ok = out.(analysis.Success)
	require.True(t, ok, "expected success, got %#v", out)
	assert.Equal(t, pngBytes, an.got.Image)
	assert.Equal(t, analysis.SourceCamera, an.got.SourceContext)

	out = client.Submit(context.Background(), analysis.Request{SourceContext: analysis.SourceUnknown})
	f, ok := out.(analysis.Failure)
	require.True(t, ok)
	assert.Equal(t, detailNothingToAnalyze, f.Err.Message)
}

func TestServer_AnalyzerErrorIs500(t *testing.T) {
	srv := httptest.NewServer(NewServer(&stubAnalyzer{err: errors.New("context canceled")}, nil).Handler())
	defer srv.Close()

	out := (&analysis.Client{BaseURL: srv.URL}).Analyze(context.Background(), extract.Content{Text: "x"})
	f, ok := out.(analysis.Failure)
	require.True(t, ok)
	assert.Equal(t, "An internal server error occurred: context canceled", f.Err.Message)
}

func TestServer_MultipartUnknownSourceContext(t *testing.T) {
	an := &stubAnalyzer{}
	srv := httptest.NewServer(NewServer(an, nil).Handler())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("text", "hello"))
	require.NoError(t, mw.WriteField("image_source_context", "screenshot"))
	require.NoError(t, mw.Close())
	resp, err := http.Post(srv.URL+analysis.AnalyzePath, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, analysis.SourceUnknown, an.got.SourceContext)
}

func TestServer_Votes(t *testing.T) {
	votes, err := OpenVotes(":memory:")
	require.NoError(t, err)
	defer votes.Close()
	srv := httptest.NewServer(NewServer(&stubAnalyzer{}, votes).Handler())
	defer srv.Close()

	post := func(body string) (int, map[string]any) {
		resp, err := http.Post(srv.URL+"/api/v1/vote", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	code, out := post(`{"url":"https://news.example/a","vote":"misleading"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Feedback 'misleading' for https://news.example/a recorded successfully.", out["message"])
	_, _ = post(`{"url":"https://news.example/a","vote":"misleading"}`)
	_, _ = post(`{"url":"https://news.example/a","vote":"trustworthy"}`)

	code, _ = post(`{"url":"https://news.example/a","vote":"maybe"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	code, out = post(`{"url":"","vote":"not_sure"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, detailURLRequired, out["detail"])

	tally, err := votes.Tally(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	assert.Equal(t, map[Vote]int{VoteMisleading: 2, VoteTrustworthy: 1}, tally)

	resp, err := http.Get(srv.URL + "/api/v1/votes?url=https://news.example/a")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got struct {
		Votes map[string]int `json:"votes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2, got.Votes["misleading"])
}

func TestServer_RootAndCORS(t *testing.T) {
	srv := httptest.NewServer(NewServer(&stubAnalyzer{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+analysis.AnalyzePath, nil)
	pre, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	pre.Body.Close()
	assert.Equal(t, http.StatusNoContent, pre.StatusCode)

	resp2, err := http.Post(srv.URL+"/api/v1/vote", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestVerifier_CachesVerdicts(t *testing.T) {
	chat := &stubChat{reply: `{"verdict":"Factually Correct","confidence_score":0.9,"explanation":"Yes."}`}
	v := &Verifier{Client: chat, Model: "m", Cache: storage.NewMemory()}

	first, err := v.VerifyClaim(context.Background(), "Paris is in France.")
	require.NoError(t, err)
	second, err := v.VerifyClaim(context.Background(), "  Paris is in France.  ")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, chat.requests, 1)

	other := &Verifier{Client: chat, Model: "other", Cache: v.Cache}
	_, err = other.VerifyClaim(context.Background(), "Paris is in France.")
	require.NoError(t, err)
	assert.Len(t, chat.requests, 2, "cache entries are per model")
}

func TestFitClaim(t *testing.T) {
	short := "A short claim."
	got, trimmed := fitClaim("gpt-oss-20b", verifySystemPrompt, short)
	assert.False(t, trimmed)
	assert.Equal(t, short, got)

	long := strings.Repeat("The council met again. ", 2000)
	got, trimmed = fitClaim("gpt-oss-20b", verifySystemPrompt, long)
	require.True(t, trimmed)
	assert.Less(t, estimateTokens(got), modelContextTokens("gpt-oss-20b"))
	assert.True(t, strings.HasSuffix(got, "again."), "cut should land on a sentence end")

	_, trimmed = fitClaim("gpt-4o", verifySystemPrompt, long)
	assert.False(t, trimmed)
}

func TestSniffImage(t *testing.T) {
	mime, ok := sniffImage(pngBytes)
	assert.True(t, ok)
	assert.Equal(t, "image/png", mime)

	mime, ok = sniffImage([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0x10, 'J', 'F', 'I', 'F'})
	assert.True(t, ok)
	assert.Equal(t, "image/jpeg", mime)

	_, ok = sniffImage([]byte("<html>not an image</html>"))
	assert.False(t, ok)
	_, ok = sniffImage(nil)
	assert.False(t, ok)
}
