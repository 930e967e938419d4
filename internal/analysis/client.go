package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/extract"
)

// AnalyzePath is the service endpoint for both request shapes.
const AnalyzePath = "/api/v1/analyze"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// Client talks to the Analysis Service. Calls are never retried; every
// failure comes back as a Failure outcome rather than an error.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.BaseURL, "/") + AnalyzePath
}

// Analyze sends extracted page content as JSON {text, image_url}.
func (c *Client) Analyze(ctx context.Context, content extract.Content) Outcome {
	body, err := json.Marshal(struct {
		Text     string `json:"text"`
		ImageURL string `json:"image_url"`
	}{content.Text, content.ImageURL})
	if err != nil {
		return FailErr(err)
	}
	return c.post(ctx, bytes.NewReader(body), "application/json")
}

// Submit sends a built Request as multipart form data so raw image bytes can
// travel alongside the text fields.
func (c *Client) Submit(ctx context.Context, req Request) Outcome {
	body, contentType, err := EncodeMultipart(req)
	if err != nil {
		return FailErr(err)
	}
	return c.post(ctx, body, contentType)
}

// EncodeMultipart writes only the fields that are present. The source
// context is always sent, falling back to the default tag.
func EncodeMultipart(req Request) (*bytes.Buffer, string, error) {
	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)
	if req.Text != "" {
		if err := mw.WriteField("text", req.Text); err != nil {
			return nil, "", fmt.Errorf("write text: %w", err)
		}
	}
	if req.ImageURL != "" {
		if err := mw.WriteField("image_url", req.ImageURL); err != nil {
			return nil, "", fmt.Errorf("write image_url: %w", err)
		}
	}
	if f := req.ImageFile; f != nil && len(f.Data) > 0 {
		name := f.Name
		if name == "" {
			name = "upload"
		}
		ct := f.ContentType
		if ct == "" {
			ct = http.DetectContentType(f.Data)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image_file"; filename=%q`, name))
		h.Set("Content-Type", ct)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create image part: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("write image part: %w", err)
		}
	}
	sc := req.SourceContext
	if sc == "" {
		sc = DefaultSourceContext
	}
	if err := mw.WriteField("image_source_context", string(sc)); err != nil {
		return nil, "", fmt.Errorf("write image_source_context: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, body io.Reader, contentType string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), body)
	if err != nil {
		return FailErr(err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", req.URL.String()).Msg("analysis request failed")
		return FailErr(err)
	}
	defer resp.Body.Close()
	return MapResponse(resp.StatusCode, io.LimitReader(resp.Body, maxResponseBytes))
}

// MapResponse turns a service response into an Outcome. Non-2xx responses use
// the JSON detail field when there is one and "Server error: <status>"
// otherwise. A 2xx body is classified only by its error marker.
func MapResponse(status int, body io.Reader) Outcome {
	raw, err := io.ReadAll(body)
	if status < 200 || status > 299 {
		if err == nil {
			if msg, ok := detailMessage(raw); ok {
				return Fail(msg)
			}
		}
		log.Debug().Int("status", status).Msg("analysis service returned no usable detail")
		return Fail(fmt.Sprintf("Server error: %d", status))
	}
	if err != nil {
		return FailErr(fmt.Errorf("read response: %w", err))
	}
	out, err := DecodeOutcome(raw)
	if err != nil {
		return FailErr(err)
	}
	return out
}

func detailMessage(raw []byte) (string, bool) {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", false
	}
	d := bytes.TrimSpace(body.Detail)
	if len(d) == 0 || bytes.Equal(d, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(d, &s); err == nil {
		if s == "" {
			return "", false
		}
		return s, true
	}
	// Structured details (validation errors) are passed through as JSON text.
	var compact bytes.Buffer
	if err := json.Compact(&compact, d); err != nil {
		return string(d), true
	}
	return compact.String(), true
}
