// Package fetch loads the HTML document behind a page so the extractor can
// scan it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"
)

// Document is a loaded page, decoded to UTF-8.
type Document struct {
	// URL is the final location after redirects.
	URL         string
	ContentType string
	Body        []byte
}

// ErrStatus reports a non-2xx response.
type ErrStatus struct {
	Code int
}

func (e *ErrStatus) Error() string {
	if e.Code >= 500 {
		return fmt.Sprintf("server error: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// Client wraps http.Client with per-request timeouts, a redirect cap,
// content-type gating and an optional concurrency limit.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	// MaxAttempts includes the initial attempt. Only 5xx responses and
	// deadline errors are retried. Zero means 1.
	MaxAttempts int
	// PerRequestTimeout bounds each attempt.
	PerRequestTimeout time.Duration
	// RedirectMaxHops caps redirect following. Zero means 5.
	RedirectMaxHops int
	// MaxConcurrent limits in-flight requests. Zero means unlimited.
	MaxConcurrent int
	// MaxBodyBytes bounds the document size. Zero means 4 MiB.
	MaxBodyBytes int64

	limiter     chan struct{}
	limiterOnce sync.Once
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		base := *c.HTTPClient
		base.CheckRedirect = c.checkRedirect()
		return &base
	}
	return &http.Client{Timeout: c.PerRequestTimeout, CheckRedirect: c.checkRedirect()}
}

// Load returns the UTF-8 body of rawURL. It satisfies page.Loader.
func (c *Client) Load(ctx context.Context, rawURL string) ([]byte, error) {
	doc, err := c.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

// Fetch issues a GET with bounded retry on transient errors.
func (c *Client) Fetch(ctx context.Context, rawURL string) (Document, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		doc, err := c.once(ctx, rawURL)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !isTransient(err) || i == attempts-1 {
			break
		}
		log.Debug().Err(err).Str("url", rawURL).Int("attempt", i+1).Msg("page load retry")
		select {
		case <-ctx.Done():
			return Document{}, ctx.Err()
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		}
	}
	return Document{}, lastErr
}

func (c *Client) once(ctx context.Context, rawURL string) (Document, error) {
	c.acquire()
	defer c.release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("new request: %w", err)
	}
	if !isHTTPScheme(req.URL) {
		return Document{}, fmt.Errorf("unsupported URL scheme: %q", req.URL.String())
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if c.PerRequestTimeout > 0 {
		tctx, cancel := context.WithTimeout(ctx, c.PerRequestTimeout)
		defer cancel()
		req = req.WithContext(tctx)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Document{}, &ErrStatus{Code: resp.StatusCode}
	}
	contentType := resp.Header.Get("Content-Type")
	if !isHTMLContentType(contentType) {
		return Document{}, fmt.Errorf("unsupported content type: %s", contentType)
	}
	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = 4 << 20
	}
	r, err := charset.NewReader(io.LimitReader(resp.Body, limit), contentType)
	if err != nil {
		return Document{}, fmt.Errorf("decode charset: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("read body: %w", err)
	}
	return Document{URL: resp.Request.URL.String(), ContentType: contentType, Body: body}, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var st *ErrStatus
	return errors.As(err, &st) && st.Code >= 500
}

func (c *Client) checkRedirect() func(req *http.Request, via []*http.Request) error {
	max := c.RedirectMaxHops
	if max <= 0 {
		max = 5
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return errors.New("too many redirects")
		}
		if !isHTTPScheme(req.URL) {
			return errors.New("redirect to unsupported scheme")
		}
		return nil
	}
}

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml+xml")
}

func (c *Client) acquire() {
	if c.MaxConcurrent <= 0 {
		return
	}
	c.limiterOnce.Do(func() {
		c.limiter = make(chan struct{}, c.MaxConcurrent)
	})
	c.limiter <- struct{}{}
}

func (c *Client) release() {
	if c.MaxConcurrent <= 0 || c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
