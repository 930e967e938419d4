package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/analysis"
)

// Name is reported by the root endpoint.
const Name = "Misinformation Detector API"

const (
	detailNothingToAnalyze = "Please provide text, an image URL, or upload an image file."
	detailURLRequired      = "URL must be provided."
)

// Analyzer produces a verdict for one request.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (analysis.Result, error)
}

// Server wires the service endpoints onto a mux.
type Server struct {
	mux      *http.ServeMux
	analyzer Analyzer
	votes    VoteStore
	// maxUpload bounds multipart bodies.
	maxUpload int64
}

// NewServer registers the routes. votes may be nil, in which case the
// feedback endpoints answer 503.
func NewServer(analyzer Analyzer, votes VoteStore) *Server {
	s := &Server{mux: http.NewServeMux(), analyzer: analyzer, votes: votes, maxUpload: 20 << 20}
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST "+analysis.AnalyzePath, s.handleAnalyze)
	s.mux.HandleFunc("POST /api/v1/vote", s.handleVote)
	s.mux.HandleFunc("GET /api/v1/votes", s.handleTally)
	return s
}

// Handler returns the mux wrapped with CORS and request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(allowCORS(s.mux))
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("addr", addr).Msg("analysis service listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "Welcome to the " + Name})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "ok")
}

type analyzeBody struct {
	Text          string `json:"text"`
	ImageURL      string `json:"image_url"`
	SourceContext string `json:"image_source_context"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	in, err := s.readInput(r)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if in.Empty() {
		writeDetail(w, http.StatusBadRequest, detailNothingToAnalyze)
		return
	}
	res, err := s.analyzer.Analyze(r.Context(), in)
	if err != nil {
		log.Error().Err(err).Msg("analysis failed")
		writeDetail(w, http.StatusInternalServerError, "An internal server error occurred: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// readInput accepts JSON (extension path), multipart (dashboard path) and
// plain url-encoded forms.
func (s *Server) readInput(r *http.Request) (Input, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var body analyzeBody
	var in Input
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(io.LimitReader(r.Body, s.maxUpload))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return Input{}, fmt.Errorf("invalid JSON body: %w", err)
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return Input{}, fmt.Errorf("invalid multipart body: %w", err)
		}
		body = analyzeBody{
			Text:          r.FormValue("text"),
			ImageURL:      r.FormValue("image_url"),
			SourceContext: r.FormValue("image_source_context"),
		}
		if f, _, err := r.FormFile("image_file"); err == nil {
			data, rerr := io.ReadAll(f)
			f.Close()
			if rerr != nil {
				return Input{}, fmt.Errorf("read image_file: %w", rerr)
			}
			in.Image = data
		}
	default:
		if err := r.ParseForm(); err != nil {
			return Input{}, fmt.Errorf("invalid form body: %w", err)
		}
		body = analyzeBody{
			Text:          r.PostFormValue("text"),
			ImageURL:      r.PostFormValue("image_url"),
			SourceContext: r.PostFormValue("image_source_context"),
		}
	}
	in.Text = body.Text
	in.ImageURL = strings.TrimSpace(body.ImageURL)
	sc, err := analysis.ParseSourceContext(body.SourceContext)
	if err != nil {
		// unrecognized tags are passed on as unknown rather than rejected
		sc = analysis.SourceUnknown
	}
	in.SourceContext = sc
	return in, nil
}

type voteBody struct {
	URL  string `json:"url"`
	Vote Vote   `json:"vote"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if s.votes == nil {
		writeDetail(w, http.StatusServiceUnavailable, "feedback storage is not configured")
		return
	}
	var body voteBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}
	if !body.Vote.Valid() {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("vote must be one of %q, %q, %q", VoteTrustworthy, VoteMisleading, VoteNotSure))
		return
	}
	if strings.TrimSpace(body.URL) == "" {
		writeDetail(w, http.StatusBadRequest, detailURLRequired)
		return
	}
	if _, err := s.votes.Record(r.Context(), body.URL, body.Vote); err != nil {
		log.Error().Err(err).Str("url", body.URL).Msg("record vote")
		writeDetail(w, http.StatusInternalServerError, "An internal server error occurred: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Feedback '%s' for %s recorded successfully.", body.Vote, body.URL),
	})
}

func (s *Server) handleTally(w http.ResponseWriter, r *http.Request) {
	if s.votes == nil {
		writeDetail(w, http.StatusServiceUnavailable, "feedback storage is not configured")
		return
	}
	url := r.URL.Query().Get("url")
	if strings.TrimSpace(url) == "" {
		writeDetail(w, http.StatusBadRequest, detailURLRequired)
		return
	}
	tally, err := s.votes.Tally(r.Context(), url)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "An internal server error occurred: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "votes": tally})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).Dur("took", time.Since(start)).Msg("request")
	})
}
