package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/analysis"
	"github.com/hyperifyio/pagecheck/internal/bus"
	"github.com/hyperifyio/pagecheck/internal/extract"
	"github.com/hyperifyio/pagecheck/internal/fetch"
	"github.com/hyperifyio/pagecheck/internal/page"
	"github.com/hyperifyio/pagecheck/internal/present"
	"github.com/hyperifyio/pagecheck/internal/relay"
	"github.com/hyperifyio/pagecheck/internal/results"
	"github.com/hyperifyio/pagecheck/internal/storage"
)

// ErrAnalysisFailed is returned when a run ends in the error view. The CLI
// maps it to a non-zero exit.
var ErrAnalysisFailed = errors.New("analysis failed")

// App wires the background relay, the page session and the result slot
// for one process.
type App struct {
	cfg     Config
	out     io.Writer
	store   storage.Store
	closers []func() error

	bus     *bus.Bus
	channel *results.Channel
	session *page.Session
	relay   *relay.Relay
	client  *analysis.Client
}

func New(ctx context.Context, cfg Config) (*App, error) {
	applyDefaults(&cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, out: os.Stdout}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	a.bus = bus.New()
	a.channel = results.New(store)
	a.session = page.NewSession()
	a.client = &analysis.Client{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: newHTTPClient(cfg.CycleTimeout, cfg.SSLVerify),
		UserAgent:  cfg.UserAgent,
	}
	loader := &fetch.Client{
		HTTPClient:        newHTTPClient(cfg.FetchTimeout, cfg.SSLVerify),
		UserAgent:         cfg.UserAgent,
		PerRequestTimeout: cfg.FetchTimeout,
	}
	a.relay = &relay.Relay{
		Tabs: a.session,
		Injector: &page.Injector{
			Loader:    loader,
			Extractor: extract.HeuristicExtractor{},
			Bus:       a.bus,
		},
		Analyzer: a.client,
		Channel:  a.channel,
		Timeout:  cfg.CycleTimeout,
	}
	if err := a.relay.Attach(a.bus); err != nil {
		a.Close()
		return nil, err
	}
	log.Debug().Str("store", cfg.Store).Str("service", cfg.APIBaseURL).Msg("app ready")
	return a, nil
}

func applyDefaults(cfg *Config) {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	if cfg.Store == "" {
		cfg.Store = DefaultStore
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = DefaultStoreDir
	}
	if cfg.CycleTimeout == 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent()
	}
}

func openStore(ctx context.Context, cfg Config) (storage.Store, func() error, error) {
	switch cfg.Store {
	case StoreFile:
		return &storage.File{Dir: cfg.StoreDir, StrictPerms: true}, nil, nil
	case StoreRedis:
		r, err := storage.DialRedis(ctx, cfg.RedisAddr, "")
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	default:
		return storage.NewMemory(), nil, nil
	}
}

// Close stops the relay and releases the store. In-flight cycles are
// cancelled without writing.
func (a *App) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.relay != nil {
		a.relay.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

// Run analyzes the configured page through the relay, or submits the
// dashboard inputs directly when no page is set, and writes the report.
func (a *App) Run(ctx context.Context) error {
	var (
		view present.View
		info runInfo
		err  error
	)
	if strings.TrimSpace(a.cfg.PageURL) != "" {
		view, info, err = a.runPage(ctx)
	} else {
		view, info, err = a.runDashboard(ctx)
	}
	if err != nil {
		return err
	}
	return a.emit(view, info)
}

func (a *App) runPage(ctx context.Context) (present.View, runInfo, error) {
	info := runInfo{Mode: "page", PageURL: a.cfg.PageURL, ServiceURL: a.cfg.APIBaseURL, Store: a.cfg.Store}
	tab := a.session.Open(a.cfg.PageURL)
	log.Info().Int("tab", tab.ID).Str("url", tab.URL).Msg("page opened")

	popup := &present.Popup{Channel: a.channel, Bus: a.bus}
	if err := popup.Open(ctx); err != nil {
		return present.View{}, info, fmt.Errorf("open popup: %w", err)
	}
	defer popup.Close()
	if v := popup.View(); v.Phase == present.PhaseResult {
		log.Debug().Str("cycle", v.CycleID).Msg("slot holds an earlier result")
	}

	id, err := popup.Analyze(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("trigger failed")
		return popup.View(), info, nil
	}
	info.CycleID = id
	view, err := popup.Wait(ctx)
	if err != nil {
		return view, info, fmt.Errorf("wait for result: %w", err)
	}
	return view, info, nil
}

func (a *App) runDashboard(ctx context.Context) (present.View, runInfo, error) {
	info := runInfo{Mode: "dashboard", ServiceURL: a.cfg.APIBaseURL}
	var file *analysis.ImageFile
	if p := strings.TrimSpace(a.cfg.ImagePath); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return present.View{}, info, fmt.Errorf("read image: %w", err)
		}
		file = &analysis.ImageFile{Name: filepath.Base(p), Data: data}
	}
	d := &present.Dashboard{Client: a.client}
	return d.Submit(ctx, a.cfg.Text, a.cfg.ImageURL, file, a.cfg.SourceContext), info, nil
}

func (a *App) emit(view present.View, info runInfo) error {
	switch view.Phase {
	case present.PhaseResult:
	case present.PhaseError:
		log.Error().Str("cycle", info.CycleID).Msg(view.Error)
		return fmt.Errorf("%w: %s", ErrAnalysisFailed, view.Error)
	default:
		return fmt.Errorf("%w: no result (%s)", ErrAnalysisFailed, view.Phase)
	}

	md := appendRunFooter(view.Report.Markdown(), info)
	if p := a.cfg.OutputPath; p == "" || p == "-" {
		if _, err := io.WriteString(a.out, md); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	} else {
		if err := os.WriteFile(p, []byte(md), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		log.Info().Str("path", p).Str("verdict", view.Report.Headline).Msg("report written")
	}
	if a.cfg.PDFPath != "" {
		if err := present.WritePDF(md, a.cfg.PDFPath); err != nil {
			return fmt.Errorf("write pdf: %w", err)
		}
	}
	return nil
}
