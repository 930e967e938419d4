// Package page models the browser side of a cycle: which tab is active and
// how the extractor gets into it.
package page

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/bus"
	"github.com/hyperifyio/pagecheck/internal/extract"
)

// Tab is a page open in the session.
type Tab struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// Tabs looks up the active tab. ok is false when no tab is active.
type Tabs interface {
	Active(ctx context.Context) (Tab, bool, error)
}

// ErrNoSuchTab is returned when activating an unknown tab.
var ErrNoSuchTab = errors.New("no such tab")

// Session is an in-memory set of tabs. Opening a tab activates it.
type Session struct {
	mu     sync.Mutex
	tabs   map[int]Tab
	active int
	nextID int
}

// NewSession returns a session with no tabs.
func NewSession() *Session {
	return &Session{tabs: make(map[int]Tab), active: -1, nextID: 1}
}

// Open adds a tab for url and makes it active.
func (s *Session) Open(url string) Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Tab{ID: s.nextID, URL: url}
	s.nextID++
	s.tabs[t.ID] = t
	s.active = t.ID
	return t
}

// Activate switches the active tab.
func (s *Session) Activate(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tabs[id]; !ok {
		return fmt.Errorf("activate %d: %w", id, ErrNoSuchTab)
	}
	s.active = id
	return nil
}

// Close removes a tab. Closing the active tab leaves no tab active.
func (s *Session) Close(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, id)
	if s.active == id {
		s.active = -1
	}
}

func (s *Session) Active(ctx context.Context) (Tab, bool, error) {
	if err := ctx.Err(); err != nil {
		return Tab{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[s.active]
	return t, ok, nil
}

// Loader returns the HTML document at url.
type Loader interface {
	Load(ctx context.Context, url string) ([]byte, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, url string) ([]byte, error)

func (f LoaderFunc) Load(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// Poster is the outbound side of the message bus.
type Poster interface {
	Post(msg bus.Message) error
}

// Injector runs the extractor against a tab. The extractor reports back
// only through a CONTENT_EXTRACTED message; Inject itself returns once the
// document is in hand.
type Injector struct {
	Loader    Loader
	Extractor extract.Extractor
	Bus       Poster
}

// Inject loads the tab's document and starts one extraction run tagged
// with cycleID. A load failure is an injection failure.
func (in *Injector) Inject(ctx context.Context, tab Tab, cycleID string) error {
	if in.Loader == nil || in.Bus == nil {
		return errors.New("injector not configured")
	}
	doc, err := in.Loader.Load(ctx, tab.URL)
	if err != nil {
		return fmt.Errorf("cannot access contents of %s: %w", tab.URL, err)
	}
	ex := in.Extractor
	if ex == nil {
		ex = extract.HeuristicExtractor{}
	}
	go func() {
		content := ex.Extract(doc)
		msg, err := bus.NewMessage(bus.ContentExtracted, cycleID, content)
		if err == nil {
			err = in.Bus.Post(msg)
		}
		if err != nil {
			log.Warn().Err(err).Str("cycle", cycleID).Int("tab", tab.ID).Msg("extractor could not report content")
			return
		}
		log.Debug().Str("cycle", cycleID).Int("tab", tab.ID).Int("text_len", len(content.Text)).Bool("image", content.ImageURL != "").Msg("content extracted")
	}()
	return nil
}
