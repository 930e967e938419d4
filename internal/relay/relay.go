// Package relay runs analysis cycles: it reacts to ANALYZE_PAGE, injects
// the extractor into the active tab, forwards the extracted content to the
// Analysis Service and writes the outcome to the result channel. It is the
// only writer of the slot.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/analysis"
	"github.com/hyperifyio/pagecheck/internal/bus"
	"github.com/hyperifyio/pagecheck/internal/extract"
	"github.com/hyperifyio/pagecheck/internal/page"
	"github.com/hyperifyio/pagecheck/internal/results"
)

// State of one cycle.
type State int

const (
	Idle State = iota
	Requesting
	Extracting
	Analyzing
)

func (s State) String() string {
	switch s {
	case Requesting:
		return "requesting"
	case Extracting:
		return "extracting"
	case Analyzing:
		return "analyzing"
	default:
		return "idle"
	}
}

// DefaultCycleTimeout bounds a cycle from trigger to slot write.
const DefaultCycleTimeout = 60 * time.Second

// Failure messages for cycles that never reach the Analysis Service.
const (
	MsgNoActivePage = "No active page to analyze"
	MsgTimedOut     = "Timed out waiting for page analysis"
)

// ErrAlreadyAttached is returned by a second Attach.
var ErrAlreadyAttached = errors.New("relay already attached")

// Analyzer sends extracted content to the Analysis Service.
type Analyzer interface {
	Analyze(ctx context.Context, content extract.Content) analysis.Outcome
}

// Injector starts the extractor in a tab. The extractor answers with a
// CONTENT_EXTRACTED message carrying cycleID.
type Injector interface {
	Inject(ctx context.Context, tab page.Tab, cycleID string) error
}

type cycle struct {
	id        string
	state     State
	content   chan extract.Content
	delivered bool
}

// Relay is safe for concurrent use. Cycles are independent; when two
// overlap, whichever completes last owns the slot, and each write carries
// its cycle id so consumers can tell them apart.
type Relay struct {
	Tabs     page.Tabs
	Injector Injector
	Analyzer Analyzer
	Channel  *results.Channel
	// Timeout bounds each cycle. Zero means DefaultCycleTimeout.
	Timeout time.Duration
	// NewID generates cycle ids. Nil means uuid.NewString.
	NewID func() string

	attachOnce sync.Once
	mu         sync.Mutex
	cycles     map[string]*cycle
	latest     string
	wg         sync.WaitGroup
}

// Attach registers the relay's listener on b. It may be called once per
// relay; later calls return ErrAlreadyAttached.
func (r *Relay) Attach(b *bus.Bus) error {
	err := ErrAlreadyAttached
	r.attachOnce.Do(func() {
		b.AddListener(r.handle)
		err = nil
	})
	return err
}

func (r *Relay) handle(ctx context.Context, msg bus.Message, respond bus.Respond) bool {
	switch msg.Type {
	case bus.AnalyzePage:
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.begin(ctx, respond)
		}()
		return true
	case bus.ContentExtracted:
		var content extract.Content
		if err := msg.Decode(&content); err != nil {
			log.Warn().Err(err).Str("cycle", msg.CycleID).Msg("dropping malformed extracted content")
			return false
		}
		r.deliver(msg.CycleID, content)
		return false
	default:
		return false
	}
}

// State reports the state of cycle id; unknown and finished cycles are Idle.
func (r *Relay) State(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cycles[id]; ok {
		return c.state
	}
	return Idle
}

// Wait blocks until every started cycle has finished.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) begin(parent context.Context, respond bus.Respond) {
	id := r.newID()
	c := &cycle{id: id, state: Requesting, content: make(chan extract.Content, 1)}
	r.mu.Lock()
	if r.cycles == nil {
		r.cycles = make(map[string]*cycle)
	}
	r.cycles[id] = c
	r.mu.Unlock()
	defer r.finish(c)

	logger := log.With().Str("cycle", id).Logger()
	logger.Info().Msg("analysis cycle started")

	if err := r.Channel.Clear(parent); err != nil {
		logger.Warn().Err(err).Msg("could not clear previous result")
	}
	respond(bus.Reply{CycleID: id})

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCycleTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	outcome, ok := r.run(ctx, c)
	if !ok {
		logger.Info().Msg("analysis cycle abandoned")
		return
	}
	env := results.Envelope{CycleID: id, Outcome: outcome}
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer wcancel()
	if err := r.Channel.Write(wctx, env); err != nil {
		logger.Error().Err(err).Msg("could not write analysis outcome")
		return
	}
	switch o := outcome.(type) {
	case analysis.Success:
		res := o.Result()
		logger.Info().Str("verdict", res.Verdict).Float64("confidence", res.ConfidenceScore).Msg("analysis cycle complete")
	case analysis.Failure:
		logger.Warn().Str("message", o.Err.Message).Msg("analysis cycle failed")
	}
}

// run drives one cycle to an outcome. ok is false when the relay is shutting
// down and nothing should be written.
func (r *Relay) run(ctx context.Context, c *cycle) (analysis.Outcome, bool) {
	tab, found, err := r.Tabs.Active(ctx)
	if err != nil {
		return r.failure(ctx, err)
	}
	if !found {
		return analysis.Fail(MsgNoActivePage), true
	}

	r.setState(c, Extracting)
	if err := r.Injector.Inject(ctx, tab, c.id); err != nil {
		return r.failure(ctx, err)
	}

	var content extract.Content
	select {
	case content = <-c.content:
	case <-ctx.Done():
		return r.failure(ctx, ctx.Err())
	}

	r.setState(c, Analyzing)
	outcome := r.Analyzer.Analyze(ctx, content)
	if ctx.Err() != nil {
		return r.failure(ctx, ctx.Err())
	}
	return outcome, true
}

func (r *Relay) failure(ctx context.Context, err error) (analysis.Outcome, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return analysis.Fail(MsgTimedOut), true
	case ctx.Err() != nil:
		return nil, false
	default:
		return analysis.FailErr(err), true
	}
}

func (r *Relay) deliver(cycleID string, content extract.Content) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cycleID == "" {
		cycleID = r.latest
	}
	c, ok := r.cycles[cycleID]
	if !ok || c.state != Extracting || c.delivered {
		log.Debug().Str("cycle", cycleID).Msg("dropping content for inactive cycle")
		return
	}
	c.delivered = true
	c.content <- content
}

func (r *Relay) setState(c *cycle, s State) {
	r.mu.Lock()
	c.state = s
	if s == Extracting {
		r.latest = c.id
	}
	r.mu.Unlock()
	log.Debug().Str("cycle", c.id).Stringer("state", s).Msg("cycle state")
}

func (r *Relay) finish(c *cycle) {
	r.mu.Lock()
	delete(r.cycles, c.id)
	if r.latest == c.id {
		r.latest = ""
	}
	r.mu.Unlock()
}

func (r *Relay) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
