package present

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/analysis"
	"github.com/hyperifyio/pagecheck/internal/bus"
	"github.com/hyperifyio/pagecheck/internal/results"
)

// Phase is which of the mutually exclusive views is showing.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseError
	PhaseResult
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseError:
		return "error"
	case PhaseResult:
		return "result"
	default:
		return "idle"
	}
}

// View is a snapshot of what the UI shows. Error is set only in
// PhaseError and Report only in PhaseResult.
type View struct {
	Phase   Phase
	CycleID string
	Error   string
	Report  *Report
}

// ViewOf maps an outcome to its view with an exhaustive type switch.
func ViewOf(o analysis.Outcome) View {
	switch v := o.(type) {
	case analysis.Success:
		rep := NewReport(v.Result())
		return View{Phase: PhaseResult, Report: &rep}
	case analysis.Failure:
		return View{Phase: PhaseError, Error: v.Err.Message}
	default:
		return View{Phase: PhaseError, Error: analysis.ErrUnknownOutcome.Error()}
	}
}

// Requester sends a message and waits for its reply.
type Requester interface {
	Request(ctx context.Context, msg bus.Message, timeout time.Duration) (bus.Reply, error)
}

// Popup is the extension popup's state. On Open it shows whatever the slot
// already holds and follows later writes. While it waits on its own
// trigger, writes from other cycles are ignored.
type Popup struct {
	Channel *results.Channel
	Bus     Requester
	// RequestTimeout bounds the wait for the relay to acknowledge a
	// trigger. Zero means bus.DefaultRequestTimeout.
	RequestTimeout time.Duration

	mu          sync.Mutex
	view        View
	awaiting    string
	changed     chan struct{}
	unsubscribe func()
}

// Open loads the current slot value and subscribes to changes.
func (p *Popup) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.changed == nil {
		p.changed = make(chan struct{})
	}
	if p.unsubscribe != nil {
		p.mu.Unlock()
		return errors.New("popup already open")
	}
	p.unsubscribe = p.Channel.Subscribe(p.onChange)
	p.mu.Unlock()

	env, ok, err := p.Channel.Read(ctx)
	if err != nil {
		return err
	}
	if ok {
		p.onChange(env, true)
	}
	return nil
}

// Close stops following the slot. It is safe to call more than once.
func (p *Popup) Close() {
	p.mu.Lock()
	unsub := p.unsubscribe
	p.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// View returns the current view.
func (p *Popup) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// Analyze asks the relay for a new cycle and switches to loading. The
// returned id is the cycle whose outcome the popup will show.
func (p *Popup) Analyze(ctx context.Context) (string, error) {
	p.set(View{Phase: PhaseLoading}, "")

	msg, err := bus.NewMessage(bus.AnalyzePage, "", nil)
	if err != nil {
		return "", err
	}
	reply, err := p.Bus.Request(ctx, msg, p.RequestTimeout)
	if err == nil && reply.Error != "" {
		err = errors.New(reply.Error)
	}
	if err != nil {
		p.set(View{Phase: PhaseError, Error: err.Error()}, "")
		return "", fmt.Errorf("start analysis: %w", err)
	}

	p.mu.Lock()
	if p.view.Phase == PhaseLoading {
		p.awaiting = reply.CycleID
		p.view.CycleID = reply.CycleID
	}
	p.mu.Unlock()
	log.Debug().Str("cycle", reply.CycleID).Msg("popup awaiting result")

	// The cycle may have finished before the reply arrived.
	env, ok, err := p.Channel.Read(ctx)
	if err != nil {
		return reply.CycleID, err
	}
	if ok {
		p.onChange(env, true)
	}
	return reply.CycleID, nil
}

// Wait blocks until the popup leaves the loading state or ctx is done.
func (p *Popup) Wait(ctx context.Context) (View, error) {
	for {
		p.mu.Lock()
		if p.changed == nil {
			p.changed = make(chan struct{})
		}
		v, ch := p.view, p.changed
		p.mu.Unlock()
		if v.Phase != PhaseLoading {
			return v, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

func (p *Popup) onChange(env results.Envelope, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loading := p.view.Phase == PhaseLoading
	if !present {
		if !loading {
			p.setLocked(View{Phase: PhaseIdle}, "")
		}
		return
	}
	if loading {
		// Until the relay acknowledges the trigger the popup cannot tell
		// its own cycle from an older one still in flight.
		if p.awaiting == "" || (env.CycleID != "" && env.CycleID != p.awaiting) {
			log.Debug().Str("cycle", env.CycleID).Str("awaiting", p.awaiting).Msg("popup ignoring superseded result")
			return
		}
	}
	v := ViewOf(env.Outcome)
	v.CycleID = env.CycleID
	p.setLocked(v, "")
}

func (p *Popup) set(v View, awaiting string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setLocked(v, awaiting)
}

func (p *Popup) setLocked(v View, awaiting string) {
	p.view = v
	p.awaiting = awaiting
	if p.changed != nil {
		close(p.changed)
	}
	p.changed = make(chan struct{})
}

// Submitter sends a built request over the direct path.
type Submitter interface {
	Submit(ctx context.Context, req analysis.Request) analysis.Outcome
}

// Dashboard is the direct, non-extension path: inputs go through the
// request builder and straight to the service.
type Dashboard struct {
	Client Submitter
}

// Submit validates the inputs and returns the resulting view. Precondition
// failures never reach the service.
func (d *Dashboard) Submit(ctx context.Context, text, imageURL string, file *analysis.ImageFile, sourceContext string) View {
	req, err := analysis.Build(text, imageURL, file, sourceContext)
	if err != nil {
		return View{Phase: PhaseError, Error: err.Error()}
	}
	return ViewOf(d.Client.Submit(ctx, req))
}
