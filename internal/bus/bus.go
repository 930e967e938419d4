// Package bus is the message substrate between isolated contexts (page,
// relay, UI). Messages are serialized on send and decoded per receiver, so
// contexts never share memory.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Type names a message kind.
type Type string

const (
	// AnalyzePage is sent by a UI to start a new analysis cycle.
	AnalyzePage Type = "ANALYZE_PAGE"
	// ContentExtracted is sent by the extractor with an extract.Content payload.
	ContentExtracted Type = "CONTENT_EXTRACTED"
)

// DefaultRequestTimeout bounds Request when the caller passes no timeout.
const DefaultRequestTimeout = 10 * time.Second

// Message is the envelope every context exchanges. CycleID correlates
// messages that belong to the same analysis cycle.
type Message struct {
	Type    Type            `json:"type"`
	CycleID string          `json:"cycle_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload (which may be nil) into a Message.
func NewMessage(t Type, cycleID string, payload any) (Message, error) {
	m := Message{Type: t, CycleID: cycleID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		m.Payload = b
	}
	return m, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Reply is the answer to a Request.
type Reply struct {
	CycleID string          `json:"cycle_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Respond delivers a reply. Only the first call per message has any effect.
type Respond func(Reply)

// Listener handles one message. Returning true promises an asynchronous
// call to respond; returning false means this listener will not answer.
type Listener func(ctx context.Context, msg Message, respond Respond) bool

var (
	// ErrNoReceiver is returned when a message is sent with no listener.
	ErrNoReceiver = errors.New("could not establish connection: receiving end does not exist")
	// ErrNoReply is returned by Request when every listener declined to answer.
	ErrNoReply = errors.New("message port closed before a response was received")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus closed")
)

// Bus dispatches each message to every listener on its own goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an open bus.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{listeners: make(map[int]Listener), ctx: ctx, cancel: cancel}
}

// AddListener registers l and returns an idempotent remove function.
func (b *Bus) AddListener(l Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Post sends msg without waiting for any answer.
func (b *Bus) Post(msg Message) error {
	_, err := b.dispatch(msg, func(Reply) {}, nil)
	return err
}

// Request sends msg and waits for the first reply. The wait is bounded by
// ctx and by timeout (DefaultRequestTimeout when timeout <= 0).
func (b *Bus) Request(ctx context.Context, msg Message, timeout time.Duration) (Reply, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan Reply, 1)
	declined := make(chan struct{})
	var once sync.Once
	respond := func(r Reply) {
		once.Do(func() {
			r.Payload = append(json.RawMessage(nil), r.Payload...)
			replies <- r
		})
	}
	if _, err := b.dispatch(msg, respond, declined); err != nil {
		return Reply{}, err
	}
	select {
	case r := <-replies:
		return r, nil
	case <-declined:
		select {
		case r := <-replies:
			return r, nil
		default:
			return Reply{}, ErrNoReply
		}
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("%s: %w", msg.Type, ctx.Err())
	}
}

// dispatch delivers a private copy of msg to every listener. When declined
// is non-nil it is closed once all listeners returned false.
func (b *Bus) dispatch(msg Message, respond Respond, declined chan struct{}) (int, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrClosed
	}
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	targets := make([]Listener, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, b.listeners[id])
	}
	b.wg.Add(len(targets))
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0, ErrNoReceiver
	}

	var pending atomic.Int32
	pending.Store(int32(len(targets)))
	for _, l := range targets {
		go func(l Listener) {
			defer b.wg.Done()
			var copyMsg Message
			if err := json.Unmarshal(raw, &copyMsg); err != nil {
				log.Error().Err(err).Msg("bus: decode message")
				return
			}
			async := l(b.ctx, copyMsg, respond)
			if !async && pending.Add(-1) == 0 && declined != nil {
				close(declined)
			}
		}(l)
	}
	log.Debug().Str("type", string(msg.Type)).Str("cycle", msg.CycleID).Int("listeners", len(targets)).Msg("bus: dispatched")
	return len(targets), nil
}

// Close stops accepting messages, cancels listener contexts and waits for
// in-flight handlers to return.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}
