// Package results is the durable hand-off between the relay (single
// producer) and any number of UI consumers. The slot holds at most one
// outcome, tagged with the id of the cycle that produced it.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/pagecheck/internal/analysis"
	"github.com/hyperifyio/pagecheck/internal/storage"
)

// SlotKey is the storage record holding the latest outcome.
const SlotKey = "analysisResult"

const cycleField = "cycle_id"

// Envelope is one completed cycle's outcome.
type Envelope struct {
	CycleID string
	Outcome analysis.Outcome
}

// Encode renders the envelope as the outcome's JSON object with cycle_id
// appended as its last member. The outcome's own bytes are left as they are.
func (e Envelope) Encode() ([]byte, error) {
	b, err := analysis.EncodeOutcome(e.Outcome)
	if err != nil {
		return nil, err
	}
	if e.CycleID == "" {
		return b, nil
	}
	b = bytes.TrimSpace(b)
	if len(b) < 2 || b[0] != '{' || b[len(b)-1] != '}' {
		return nil, analysis.ErrNotObject
	}
	body := bytes.TrimSpace(b[1 : len(b)-1])
	out := make([]byte, 0, len(b)+len(e.CycleID)+16)
	out = append(out, b[:len(b)-1]...)
	if len(body) > 0 {
		out = append(out, ',')
	}
	return append(append(out, cycleMember(e.CycleID)...), '}'), nil
}

func cycleMember(id string) []byte {
	v, _ := json.Marshal(id)
	return append([]byte(`"`+cycleField+`":`), v...)
}

// DecodeEnvelope is the inverse of Encode. A missing cycle_id decodes as "".
func DecodeEnvelope(b []byte) (Envelope, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var env Envelope
	if raw, ok := obj[cycleField]; ok {
		if err := json.Unmarshal(raw, &env.CycleID); err != nil {
			return Envelope{}, fmt.Errorf("decode cycle id: %w", err)
		}
		stripped, err := stripCycle(bytes.TrimSpace(b), env.CycleID, obj)
		if err != nil {
			return Envelope{}, err
		}
		b = stripped
	}
	o, err := analysis.DecodeOutcome(b)
	if err != nil {
		return Envelope{}, err
	}
	env.Outcome = o
	return env, nil
}

// stripCycle removes the member Encode appended. Values written by anything
// else fall back to re-encoding without the member.
func stripCycle(b []byte, id string, obj map[string]json.RawMessage) ([]byte, error) {
	member := cycleMember(id)
	tail := append(append([]byte{','}, member...), '}')
	switch {
	case bytes.HasSuffix(b, tail):
		return append(b[:len(b)-len(tail):len(b)-len(tail)], '}'), nil
	case bytes.Equal(b, append(append([]byte{'{'}, member...), '}')):
		return []byte("{}"), nil
	}
	delete(obj, cycleField)
	return json.Marshal(obj)
}

// Channel wraps a storage.Store around the single result slot.
type Channel struct {
	store storage.Store
}

// New returns a channel over store.
func New(store storage.Store) *Channel {
	return &Channel{store: store}
}

// Clear empties the slot. Clearing an empty slot notifies nobody.
func (c *Channel) Clear(ctx context.Context) error {
	if err := c.store.Remove(ctx, SlotKey); err != nil {
		return fmt.Errorf("clear %s: %w", SlotKey, err)
	}
	return nil
}

// Write replaces whatever the slot holds.
func (c *Channel) Write(ctx context.Context, env Envelope) error {
	if env.Outcome == nil {
		return errors.New("write: nil outcome")
	}
	b, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.store.Set(ctx, SlotKey, b); err != nil {
		return fmt.Errorf("write %s: %w", SlotKey, err)
	}
	return nil
}

// Read returns the current envelope; ok is false when the slot is empty.
func (c *Channel) Read(ctx context.Context) (Envelope, bool, error) {
	b, ok, err := c.store.Get(ctx, SlotKey)
	if err != nil {
		return Envelope{}, false, fmt.Errorf("read %s: %w", SlotKey, err)
	}
	if !ok {
		return Envelope{}, false, nil
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		return Envelope{}, false, err
	}
	return env, true, nil
}

// Subscribe calls fn for every change of the slot made after subscription:
// present=false for a clear, the new envelope otherwise. The returned
// function is idempotent.
func (c *Channel) Subscribe(fn func(env Envelope, present bool)) func() {
	return c.store.OnChanged(func(ch storage.Change) {
		if ch.Area != storage.AreaLocal || ch.Key != SlotKey {
			return
		}
		if ch.Removed {
			fn(Envelope{}, false)
			return
		}
		env, err := DecodeEnvelope(ch.NewValue)
		if err != nil {
			log.Warn().Err(err).Str("key", ch.Key).Msg("ignoring undecodable result")
			return
		}
		fn(env, true)
	})
}
