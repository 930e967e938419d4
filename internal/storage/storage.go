// Package storage provides the key/value capability used as the hand-off
// medium between the relay and UI consumers: get, set, remove and a change
// subscription.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// AreaLocal is the only storage area in use.
const AreaLocal = "local"

// Change describes one mutation. NewValue is nil when the key was removed.
// OldValue is best-effort and may be nil for backends that cannot report it.
type Change struct {
	Area     string `json:"area"`
	Key      string `json:"key"`
	OldValue []byte `json:"old_value,omitempty"`
	NewValue []byte `json:"new_value,omitempty"`
	Removed  bool   `json:"removed,omitempty"`
}

// Listener receives change notifications. Listeners run on the notifying
// goroutine and must not write to the same store synchronously.
type Listener func(Change)

// Store is the storage capability. Set always notifies; Remove notifies only
// when the key existed.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// OnChanged registers fn and returns a function that unregisters it.
	// The returned function is safe to call more than once.
	OnChanged(fn Listener) (unsubscribe func())
}

// ErrClosed is returned by stores that have been closed.
var ErrClosed = errors.New("storage closed")

// listeners is the in-process fan-out shared by the memory and file stores.
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// notify calls every registered listener in registration order.
func (l *listeners) notify(c Change) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]Listener, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
