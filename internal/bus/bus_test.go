package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPost_NoReceiver(t *testing.T) {
	b := New()
	defer b.Close()
	msg, _ := NewMessage(AnalyzePage, "", nil)
	if err := b.Post(msg); !errors.Is(err, ErrNoReceiver) {
		t.Fatalf("expected ErrNoReceiver, got %v", err)
	}
}

func TestPost_ReceiversGetPrivateCopies(t *testing.T) {
	b := New()
	defer b.Close()
	first := make(chan Message, 1)
	second := make(chan Message, 1)
	b.AddListener(func(_ context.Context, m Message, _ Respond) bool {
		m.Payload[0] = 'X'
		first <- m
		return false
	})
	b.AddListener(func(_ context.Context, m Message, _ Respond) bool {
		time.Sleep(10 * time.Millisecond)
		second <- m
		return false
	})

	msg, err := NewMessage(ContentExtracted, "c-1", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := b.Post(msg); err != nil {
		t.Fatalf("post: %v", err)
	}
	<-first
	got := <-second
	var payload map[string]string
	if err := got.Decode(&payload); err != nil || payload["text"] != "hi" {
		t.Fatalf("second receiver saw a mutated payload: %s err=%v", got.Payload, err)
	}
	if got.CycleID != "c-1" || got.Type != ContentExtracted {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if string(msg.Payload) != `{"text":"hi"}` {
		t.Fatalf("sender's message mutated: %s", msg.Payload)
	}
}

func TestRequest_AsyncReply(t *testing.T) {
	b := New()
	defer b.Close()
	b.AddListener(func(_ context.Context, m Message, respond Respond) bool {
		go func() {
			time.Sleep(10 * time.Millisecond)
			respond(Reply{CycleID: "abc"})
			respond(Reply{CycleID: "ignored"})
		}()
		return true
	})
	msg, _ := NewMessage(AnalyzePage, "", nil)
	r, err := b.Request(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if r.CycleID != "abc" {
		t.Fatalf("expected first reply, got %+v", r)
	}
}

func TestRequest_AllDeclined(t *testing.T) {
	b := New()
	defer b.Close()
	b.AddListener(func(context.Context, Message, Respond) bool { return false })
	b.AddListener(func(context.Context, Message, Respond) bool { return false })
	msg, _ := NewMessage(AnalyzePage, "", nil)
	if _, err := b.Request(context.Background(), msg, time.Second); !errors.Is(err, ErrNoReply) {
		t.Fatalf("expected ErrNoReply, got %v", err)
	}
}

func TestRequest_SyncReplyBeforeDecline(t *testing.T) {
	b := New()
	defer b.Close()
	b.AddListener(func(_ context.Context, _ Message, respond Respond) bool {
		respond(Reply{Payload: json.RawMessage(`{"ok":true}`)})
		return false
	})
	msg, _ := NewMessage(AnalyzePage, "", nil)
	r, err := b.Request(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(r.Payload) != `{"ok":true}` {
		t.Fatalf("payload=%s", r.Payload)
	}
}

func TestRequest_Timeout(t *testing.T) {
	b := New()
	defer b.Close()
	b.AddListener(func(context.Context, Message, Respond) bool { return true })
	msg, _ := NewMessage(AnalyzePage, "", nil)
	start := time.Now()
	_, err := b.Request(context.Background(), msg, 30*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not honored")
	}
}

func TestAddListener_RemoveIsIdempotent(t *testing.T) {
	b := New()
	defer b.Close()
	var calls int32
	remove := b.AddListener(func(context.Context, Message, Respond) bool {
		atomic.AddInt32(&calls, 1)
		return false
	})
	remove()
	remove()
	msg, _ := NewMessage(AnalyzePage, "", nil)
	if err := b.Post(msg); !errors.Is(err, ErrNoReceiver) {
		t.Fatalf("expected no receivers after remove, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("removed listener was called")
	}
}

func TestClose_CancelsListenersAndRejectsSends(t *testing.T) {
	b := New()
	done := make(chan struct{})
	b.AddListener(func(ctx context.Context, _ Message, _ Respond) bool {
		<-ctx.Done()
		close(done)
		return false
	})
	msg, _ := NewMessage(AnalyzePage, "", nil)
	if err := b.Post(msg); err != nil {
		t.Fatalf("post: %v", err)
	}
	b.Close()
	select {
	case <-done:
	default:
		t.Fatalf("Close returned before the listener observed cancellation")
	}
	if err := b.Post(msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	b.Close()
}
