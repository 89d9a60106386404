package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, "preflight.session.created", func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	err = bus.Publish(ctx, "preflight.session.created", []byte("token-1"))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "token-1" {
			t.Errorf("Expected 'token-1', got %q", string(msg.Data))
		}
		if msg.Subject != "preflight.session.created" {
			t.Errorf("Expected subject 'preflight.session.created', got %q", msg.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	// Subscribe to wildcard pattern
	sub, err := bus.Subscribe(ctx, "preflight.speculation.*", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Publish to matching subjects
	bus.Publish(ctx, "preflight.speculation.started", []byte("1"))
	bus.Publish(ctx, "preflight.speculation.consumed", []byte("2"))
	bus.Publish(ctx, "preflight.detached.started", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_WildcardGreaterThan(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	// Subscribe with > wildcard (matches multiple tokens)
	sub, err := bus.Subscribe(ctx, "preflight.>", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, "preflight.session.created", []byte("1"))
	bus.Publish(ctx, "preflight.detached.abc123.completed", []byte("2"))
	bus.Publish(ctx, "other.thing", []byte("3")) // Should not match

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("Expected 2 messages, got %d", received.Load())
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "preflight.admin.status", func(msg *Message) []byte {
		return []byte("ok")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := bus.Request(ctx, "preflight.admin.status", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(reply) != "ok" {
		t.Errorf("Expected 'ok', got %q", string(reply))
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, err := bus.Request(context.Background(), "preflight.nobody.home", []byte("ping"), 100*time.Millisecond)
	if err != ErrNoResponders {
		t.Errorf("Expected ErrNoResponders, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, "preflight.events", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	sub.Unsubscribe()
	bus.Publish(ctx, "preflight.events", []byte("after"))

	time.Sleep(100 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 messages after unsubscribe, got %d", received.Load())
	}
}

func TestMemoryBus_ClosedOperations(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	ctx := context.Background()

	if err := bus.Publish(ctx, "x", nil); err != ErrClosed {
		t.Errorf("Publish on closed bus: got %v, want ErrClosed", err)
	}
	if _, err := bus.Subscribe(ctx, "x", func(*Message) []byte { return nil }); err != ErrClosed {
		t.Errorf("Subscribe on closed bus: got %v, want ErrClosed", err)
	}
	if err := bus.Close(); err != ErrClosed {
		t.Errorf("Double close: got %v, want ErrClosed", err)
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.>", "a.b.c.d", true},
		{"a.>", "b.c", false},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
	}

	for _, tt := range tests {
		if got := matchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}
