package bus

import (
	"context"
	"testing"
)

func TestNewWithNilConfigIsNoop(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}
	if _, ok := b.(noopBus); !ok {
		t.Fatalf("expected noopBus, got %T", b)
	}
	if err := b.Publish(context.Background(), []byte("x")); err != nil {
		t.Fatalf("noopBus.Publish: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("noopBus.Close: %v", err)
	}
}

func TestNewWithEmptyConnectionIsNoop(t *testing.T) {
	b, err := New(&Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := b.(noopBus); !ok {
		t.Fatalf("expected noopBus for empty connection, got %T", b)
	}
}

func TestNewWithConnectionDefaultsTopic(t *testing.T) {
	b, err := New(&Config{Connection: "localhost:6379"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rb, ok := b.(*redisBus)
	if !ok {
		t.Fatalf("expected *redisBus, got %T", b)
	}
	if rb.topic != "buzzrelay.inbound" {
		t.Errorf("got default topic %q, want buzzrelay.inbound", rb.topic)
	}
	_ = rb.Close()
}
