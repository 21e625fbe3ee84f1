package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("empty trace id should read as -, got %q", got)
	}
}

func TestConnID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := ConnID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithConnID(ctx, "conn-1")
	if got := ConnID(ctx); got != "conn-1" {
		t.Fatalf("expected conn-1, got %q", got)
	}
	if NewConnID() == NewConnID() {
		t.Fatal("connection ids should be unique")
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithSessionID(ctx, "s-1")
	if got := SessionID(ctx); got != "s-1" {
		t.Fatalf("expected s-1, got %q", got)
	}
}
