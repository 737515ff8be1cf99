package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken, =nokey,tenant=auction")
	if len(got) != 2 || got["api-key"] != "secret" || got["tenant"] != "auction" {
		t.Fatalf("unexpected headers: %v", got)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected service name requirement")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "auctiond"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{ServiceName: "auctiond", Traces: true, SampleRatio: 2}); err == nil {
		t.Fatalf("expected invalid sample ratio error")
	}
	if Tracer() == nil {
		t.Fatalf("expected tracer")
	}
	if _, err := Meter().Int64Counter("test.counter"); err != nil {
		t.Fatalf("counter: %v", err)
	}
}
