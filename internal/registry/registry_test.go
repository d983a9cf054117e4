package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/joblet/joblet/internal/job"
)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	called := false
	r.Register("count_items", func(ctx context.Context, e *job.Envelope) error {
		called = true
		return nil
	})

	h, ok := r.Get("count_items")
	if !ok {
		t.Fatalf("Get returned ok=false for a registered class")
	}
	if err := h(context.Background(), &job.Envelope{}); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !called {
		t.Fatalf("handler was not invoked")
	}
}

func TestGetUnknownClass(t *testing.T) {
	r := New()
	if _, ok := r.Get("nope"); ok {
		t.Fatalf("Get returned ok=true for an unregistered class")
	}
}

func TestRegisterReplacesExistingHandler(t *testing.T) {
	r := New()
	r.Register("job", func(ctx context.Context, e *job.Envelope) error { return errors.New("first") })
	r.Register("job", func(ctx context.Context, e *job.Envelope) error { return errors.New("second") })

	h, _ := r.Get("job")
	if err := h(context.Background(), &job.Envelope{}); err.Error() != "second" {
		t.Fatalf("Register did not replace the existing handler, got %v", err)
	}
}

func TestCount(t *testing.T) {
	r := New()
	if r.Count() != 0 {
		t.Fatalf("Count() = %d on empty registry, want 0", r.Count())
	}
	r.Register("a", func(ctx context.Context, e *job.Envelope) error { return nil })
	r.Register("b", func(ctx context.Context, e *job.Envelope) error { return nil })
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
}

func TestPerformInvokesRegisteredHandler(t *testing.T) {
	r := New()
	var seen *job.Envelope
	r.Register("send_email", func(ctx context.Context, e *job.Envelope) error {
		seen = e
		return nil
	})

	e := &job.Envelope{Class: "send_email", JID: "abc123"}
	if err := r.Perform(context.Background(), e); err != nil {
		t.Fatalf("Perform returned error: %v", err)
	}
	if seen != e {
		t.Fatalf("handler did not receive the envelope passed to Perform")
	}
}

func TestPerformUnknownClassReturnsUnknownHandlerError(t *testing.T) {
	r := New()
	err := r.Perform(context.Background(), &job.Envelope{Class: "ghost"})

	var unknown *UnknownHandlerError
	if !errors.As(err, &unknown) {
		t.Fatalf("Perform returned %T, want *UnknownHandlerError", err)
	}
	if unknown.Class != "ghost" {
		t.Fatalf("UnknownHandlerError.Class = %q, want %q", unknown.Class, "ghost")
	}
}

func TestPerformPropagatesHandlerError(t *testing.T) {
	r := New()
	wantErr := errors.New("boom")
	r.Register("process_data", func(ctx context.Context, e *job.Envelope) error { return wantErr })

	err := r.Perform(context.Background(), &job.Envelope{Class: "process_data"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Perform error = %v, want %v", err, wantErr)
	}
}

func TestRegistryIsSafeForConcurrentUse(t *testing.T) {
	r := New()
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(i int) {
			r.Register("class", func(ctx context.Context, e *job.Envelope) error { return nil })
			r.Get("class")
			r.Count()
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
