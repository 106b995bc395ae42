package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 4); err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestSubmitRunsTasks(t *testing.T) {
	p, err := NewPool(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	var ran atomic.Int32
	for i := 0; i < 8; i++ {
		if err := p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 8 {
		t.Fatalf("expected 8 tasks run, got %d", ran.Load())
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p, err := NewPool(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error submitting to closed pool")
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	p, err := NewPool(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}
	var ran atomic.Bool
	if err := p.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected worker to survive the panic and run the next task")
	}
}
