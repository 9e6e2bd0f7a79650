package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := New(2, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()

	var mu sync.Mutex
	seen := 0
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		if err := p.Submit(func(_ context.Context) {
			mu.Lock()
			seen++
			n := seen
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tasks to run, saw %d/5", seen)
	}

	cancel()
	wg.Wait()
}

func TestPoolTaskPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Submit(func(_ context.Context) { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan struct{})
	if err := p.Submit(func(_ context.Context) { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not recover from a panicking task")
	}
}

func TestPoolSubmitRejectsWhenQueueFull(t *testing.T) {
	p := New(1, zap.NewNop(), nil)
	block := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	if err := p.Submit(func(_ context.Context) { <-block }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer close(block)

	var lastErr error
	for i := 0; i < queueSize+10; i++ {
		if err := p.Submit(func(_ context.Context) {}); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected Submit to eventually reject once the queue is full")
	}
}
