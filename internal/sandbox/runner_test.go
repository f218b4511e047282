package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"
)

// blockingEngine parks every Run until released, so tests can hold all
// semaphore slots deterministically.
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *blockingEngine) Name() string    { return "blocking" }
func (e *blockingEngine) Available() bool { return true }

func (e *blockingEngine) Run(ctx context.Context, _ *Compiled, _ TickContext) (any, error) {
	e.started <- struct{}{}
	select {
	case <-e.release:
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunner_ConcurrencyLimit(t *testing.T) {
	engine := &blockingEngine{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	runner := NewRunner(engine, 2, 100*time.Millisecond)

	fc := testConfig()
	fc.Timeout = 10 * time.Second
	compiled := &Compiled{Config: fc}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := runner.Execute(context.Background(), compiled, TickContext{}); err != nil {
				t.Errorf("slot-holding execution failed: %v", err)
			}
		}()
	}

	// Wait until both slots are actually held.
	<-engine.started
	<-engine.started

	_, err := runner.Execute(context.Background(), compiled, TickContext{})
	if !IsConcurrencyLimit(err) {
		t.Fatalf("third execution error = %v, want concurrency limit", err)
	}

	close(engine.release)
	wg.Wait()

	// Slots released; a new execution acquires immediately.
	if _, err := runner.Execute(context.Background(), &Compiled{Config: fc}, TickContext{}); err != nil {
		t.Errorf("post-release execution failed: %v", err)
	}
}

func TestRunner_TimeoutClassification(t *testing.T) {
	fc := testConfig()
	fc.Timeout = 50 * time.Millisecond
	source := `
def process_signal(tick_data, parameters):
    total = 0
    for i in range(100000000):
        total += i
    return total
`
	compiled := compileForTest(t, source, fc)
	runner := NewRunner(NewInprocEngine(0), 5, time.Second)

	_, err := runner.Execute(context.Background(), compiled, TickContext{})
	if !IsTimeout(err) {
		t.Fatalf("Execute() = %v, want timeout", err)
	}
}

func TestRunner_ActiveCount(t *testing.T) {
	engine := &blockingEngine{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	runner := NewRunner(engine, 5, time.Second)
	fc := testConfig()
	fc.Timeout = 10 * time.Second

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Execute(context.Background(), &Compiled{Config: fc}, TickContext{})
	}()

	<-engine.started
	if n := runner.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount() = %d, want 1", n)
	}
	close(engine.release)
	<-done
	if n := runner.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() after completion = %d, want 0", n)
	}
}

func TestRunner_ParentCancellationIsNotThrottle(t *testing.T) {
	engine := &blockingEngine{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	runner := NewRunner(engine, 1, 5*time.Second)
	fc := testConfig()
	fc.Timeout = 10 * time.Second

	go func() {
		runner.Execute(context.Background(), &Compiled{Config: fc}, TickContext{})
	}()
	<-engine.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Execute(ctx, &Compiled{Config: fc}, TickContext{})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsConcurrencyLimit(err) {
		t.Errorf("cancelled parent reported as concurrency limit: %v", err)
	}

	close(engine.release)
}
