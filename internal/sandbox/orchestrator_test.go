package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type allowAll struct{}

func (allowAll) Authorize(context.Context, string, FunctionConfig) error { return nil }

type denyUser struct{ userID string }

func (d denyUser) Authorize(_ context.Context, userID string, _ FunctionConfig) error {
	if userID == d.userID {
		return NewSecurityError("user suspended")
	}
	return nil
}

type captureSink struct {
	mu      sync.Mutex
	records []string // status per execution
}

func (s *captureSink) RecordExecution(_, _, _, status, _ string, _ time.Duration) {
	s.mu.Lock()
	s.records = append(s.records, status)
	s.mu.Unlock()
}

func newTestExecutor(t *testing.T, auth Authorizer, sink ExecutionSink) (*Executor, *DirStore) {
	t.Helper()
	store := newTestStore(t)
	exec := NewExecutor(ExecutorDeps{
		Enabled:   true,
		Limits:    DefaultLimits(),
		Loader:    NewLoader(store, 0),
		Validator: NewCodeValidator(nil, 0),
		Compiler:  NewCompiler(true),
		Runner:    NewRunner(NewInprocEngine(0), 10, time.Second),
		Auth:      auth,
		Sink:      sink,
	})
	return exec, store
}

func writeFn(t *testing.T, store *DirStore, path, source string) {
	t.Helper()
	if err := store.Write(path, []byte(source)); err != nil {
		t.Fatalf("Write(%s) = %v", path, err)
	}
}

func tickRELIANCE() TickContext {
	return TickContext{
		InstrumentKey: "NSE:RELIANCE",
		Timestamp:     time.Now(),
		TickData:      map[string]any{"price": 150.0, "volume": int64(5000)},
	}
}

func fnConfig(name, path string) FunctionConfig {
	return FunctionConfig{
		Name:          name,
		FunctionName:  "process_signal",
		FilePath:      path,
		Timeout:       5 * time.Second,
		MemoryLimitMB: 64,
	}
}

func TestExecuteOne_FullChain(t *testing.T) {
	sink := &captureSink{}
	exec, store := newTestExecutor(t, allowAll{}, sink)
	writeFn(t, store, "user123/momentum.py", `
def process_signal(tick_data, parameters):
    return {"signal": "buy" if tick_data.get("price", 0) > 100 else "hold"}
`)

	result, err := exec.ExecuteOne(context.Background(), "user123", fnConfig("momentum", "user123/momentum.py"), tickRELIANCE())
	if err != nil {
		t.Fatalf("ExecuteOne() = %v", err)
	}
	m := result.(map[string]any)
	if m["signal"] != "buy" {
		t.Errorf("signal = %v, want buy", m["signal"])
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 1 || sink.records[0] != "success" {
		t.Errorf("sink records = %v, want [success]", sink.records)
	}
}

func TestExecuteOne_DenialShortCircuits(t *testing.T) {
	sink := &captureSink{}
	exec, store := newTestExecutor(t, denyUser{"user123"}, sink)
	writeFn(t, store, "user123/momentum.py", "def process_signal(tick_data, parameters):\n    return None\n")

	_, err := exec.ExecuteOne(context.Background(), "user123", fnConfig("momentum", "user123/momentum.py"), tickRELIANCE())
	if !IsSecurityError(err) {
		t.Fatalf("ExecuteOne() = %v, want security error", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 1 || sink.records[0] != "security" {
		t.Errorf("sink records = %v, want [security]", sink.records)
	}
}

func TestExecuteFunctions_ErrorIsolation(t *testing.T) {
	exec, store := newTestExecutor(t, allowAll{}, nil)
	writeFn(t, store, "user123/good.py", `
def process_signal(tick_data, parameters):
    return {"signal": "buy"}
`)
	writeFn(t, store, "user123/crashy.py", `
def process_signal(tick_data, parameters):
    return tick_data["no_such_key"]
`)
	writeFn(t, store, "user123/also_good.py", `
def process_signal(tick_data, parameters):
    return {"signal": "hold"}
`)

	fns := []FunctionConfig{
		fnConfig("good", "user123/good.py"),
		fnConfig("crashy", "user123/crashy.py"),
		fnConfig("also_good", "user123/also_good.py"),
	}
	results := exec.ExecuteFunctions(context.Background(), "user123", fns, tickRELIANCE())

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results["crashy"] != nil {
		t.Errorf("crashy = %v, want nil failure marker", results["crashy"])
	}
	if m, ok := results["good"].(map[string]any); !ok || m["signal"] != "buy" {
		t.Errorf("good = %v", results["good"])
	}
	if m, ok := results["also_good"].(map[string]any); !ok || m["signal"] != "hold" {
		t.Errorf("also_good = %v", results["also_good"])
	}
}

func TestExecuteFunctions_DisabledReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	exec := NewExecutor(ExecutorDeps{
		Enabled:   false,
		Limits:    DefaultLimits(),
		Loader:    NewLoader(store, 0),
		Validator: NewCodeValidator(nil, 0),
		Compiler:  NewCompiler(true),
		Runner:    NewRunner(NewInprocEngine(0), 10, time.Second),
		Auth:      allowAll{},
	})

	results := exec.ExecuteFunctions(context.Background(), "user123",
		[]FunctionConfig{fnConfig("momentum", "user123/momentum.py")}, tickRELIANCE())
	if len(results) != 0 {
		t.Errorf("results = %v, want empty map", results)
	}
	if exec.Ready() {
		t.Error("Ready() = true for disabled executor")
	}
}

type downEngine struct{}

func (downEngine) Name() string    { return "subprocess" }
func (downEngine) Available() bool { return false }
func (downEngine) Run(context.Context, *Compiled, TickContext) (any, error) {
	return nil, ErrEngineUnavailable
}

func TestExecuteOne_EngineUnavailableRefuses(t *testing.T) {
	store := newTestStore(t)
	writeFn(t, store, "user123/momentum.py", `
def process_signal(tick_data, parameters):
    return {"signal": "hold"}
`)
	exec := NewExecutor(ExecutorDeps{
		Enabled:   true,
		Limits:    DefaultLimits(),
		Loader:    NewLoader(store, 0),
		Validator: NewCodeValidator(nil, 0),
		Compiler:  NewCompiler(true),
		Runner:    NewRunner(downEngine{}, 10, time.Second),
		Auth:      allowAll{},
	})

	if exec.Ready() {
		t.Error("Ready() = true with unavailable engine")
	}
	_, err := exec.ExecuteOne(context.Background(), "user123", fnConfig("momentum", "user123/momentum.py"), tickRELIANCE())
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("ExecuteOne() = %v, want ErrEngineUnavailable", err)
	}
}

func TestExecuteOne_MissingFunctionFile(t *testing.T) {
	exec, _ := newTestExecutor(t, allowAll{}, nil)
	_, err := exec.ExecuteOne(context.Background(), "user123", fnConfig("ghost", "user123/ghost.py"), tickRELIANCE())
	if !IsNotFound(err) {
		t.Fatalf("ExecuteOne() = %v, want not found", err)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "success"},
		{"timeout", &ExecutionError{Op: "run", Err: ErrTimeout}, "timeout"},
		{"memory", &ExecutionError{Op: "run", Err: ErrMemoryLimit}, "memory"},
		{"throttled", &ExecutionError{Op: "acquire_slot", Err: ErrConcurrencyLimit}, "throttled"},
		{"not found", ErrFunctionNotFound, "not_found"},
		{"security", NewSecurityError("nope"), "security"},
		{"other", &ExecutionError{Op: "call", Err: context.Canceled}, "error"},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("%s: StatusOf() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
