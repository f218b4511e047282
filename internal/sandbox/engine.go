package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/starlark"
)

// Engine executes a compiled user function inside an isolated execution
// context. The in-process engine bounds CPU with an interpreter step
// budget; the subprocess engine adds hard OS-level rlimits on top.
type Engine interface {
	Name() string
	Available() bool
	Run(ctx context.Context, compiled *Compiled, tc TickContext) (any, error)
}

// InprocEngine runs functions on an interpreter thread in this process.
// The step budget and cooperative cancellation bound runaway code; memory
// is only softly bounded here, which is why production deployments prefer
// the subprocess engine.
type InprocEngine struct {
	stepsPerSecond uint64
}

// NewInprocEngine builds the in-process engine. stepsPerSecond converts a
// wall-clock timeout into an interpreter step budget.
func NewInprocEngine(stepsPerSecond uint64) *InprocEngine {
	if stepsPerSecond == 0 {
		stepsPerSecond = 5_000_000
	}
	return &InprocEngine{stepsPerSecond: stepsPerSecond}
}

func (e *InprocEngine) Name() string    { return "inproc" }
func (e *InprocEngine) Available() bool { return true }

func (e *InprocEngine) Run(ctx context.Context, compiled *Compiled, tc TickContext) (any, error) {
	fc := compiled.Config

	globals, err := executionGlobals(fc, tc)
	if err != nil {
		return nil, &ExecutionError{Function: fc.FunctionName, Op: "prepare_globals", Err: err}
	}

	thread := &starlark.Thread{Name: "fn:" + fc.FunctionName}
	seconds := uint64(fc.Timeout.Seconds())
	if seconds == 0 {
		seconds = 1
	}
	thread.SetMaxExecutionSteps(seconds * e.stepsPerSecond)

	// Cancel the interpreter when the wall-clock context expires. The
	// watchdog must not outlive this call.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("deadline exceeded")
		case <-watchdogDone:
		}
	}()

	moduleGlobals, err := compiled.Program.Init(thread, globals)
	if err != nil {
		return nil, classifyEvalError(ctx, fc, "init_module", err)
	}
	moduleGlobals.Freeze()

	fnValue, ok := moduleGlobals[fc.FunctionName]
	if !ok {
		return nil, NewSecurityError("required function %q not found in source", fc.FunctionName)
	}
	fn, ok := fnValue.(starlark.Callable)
	if !ok {
		return nil, NewSecurityError("symbol %q is not callable", fc.FunctionName)
	}

	args := starlark.Tuple{globals["tick_data"], globals["parameters"]}
	ret, err := starlark.Call(thread, fn, args, nil)
	if err != nil {
		return nil, classifyEvalError(ctx, fc, "call", err)
	}

	result, err := fromStarlark(ret)
	if err != nil {
		return nil, &ExecutionError{Function: fc.FunctionName, Op: "convert_result", Err: err}
	}
	return result, nil
}

// classifyEvalError maps interpreter failures onto the error taxonomy so
// callers can tell a timeout from a user-code bug.
func classifyEvalError(ctx context.Context, fc FunctionConfig, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExecutionError{Function: fc.FunctionName, Op: op, Err: ErrTimeout}
	}
	msg := err.Error()
	if strings.Contains(msg, "too many steps") || strings.Contains(msg, "deadline exceeded") {
		return &ExecutionError{Function: fc.FunctionName, Op: op, Err: fmt.Errorf("%w: %s", ErrTimeout, "step budget exhausted")}
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &ExecutionError{Function: fc.FunctionName, Op: op, Err: errors.New(evalErr.Msg)}
	}
	return &ExecutionError{Function: fc.FunctionName, Op: op, Err: err}
}
