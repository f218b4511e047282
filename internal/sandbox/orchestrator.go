package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"signal-sandbox/internal/monitor"
)

// Authorizer decides whether a user may load and run a function. The ACL
// layer implements it; a denial surfaces as a SecurityError and is audited
// by the implementation before the error propagates.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, fc FunctionConfig) error
}

// ExecutionSink receives the trail of completed executions. May be nil.
type ExecutionSink interface {
	RecordExecution(id, userID, function, status, codeHash string, duration time.Duration)
}

// Executor fans a tick's configured functions out under the shared
// concurrency bound and aggregates results keyed by function name. It is
// an explicitly constructed instance: the semaphore, ACL, and sinks it
// uses are injected, never package-level state.
type Executor struct {
	enabled   bool
	limits    Limits
	loader    *Loader
	validator *CodeValidator
	compiler  *Compiler
	runner    *Runner
	auth      Authorizer
	sink      ExecutionSink
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
}

// ExecutorDeps carries the collaborators an Executor is built from.
type ExecutorDeps struct {
	Enabled   bool
	Limits    Limits
	Loader    *Loader
	Validator *CodeValidator
	Compiler  *Compiler
	Runner    *Runner
	Auth      Authorizer
	Sink      ExecutionSink
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
}

// NewExecutor wires an executor from its dependencies.
func NewExecutor(deps ExecutorDeps) *Executor {
	if deps.Tracer == nil {
		deps.Tracer = monitor.NewTracer()
	}
	return &Executor{
		enabled:   deps.Enabled,
		limits:    deps.Limits,
		loader:    deps.Loader,
		validator: deps.Validator,
		compiler:  deps.Compiler,
		runner:    deps.Runner,
		auth:      deps.Auth,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
	}
}

// Ready reports whether the executor can run anything at all: the feature
// flag is on and the restricted engine is present.
func (e *Executor) Ready() bool {
	return e.enabled && e.compiler.Available() && e.runner.Engine().Available()
}

// EngineName returns the name of the configured execution engine.
func (e *Executor) EngineName() string {
	return e.runner.Engine().Name()
}

// ExecuteFunctions runs every configured function for one tick
// concurrently and returns the aggregate keyed by each function's output
// key. A failed function records nil under its key; siblings are never
// affected. When execution is disabled or the engine is missing the whole
// batch short-circuits to an empty map, a fail-safe no-op rather than an
// error.
func (e *Executor) ExecuteFunctions(ctx context.Context, userID string, fns []FunctionConfig, tc TickContext) map[string]any {
	results := make(map[string]any)
	if !e.Ready() {
		log.Warn().
			Bool("enabled", e.enabled).
			Str("engine", e.runner.Engine().Name()).
			Msg("external function execution unavailable, skipping batch")
		return results
	}

	ctx, span := e.tracer.StartSpan(ctx, "execute_functions",
		monitor.AttrInstrumentKey.String(tc.InstrumentKey),
		monitor.AttrUserID.String(userID),
	)
	defer span.End()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, fc := range fns {
		wg.Add(1)
		go func(fc FunctionConfig) {
			defer wg.Done()
			key := fc.OutputKey()

			defer func() {
				if rec := recover(); rec != nil {
					log.Error().
						Interface("panic", rec).
						Str("function", key).
						Msg("panic during function execution")
					mu.Lock()
					results[key] = nil
					mu.Unlock()
				}
			}()

			value, err := e.ExecuteOne(ctx, userID, fc, tc)
			mu.Lock()
			if err != nil {
				results[key] = nil
			} else {
				results[key] = value
			}
			mu.Unlock()
		}(fc)
	}
	wg.Wait()

	return results
}

// ExecuteOne runs the full chain for a single function: ACL, config
// validation, secure load, static scan, restricted compile, bounded run.
func (e *Executor) ExecuteOne(ctx context.Context, userID string, fc FunctionConfig, tc TickContext) (any, error) {
	execID := uuid.New().String()
	start := time.Now()

	logger := log.With().
		Str("exec_id", execID).
		Str("user_id", userID).
		Str("function", fc.OutputKey()).
		Str("instrument_key", tc.InstrumentKey).
		Logger()

	ctx, span := e.tracer.StartSpan(ctx, "execute_one",
		monitor.AttrExecID.String(execID),
		monitor.AttrFunction.String(fc.OutputKey()),
	)
	defer span.End()

	var codeHash string
	value, err := func() (any, error) {
		if !e.Ready() {
			return nil, ErrEngineUnavailable
		}
		if err := e.auth.Authorize(ctx, userID, fc); err != nil {
			return nil, err
		}
		if err := ValidateFunctionConfig(fc, e.limits); err != nil {
			return nil, err
		}
		source, err := e.loader.Load(fc)
		if err != nil {
			return nil, err
		}
		codeHash = fmt.Sprintf("%x", sha256.Sum256([]byte(source)))
		if err := e.validator.Validate(source, fc); err != nil {
			return nil, err
		}
		compiled, err := e.compiler.Compile(source, fc)
		if err != nil {
			return nil, err
		}
		return e.runner.Execute(ctx, compiled, tc)
	}()

	duration := time.Since(start)
	status := StatusOf(err)

	if e.metrics != nil {
		e.metrics.RecordExecution(fc.OutputKey(), status, duration.Seconds())
	}
	if e.sink != nil {
		e.sink.RecordExecution(execID, userID, fc.OutputKey(), status, codeHash, duration)
	}
	span.SetAttributes(monitor.AttrStatus.String(status), monitor.AttrDurationMS.Int64(duration.Milliseconds()))

	if err != nil {
		logger.Warn().Err(err).Str("status", status).Dur("duration", duration).Msg("function execution failed")
		return nil, err
	}

	logger.Info().Dur("duration", duration).Msg("function execution completed")
	return value, nil
}

// StatusOf buckets an execution outcome for metrics and the audit trail.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsTimeout(err):
		return "timeout"
	case IsMemoryLimit(err):
		return "memory"
	case IsConcurrencyLimit(err):
		return "throttled"
	case IsNotFound(err):
		return "not_found"
	case IsSecurityError(err):
		return "security"
	default:
		return "error"
	}
}
