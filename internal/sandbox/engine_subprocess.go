package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkerJob is the execution request written to a worker's stdin. The
// worker applies its own rlimits before compiling or running anything, so
// ceiling breaches terminate the worker process, never this one.
type WorkerJob struct {
	Source         string         `json:"source"`
	FunctionName   string         `json:"function_name"`
	FilePath       string         `json:"file_path"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TickData       map[string]any `json:"tick_data,omitempty"`
	AggregatedData map[string]any `json:"aggregated_data,omitempty"`
	InstrumentKey  string         `json:"instrument_key"`
	Timestamp      time.Time      `json:"timestamp"`
	TimeoutSec     int64          `json:"timeout_sec"`
	MemoryLimitMB  int64          `json:"memory_limit_mb"`
	StepsPerSecond uint64         `json:"steps_per_second"`
}

// WorkerResult is the single JSON document a worker writes to stdout.
type WorkerResult struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Kind   string `json:"kind,omitempty"` // timeout, memory, security, runtime
	Error  string `json:"error,omitempty"`
}

// SubprocessEngine delegates execution to an rlimit-confined worker
// process. RLIMIT_CPU and RLIMIT_AS give the hard OS-enforced ceilings;
// the caller's context timeout remains the second line of defense.
type SubprocessEngine struct {
	workerPath     string
	stepsPerSecond uint64
}

// NewSubprocessEngine builds the subprocess engine around the worker
// binary at workerPath.
func NewSubprocessEngine(workerPath string, stepsPerSecond uint64) *SubprocessEngine {
	if stepsPerSecond == 0 {
		stepsPerSecond = 5_000_000
	}
	return &SubprocessEngine{workerPath: workerPath, stepsPerSecond: stepsPerSecond}
}

func (e *SubprocessEngine) Name() string { return "subprocess" }

func (e *SubprocessEngine) Available() bool {
	info, err := os.Stat(e.workerPath)
	return err == nil && !info.IsDir()
}

func (e *SubprocessEngine) Run(ctx context.Context, compiled *Compiled, tc TickContext) (any, error) {
	fc := compiled.Config

	job := WorkerJob{
		Source:         compiled.Source,
		FunctionName:   fc.FunctionName,
		FilePath:       fc.FilePath,
		Parameters:     fc.Parameters,
		TickData:       tc.TickData,
		AggregatedData: tc.AggregatedData,
		InstrumentKey:  tc.InstrumentKey,
		Timestamp:      tc.Timestamp,
		TimeoutSec:     int64(fc.Timeout.Seconds()),
		MemoryLimitMB:  fc.MemoryLimitMB,
		StepsPerSecond: e.stepsPerSecond,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, &ExecutionError{Function: fc.FunctionName, Op: "encode_job", Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.workerPath) // #nosec G204 -- path comes from server config, not user input
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = []string{} // workers inherit nothing

	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &ExecutionError{Function: fc.FunctionName, Op: "run_worker", Err: ErrTimeout}
	}

	if runErr != nil {
		return nil, classifyWorkerCrash(fc, runErr, stderr.String())
	}

	res, err := decodeWorkerResult(stdout.Bytes())
	if err != nil {
		log.Error().
			Str("function", fc.FunctionName).
			Str("stderr", truncate(stderr.String(), 512)).
			Msg("worker produced unparseable output")
		return nil, &ExecutionError{Function: fc.FunctionName, Op: "decode_result", Err: err}
	}

	if !res.OK {
		return nil, workerFailure(fc, res)
	}
	return res.Result, nil
}

// decodeWorkerResult parses a worker's stdout document. Numbers are
// decoded as json.Number and restored to int64 or float64 so both engines
// return the same result shape for the same function.
func decodeWorkerResult(raw []byte) (WorkerResult, error) {
	var res WorkerResult
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return WorkerResult{}, err
	}
	res.Result = restoreNumbers(res.Result)
	return res, nil
}

func restoreNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = restoreNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = restoreNumbers(e)
		}
		return x
	default:
		return v
	}
}

func workerFailure(fc FunctionConfig, res WorkerResult) error {
	switch res.Kind {
	case "timeout":
		return &ExecutionError{Function: fc.FunctionName, Op: "run_worker", Err: fmt.Errorf("%w: %s", ErrTimeout, res.Error)}
	case "memory":
		return &ExecutionError{Function: fc.FunctionName, Op: "run_worker", Err: fmt.Errorf("%w: %s", ErrMemoryLimit, res.Error)}
	case "security":
		return NewSecurityError("%s", res.Error)
	default:
		return &ExecutionError{Function: fc.FunctionName, Op: "run_worker", Err: errors.New(res.Error)}
	}
}

// classifyWorkerCrash interprets a worker that died without reporting a
// structured result: the OS limit enforcement killed it.
func classifyWorkerCrash(fc FunctionConfig, runErr error, stderr string) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "out of memory"), strings.Contains(lower, "cannot allocate memory"):
		return &ExecutionError{Function: fc.FunctionName, Op: "run_worker", Err: ErrMemoryLimit}
	case strings.Contains(runErr.Error(), "signal: killed"),
		strings.Contains(runErr.Error(), "cpu time limit exceeded"),
		strings.Contains(runErr.Error(), "signal: CPU time limit exceeded"):
		return &ExecutionError{Function: fc.FunctionName, Op: "run_worker", Err: ErrTimeout}
	default:
		return &ExecutionError{Function: fc.FunctionName, Op: "run_worker",
			Err: fmt.Errorf("worker exited abnormally: %w: %s", runErr, truncate(stderr, 256))}
	}
}

func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "... [truncated]"
}
