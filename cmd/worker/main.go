// The worker executes exactly one sandboxed function per process. The
// server writes a job to stdin; the worker applies hard OS resource
// limits to itself, recompiles the source under the restricted grammar,
// runs it, and writes a single JSON result to stdout. Ceiling breaches
// kill this process, never the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"signal-sandbox/internal/sandbox"
)

func main() {
	var job sandbox.WorkerJob
	if err := json.NewDecoder(os.Stdin).Decode(&job); err != nil {
		emit(sandbox.WorkerResult{OK: false, Kind: "runtime", Error: "decoding job: " + err.Error()})
		return
	}

	// Limits go on before any user input is parsed. No limits, no run.
	if err := applyLimits(job.MemoryLimitMB, job.TimeoutSec); err != nil {
		emit(sandbox.WorkerResult{OK: false, Kind: "runtime", Error: "applying resource limits: " + err.Error()})
		return
	}

	fc := sandbox.FunctionConfig{
		Name:          job.FunctionName,
		FunctionName:  job.FunctionName,
		FilePath:      job.FilePath,
		Parameters:    job.Parameters,
		Timeout:       time.Duration(job.TimeoutSec) * time.Second,
		MemoryLimitMB: job.MemoryLimitMB,
	}
	tc := sandbox.TickContext{
		InstrumentKey:  job.InstrumentKey,
		Timestamp:      job.Timestamp,
		TickData:       job.TickData,
		AggregatedData: job.AggregatedData,
	}

	validator := sandbox.NewCodeValidator(nil, 0)
	if err := validator.Validate(job.Source, fc); err != nil {
		emit(resultFromError(err))
		return
	}

	compiled, err := sandbox.NewCompiler(true).Compile(job.Source, fc)
	if err != nil {
		emit(resultFromError(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fc.Timeout)
	defer cancel()

	engine := sandbox.NewInprocEngine(job.StepsPerSecond)
	value, err := engine.Run(ctx, compiled, tc)
	if err != nil {
		emit(resultFromError(err))
		return
	}

	emit(sandbox.WorkerResult{OK: true, Result: value})
}

func resultFromError(err error) sandbox.WorkerResult {
	kind := "runtime"
	switch sandbox.StatusOf(err) {
	case "timeout":
		kind = "timeout"
	case "memory":
		kind = "memory"
	case "security":
		kind = "security"
	}
	return sandbox.WorkerResult{OK: false, Kind: kind, Error: err.Error()}
}

func emit(res sandbox.WorkerResult) {
	if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
		fmt.Fprintln(os.Stderr, "encoding result:", err)
		os.Exit(1)
	}
}
