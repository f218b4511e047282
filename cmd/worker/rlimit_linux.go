//go:build linux

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// runtimeOverheadBytes is headroom for the Go runtime's own virtual
// address space reservations, over and above the user function's budget.
const runtimeOverheadBytes = 256 << 20

// applyLimits sets hard, process-wide ceilings: RLIMIT_AS caps the
// address space, RLIMIT_CPU caps consumed CPU seconds. The kernel
// terminates the process on breach; the parent classifies the corpse.
func applyLimits(memoryMB, timeoutSec int64) error {
	if memoryMB <= 0 || timeoutSec <= 0 {
		return fmt.Errorf("invalid limits: memory=%dMB timeout=%ds", memoryMB, timeoutSec)
	}

	addressSpace := uint64(memoryMB)<<20 + runtimeOverheadBytes
	if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: addressSpace, Max: addressSpace}); err != nil {
		return fmt.Errorf("setting RLIMIT_AS: %w", err)
	}

	// One extra second so the interpreter's own step budget usually
	// fires first with a cleaner error.
	cpuSeconds := uint64(timeoutSec) + 1
	if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}); err != nil {
		return fmt.Errorf("setting RLIMIT_CPU: %w", err)
	}

	// Enough tasks for the Go runtime's own threads, nothing more. The
	// interpreter cannot fork, so this only guards against runtime bugs.
	if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: 16, Max: 16}); err != nil {
		return fmt.Errorf("setting RLIMIT_NPROC: %w", err)
	}
	if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("setting RLIMIT_FSIZE: %w", err)
	}

	return nil
}
