//go:build !linux

package main

import "errors"

// Non-Linux platforms have no equivalent hard ceiling here; the worker
// fails closed rather than running without limits. Use the in-process
// engine (step budget only) for development on those platforms.
func applyLimits(_, _ int64) error {
	return errors.New("OS resource limits are only supported on linux")
}
