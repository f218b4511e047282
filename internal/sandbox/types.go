package sandbox

import (
	"regexp"
	"time"
)

// functionNamePattern is the only accepted shape for callable symbol names.
var functionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// FunctionConfig identifies one user-supplied function: where its source
// lives relative to the storage root, which symbol to call, and the
// resource envelope it must run within. A config is immutable once it has
// passed validation; re-uploads replace it wholesale.
type FunctionConfig struct {
	Name          string         `json:"name" yaml:"name"`
	FunctionName  string         `json:"function_name" yaml:"function_name"`
	FilePath      string         `json:"file_path" yaml:"file_path"`
	Parameters    map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Timeout       time.Duration  `json:"timeout" yaml:"timeout"`
	MemoryLimitMB int64          `json:"memory_limit_mb" yaml:"memory_limit_mb"`
}

// OutputKey is the key under which this function's result (or failure
// marker) appears in the orchestrator's aggregate map.
func (fc FunctionConfig) OutputKey() string {
	if fc.Name != "" {
		return fc.Name
	}
	return fc.FunctionName
}

// Limits are the server-wide ceilings a FunctionConfig is validated
// against. Role-specific quotas are enforced separately by the ACL.
type Limits struct {
	MaxTimeout     time.Duration
	MaxMemoryMB    int64
	MaxFileBytes   int64
	MaxSourceChars int
}

// DefaultLimits returns the server-wide resource ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxTimeout:     30 * time.Second,
		MaxMemoryMB:    512,
		MaxFileBytes:   50 * 1024,
		MaxSourceChars: 20000,
	}
}

// TickContext carries the market snapshot one strategy tick is evaluated
// against. The sandbox only reads it; it is projected into the execution
// globals as frozen values and never mutated.
type TickContext struct {
	InstrumentKey  string         `json:"instrument_key"`
	Timestamp      time.Time      `json:"timestamp"`
	TickData       map[string]any `json:"tick_data"`
	AggregatedData map[string]any `json:"aggregated_data,omitempty"`
}
