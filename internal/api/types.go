package api

import "time"

// Duration wraps time.Duration for JSON marshaling as a string like "5s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// UploadRequest submits user function source for validation and storage.
type UploadRequest struct {
	ScriptName    string         `json:"script_name"`
	FunctionName  string         `json:"function_name"`
	ScriptContent string         `json:"script_content"`
	Timeout       Duration       `json:"timeout,omitempty"`
	MemoryLimitMB int64          `json:"memory_limit_mb,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
}

// ValidationResult reports the outcome of upload-time validation.
type ValidationResult struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	Path       string           `json:"path"`
	Validation ValidationResult `json:"validation"`
}

// ExecuteRequest runs one stored function against a tick snapshot.
type ExecuteRequest struct {
	ScriptName    string         `json:"script_name,omitempty"` // resolved in the caller's namespace
	FilePath      string         `json:"file_path,omitempty"`   // explicit namespaced path
	FunctionName  string         `json:"function_name"`
	InstrumentKey string         `json:"instrument_key,omitempty"`
	TickData      map[string]any `json:"tick_data"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	MemoryLimitMB int64          `json:"memory_limit_mb,omitempty"`
}

// ExecuteResponse carries one function's result.
type ExecuteResponse struct {
	Result   any    `json:"result"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
}

// SignalFunction is one entry in a batch run.
type SignalFunction struct {
	Name          string         `json:"name"`
	FunctionName  string         `json:"function_name"`
	FilePath      string         `json:"file_path"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	MemoryLimitMB int64          `json:"memory_limit_mb,omitempty"`
}

// RunSignalsRequest fans a tick out across the configured functions.
type RunSignalsRequest struct {
	InstrumentKey  string           `json:"instrument_key"`
	Timestamp      time.Time        `json:"timestamp,omitempty"`
	TickData       map[string]any   `json:"tick_data"`
	AggregatedData map[string]any   `json:"aggregated_data,omitempty"`
	Functions      []SignalFunction `json:"functions"`
}

// RunSignalsResponse is the aggregate keyed by function name; a nil value
// marks a recorded failure for that key.
type RunSignalsResponse struct {
	Results map[string]any `json:"results"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Engine   string `json:"engine"`
	Ready    bool   `json:"ready"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
