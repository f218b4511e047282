package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"signal-sandbox/internal/acl"
	"signal-sandbox/internal/monitor"
	"signal-sandbox/internal/sandbox"
	"signal-sandbox/internal/storage"
)

var scriptNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Handlers serves the upload, execute, and audit endpoints.
type Handlers struct {
	executor  *sandbox.Executor
	store     *sandbox.DirStore
	validator *sandbox.CodeValidator
	compiler  *sandbox.Compiler
	checker   *acl.Checker
	roles     acl.RoleStore
	db        *storage.DB
	metrics   *monitor.Metrics

	limits         sandbox.Limits
	defaultTimeout time.Duration
	defaultMemMB   int64
}

// HandlersDeps carries the collaborators the handlers are built from.
type HandlersDeps struct {
	Executor  *sandbox.Executor
	Store     *sandbox.DirStore
	Validator *sandbox.CodeValidator
	Compiler  *sandbox.Compiler
	Checker   *acl.Checker
	Roles     acl.RoleStore
	DB        *storage.DB
	Metrics   *monitor.Metrics

	Limits         sandbox.Limits
	DefaultTimeout time.Duration
	DefaultMemMB   int64
}

func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = 5 * time.Second
	}
	if deps.DefaultMemMB <= 0 {
		deps.DefaultMemMB = 64
	}
	return &Handlers{
		executor:       deps.Executor,
		store:          deps.Store,
		validator:      deps.Validator,
		compiler:       deps.Compiler,
		checker:        deps.Checker,
		roles:          deps.Roles,
		db:             deps.DB,
		metrics:        deps.Metrics,
		limits:         deps.Limits,
		defaultTimeout: deps.DefaultTimeout,
		defaultMemMB:   deps.DefaultMemMB,
	}
}

// HandleUpload validates and persists user function source under the
// caller's namespace. Validation failures return 400 with every error
// collected, not just the first.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var errs []string
	if !scriptNamePattern.MatchString(req.ScriptName) {
		errs = append(errs, "invalid script name")
	}
	if req.ScriptContent == "" {
		errs = append(errs, "script content is empty")
	}

	fc := h.functionConfig(user, req.ScriptName, "", req.FunctionName, req.Parameters, req.Timeout, req.MemoryLimitMB)
	if err := sandbox.ValidateFunctionConfig(fc, h.limits); err != nil {
		errs = append(errs, reasonText(err))
	}

	h.metrics.SourceSizeBytes.Observe(float64(len(req.ScriptContent)))

	for _, m := range h.validator.Scan(req.ScriptContent) {
		h.metrics.RecordDenyListHit(m.Pattern)
		errs = append(errs, "prohibited code pattern detected: "+m.Pattern)
	}
	if len(errs) == 0 {
		if err := h.validator.Validate(req.ScriptContent, fc); err != nil {
			errs = append(errs, reasonText(err))
		}
	}
	if len(errs) == 0 {
		if _, err := h.compiler.Compile(req.ScriptContent, fc); err != nil {
			errs = append(errs, reasonText(err))
		}
	}

	if len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, UploadResponse{
			Path:       fc.FilePath,
			Validation: ValidationResult{Passed: false, Errors: errs},
		})
		return
	}

	if err := h.store.Write(fc.FilePath, []byte(req.ScriptContent)); err != nil {
		log.Error().Err(err).Str("path", fc.FilePath).Msg("storing function source failed")
		writeError(w, "storing function failed", "STORAGE_ERROR", http.StatusInternalServerError, r)
		return
	}

	log.Info().
		Str("user_id", user).
		Str("path", fc.FilePath).
		Int("bytes", len(req.ScriptContent)).
		Msg("function uploaded")

	writeJSON(w, http.StatusCreated, UploadResponse{
		Path:       fc.FilePath,
		Validation: ValidationResult{Passed: true},
	})
}

// HandleExecute runs one stored function against the supplied tick data.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.FunctionName == "" {
		writeError(w, "function_name is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.ScriptName == "" && req.FilePath == "" {
		writeError(w, "script_name or file_path is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	fc := h.functionConfig(user, req.ScriptName, req.FilePath, req.FunctionName, req.Parameters, req.Timeout, req.MemoryLimitMB)
	tc := sandbox.TickContext{
		InstrumentKey: req.InstrumentKey,
		Timestamp:     time.Now().UTC(),
		TickData:      req.TickData,
	}

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	start := time.Now()
	result, err := h.executor.ExecuteOne(r.Context(), user, fc, tc)
	duration := time.Since(start)

	if err != nil {
		status, code := statusForError(err)
		h.metrics.RecordError(sandbox.StatusOf(err))
		writeError(w, reasonText(err), code, status, r)
		return
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Result:   result,
		Status:   "success",
		Duration: duration.String(),
	})
}

// HandleRunSignals fans one tick out across a batch of functions and
// returns the aggregate map. Individual failures surface as null values
// under their keys; the batch itself succeeds.
func (h *Handlers) HandleRunSignals(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req RunSignalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.Functions) == 0 {
		writeError(w, "functions list is empty", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if err := h.checker.CheckFunctionCount(r.Context(), user, len(req.Functions)); err != nil {
		status, code := statusForError(err)
		writeError(w, reasonText(err), code, status, r)
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	tc := sandbox.TickContext{
		InstrumentKey:  req.InstrumentKey,
		Timestamp:      ts,
		TickData:       req.TickData,
		AggregatedData: req.AggregatedData,
	}

	fns := make([]sandbox.FunctionConfig, 0, len(req.Functions))
	for _, f := range req.Functions {
		fc := h.functionConfig(user, "", f.FilePath, f.FunctionName, f.Parameters, f.Timeout, f.MemoryLimitMB)
		fc.Name = f.Name
		fns = append(fns, fc)
	}

	results := h.executor.ExecuteFunctions(r.Context(), user, fns, tc)
	writeJSON(w, http.StatusOK, RunSignalsResponse{Results: results})
}

// HandleListAudits returns recent denial records. Admin capability only.
func (h *Handlers) HandleListAudits(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	role, err := h.roles.Resolve(r.Context(), user)
	if err != nil || !role.Has(acl.PermAdmin) {
		writeError(w, "admin capability required", "FORBIDDEN", http.StatusForbidden, r)
		return
	}

	if h.db == nil {
		writeError(w, "audit database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.AuditFilter{
		UserID: r.URL.Query().Get("user_id"),
		Limit:  100,
	}
	records, err := h.db.ListAudits(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) functionConfig(user, scriptName, filePath, functionName string, params map[string]any, timeout Duration, memMB int64) sandbox.FunctionConfig {
	path := filePath
	if path == "" {
		path = user + "/" + scriptName
	}
	t := timeout.Duration
	if t <= 0 {
		t = h.defaultTimeout
	}
	if memMB <= 0 {
		memMB = h.defaultMemMB
	}
	return sandbox.FunctionConfig{
		Name:          functionName,
		FunctionName:  functionName,
		FilePath:      path,
		Parameters:    params,
		Timeout:       t,
		MemoryLimitMB: memMB,
	}
}

// statusForError maps the error taxonomy onto HTTP status codes: 404
// not-found, 408 timeout, 413 memory, 429 concurrency, 400 security.
func statusForError(err error) (int, string) {
	switch {
	case sandbox.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case sandbox.IsTimeout(err):
		return http.StatusRequestTimeout, "TIMEOUT"
	case sandbox.IsMemoryLimit(err):
		return http.StatusRequestEntityTooLarge, "MEMORY_LIMIT"
	case sandbox.IsConcurrencyLimit(err):
		return http.StatusTooManyRequests, "CONCURRENCY_LIMIT"
	case sandbox.IsSecurityError(err):
		return http.StatusBadRequest, "SECURITY_VIOLATION"
	case errors.Is(err, sandbox.ErrEngineUnavailable):
		return http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "EXECUTION_FAILED"
	}
}

// reasonText returns the sanitized, user-visible message for err. Raw
// wrapped errors never leak internal paths or stack detail.
func reasonText(err error) string {
	var se *sandbox.SecurityError
	if errors.As(err, &se) {
		return se.Reason
	}
	switch {
	case sandbox.IsTimeout(err):
		return "execution timed out"
	case sandbox.IsMemoryLimit(err):
		return "memory limit exceeded"
	case sandbox.IsConcurrencyLimit(err):
		return "concurrency limit exceeded"
	case sandbox.IsNotFound(err):
		return "function file not found"
	case errors.Is(err, sandbox.ErrEngineUnavailable):
		return "execution engine unavailable"
	default:
		return "execution failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
