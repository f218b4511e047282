package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"signal-sandbox/internal/acl"
	"signal-sandbox/internal/monitor"
	"signal-sandbox/internal/sandbox"
)

func testACLFixtures() (map[string]acl.Role, map[string]string) {
	roles := map[string]acl.Role{
		"basic": {
			Permissions:  []acl.Permission{acl.PermExecute},
			MaxMemoryMB:  64,
			MaxTimeout:   5 * time.Second,
			MaxFunctions: 3,
		},
		"admin": {
			Permissions: []acl.Permission{acl.PermExecute, acl.PermCrossUser, acl.PermAdmin},
			MaxMemoryMB: 512,
			MaxTimeout:  30 * time.Second,
		},
		"suspended": {Suspended: true},
	}
	users := map[string]string{
		"alice":   "basic",
		"root":    "admin",
		"mallory": "suspended",
	}
	return roles, users
}

func newTestHandlers(t *testing.T) (*Handlers, *sandbox.DirStore) {
	t.Helper()

	store, err := sandbox.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore() = %v", err)
	}

	metrics := monitor.NewMetrics()
	roles, users := testACLFixtures()
	roleStore := acl.NewStaticRoleStore(roles, users)
	checker := acl.NewChecker(acl.CheckerDeps{
		Roles:           roleStore,
		Metrics:         metrics,
		AdminNamespaces: []string{"admin", "system"},
	})

	limits := sandbox.DefaultLimits()
	validator := sandbox.NewCodeValidator(nil, 0)
	compiler := sandbox.NewCompiler(true)
	executor := sandbox.NewExecutor(sandbox.ExecutorDeps{
		Enabled:   true,
		Limits:    limits,
		Loader:    sandbox.NewLoader(store, 0),
		Validator: validator,
		Compiler:  compiler,
		Runner:    sandbox.NewRunner(sandbox.NewInprocEngine(0), 10, time.Second),
		Auth:      checker,
		Metrics:   metrics,
	})

	h := NewHandlers(HandlersDeps{
		Executor:       executor,
		Store:          store,
		Validator:      validator,
		Compiler:       compiler,
		Checker:        checker,
		Roles:          roleStore,
		Metrics:        metrics,
		Limits:         limits,
		DefaultTimeout: 5 * time.Second,
		DefaultMemMB:   64,
	})
	return h, store
}

func authedRequest(method, path, user string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	ctx := context.WithValue(r.Context(), contextKeyUserID, user)
	ctx = context.WithValue(ctx, contextKeyRequestID, "test-req")
	return r.WithContext(ctx)
}

const cleanSource = `
def process_signal(tick_data, parameters):
    if tick_data.get("price", 0) > parameters.get("threshold", 100):
        return {"signal": "buy", "confidence": 0.9}
    return {"signal": "hold", "confidence": 0.1}
`

func TestHandleUpload_Valid(t *testing.T) {
	h, store := newTestHandlers(t)

	w := httptest.NewRecorder()
	h.HandleUpload(w, authedRequest("POST", "/functions", "alice", UploadRequest{
		ScriptName:    "momentum.py",
		FunctionName:  "process_signal",
		ScriptContent: cleanSource,
	}))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Validation.Passed {
		t.Errorf("Validation.Passed = false: %v", resp.Validation.Errors)
	}
	if resp.Path != "alice/momentum.py" {
		t.Errorf("Path = %q, want alice/momentum.py", resp.Path)
	}
	if exists, _ := store.Exists("alice/momentum.py"); !exists {
		t.Error("uploaded source not persisted")
	}
}

func TestHandleUpload_CollectsAllViolations(t *testing.T) {
	h, store := newTestHandlers(t)

	bad := "import os\nimport subprocess\ndef process_signal(tick_data, parameters):\n    return eval('1')\n"
	w := httptest.NewRecorder()
	h.HandleUpload(w, authedRequest("POST", "/functions", "alice", UploadRequest{
		ScriptName:    "sneaky.py",
		FunctionName:  "process_signal",
		ScriptContent: bad,
	}))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp UploadResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Validation.Passed {
		t.Fatal("Validation.Passed = true for prohibited source")
	}
	if len(resp.Validation.Errors) < 3 {
		t.Errorf("errors = %v, want every violation reported", resp.Validation.Errors)
	}
	if exists, _ := store.Exists("alice/sneaky.py"); exists {
		t.Error("rejected source was persisted")
	}
}

func TestHandleUpload_BadScriptName(t *testing.T) {
	h, _ := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleUpload(w, authedRequest("POST", "/functions", "alice", UploadRequest{
		ScriptName:    "../escape.py",
		FunctionName:  "process_signal",
		ScriptContent: cleanSource,
	}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleExecute_Success(t *testing.T) {
	h, store := newTestHandlers(t)
	if err := store.Write("alice/momentum.py", []byte(cleanSource)); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h.HandleExecute(w, authedRequest("POST", "/execute", "alice", ExecuteRequest{
		ScriptName:    "momentum.py",
		FunctionName:  "process_signal",
		InstrumentKey: "NSE:RELIANCE",
		TickData:      map[string]any{"price": 150.0},
		Parameters:    map[string]any{"threshold": 100.0},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp ExecuteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" {
		t.Errorf("Status = %q", resp.Status)
	}
	result := resp.Result.(map[string]any)
	if result["signal"] != "buy" {
		t.Errorf("signal = %v, want buy", result["signal"])
	}
}

func TestHandleExecute_StatusMapping(t *testing.T) {
	h, store := newTestHandlers(t)
	if err := store.Write("alice/slow.py", []byte(`
def process_signal(tick_data, parameters):
    total = 0
    for i in range(100000000):
        total += i
    return total
`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("alice/bad.py", []byte("import os\ndef process_signal(tick_data, parameters):\n    return None\n")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		user string
		req  ExecuteRequest
		want int
	}{
		{"missing file is 404", "alice", ExecuteRequest{ScriptName: "ghost.py", FunctionName: "process_signal"}, http.StatusNotFound},
		{"timeout is 408", "alice", ExecuteRequest{ScriptName: "slow.py", FunctionName: "process_signal", Timeout: Duration{100 * time.Millisecond}}, http.StatusRequestTimeout},
		{"prohibited source is 400", "alice", ExecuteRequest{ScriptName: "bad.py", FunctionName: "process_signal"}, http.StatusBadRequest},
		{"suspended user is 400", "mallory", ExecuteRequest{ScriptName: "slow.py", FunctionName: "process_signal", FilePath: "alice/slow.py"}, http.StatusBadRequest},
		{"missing function_name is 400", "alice", ExecuteRequest{ScriptName: "momentum.py"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.HandleExecute(w, authedRequest("POST", "/execute", tt.user, tt.req))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestHandleExecute_ErrorBodyIsSanitized(t *testing.T) {
	h, _ := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleExecute(w, authedRequest("POST", "/execute", "alice", ExecuteRequest{
		ScriptName:   "ghost.py",
		FunctionName: "process_signal",
	}))

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "NOT_FOUND" {
		t.Errorf("Code = %q, want NOT_FOUND", resp.Code)
	}
	if resp.RequestID != "test-req" {
		t.Errorf("RequestID = %q", resp.RequestID)
	}
	if resp.Error != "function file not found" {
		t.Errorf("Error = %q, want the sanitized message", resp.Error)
	}
}

func TestHandleRunSignals_Aggregate(t *testing.T) {
	h, store := newTestHandlers(t)
	if err := store.Write("alice/good.py", []byte(cleanSource)); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("alice/crashy.py", []byte(`
def process_signal(tick_data, parameters):
    return tick_data["missing"]
`)); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	h.HandleRunSignals(w, authedRequest("POST", "/signals/run", "alice", RunSignalsRequest{
		InstrumentKey: "NSE:RELIANCE",
		TickData:      map[string]any{"price": 150.0},
		Functions: []SignalFunction{
			{Name: "good", FunctionName: "process_signal", FilePath: "alice/good.py"},
			{Name: "crashy", FunctionName: "process_signal", FilePath: "alice/crashy.py"},
		},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp RunSignalsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %v", resp.Results)
	}
	if resp.Results["crashy"] != nil {
		t.Errorf("crashy = %v, want null failure marker", resp.Results["crashy"])
	}
	if m, ok := resp.Results["good"].(map[string]any); !ok || m["signal"] != "buy" {
		t.Errorf("good = %v", resp.Results["good"])
	}
}

func TestHandleRunSignals_BatchQuota(t *testing.T) {
	h, _ := newTestHandlers(t)

	fns := make([]SignalFunction, 4) // basic role allows 3
	for i := range fns {
		fns[i] = SignalFunction{Name: "f", FunctionName: "process_signal", FilePath: "alice/f.py"}
	}
	w := httptest.NewRecorder()
	h.HandleRunSignals(w, authedRequest("POST", "/signals/run", "alice", RunSignalsRequest{
		TickData:  map[string]any{},
		Functions: fns,
	}))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleListAudits_RequiresAdmin(t *testing.T) {
	h, _ := newTestHandlers(t)
	w := httptest.NewRecorder()
	h.HandleListAudits(w, authedRequest("GET", "/audit", "alice", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	// Admin passes the capability gate; with no database configured the
	// endpoint reports unavailable rather than forbidden.
	w = httptest.NewRecorder()
	h.HandleListAudits(w, authedRequest("GET", "/audit", "root", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("admin status = %d, want 503", w.Code)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err      error
		want     int
		wantCode string
	}{
		{sandbox.ErrFunctionNotFound, http.StatusNotFound, "NOT_FOUND"},
		{&sandbox.ExecutionError{Op: "run", Err: sandbox.ErrTimeout}, http.StatusRequestTimeout, "TIMEOUT"},
		{&sandbox.ExecutionError{Op: "run", Err: sandbox.ErrMemoryLimit}, http.StatusRequestEntityTooLarge, "MEMORY_LIMIT"},
		{&sandbox.ExecutionError{Op: "acquire_slot", Err: sandbox.ErrConcurrencyLimit}, http.StatusTooManyRequests, "CONCURRENCY_LIMIT"},
		{sandbox.NewSecurityError("nope"), http.StatusBadRequest, "SECURITY_VIOLATION"},
		{errors.New("boom"), http.StatusInternalServerError, "EXECUTION_FAILED"},
	}
	for _, tt := range tests {
		status, code := statusForError(tt.err)
		if status != tt.want || code != tt.wantCode {
			t.Errorf("statusForError(%v) = (%d, %s), want (%d, %s)", tt.err, status, code, tt.want, tt.wantCode)
		}
	}
}
