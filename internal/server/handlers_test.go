package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

func testServer(t *testing.T, withStore bool) *Server {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	reg := sandboxtest.Runtimes()
	unit, err := sandbox.NewUnit(sandbox.UnitConfig{
		Backend:  &sandboxtest.Backend{},
		Runtimes: reg,
		Governor: sandbox.NewGovernor(10*time.Millisecond, log),
		WorkDir:  t.TempDir(),
		Logger:   log,
	})
	if err != nil {
		t.Fatal(err)
	}

	var store storage.Store
	if withStore {
		st, err := sqlite.Open(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { st.Close() })
		store = st
	}

	policy := sandbox.DefaultPolicy()
	policy.MaxTimeout = 2 * time.Second
	eng := engine.New(engine.Config{
		Policy:         policy,
		DefaultRuntime: "fake",
		MaxConcurrent:  4,
		QueueTimeout:   time.Second,
	}, unit, reg, store, log)

	return New(config.ServerConfig{MaxBodyBytes: 4096}, eng, store, log)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) sandbox.Response {
	t.Helper()
	var resp sandbox.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return resp
}

func TestHandleRun(t *testing.T) {
	s := testServer(t, false)

	w := doRequest(t, s.Handler(), http.MethodPost, "/run", `{"code":"out hello\nexit 3"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	resp := decodeResponse(t, w)
	if resp.Stdout != "hello\n" || resp.ExitCode != 3 || resp.Status != "completed" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ID == "" {
		t.Error("missing execution id")
	}
}

func TestHandleRunHugeLimits(t *testing.T) {
	s := testServer(t, false)

	body := `{"code":"out ok","timeout_ms":9223372036854775807,"memory_limit_mb":9223372036854775807}`
	w := doRequest(t, s.Handler(), http.MethodPost, "/run", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if resp := decodeResponse(t, w); resp.Status != "completed" || resp.Stdout != "ok\n" {
		t.Errorf("resp = %+v", resp)
	}

	w = doRequest(t, s.Handler(), http.MethodPost, "/run", `{"code":"out ok","timeout_ms":-9223372036854775808}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative timeout: status = %d", w.Code)
	}
}

func TestHandleRunOutcomesAreOK(t *testing.T) {
	s := testServer(t, false)

	tests := []struct {
		name     string
		code     string
		status   string
		exitCode int
	}{
		{"runtime error", "fault ValueError: bad", "runtime_error", sandbox.ExitRuntimeError},
		{"timeout", "hang", "timed_out", sandbox.ExitTimedOut},
		{"memory", "mem 999999999999\nhang", "resource_limit_exceeded", sandbox.ExitResourceLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(map[string]any{"code": tt.code, "timeout_ms": 300})
			w := doRequest(t, s.Handler(), http.MethodPost, "/api/execute", string(body))
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
			resp := decodeResponse(t, w)
			if resp.Status != tt.status || resp.ExitCode != tt.exitCode {
				t.Errorf("resp = %+v, want %s/%d", resp, tt.status, tt.exitCode)
			}
		})
	}
}

func TestHandleRunBadRequests(t *testing.T) {
	s := testServer(t, false)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing code", `{"runtime":"fake"}`, http.StatusBadRequest},
		{"bad json", `{"code":`, http.StatusBadRequest},
		{"unknown runtime", `{"code":"out x","runtime":"cobol"}`, http.StatusBadRequest},
		{"negative timeout", `{"code":"out x","timeout_ms":-5}`, http.StatusBadRequest},
		{"too large", `{"code":"` + strings.Repeat("a", 8192) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s.Handler(), http.MethodPost, "/run", tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			var e map[string]string
			if err := json.NewDecoder(w.Body).Decode(&e); err != nil || e["error"] == "" {
				t.Errorf("expected error body, got %q", w.Body.String())
			}
		})
	}
}

func TestHandleListRuntimes(t *testing.T) {
	s := testServer(t, false)

	w := doRequest(t, s.Handler(), http.MethodGet, "/api/runtimes", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []runtimeInfo
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "fake" || !got[0].Default {
		t.Errorf("runtimes = %+v", got)
	}
}

func TestHandleExecutions(t *testing.T) {
	s := testServer(t, true)
	h := s.Handler()

	w := doRequest(t, h, http.MethodPost, "/run", `{"code":"out a"}`)
	first := decodeResponse(t, w)
	doRequest(t, h, http.MethodPost, "/run", `{"code":"fault boom"}`)

	w = doRequest(t, h, http.MethodGet, "/api/executions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var all []storage.Execution
	if err := json.NewDecoder(w.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	w = doRequest(t, h, http.MethodGet, "/api/executions?status=runtime_error", "")
	var failed []storage.Execution
	if err := json.NewDecoder(w.Body).Decode(&failed); err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Status != "runtime_error" {
		t.Errorf("filtered = %+v", failed)
	}

	w = doRequest(t, h, http.MethodGet, "/api/executions/"+first.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var got storage.Execution
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID || got.Status != "completed" {
		t.Errorf("got = %+v", got)
	}

	w = doRequest(t, h, http.MethodGet, "/api/executions/does-not-exist", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", w.Code)
	}
}

func TestHandleExecutionsDisabled(t *testing.T) {
	s := testServer(t, false)

	w := doRequest(t, s.Handler(), http.MethodGet, "/api/executions", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s := testServer(t, false)
	doRequest(t, s.Handler(), http.MethodPost, "/run", `{"code":"out x"}`)

	w := doRequest(t, s.Handler(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var h healthResponse
	if err := json.NewDecoder(w.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Engine.Completed != 1 || h.Engine.Backend != "fake" {
		t.Errorf("health = %+v", h)
	}
	if h.Engine.LiveContexts != 0 || h.Engine.ActiveWatches != 0 {
		t.Errorf("leaked contexts: %+v", h.Engine)
	}
}

func TestWebSocketExecute(t *testing.T) {
	s := testServer(t, false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	send := func(v any) wsOutgoing {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var out wsOutgoing
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return out
	}

	out := send(map[string]any{"type": "execute", "ref": "r1", "code": "out one"})
	if out.Type != "result" || out.Ref != "r1" || out.Result == nil || out.Result.Stdout != "one\n" {
		t.Errorf("first = %+v", out)
	}

	// The connection survives a failing submission.
	out = send(map[string]any{"type": "execute", "ref": "r2", "code": "exit 9"})
	if out.Type != "result" || out.Result == nil || out.Result.ExitCode != 9 {
		t.Errorf("second = %+v", out)
	}

	out = send(map[string]any{"type": "execute", "ref": "r3"})
	if out.Type != "error" || out.Ref != "r3" {
		t.Errorf("missing code = %+v", out)
	}

	out = send(map[string]any{"type": "ping"})
	if out.Type != "error" {
		t.Errorf("unknown type = %+v", out)
	}
}
