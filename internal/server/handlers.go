package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Execution handlers ---

// runRequest is the body of POST /run. Code is a pointer so that an absent
// field can be told apart from an empty submission.
type runRequest struct {
	Code      *string `json:"code"`
	Runtime   string  `json:"runtime,omitempty"`
	TimeoutMS int64   `json:"timeout_ms,omitempty"`
	MemoryMB  int64   `json:"memory_limit_mb,omitempty"`
}

func (req runRequest) toSandbox() (sandbox.Request, error) {
	if req.Code == nil {
		return sandbox.Request{}, &sandbox.ValidationError{Field: "code", Reason: "is required"}
	}
	return sandbox.Request{
		Code:        *req.Code,
		Runtime:     req.Runtime,
		Timeout:     sandbox.Milliseconds(req.TimeoutMS),
		MemoryBytes: sandbox.Mebibytes(req.MemoryMB),
	}, nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var body runRequest
	if err := decodeJSON(r, &body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req, err := body.toSandbox()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.engine.Execute(r.Context(), req)
	if err != nil {
		s.writeExecuteError(w, r, err)
		return
	}

	// Every outcome of the submitted code is a successful request.
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *sandbox.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, engine.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case r.Context().Err() != nil:
		// Client went away while queued; nobody is listening.
	default:
		s.log.WithError(err).Error("execute")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- Runtime handlers ---

type runtimeInfo struct {
	Name    string `json:"name"`
	Image   string `json:"image,omitempty"`
	Default bool   `json:"default"`
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Runtimes()
	var out []runtimeInfo
	for _, name := range reg.Names() {
		p, err := reg.Get(name)
		if err != nil {
			continue
		}
		out = append(out, runtimeInfo{Name: name, Image: p.Image, Default: name == s.engine.DefaultRuntime()})
	}
	if out == nil {
		out = []runtimeInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Audit log handlers ---

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}

	opts := storage.ListOptions{
		Status:  r.URL.Query().Get("status"),
		Runtime: r.URL.Query().Get("runtime"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	execs, err := s.store.ListExecutions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "execution history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	e, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "execution not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, e)
}

// --- Health ---

type healthResponse struct {
	Status      string       `json:"status"`
	Engine      engine.Stats `json:"engine"`
	Connections int          `json:"connections"`
	Runtimes    []string     `json:"runtimes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Engine:      s.engine.Stats(),
		Connections: s.sessions.Len(),
		Runtimes:    s.engine.Runtimes().Names(),
	})
}
