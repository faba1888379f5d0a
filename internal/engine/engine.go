package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/michaelbrown/runbox/internal/runtimes"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
)

// ErrBusy is returned when no execution slot frees up within the queue
// timeout.
var ErrBusy = errors.New("sandbox at capacity")

// Config controls admission and defaults.
type Config struct {
	Policy         sandbox.Policy
	DefaultRuntime string

	// MaxConcurrent bounds simultaneous executions. Requests beyond it wait
	// up to QueueTimeout for a slot; zero means fail immediately.
	MaxConcurrent int
	QueueTimeout  time.Duration
}

// Engine validates submissions, admits them under a concurrency bound, runs
// them through the execution unit and reports the result.
type Engine struct {
	cfg      Config
	unit     *sandbox.Unit
	runtimes *runtimes.Registry
	store    storage.Store
	log      *logrus.Entry

	sem     *semaphore.Weighted
	running atomic.Int64
	waiting atomic.Int64
	total   atomic.Int64
}

// New creates an engine. store may be nil to disable the audit log.
func New(cfg Config, unit *sandbox.Unit, reg *runtimes.Registry, store storage.Store, log *logrus.Entry) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		cfg:      cfg,
		unit:     unit,
		runtimes: reg,
		store:    store,
		log:      log,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Runtimes returns the registry submissions are resolved against.
func (e *Engine) Runtimes() *runtimes.Registry { return e.runtimes }

// DefaultRuntime is used when a request names none.
func (e *Engine) DefaultRuntime() string { return e.cfg.DefaultRuntime }

// Execute runs one submission. Validation failures return a
// *sandbox.ValidationError and admission failures ErrBusy or the caller's
// context error; every admitted submission yields a response, whatever
// the code did.
func (e *Engine) Execute(ctx context.Context, req sandbox.Request) (*sandbox.Response, error) {
	if req.Runtime == "" {
		req.Runtime = e.cfg.DefaultRuntime
	}
	if _, err := e.runtimes.Get(req.Runtime); err != nil {
		return nil, &sandbox.ValidationError{Field: "runtime", Reason: fmt.Sprintf("unknown runtime %q", req.Runtime)}
	}
	limits, err := e.cfg.Policy.Resolve(req)
	if err != nil {
		return nil, err
	}

	if err := e.admit(ctx); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	e.running.Add(1)
	res := e.unit.Execute(ctx, req, limits)
	e.running.Add(-1)
	e.total.Add(1)

	resp := sandbox.Report(res)
	e.logResult(res)
	e.record(req, res, resp)
	return resp, nil
}

func (e *Engine) admit(ctx context.Context) error {
	if e.sem.TryAcquire(1) {
		return nil
	}
	if e.cfg.QueueTimeout <= 0 {
		return ErrBusy
	}

	e.waiting.Add(1)
	defer e.waiting.Add(-1)

	qctx, cancel := context.WithTimeout(ctx, e.cfg.QueueTimeout)
	defer cancel()
	if err := e.sem.Acquire(qctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}
	return nil
}

func (e *Engine) logResult(res *sandbox.Result) {
	fields := logrus.Fields{
		"context_id":  res.ContextID,
		"runtime":     res.Runtime,
		"status":      res.Outcome.Kind.String(),
		"duration_ms": res.Duration.Milliseconds(),
	}
	switch res.Outcome.Kind {
	case sandbox.KindInternalError:
		e.log.WithFields(fields).WithError(res.Outcome.Err).Error("execution failed inside the sandbox")
	case sandbox.KindResourceLimitExceeded:
		fields["resource"] = string(res.Outcome.Resource)
		e.log.WithFields(fields).Info("execution exceeded a limit")
	default:
		e.log.WithFields(fields).Info("execution finished")
	}
}

func (e *Engine) record(req sandbox.Request, res *sandbox.Result, resp *sandbox.Response) {
	if e.store == nil {
		return
	}
	sum := sha256.Sum256([]byte(req.Code))
	rec := &storage.Execution{
		ID:          res.ContextID,
		Runtime:     res.Runtime,
		Backend:     res.Backend,
		Status:      resp.Status,
		Resource:    string(res.Outcome.Resource),
		ExitCode:    resp.ExitCode,
		CodeBytes:   len(req.Code),
		CodeSHA256:  hex.EncodeToString(sum[:]),
		StdoutBytes: len(res.Stdout),
		StderrBytes: len(res.Stderr),
		Truncated:   resp.Truncated,
		DurationMS:  resp.DurationMS,
	}

	// The caller may already be gone; the record should still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RecordExecution(ctx, rec); err != nil {
		e.log.WithError(err).WithField("context_id", res.ContextID).Warn("recording execution")
	}
}

// Stats is a snapshot of the engine's load.
type Stats struct {
	Running       int64  `json:"running"`
	Waiting       int64  `json:"waiting"`
	Completed     int64  `json:"completed"`
	LiveContexts  int64  `json:"live_contexts"`
	ActiveWatches int64  `json:"active_watches"`
	MaxConcurrent int    `json:"max_concurrent"`
	Backend       string `json:"backend"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Running:       e.running.Load(),
		Waiting:       e.waiting.Load(),
		Completed:     e.total.Load(),
		LiveContexts:  e.unit.Live(),
		ActiveWatches: e.unit.Governor().Active(),
		MaxConcurrent: e.cfg.MaxConcurrent,
		Backend:       e.unit.Backend(),
	}
}
