package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/runbox/internal/runtimes"
)

// UnitConfig configures an execution unit.
type UnitConfig struct {
	Backend  Backend
	Runtimes *runtimes.Registry
	Governor *Governor

	// WorkDir is where per-context directories are created. Empty means the
	// system temp dir.
	WorkDir string

	// KillGrace bounds how long a killed context may take to exit before the
	// execution is reported as an internal error.
	KillGrace time.Duration

	Logger *logrus.Entry
}

// Unit runs submissions, one fresh execution context each.
type Unit struct {
	backend   Backend
	runtimes  *runtimes.Registry
	governor  *Governor
	workDir   string
	killGrace time.Duration
	log       *logrus.Entry

	live atomic.Int64
}

// NewUnit creates an execution unit.
func NewUnit(cfg UnitConfig) (*Unit, error) {
	if cfg.Backend == nil {
		return nil, errors.New("sandbox: backend is required")
	}
	if cfg.Runtimes == nil {
		return nil, errors.New("sandbox: runtime registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Governor == nil {
		cfg.Governor = NewGovernor(0, cfg.Logger)
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	return &Unit{
		backend:   cfg.Backend,
		runtimes:  cfg.Runtimes,
		governor:  cfg.Governor,
		workDir:   cfg.WorkDir,
		killGrace: cfg.KillGrace,
		log:       cfg.Logger,
	}, nil
}

// Backend returns the name of the isolation backend.
func (u *Unit) Backend() string { return u.backend.Name() }

// Live returns the number of execution contexts that exist right now.
func (u *Unit) Live() int64 { return u.live.Load() }

// Governor returns the unit's resource governor.
func (u *Unit) Governor() *Governor { return u.governor }

// Execute runs req in a new execution context bounded by limits. It always
// returns a result; failures of the sandbox itself are reported as
// KindInternalError. The context is destroyed before Execute returns.
func (u *Unit) Execute(ctx context.Context, req Request, limits Limits) (res *Result) {
	start := time.Now()
	res = &Result{
		ContextID: uuid.NewString(),
		Runtime:   req.Runtime,
		Backend:   u.backend.Name(),
		Limits:    limits,
	}
	log := u.log.WithFields(logrus.Fields{"context_id": res.ContextID, "runtime": req.Runtime})

	var ec *ExecutionContext
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic in execution: %v\n%s", r, debug.Stack())
			res.Outcome = Internal(fmt.Errorf("panic: %v", r))
		}
		if ec != nil {
			u.destroy(ec, log)
			res.Stdout = ec.Stdout.Bytes()
			res.Stderr = ec.Stderr.Bytes()
			res.StdoutTruncated = ec.Stdout.Truncated()
			res.StderrTruncated = ec.Stderr.Truncated()
		}
		res.Duration = time.Since(start)
	}()

	profile, err := u.runtimes.Get(req.Runtime)
	if err != nil {
		res.Outcome = Internal(err)
		return res
	}

	ec, err = u.create(res.ContextID, req, profile, limits)
	if err != nil {
		res.Outcome = Internal(fmt.Errorf("creating execution context: %w", err))
		return res
	}

	res.Outcome = u.run(ctx, ec, log)
	return res
}

func (u *Unit) create(id string, req Request, profile *runtimes.Profile, limits Limits) (*ExecutionContext, error) {
	dir, err := os.MkdirTemp(u.workDir, "runbox-")
	if err != nil {
		return nil, err
	}
	u.live.Add(1)

	ec := &ExecutionContext{
		ID:        id,
		StartedAt: time.Now(),
		Limits:    limits,
		Runtime:   profile,
		Dir:       dir,
		Workspace: filepath.Join(dir, "workspace"),
		Stdout:    NewCapture(limits.MaxOutput),
		Stderr:    NewCapture(limits.MaxOutput),
	}

	if err := u.populate(ec, req.Code); err != nil {
		u.destroy(ec, u.log)
		return nil, err
	}
	return ec, nil
}

func (u *Unit) populate(ec *ExecutionContext, code string) error {
	if err := os.Mkdir(ec.Workspace, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ec.Workspace, ec.Runtime.Source), []byte(code), 0o644); err != nil {
		return fmt.Errorf("writing source: %w", err)
	}
	if ec.Runtime.Driver != "" {
		if err := os.WriteFile(filepath.Join(ec.Workspace, ec.Runtime.Driver), ec.Runtime.DriverCode, 0o644); err != nil {
			return fmt.Errorf("writing driver: %w", err)
		}
	}
	return nil
}

// destroy removes everything the context owned. Failures are logged and
// never change the outcome.
func (u *Unit) destroy(ec *ExecutionContext, log *logrus.Entry) {
	defer u.live.Add(-1)
	if err := os.RemoveAll(ec.Dir); err != nil {
		// Code may have left directories without write permission.
		filepath.Walk(ec.Dir, func(path string, info os.FileInfo, err error) error {
			if err == nil && info.IsDir() {
				os.Chmod(path, 0o700)
			}
			return nil
		})
		if err := os.RemoveAll(ec.Dir); err != nil {
			log.WithError(err).Warn("removing execution context")
		}
	}
}

type waitResult struct {
	status ExitStatus
	err    error
}

func (u *Unit) run(ctx context.Context, ec *ExecutionContext, log *logrus.Entry) Outcome {
	proc, err := u.backend.Prepare(ctx, ec)
	if err != nil {
		return Internal(fmt.Errorf("preparing %s context: %w", u.backend.Name(), err))
	}
	defer func() {
		if err := proc.Close(); err != nil {
			log.WithError(err).Warn("tearing down context")
		}
	}()

	watch := u.governor.Register(ec, proc)
	defer watch.Release()

	if err := proc.Start(ctx); err != nil {
		return Internal(fmt.Errorf("starting context: %w", err))
	}
	watch.Start(ctx)

	waitCh := make(chan waitResult, 1)
	go func() {
		st, err := proc.Wait()
		// An exit seen before any violation settles the outcome.
		watch.Exited()
		waitCh <- waitResult{st, err}
	}()

	var wr waitResult
	select {
	case wr = <-waitCh:
	case <-watch.Tripped():
		grace := time.NewTimer(u.killGrace)
		defer grace.Stop()
		select {
		case wr = <-waitCh:
		case <-grace.C:
			verdict, _ := watch.Stop()
			return Internal(fmt.Errorf("context still running %s after kill (%s)", u.killGrace, verdict.Kind))
		}
	}

	if verdict, tripped := watch.Stop(); tripped {
		return verdict
	}
	if wr.err != nil {
		return Internal(fmt.Errorf("waiting for context: %w", wr.err))
	}

	outcome := u.classify(ec, wr.status)
	log.WithFields(logrus.Fields{
		"exit_code": wr.status.Code,
		"signal":    int(wr.status.Signal),
	}).Debug("context exited")
	return outcome
}

// classify derives the outcome of a context that exited on its own.
func (u *Unit) classify(ec *ExecutionContext, st ExitStatus) Outcome {
	profile := ec.Runtime

	// Drivers exit nonzero after reporting; a report from a runtime that
	// exited cleanly or was signalled was not the driver's.
	fault := ""
	if st.Code != 0 && st.Signal == 0 {
		fault = st.Fault
	}
	aborted := st.Signal == syscall.SIGABRT || (st.Signal == 0 && st.Code == 128+int(syscall.SIGABRT))

	switch {
	case st.OOMKilled:
		return LimitExceeded(ResourceMemory)
	case st.Signal == syscall.SIGXCPU:
		return LimitExceeded(ResourceCPU)
	case st.Signal == syscall.SIGXFSZ:
		return LimitExceeded(ResourceFileSize)
	case st.Signal == syscall.SIGSYS && !ec.Limits.Network:
		return LimitExceeded(ResourceNetwork)
	case profile.OutOfMemory(fault):
		return LimitExceeded(ResourceMemory)
	case aborted && profile.CrashedOutOfMemory(string(ec.Stderr.Tail(4096))):
		return LimitExceeded(ResourceMemory)
	case st.Signal != 0:
		return RuntimeFault(fmt.Sprintf("terminated by signal: %s", st.Signal))
	case fault != "":
		return RuntimeFault(scrubPaths(fault, ec))
	}
	return Completed(st.Code)
}

const maxFault = 1024

// readFault reads a fault report file without following links the
// submission may have planted.
func readFault(path string) string {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_NONBLOCK, 0)
	if err != nil {
		return ""
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		return ""
	}
	return faultText(f)
}

// faultText reads at most maxFault bytes of a fault report.
func faultText(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxFault))
	if err != nil && len(b) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(b), "�"))
}

// scrubPaths keeps host paths out of fault messages.
func scrubPaths(msg string, ec *ExecutionContext) string {
	msg = strings.ReplaceAll(msg, ec.Workspace, "/workspace")
	return strings.ReplaceAll(msg, ec.Dir, "")
}
