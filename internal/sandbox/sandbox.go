package sandbox

import (
	"context"
	"syscall"
	"time"

	"github.com/michaelbrown/runbox/internal/runtimes"
)

// Request describes one code submission.
type Request struct {
	Code    string
	Runtime string

	// Optional overrides, clamped to the policy maxima. Zero means default.
	Timeout     time.Duration
	MemoryBytes int64
}

// Limits are the effective bounds applied to one execution context.
type Limits struct {
	Timeout      time.Duration
	CPUTime      time.Duration
	MemoryBytes  int64
	MaxProcesses int
	MaxOpenFiles int
	MaxFileSize  int64
	MaxOutput    int
	Network      bool
}

// ExecutionContext is the isolated environment for a single submission.
// It is created and destroyed by a Unit and never reused.
type ExecutionContext struct {
	ID        string
	StartedAt time.Time
	Limits    Limits
	Runtime   *runtimes.Profile

	// Dir is the host directory owned by this context. Workspace, inside
	// Dir, holds the submission and is the only writable path it sees.
	Dir       string
	Workspace string

	Stdout *Capture
	Stderr *Capture
}

// Command returns the runtime argv with the workspace visible at root and
// the driver reporting faults to fault.
func (ec *ExecutionContext) Command(root, fault string) []string {
	return ec.Runtime.Command(root, fault, ec.Limits.MemoryBytes>>20)
}

// ExitStatus is how a context's main process ended.
type ExitStatus struct {
	Code      int
	Signal    syscall.Signal
	OOMKilled bool

	// Fault is the driver's report of an uncaught exception, read from a
	// channel outside the workspace.
	Fault string
}

// Usage is a point-in-time resource sample of a running context.
type Usage struct {
	MemoryBytes uint64
	Processes   int
	OpenFiles   int
}

// Backend creates isolated processes for execution contexts.
type Backend interface {
	Name() string
	Prepare(ctx context.Context, ec *ExecutionContext) (Process, error)
}

// Process is a prepared, isolated runtime for one execution context.
// Kill must be safe to call concurrently with Wait and more than once.
type Process interface {
	Start(ctx context.Context) error
	Wait() (ExitStatus, error)
	Kill() error
	Usage(ctx context.Context) (Usage, error)
	Close() error
}
