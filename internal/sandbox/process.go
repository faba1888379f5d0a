package sandbox

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	// Namespaces runs each context in fresh user, mount, PID, IPC, UTS and
	// (unless network is allowed) network namespaces with a minimal root.
	// Code runs as uid 0 of its user namespace, mapped to the invoking user,
	// with every capability dropped. Without namespaces code runs as the
	// invoking user and can escape the process group with setsid, so only
	// rlimits, seccomp and sampling bound it.
	Namespaces bool

	// Seccomp installs a syscall filter before the runtime starts.
	Seccomp bool

	// RootPaths are host paths bind-mounted read-only into the context root.
	RootPaths []string

	Hostname string
	TmpSize  int64

	// WaitDelay bounds how long output is drained after the runtime exits.
	WaitDelay time.Duration
}

// DefaultRootPaths is the read-only view of the host given to contexts.
var DefaultRootPaths = []string{
	"/bin", "/sbin", "/usr", "/lib", "/lib64", "/lib32",
	"/etc/alternatives", "/etc/ld.so.cache", "/etc/ssl", "/etc/localtime",
}

// DefaultProcessConfig returns the strictest process configuration.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		Namespaces: true,
		Seccomp:    true,
		RootPaths:  DefaultRootPaths,
		Hostname:   "sandbox",
		TmpSize:    64 << 20,
		WaitDelay:  2 * time.Second,
	}
}

// maxTreeSize stops a fork bomb from making sampling itself expensive.
const maxTreeSize = 4096

// treeUsage sums resident memory, process count and open descriptors over
// the process tree rooted at pid.
func treeUsage(ctx context.Context, pid int32) (Usage, error) {
	root, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, err
	}

	var u Usage
	queue := []*process.Process{root}
	for len(queue) > 0 && u.Processes < maxTreeSize {
		p := queue[0]
		queue = queue[1:]
		u.Processes++

		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			u.MemoryBytes += mi.RSS
		}
		if n, err := p.NumFDsWithContext(ctx); err == nil {
			u.OpenFiles += int(n)
		}
		if children, err := p.ChildrenWithContext(ctx); err == nil {
			queue = append(queue, children...)
		}
	}
	return u, nil
}
