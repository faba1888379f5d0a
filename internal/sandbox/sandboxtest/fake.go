// Package sandboxtest provides a scripted sandbox backend for tests.
//
// Submissions are interpreted line by line instead of being run:
//
//	out TEXT      write TEXT and a newline to stdout
//	err TEXT      write TEXT and a newline to stderr
//	flood N       write N bytes to stdout
//	sleep DUR     pause for a time.ParseDuration value
//	mem BYTES     report BYTES of resident memory from now on
//	procs N       report N processes from now on
//	fault MSG     report MSG as an uncaught fault and exit 1
//	report MSG    report MSG as a fault but keep running
//	exit N        exit with status N
//	signal N      die from signal N
//	oom           be killed by the out-of-memory killer
//	hang          block until killed
//	unkillable    ignore kill requests
//	panic         panic while the context is being prepared
package sandboxtest

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/michaelbrown/runbox/internal/runtimes"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

// Backend is a fake sandbox.Backend.
type Backend struct {
	// PrepareErr, when set, fails every Prepare.
	PrepareErr error

	// NoUsage makes processes report sandbox.ErrUsageUnavailable.
	NoUsage bool

	prepared atomic.Int64
	closed   atomic.Int64
}

func (b *Backend) Name() string { return "fake" }

// Prepared returns how many processes were prepared.
func (b *Backend) Prepared() int64 { return b.prepared.Load() }

// Closed returns how many processes were torn down.
func (b *Backend) Closed() int64 { return b.closed.Load() }

func (b *Backend) Prepare(ctx context.Context, ec *sandbox.ExecutionContext) (sandbox.Process, error) {
	if b.PrepareErr != nil {
		return nil, b.PrepareErr
	}
	code, err := os.ReadFile(ec.Workspace + "/" + ec.Runtime.Source)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(code), "\n")
	for _, l := range lines {
		if strings.TrimSpace(l) == "panic" {
			panic("fake backend asked to panic")
		}
	}

	b.prepared.Add(1)
	return &process{
		b:      b,
		ec:     ec,
		lines:  lines,
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

type process struct {
	b     *Backend
	ec    *sandbox.ExecutionContext
	lines []string

	mu         sync.Mutex
	usage      sandbox.Usage
	unkillable bool
	status     sandbox.ExitStatus
	report     string

	killOnce  sync.Once
	closeOnce sync.Once
	killed    chan struct{}
	done      chan struct{}
}

func (p *process) Start(ctx context.Context) error {
	go p.run()
	return nil
}

func (p *process) run() {
	defer close(p.done)
	st := p.interpret()
	p.mu.Lock()
	if st.Fault == "" {
		st.Fault = p.report
	}
	p.status = st
	p.mu.Unlock()
}

func (p *process) interpret() sandbox.ExitStatus {
	for _, line := range p.lines {
		select {
		case <-p.killed:
			return killedStatus()
		default:
		}

		op, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch op {
		case "out":
			p.ec.Stdout.Write([]byte(arg + "\n"))
		case "err":
			p.ec.Stderr.Write([]byte(arg + "\n"))
		case "flood":
			n, _ := strconv.Atoi(arg)
			w := bufio.NewWriterSize(p.ec.Stdout, 4096)
			for i := 0; i < n; i++ {
				w.WriteByte('x')
			}
			w.Flush()
		case "sleep":
			d, _ := time.ParseDuration(arg)
			select {
			case <-time.After(d):
			case <-p.killed:
				return killedStatus()
			}
		case "mem":
			n, _ := strconv.ParseUint(arg, 10, 64)
			p.mu.Lock()
			p.usage.MemoryBytes = n
			p.mu.Unlock()
		case "procs":
			n, _ := strconv.Atoi(arg)
			p.mu.Lock()
			p.usage.Processes = n
			p.mu.Unlock()
		case "fault":
			return sandbox.ExitStatus{Code: 1, Fault: arg}
		case "report":
			p.mu.Lock()
			p.report = arg
			p.mu.Unlock()
		case "exit":
			n, _ := strconv.Atoi(arg)
			return sandbox.ExitStatus{Code: n}
		case "signal":
			n, _ := strconv.Atoi(arg)
			return sandbox.ExitStatus{Code: 128 + n, Signal: syscall.Signal(n)}
		case "oom":
			return sandbox.ExitStatus{Code: 137, Signal: syscall.SIGKILL, OOMKilled: true}
		case "unkillable":
			p.mu.Lock()
			p.unkillable = true
			p.mu.Unlock()
		case "hang":
			<-p.killed
			return killedStatus()
		}
	}
	return sandbox.ExitStatus{}
}

func killedStatus() sandbox.ExitStatus {
	return sandbox.ExitStatus{Code: 137, Signal: syscall.SIGKILL}
}

func (p *process) Wait() (sandbox.ExitStatus, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (p *process) Kill() error {
	p.mu.Lock()
	unkillable := p.unkillable
	p.mu.Unlock()
	if unkillable {
		return errors.New("process ignored kill")
	}
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func (p *process) Usage(ctx context.Context) (sandbox.Usage, error) {
	if p.b.NoUsage {
		return sandbox.Usage{}, sandbox.ErrUsageUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.usage
	if u.Processes == 0 {
		u.Processes = 1
	}
	return u, nil
}

// Close releases a process even if it ignored Kill.
func (p *process) Close() error {
	p.killOnce.Do(func() { close(p.killed) })
	p.closeOnce.Do(func() { p.b.closed.Add(1) })
	return nil
}

// Runtimes returns a registry with a single "fake" runtime whose
// out-of-memory fault type is "MemoryError" and whose crash marker is
// "heap out of memory".
func Runtimes() *runtimes.Registry {
	r := runtimes.NewRegistry()
	r.Register(&runtimes.Profile{
		Name:          "fake",
		Image:         "fake:latest",
		Binary:        "fake",
		Source:        "main.fake",
		MemoryMarkers: []string{"MemoryError"},
		CrashMarkers:  []string{"heap out of memory"},
	})
	return r
}
