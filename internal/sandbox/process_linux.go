package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"github.com/moby/sys/reexec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ProcessBackend isolates contexts as local processes using Linux
// namespaces, a private root, rlimits and seccomp. It needs no privileges
// beyond unprivileged user namespaces.
type ProcessBackend struct {
	cfg ProcessConfig
	log *logrus.Entry
}

// NewProcessBackend creates a process backend.
func NewProcessBackend(cfg ProcessConfig, log *logrus.Entry) (*ProcessBackend, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Namespaces {
		if _, err := os.Stat("/proc/self/ns/user"); err != nil {
			return nil, fmt.Errorf("user namespaces unavailable: %w", err)
		}
	} else {
		log.Warn("process backend without namespaces: code shares the host filesystem, network and process table")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "sandbox"
	}
	return &ProcessBackend{cfg: cfg, log: log.WithField("backend", "process")}, nil
}

func (b *ProcessBackend) Name() string { return "process" }

func (b *ProcessBackend) Prepare(ctx context.Context, ec *ExecutionContext) (Process, error) {
	bin, err := exec.LookPath(ec.Runtime.Binary)
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", ec.Runtime.Name, err)
	}
	bin, err = filepath.EvalSymlinks(bin)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", ec.Runtime.Binary, err)
	}

	root := ec.Workspace
	if b.cfg.Namespaces {
		root = workspaceDir
	}
	argv := ec.Command(root, strconv.Itoa(faultFD))

	spec := initSpec{
		Path:        bin,
		Args:        argv,
		Env:         ec.Runtime.Environ(),
		Dir:         root,
		Rlimits:     rlimitsFor(ec),
		Seccomp:     b.cfg.Seccomp,
		DenyNetwork: !ec.Limits.Network,
	}
	if b.cfg.Namespaces {
		spec.Root = filepath.Join(ec.Dir, "root")
		spec.Workspace = ec.Workspace
		spec.ReadOnly = b.cfg.RootPaths
		spec.Hostname = b.cfg.Hostname
		spec.TmpSize = b.cfg.TmpSize
		if err := os.Mkdir(spec.Root, 0o755); err != nil {
			return nil, fmt.Errorf("creating root: %w", err)
		}
	}

	b.log.WithField("context_id", ec.ID).Debugf("prepared %s", shellescape.QuoteCommand(argv))

	cmd := reexec.Command(initName)
	cmd.Env = []string{}
	cmd.Stdout = ec.Stdout
	cmd.Stderr = ec.Stderr
	cmd.WaitDelay = b.cfg.WaitDelay
	cmd.SysProcAttr = b.sysProcAttr(ec)

	return &processHandle{
		cmd:       cmd,
		spec:      spec,
		log:       b.log.WithField("context_id", ec.ID),
		waitDelay: b.cfg.WaitDelay,
	}, nil
}

func (b *ProcessBackend) sysProcAttr(ec *ExecutionContext) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !b.cfg.Namespaces {
		return attr
	}

	attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	if !ec.Limits.Network {
		attr.Cloneflags |= syscall.CLONE_NEWNET
	}
	// The helper needs root in the namespace to build the root; it drops
	// every capability before exec.
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	attr.GidMappingsEnableSetgroups = false
	return attr
}

func rlimitsFor(ec *ExecutionContext) []rlimit {
	l := ec.Limits
	rl := []rlimit{
		{Resource: unix.RLIMIT_CORE, Value: 0},
		{Resource: unix.RLIMIT_CPU, Value: uint64((l.CPUTime + 999_999_999) / 1_000_000_000)},
	}
	if l.MaxOpenFiles > 0 {
		rl = append(rl, rlimit{Resource: unix.RLIMIT_NOFILE, Value: uint64(l.MaxOpenFiles)})
	}
	if l.MaxFileSize > 0 {
		rl = append(rl, rlimit{Resource: unix.RLIMIT_FSIZE, Value: uint64(l.MaxFileSize)})
	}
	if f := ec.Runtime.AddressSpaceFactor; f > 0 && l.MemoryBytes > 0 {
		rl = append(rl, rlimit{Resource: unix.RLIMIT_AS, Value: uint64(l.MemoryBytes) * uint64(f)})
	}
	return rl
}

type processHandle struct {
	cmd       *exec.Cmd
	spec      initSpec
	log       *logrus.Entry
	waitDelay time.Duration

	status *os.File
	fault  *os.File
	faults chan string

	mu      sync.Mutex
	started bool
	exited  bool
}

func (p *processHandle) Start(ctx context.Context) error {
	specR, specW, err := os.Pipe()
	if err != nil {
		return err
	}
	defer specR.Close()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		specW.Close()
		return err
	}
	defer statusW.Close()

	faultR, faultW, err := os.Pipe()
	if err != nil {
		specW.Close()
		statusR.Close()
		return err
	}
	defer faultW.Close()

	// The spec is small enough to sit in the pipe buffer before the helper
	// reads it.
	err = json.NewEncoder(specW).Encode(p.spec)
	specW.Close()
	if err != nil {
		statusR.Close()
		faultR.Close()
		return fmt.Errorf("encoding init spec: %w", err)
	}

	p.cmd.ExtraFiles = []*os.File{specR, statusW, faultW}
	if err := p.cmd.Start(); err != nil {
		statusR.Close()
		faultR.Close()
		return fmt.Errorf("starting sandbox init: %w", err)
	}

	p.status = statusR
	p.fault = faultR
	p.faults = make(chan string, 1)
	go func() {
		text := faultText(faultR)
		// Drain so late writers never block on a full pipe.
		io.Copy(io.Discard, faultR)
		p.faults <- text
	}()

	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	return nil
}

func (p *processHandle) Wait() (ExitStatus, error) {
	// The helper closes the status pipe on exec; anything written to it is a
	// setup failure.
	msg, _ := io.ReadAll(io.LimitReader(p.status, 4096))
	p.status.Close()

	p.killLeftovers()
	err := p.cmd.Wait()
	fault := p.collectFault()

	if len(msg) > 0 {
		return ExitStatus{}, fmt.Errorf("sandbox init: %s", bytes.TrimSpace(msg))
	}

	ps := p.cmd.ProcessState
	if ps == nil {
		return ExitStatus{}, err
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return ExitStatus{}, err
	}

	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: ps.ExitCode(), Fault: fault}, nil
	}
	if ws.Signaled() {
		return ExitStatus{Code: 128 + int(ws.Signal()), Signal: ws.Signal()}, nil
	}
	return ExitStatus{Code: ws.ExitStatus(), Fault: fault}, nil
}

// killLeftovers waits for the main process to exit without reaping it, then
// kills whatever it left behind in its process group. The pid stays
// reserved until cmd.Wait, so the group cannot be a stranger's.
func (p *processHandle) killLeftovers() {
	pid := p.cmd.Process.Pid
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			if err != nil {
				p.log.WithError(err).Debug("waiting for context exit")
			}
			break
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		p.log.WithError(err).Warn("killing leftover processes")
	}
	p.exited = true
}

func (p *processHandle) collectFault() string {
	defer p.fault.Close()
	delay := p.waitDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	select {
	case text := <-p.faults:
		return text
	case <-time.After(delay):
		p.log.Warn("fault report not closed")
		return ""
	}
}

func (p *processHandle) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.exited {
		return nil
	}
	pid := p.cmd.Process.Pid
	// The whole group: code may have forked.
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *processHandle) Usage(ctx context.Context) (Usage, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return Usage{}, errors.New("not started")
	}
	return treeUsage(ctx, int32(p.cmd.Process.Pid))
}

func (p *processHandle) Close() error {
	err := p.Kill()
	if p.fault != nil {
		p.fault.Close()
	}
	return err
}
