package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DockerConfig configures the docker backend.
type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host string

	User     string
	NanoCPUs int64
	TmpSize  int64

	// Runtime selects an OCI runtime such as runsc. Empty uses the daemon
	// default.
	Runtime string

	// Pull fetches missing images on Preload.
	Pull bool
}

// DefaultDockerConfig returns conservative container settings.
func DefaultDockerConfig() DockerConfig {
	return DockerConfig{
		User:     "1000:1000",
		NanoCPUs: 1_000_000_000,
		TmpSize:  64 << 20,
		Pull:     true,
	}
}

// DockerBackend runs each context in its own short-lived container.
type DockerBackend struct {
	cli *client.Client
	cfg DockerConfig
	log *logrus.Entry
}

// NewDockerBackend connects to the docker daemon.
func NewDockerBackend(cfg DockerConfig, log *logrus.Entry) (*DockerBackend, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerBackend{cli: cli, cfg: cfg, log: log.WithField("backend", "docker")}, nil
}

func (d *DockerBackend) Name() string { return "docker" }

// Close releases the daemon connection.
func (d *DockerBackend) Close() error { return d.cli.Close() }

// Preload makes sure every image is present locally, pulling missing ones
// when configured to.
func (d *DockerBackend) Preload(ctx context.Context, images []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, img := range images {
		g.Go(func() error {
			return d.ensureImage(ctx, img)
		})
	}
	return g.Wait()
}

func (d *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	if !d.cfg.Pull {
		return fmt.Errorf("image %s not present and pulling is disabled", ref)
	}

	d.log.WithField("image", ref).Info("pulling image")
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once its progress stream is drained.
	dec := json.NewDecoder(reader)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("pulling image %s: %w", ref, err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pulling image %s: %s", ref, msg.Error)
		}
	}
}

func (d *DockerBackend) Prepare(ctx context.Context, ec *ExecutionContext) (Process, error) {
	if ec.Runtime.Image == "" {
		return nil, fmt.Errorf("runtime %s has no image", ec.Runtime.Name)
	}
	// The container user is not the host user.
	if err := os.Chmod(ec.Workspace, 0o777); err != nil {
		return nil, err
	}
	reports := filepath.Join(ec.Dir, "report")
	if err := os.Mkdir(reports, 0o777); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	if err := os.Chmod(reports, 0o777); err != nil {
		return nil, err
	}

	l := ec.Limits
	pids := int64(l.MaxProcesses)
	ulimits := []*units.Ulimit{
		{Name: "core", Soft: 0, Hard: 0},
		{Name: "cpu", Soft: int64(l.CPUTime.Seconds() + 0.999), Hard: int64(l.CPUTime.Seconds() + 0.999)},
	}
	if l.MaxOpenFiles > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "nofile", Soft: int64(l.MaxOpenFiles), Hard: int64(l.MaxOpenFiles)})
	}
	if l.MaxFileSize > 0 {
		ulimits = append(ulimits, &units.Ulimit{Name: "fsize", Soft: l.MaxFileSize, Hard: l.MaxFileSize})
	}

	cfg := &container.Config{
		Image:           ec.Runtime.Image,
		Cmd:             ec.Command(workspaceDir, path.Join(reportDir, faultFile)),
		Env:             ec.Runtime.Environ(),
		WorkingDir:      workspaceDir,
		User:            d.cfg.User,
		Hostname:        "sandbox",
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !l.Network,
	}
	host := &container.HostConfig{
		AutoRemove:     false,
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Runtime:        d.cfg.Runtime,
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,size=%d,noexec,nosuid", d.cfg.TmpSize),
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: ec.Workspace, Target: workspaceDir},
			{Type: mount.TypeBind, Source: reports, Target: reportDir},
		},
		Resources: container.Resources{
			Memory:     l.MemoryBytes,
			MemorySwap: l.MemoryBytes,
			NanoCPUs:   d.cfg.NanoCPUs,
			Ulimits:    ulimits,
		},
	}
	if pids > 0 {
		host.Resources.PidsLimit = &pids
	}
	if !l.Network {
		host.NetworkMode = "none"
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "runbox-"+ec.ID)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	return &containerProcess{
		cli:    d.cli,
		id:     resp.ID,
		ec:     ec,
		log:    d.log.WithField("context_id", ec.ID),
		output: make(chan struct{}),
	}, nil
}

const workspaceDir = "/workspace"

// Containers get the fault report as a file in a mount of its own, away
// from the workspace.
const (
	reportDir = "/run/runbox"
	faultFile = "fault"
)

type containerProcess struct {
	cli *client.Client
	id  string
	ec  *ExecutionContext
	log *logrus.Entry

	detach  func()
	output  chan struct{}
	started atomic.Bool
	closeMu sync.Once
}

func (p *containerProcess) Start(ctx context.Context) error {
	// Attach before start so no early output is lost.
	attach, err := p.cli.ContainerAttach(ctx, p.id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("container attach: %w", err)
	}
	p.detach = attach.Close

	go func() {
		defer close(p.output)
		if _, err := stdcopy.StdCopy(p.ec.Stdout, p.ec.Stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
			p.log.WithError(err).Debug("copying container output")
		}
	}()

	if err := p.cli.ContainerStart(ctx, p.id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	p.started.Store(true)
	return nil
}

func (p *containerProcess) Wait() (ExitStatus, error) {
	waitCh, errCh := p.cli.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)

	var st ExitStatus
	select {
	case err := <-errCh:
		return ExitStatus{}, fmt.Errorf("container wait: %w", err)
	case res := <-waitCh:
		if res.Error != nil && res.Error.Message != "" {
			return ExitStatus{}, fmt.Errorf("container wait: %s", res.Error.Message)
		}
		st.Code = int(res.StatusCode)
	}

	select {
	case <-p.output:
	case <-time.After(2 * time.Second):
		p.log.Warn("container output not drained")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := p.cli.ContainerInspect(ctx, p.id)
	if err != nil {
		return st, fmt.Errorf("container inspect: %w", err)
	}
	if info.State != nil {
		st.OOMKilled = info.State.OOMKilled
	}
	st.Fault = readFault(filepath.Join(p.ec.Dir, "report", faultFile))
	return st, nil
}

func (p *containerProcess) Kill() error {
	if !p.started.Load() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.cli.ContainerKill(ctx, p.id, "KILL")
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Usage is not sampled for containers; the daemon enforces memory and
// process limits itself and reports OOM kills on inspect.
func (p *containerProcess) Usage(context.Context) (Usage, error) {
	return Usage{}, ErrUsageUnavailable
}

func (p *containerProcess) Close() error {
	var err error
	p.closeMu.Do(func() {
		if p.detach != nil {
			p.detach()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if client.IsErrNotFound(err) {
			err = nil
		}
	})
	return err
}
