package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine"
	"github.com/michaelbrown/runbox/internal/runtimes"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

// app holds everything a command needs to execute submissions.
type app struct {
	cfg      *config.Config
	log      *logrus.Entry
	runtimes *runtimes.Registry
	engine   *engine.Engine
	store    storage.Store

	closers []io.Closer
}

type appOptions struct {
	// withStore opens the audit log when storage is enabled.
	withStore bool
	// logTo overrides the log destination; stdio commands keep stdout clean.
	logTo io.Writer
}

func loadConfig() (*config.Config, *logrus.Entry, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newLogger(lc config.LogConfig, w io.Writer) (*logrus.Entry, error) {
	l := logrus.New()
	l.SetOutput(w)
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(level)
	switch lc.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l), nil
}

// newApp wires the registry, backend, governor, execution unit, store and
// engine from the loaded config.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.logTo != nil {
		log.Logger.SetOutput(opts.logTo)
	}
	a := &app{cfg: cfg, log: log}

	reg, err := runtimes.Builtin()
	if err != nil {
		return nil, fmt.Errorf("builtin runtimes: %w", err)
	}
	n, err := reg.LoadDir(cfg.Sandbox.RuntimesDir)
	if err != nil {
		return nil, fmt.Errorf("loading runtimes: %w", err)
	}
	if n > 0 {
		log.WithField("dir", cfg.Sandbox.RuntimesDir).Infof("loaded %d runtime profiles", n)
	}
	if _, err := reg.Get(cfg.Sandbox.Runtime); err != nil {
		return nil, fmt.Errorf("default runtime: %w", err)
	}
	a.runtimes = reg

	backend, err := a.newBackend(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	unit, err := sandbox.NewUnit(sandbox.UnitConfig{
		Backend:   backend,
		Runtimes:  reg,
		Governor:  sandbox.NewGovernor(cfg.Sandbox.Governor.SampleInterval, log.WithField("component", "governor")),
		WorkDir:   cfg.Sandbox.WorkDir,
		KillGrace: cfg.Sandbox.Governor.KillGrace,
		Logger:    log.WithField("component", "sandbox"),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("execution unit: %w", err)
	}

	if opts.withStore && cfg.Storage.Enabled {
		store, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store)
	}

	a.engine = engine.New(engine.Config{
		Policy:         cfg.Policy(),
		DefaultRuntime: cfg.Sandbox.Runtime,
		MaxConcurrent:  cfg.Sandbox.MaxConcurrent,
		QueueTimeout:   cfg.Sandbox.QueueTimeout,
	}, unit, reg, a.store, log.WithField("component", "engine"))

	log.WithFields(logrus.Fields{
		"backend":  backend.Name(),
		"runtimes": reg.Names(),
	}).Debug("sandbox ready")
	return a, nil
}

func (a *app) newBackend(ctx context.Context) (sandbox.Backend, error) {
	switch a.cfg.Sandbox.Backend {
	case "docker":
		d, err := sandbox.NewDockerBackend(a.cfg.DockerConfig(), a.log.WithField("component", "docker"))
		if err != nil {
			return nil, fmt.Errorf("docker backend: %w", err)
		}
		a.closers = append(a.closers, d)
		if a.cfg.Sandbox.Docker.Preload {
			if err := d.Preload(ctx, a.runtimes.Images()); err != nil {
				a.log.WithError(err).Warn("preloading runtime images")
			}
		}
		return d, nil
	default:
		p, err := sandbox.NewProcessBackend(a.cfg.ProcessConfig(), a.log.WithField("component", "process"))
		if err != nil {
			return nil, fmt.Errorf("process backend: %w", err)
		}
		return p, nil
	}
}

// Close releases the store and backend.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("closing")
		}
	}
	a.closers = nil
}

// openStore opens the audit log without building a sandbox.
func openStore() (storage.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Storage.Enabled {
		return nil, fmt.Errorf("execution history is disabled (storage.enabled=false)")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}
