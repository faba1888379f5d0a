package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/sandbox"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LimitsConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxTimeout    time.Duration `mapstructure:"max_timeout"`
	CPUTime       time.Duration `mapstructure:"cpu_time"`
	MemoryMB      int64         `mapstructure:"memory_mb"`
	MaxMemoryMB   int64         `mapstructure:"max_memory_mb"`
	MaxProcesses  int           `mapstructure:"max_processes"`
	MaxOpenFiles  int           `mapstructure:"max_open_files"`
	MaxFileSizeMB int64         `mapstructure:"max_file_size_mb"`
	Network       bool          `mapstructure:"network"`
}

type IsolationConfig struct {
	Namespaces bool     `mapstructure:"namespaces"`
	Seccomp    bool     `mapstructure:"seccomp"`
	RootPaths  []string `mapstructure:"root_paths"`
	TmpSizeMB  int64    `mapstructure:"tmp_size_mb"`
}

type DockerConfig struct {
	Host    string  `mapstructure:"host"`
	User    string  `mapstructure:"user"`
	CPUs    float64 `mapstructure:"cpus"`
	Runtime string  `mapstructure:"runtime"`
	Pull    bool    `mapstructure:"pull"`
	Preload bool    `mapstructure:"preload"`
}

type GovernorConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
}

type SandboxConfig struct {
	Backend        string          `mapstructure:"backend"`
	Runtime        string          `mapstructure:"runtime"`
	RuntimesDir    string          `mapstructure:"runtimes_dir"`
	WatchRuntimes  bool            `mapstructure:"watch_runtimes"`
	WorkDir        string          `mapstructure:"work_dir"`
	MaxCodeBytes   int             `mapstructure:"max_code_bytes"`
	MaxOutputBytes int             `mapstructure:"max_output_bytes"`
	MaxConcurrent  int             `mapstructure:"max_concurrent"`
	QueueTimeout   time.Duration   `mapstructure:"queue_timeout"`
	Limits         LimitsConfig    `mapstructure:"limits"`
	Isolation      IsolationConfig `mapstructure:"isolation"`
	Docker         DockerConfig    `mapstructure:"docker"`
	Governor       GovernorConfig  `mapstructure:"governor"`
}

type StorageConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	DBPath    string        `mapstructure:"db_path"`
	Retention time.Duration `mapstructure:"retention"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
}

// Load reads runbox.yaml from path, or from the default search path when
// path is empty. A missing default file is not an error: every setting has a
// default and can be overridden with RUNBOX_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("runbox")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
		v.AddConfigPath("/etc/runbox")
	}

	v.SetEnvPrefix("runbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Sandbox.RuntimesDir = expandPath(cfg.Sandbox.RuntimesDir)
	cfg.Sandbox.WorkDir = expandPath(cfg.Sandbox.WorkDir)
	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("sandbox.backend", "process")
	v.SetDefault("sandbox.runtime", "python")
	v.SetDefault("sandbox.runtimes_dir", filepath.Join(home, ".runbox", "runtimes"))
	v.SetDefault("sandbox.watch_runtimes", false)
	v.SetDefault("sandbox.work_dir", filepath.Join(os.TempDir(), "runbox"))
	v.SetDefault("sandbox.max_code_bytes", 256<<10)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.max_concurrent", 8)
	v.SetDefault("sandbox.queue_timeout", 10*time.Second)

	v.SetDefault("sandbox.limits.timeout", 5*time.Second)
	v.SetDefault("sandbox.limits.max_timeout", 30*time.Second)
	v.SetDefault("sandbox.limits.cpu_time", time.Duration(0))
	v.SetDefault("sandbox.limits.memory_mb", 256)
	v.SetDefault("sandbox.limits.max_memory_mb", 1024)
	v.SetDefault("sandbox.limits.max_processes", 16)
	v.SetDefault("sandbox.limits.max_open_files", 64)
	v.SetDefault("sandbox.limits.max_file_size_mb", 16)
	v.SetDefault("sandbox.limits.network", false)

	v.SetDefault("sandbox.isolation.namespaces", true)
	v.SetDefault("sandbox.isolation.seccomp", true)
	v.SetDefault("sandbox.isolation.root_paths", sandbox.DefaultRootPaths)
	v.SetDefault("sandbox.isolation.tmp_size_mb", 64)

	v.SetDefault("sandbox.docker.host", "")
	v.SetDefault("sandbox.docker.user", "1000:1000")
	v.SetDefault("sandbox.docker.cpus", 1.0)
	v.SetDefault("sandbox.docker.runtime", "")
	v.SetDefault("sandbox.docker.pull", true)
	v.SetDefault("sandbox.docker.preload", true)

	v.SetDefault("sandbox.governor.sample_interval", 100*time.Millisecond)
	v.SetDefault("sandbox.governor.kill_grace", 5*time.Second)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", filepath.Join(home, ".runbox", "runbox.db"))
	v.SetDefault("storage.retention", 30*24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate rejects settings the sandbox cannot run with.
func (c *Config) Validate() error {
	s := c.Sandbox
	l := s.Limits

	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch s.Backend {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Errorf("sandbox.backend must be process or docker, got %q", s.Backend))
	}
	if l.Timeout <= 0 || l.MaxTimeout < l.Timeout {
		errs = append(errs, fmt.Errorf("sandbox.limits: need 0 < timeout <= max_timeout"))
	}
	if l.MemoryMB <= 0 || l.MaxMemoryMB < l.MemoryMB {
		errs = append(errs, fmt.Errorf("sandbox.limits: need 0 < memory_mb <= max_memory_mb"))
	}
	if s.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_output_bytes must be positive"))
	}
	if s.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_concurrent must be positive"))
	}
	if c.Storage.Enabled && c.Storage.DBPath == "" {
		errs = append(errs, fmt.Errorf("storage.db_path is required when storage is enabled"))
	}
	return errors.Join(errs...)
}

// Policy returns the resource policy described by the sandbox settings.
func (c *Config) Policy() sandbox.Policy {
	l := c.Sandbox.Limits
	return sandbox.Policy{
		DefaultTimeout: l.Timeout,
		MaxTimeout:     l.MaxTimeout,
		DefaultMemory:  l.MemoryMB << 20,
		MaxMemory:      l.MaxMemoryMB << 20,
		CPUTime:        l.CPUTime,
		MaxProcesses:   l.MaxProcesses,
		MaxOpenFiles:   l.MaxOpenFiles,
		MaxFileSize:    l.MaxFileSizeMB << 20,
		MaxOutput:      c.Sandbox.MaxOutputBytes,
		MaxCodeBytes:   c.Sandbox.MaxCodeBytes,
		Network:        l.Network,
	}
}

// ProcessConfig returns the process backend settings.
func (c *Config) ProcessConfig() sandbox.ProcessConfig {
	iso := c.Sandbox.Isolation
	pc := sandbox.DefaultProcessConfig()
	pc.Namespaces = iso.Namespaces
	pc.Seccomp = iso.Seccomp
	if len(iso.RootPaths) > 0 {
		pc.RootPaths = iso.RootPaths
	}
	pc.TmpSize = iso.TmpSizeMB << 20
	return pc
}

// DockerConfig returns the docker backend settings.
func (c *Config) DockerConfig() sandbox.DockerConfig {
	d := c.Sandbox.Docker
	dc := sandbox.DefaultDockerConfig()
	dc.Host = d.Host
	if d.User != "" {
		dc.User = d.User
	}
	dc.NanoCPUs = int64(d.CPUs * 1e9)
	dc.Runtime = d.Runtime
	dc.Pull = d.Pull
	dc.TmpSize = c.Sandbox.Isolation.TmpSizeMB << 20
	return dc
}

// expandPath resolves ${VAR} references and a leading ~/.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
