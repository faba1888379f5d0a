package runtimes

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes how to run submissions for one language runtime.
type Profile struct {
	Name   string `yaml:"name"`
	Image  string `yaml:"image"`
	Binary string `yaml:"binary"`
	Source string `yaml:"source"`
	Driver string `yaml:"driver"`

	// Args may reference {source}, {driver}, {fault}, {workspace} and {memory_mb}.
	// {fault} is where the driver reports an uncaught exception as
	// "Type: message": a file path, or a decimal descriptor number.
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`

	// AddressSpaceFactor multiplies the memory limit to derive RLIMIT_AS.
	// Zero leaves the address space unbounded.
	AddressSpaceFactor int `yaml:"address_space_factor"`

	// MemoryMarkers are fault types, or whole "Type: message" reports,
	// that mean the runtime ran out of memory.
	MemoryMarkers []string `yaml:"memory_markers"`
	// CrashMarkers are stderr text the runtime prints when it aborts on
	// memory exhaustion without reporting a fault.
	CrashMarkers []string `yaml:"crash_markers"`

	DriverCode []byte `yaml:"-"`
}

// LoadProfile reads a runtime profile from a YAML file. A driver named by the
// profile is resolved relative to the profile's directory.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	p, err := parseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}

	if p.Driver != "" {
		driverPath := p.Driver
		if !filepath.IsAbs(driverPath) {
			driverPath = filepath.Join(filepath.Dir(path), driverPath)
		}
		code, err := os.ReadFile(driverPath)
		if err != nil {
			return nil, fmt.Errorf("reading driver for %s: %w", p.Name, err)
		}
		p.DriverCode = code
		p.Driver = filepath.Base(driverPath)
	}

	return p, nil
}

func parseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the profile has enough information to launch code.
func (p *Profile) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("profile has no name")
	case p.Binary == "":
		return fmt.Errorf("profile %s: binary is required", p.Name)
	case p.Source == "" || strings.ContainsRune(p.Source, '/'):
		return fmt.Errorf("profile %s: source must be a plain file name", p.Name)
	case p.Driver != "" && strings.ContainsRune(filepath.Base(p.Driver), '/'):
		return fmt.Errorf("profile %s: invalid driver name", p.Name)
	case p.AddressSpaceFactor < 0:
		return fmt.Errorf("profile %s: address_space_factor must not be negative", p.Name)
	}
	return nil
}

// Command returns the argv for running a submission with the workspace
// mounted at root and faults reported to fault. The binary is left
// unresolved.
func (p *Profile) Command(root, fault string, memoryMB int64) []string {
	r := strings.NewReplacer(
		"{source}", filepath.Join(root, p.Source),
		"{driver}", filepath.Join(root, p.Driver),
		"{fault}", fault,
		"{workspace}", root,
		"{memory_mb}", fmt.Sprintf("%d", memoryMB),
	)

	argv := make([]string, 0, len(p.Args)+1)
	argv = append(argv, p.Binary)
	for _, a := range p.Args {
		argv = append(argv, r.Replace(a))
	}
	return argv
}

// Environ returns the environment for the runtime as KEY=value pairs.
func (p *Profile) Environ() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
	}
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// OutOfMemory reports whether a driver fault report names one of the
// runtime's memory markers as its exception type. The message after the
// type is never searched.
func (p *Profile) OutOfMemory(fault string) bool {
	for _, m := range p.MemoryMarkers {
		if m != "" && (fault == m || strings.HasPrefix(fault, m+":")) {
			return true
		}
	}
	return false
}

// CrashedOutOfMemory reports whether stderr of a runtime that died abnormally
// contains one of its crash markers.
func (p *Profile) CrashedOutOfMemory(stderr string) bool {
	for _, m := range p.CrashMarkers {
		if m != "" && strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}
