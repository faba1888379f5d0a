package runtimes

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

//go:embed profiles/*.yaml drivers/*
var builtin embed.FS

// ErrUnknownRuntime is returned when a runtime name is not registered.
var ErrUnknownRuntime = errors.New("unknown runtime")

// Registry holds the runtime profiles available to submissions.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Builtin returns a registry holding the profiles compiled into the binary.
func Builtin() (*Registry, error) {
	r := NewRegistry()

	entries, err := fs.ReadDir(builtin, "profiles")
	if err != nil {
		return nil, fmt.Errorf("reading builtin profiles: %w", err)
	}
	for _, e := range entries {
		data, err := builtin.ReadFile(path.Join("profiles", e.Name()))
		if err != nil {
			return nil, err
		}
		p, err := parseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("builtin profile %s: %w", e.Name(), err)
		}
		if p.Driver != "" {
			p.DriverCode, err = builtin.ReadFile(path.Join("drivers", p.Driver))
			if err != nil {
				return nil, fmt.Errorf("builtin driver %s: %w", p.Driver, err)
			}
		}
		r.Register(p)
	}

	return r, nil
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
}

// Get looks up a profile by name.
func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRuntime, name)
	}
	return p, nil
}

// Names returns registered runtime names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Images returns the distinct container images referenced by the profiles.
func (r *Registry) Images() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var images []string
	for _, p := range r.profiles {
		if p.Image != "" && !seen[p.Image] {
			seen[p.Image] = true
			images = append(images, p.Image)
		}
	}
	sort.Strings(images)
	return images
}

// LoadDir registers every *.yaml profile in dir, overriding builtins of the
// same name. A missing directory is not an error.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading runtimes dir: %w", err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !isProfileFile(e.Name()) {
			continue
		}
		p, err := LoadProfile(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, err
		}
		r.Register(p)
		n++
	}
	return n, nil
}

func isProfileFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
