package runtimes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestBuiltin(t *testing.T) {
	r, err := Builtin()
	if err != nil {
		t.Fatal(err)
	}

	names := r.Names()
	want := []string{"node", "python", "sh"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %v, want %v", names, want)
	}

	py, err := r.Get("python")
	if err != nil {
		t.Fatal(err)
	}
	if len(py.DriverCode) == 0 {
		t.Error("python driver not loaded")
	}
	if !py.OutOfMemory("MemoryError: ") {
		t.Error("MemoryError not recognised")
	}
}

func TestOutOfMemory(t *testing.T) {
	p := &Profile{
		MemoryMarkers: []string{"MemoryError", "RangeError: Array buffer allocation failed"},
		CrashMarkers:  []string{"JavaScript heap out of memory"},
	}

	tests := []struct {
		fault string
		want  bool
	}{
		{"MemoryError", true},
		{"MemoryError:", true},
		{"MemoryError: cannot allocate", true},
		{"RangeError: Array buffer allocation failed", true},
		{"RangeError: Invalid array length", false},
		{"ValueError: MemoryError is not what happened", false},
		{"MemoryErrorish: nope", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.OutOfMemory(tt.fault); got != tt.want {
			t.Errorf("OutOfMemory(%q) = %v, want %v", tt.fault, got, tt.want)
		}
	}

	if !p.CrashedOutOfMemory("FATAL ERROR: Reached heap limit Allocation failed - JavaScript heap out of memory\n") {
		t.Error("V8 heap exhaustion not recognised")
	}
	if p.CrashedOutOfMemory("MemoryError\n") {
		t.Error("fault type matched as crash output")
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("cobol")
	if !errors.Is(err, ErrUnknownRuntime) {
		t.Fatalf("err = %v, want ErrUnknownRuntime", err)
	}
}

func TestCommand(t *testing.T) {
	p := &Profile{
		Name:   "py",
		Binary: "python3",
		Source: "main.py",
		Driver: "driver.py",
		Args:   []string{"-u", "{driver}", "{source}", "{fault}", "--mem={memory_mb}"},
	}

	got := p.Command("/workspace", "5", 128)
	want := []string{"python3", "-u", "/workspace/driver.py", "/workspace/main.py", "5", "--mem=128"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("command = %v, want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		p    Profile
		ok   bool
	}{
		{"valid", Profile{Name: "sh", Binary: "sh", Source: "main.sh"}, true},
		{"no name", Profile{Binary: "sh", Source: "main.sh"}, false},
		{"no binary", Profile{Name: "sh", Source: "main.sh"}, false},
		{"source path", Profile{Name: "sh", Binary: "sh", Source: "../main.sh"}, false},
		{"negative factor", Profile{Name: "sh", Binary: "sh", Source: "main.sh", AddressSpaceFactor: -1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "ruby.yaml", "name: ruby\nbinary: ruby\nsource: main.rb\ndriver: driver.rb\nargs: [\"{driver}\", \"{source}\"]\n")
	writeProfile(t, dir, "driver.rb", "load ARGV[0]\n")
	writeProfile(t, dir, "notes.txt", "ignored")

	r := NewRegistry()
	n, err := r.LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("loaded %d profiles, want 1", n)
	}

	p, err := r.Get("ruby")
	if err != nil {
		t.Fatal(err)
	}
	if string(p.DriverCode) != "load ARGV[0]\n" {
		t.Errorf("driver = %q", p.DriverCode)
	}
	if p.Driver != "driver.rb" {
		t.Errorf("driver name = %q", p.Driver)
	}
}

func TestLoadDirMissing(t *testing.T) {
	r := NewRegistry()
	n, err := r.LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil || n != 0 {
		t.Fatalf("LoadDir = %d, %v", n, err)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Watch(ctx, dir, logrus.NewEntry(logrus.New())); err != nil {
		t.Fatal(err)
	}

	writeProfile(t, dir, "awk.yaml", "name: awk\nbinary: awk\nsource: main.awk\nargs: [\"-f\", \"{source}\"]\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get("awk"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("profile was not picked up by the watcher")
}
