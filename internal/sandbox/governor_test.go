package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeTarget struct {
	mu      sync.Mutex
	usage   Usage
	err     error
	kills   atomic.Int32
	samples atomic.Int32
}

func (f *fakeTarget) Kill() error {
	f.kills.Add(1)
	return nil
}

func (f *fakeTarget) Usage(ctx context.Context) (Usage, error) {
	f.samples.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, f.err
}

func testGovernor() *Governor {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewGovernor(5*time.Millisecond, logrus.NewEntry(l))
}

func testContext(limits Limits) *ExecutionContext {
	return &ExecutionContext{ID: "test", Limits: limits}
}

func waitTripped(t *testing.T, w *Watch) {
	t.Helper()
	select {
	case <-w.Tripped():
	case <-time.After(2 * time.Second):
		t.Fatal("watch never tripped")
	}
}

func TestWatchDeadline(t *testing.T) {
	g := testGovernor()
	target := &fakeTarget{}
	w := g.Register(testContext(Limits{Timeout: 30 * time.Millisecond}), target)
	defer w.Release()

	w.Start(context.Background())
	waitTripped(t, w)

	o, ok := w.Stop()
	if !ok || o.Kind != KindTimedOut {
		t.Fatalf("verdict = %+v, %v", o, ok)
	}
	if target.kills.Load() != 1 {
		t.Errorf("kills = %d, want 1", target.kills.Load())
	}
}

func TestWatchLimits(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
		want  Resource
	}{
		{"memory", Usage{MemoryBytes: 2 << 20, Processes: 1}, ResourceMemory},
		{"processes", Usage{MemoryBytes: 1, Processes: 9}, ResourceProcesses},
		{"descriptors", Usage{MemoryBytes: 1, Processes: 1, OpenFiles: 100}, ResourceDescriptors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGovernor()
			target := &fakeTarget{usage: tt.usage}
			limits := Limits{Timeout: time.Minute, MemoryBytes: 1 << 20, MaxProcesses: 8, MaxOpenFiles: 32}
			w := g.Register(testContext(limits), target)
			defer w.Release()

			w.Start(context.Background())
			waitTripped(t, w)

			o, _ := w.Stop()
			if o.Kind != KindResourceLimitExceeded || o.Resource != tt.want {
				t.Errorf("verdict = %s/%s, want %s", o.Kind, o.Resource, tt.want)
			}
		})
	}
}

func TestWatchFirstVerdictWins(t *testing.T) {
	g := testGovernor()
	target := &fakeTarget{}
	w := g.Register(testContext(Limits{Timeout: time.Minute}), target)
	defer w.Release()

	if !w.Trip(LimitExceeded(ResourceCPU)) {
		t.Fatal("first trip rejected")
	}
	if w.Trip(Timeout()) {
		t.Fatal("second trip accepted")
	}
	o, ok := w.Stop()
	if !ok || o.Resource != ResourceCPU {
		t.Errorf("verdict = %+v", o)
	}
	if target.kills.Load() != 1 {
		t.Errorf("kills = %d, want 1", target.kills.Load())
	}
}

func TestWatchIgnoresTripAfterExit(t *testing.T) {
	g := testGovernor()
	target := &fakeTarget{}
	w := g.Register(testContext(Limits{Timeout: 10 * time.Millisecond}), target)
	defer w.Release()

	if !w.Exited() {
		t.Fatal("exit not recorded")
	}
	w.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	if w.Trip(Timeout()) {
		t.Error("trip after exit accepted")
	}
	if o, ok := w.Stop(); ok {
		t.Errorf("verdict = %+v after exit", o)
	}
	if target.kills.Load() != 0 {
		t.Errorf("kills = %d, want 0", target.kills.Load())
	}
}

func TestWatchExitAfterTrip(t *testing.T) {
	g := testGovernor()
	w := g.Register(testContext(Limits{Timeout: time.Minute}), &fakeTarget{})
	defer w.Release()

	w.Trip(LimitExceeded(ResourceMemory))
	if w.Exited() {
		t.Error("exit overrode the verdict")
	}
	if o, ok := w.Stop(); !ok || o.Resource != ResourceMemory {
		t.Errorf("verdict = %+v, %v", o, ok)
	}
}

func TestWatchStopWithoutViolation(t *testing.T) {
	g := testGovernor()
	target := &fakeTarget{usage: Usage{MemoryBytes: 10, Processes: 1}}
	w := g.Register(testContext(Limits{Timeout: time.Minute, MemoryBytes: 1 << 20}), target)

	w.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	if _, ok := w.Stop(); ok {
		t.Fatal("verdict without violation")
	}
	w.Release()
	w.Release()

	if g.Active() != 0 {
		t.Errorf("active = %d after release", g.Active())
	}
	if target.kills.Load() != 0 {
		t.Error("target killed without violation")
	}
}

func TestWatchUnavailableUsageStopsSampling(t *testing.T) {
	g := testGovernor()
	target := &fakeTarget{err: ErrUsageUnavailable}
	w := g.Register(testContext(Limits{Timeout: 60 * time.Millisecond}), target)
	defer w.Release()

	w.Start(context.Background())
	waitTripped(t, w)

	if n := target.samples.Load(); n != 1 {
		t.Errorf("sampled %d times, want 1", n)
	}
}

func TestWatchTransientUsageErrors(t *testing.T) {
	g := testGovernor()
	target := &fakeTarget{err: errors.New("no such process")}
	w := g.Register(testContext(Limits{Timeout: 40 * time.Millisecond}), target)
	defer w.Release()

	w.Start(context.Background())
	waitTripped(t, w)
	o, _ := w.Stop()
	if o.Kind != KindTimedOut {
		t.Errorf("verdict = %s, want timed_out", o.Kind)
	}
}

func TestWatchCancelled(t *testing.T) {
	g := testGovernor()
	w := g.Register(testContext(Limits{Timeout: time.Minute}), &fakeTarget{})
	defer w.Release()

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()
	waitTripped(t, w)

	o, _ := w.Stop()
	if o.Kind != KindInternalError || !errors.Is(o.Err, context.Canceled) {
		t.Errorf("verdict = %+v", o)
	}
}

func TestReadFaultRefusesLinks(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "secret")
	if err := os.WriteFile(secret, []byte("host data"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, ".fault")
	if err := os.Symlink(secret, link); err != nil {
		t.Fatal(err)
	}

	if got := readFault(link); got != "" {
		t.Errorf("followed symlink: %q", got)
	}
}

func TestReadFaultCapsLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".fault")
	big := make([]byte, 10*maxFault)
	for i := range big {
		big[i] = 'e'
	}
	if err := os.WriteFile(path, big, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readFault(path); len(got) != maxFault {
		t.Errorf("len = %d, want %d", len(got), maxFault)
	}
}
