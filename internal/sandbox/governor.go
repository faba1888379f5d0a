package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUsageUnavailable is returned by targets that cannot be sampled. The
// governor then enforces only the deadline.
var ErrUsageUnavailable = errors.New("usage sampling unavailable")

// Target is what a Watch supervises.
type Target interface {
	Kill() error
	Usage(ctx context.Context) (Usage, error)
}

// Governor enforces the limits of running execution contexts. Each context
// gets its own Watch; the governor only tracks how many are live.
type Governor struct {
	interval time.Duration
	active   atomic.Int64
	log      *logrus.Entry
}

// NewGovernor returns a governor sampling usage every interval.
func NewGovernor(interval time.Duration, log *logrus.Entry) *Governor {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Governor{interval: interval, log: log}
}

// Active returns the number of registered watches not yet released.
func (g *Governor) Active() int64 {
	return g.active.Load()
}

// Register creates a watch for ec. The caller must Release it.
func (g *Governor) Register(ec *ExecutionContext, t Target) *Watch {
	g.active.Add(1)
	return &Watch{
		g:       g,
		ec:      ec,
		target:  t,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		tripped: make(chan struct{}),
		log:     g.log.WithField("context_id", ec.ID),
	}
}

// Watch supervises one execution context. The first violation it observes
// becomes the verdict; later ones, and any observed after the target
// exited, are ignored.
type Watch struct {
	g      *Governor
	ec     *ExecutionContext
	target Target
	log    *logrus.Entry

	stop    chan struct{}
	done    chan struct{}
	tripped chan struct{}

	tripOnce    sync.Once
	stopOnce    sync.Once
	releaseOnce sync.Once
	started     atomic.Bool
	verdict     Outcome
}

// Start begins enforcement. The deadline is measured from this call.
func (w *Watch) Start(ctx context.Context) {
	w.started.Store(true)
	go w.run(ctx)
}

// Tripped is closed once a verdict has been reached and the target killed.
func (w *Watch) Tripped() <-chan struct{} {
	return w.tripped
}

// Trip records o as the verdict unless one exists and kills the target.
// It reports whether o became the verdict.
func (w *Watch) Trip(o Outcome) bool {
	won := false
	w.tripOnce.Do(func() {
		won = true
		w.verdict = o
		if err := w.target.Kill(); err != nil {
			w.log.WithError(err).Warn("killing context")
		}
		close(w.tripped)
	})
	return won
}

// Exited tells the watch that the target ended on its own. Violations
// observed afterwards are not recorded. It reports false when a verdict
// was reached first.
func (w *Watch) Exited() bool {
	first := false
	w.tripOnce.Do(func() { first = true })
	return first
}

// Stop ends enforcement and returns the verdict, if any.
func (w *Watch) Stop() (Outcome, bool) {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started.Load() {
		<-w.done
	}
	select {
	case <-w.tripped:
		return w.verdict, true
	default:
		return Outcome{}, false
	}
}

// Release stops the watch and returns its slot to the governor.
func (w *Watch) Release() {
	w.Stop()
	w.releaseOnce.Do(func() { w.g.active.Add(-1) })
}

func (w *Watch) run(ctx context.Context) {
	defer close(w.done)

	deadline := time.NewTimer(w.ec.Limits.Timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(w.g.interval)
	defer ticker.Stop()
	sample := ticker.C

	for {
		select {
		case <-w.stop:
			return
		case <-w.tripped:
			return
		case <-ctx.Done():
			w.Trip(Internal(fmt.Errorf("execution abandoned: %w", ctx.Err())))
			return
		case <-deadline.C:
			w.Trip(Timeout())
			return
		case <-sample:
			u, err := w.target.Usage(ctx)
			if errors.Is(err, ErrUsageUnavailable) {
				ticker.Stop()
				sample = nil
				continue
			}
			if err != nil {
				// The process may have just exited.
				w.log.WithError(err).Debug("sampling usage")
				continue
			}
			if r, ok := w.violation(u); ok {
				w.Trip(LimitExceeded(r))
				return
			}
		}
	}
}

func (w *Watch) violation(u Usage) (Resource, bool) {
	l := w.ec.Limits
	switch {
	case l.MemoryBytes > 0 && u.MemoryBytes > uint64(l.MemoryBytes):
		return ResourceMemory, true
	case l.MaxProcesses > 0 && u.Processes > l.MaxProcesses:
		return ResourceProcesses, true
	case l.MaxOpenFiles > 0 && u.OpenFiles > l.MaxOpenFiles:
		return ResourceDescriptors, true
	}
	return "", false
}
