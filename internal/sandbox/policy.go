package sandbox

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// Policy defines default and maximum resource limits for executions.
type Policy struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	DefaultMemory  int64
	MaxMemory      int64

	// CPUTime is the processor time budget. Zero derives it from the timeout.
	CPUTime time.Duration

	MaxProcesses int
	MaxOpenFiles int
	MaxFileSize  int64
	MaxOutput    int
	MaxCodeBytes int
	Network      bool
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     30 * time.Second,
		DefaultMemory:  256 << 20,
		MaxMemory:      1 << 30,
		MaxProcesses:   16,
		MaxOpenFiles:   64,
		MaxFileSize:    16 << 20,
		MaxOutput:      1 << 20,
		MaxCodeBytes:   256 << 10,
		Network:        false,
	}
}

// ValidationError reports a request rejected before any context was created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Resolve validates a request against the policy and returns the limits to
// enforce. Overrides above the maxima are clamped.
func (p Policy) Resolve(req Request) (Limits, error) {
	if p.MaxCodeBytes > 0 && len(req.Code) > p.MaxCodeBytes {
		return Limits{}, &ValidationError{Field: "code", Reason: fmt.Sprintf("exceeds %d bytes", p.MaxCodeBytes)}
	}
	if !utf8.ValidString(req.Code) {
		return Limits{}, &ValidationError{Field: "code", Reason: "not valid UTF-8"}
	}
	if req.Timeout < 0 {
		return Limits{}, &ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if req.MemoryBytes < 0 {
		return Limits{}, &ValidationError{Field: "memory", Reason: "must not be negative"}
	}

	l := Limits{
		Timeout:      pick(req.Timeout, p.DefaultTimeout, p.MaxTimeout),
		MemoryBytes:  pick(req.MemoryBytes, p.DefaultMemory, p.MaxMemory),
		MaxProcesses: p.MaxProcesses,
		MaxOpenFiles: p.MaxOpenFiles,
		MaxFileSize:  p.MaxFileSize,
		MaxOutput:    p.MaxOutput,
		Network:      p.Network,
	}

	l.CPUTime = p.CPUTime
	if l.CPUTime <= 0 {
		// Wall-clock enforcement should win for single-threaded code.
		l.CPUTime = time.Duration(math.Ceil(l.Timeout.Seconds()))*time.Second + time.Second
	}

	return l, nil
}

func pick[T ~int64](v, def, limit T) T {
	if v == 0 {
		v = def
	}
	if limit > 0 && v > limit {
		v = limit
	}
	return v
}

// Milliseconds converts a caller-supplied millisecond count to a duration,
// saturating where the product would overflow. Resolve then clamps it.
func Milliseconds(ms int64) time.Duration {
	const limit = math.MaxInt64 / int64(time.Millisecond)
	switch {
	case ms > limit:
		return math.MaxInt64
	case ms < -limit:
		return math.MinInt64
	}
	return time.Duration(ms) * time.Millisecond
}

// Mebibytes converts a caller-supplied MiB count to bytes, saturating
// where the shift would overflow.
func Mebibytes(mb int64) int64 {
	const limit = math.MaxInt64 >> 20
	switch {
	case mb > limit:
		return math.MaxInt64
	case mb < -limit:
		return math.MinInt64
	}
	return mb << 20
}
