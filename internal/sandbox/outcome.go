package sandbox

import (
	"fmt"
	"time"
)

// Kind classifies how an execution ended.
type Kind int

const (
	KindCompleted Kind = iota
	KindRuntimeError
	KindTimedOut
	KindResourceLimitExceeded
	KindInternalError
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindRuntimeError:
		return "runtime_error"
	case KindTimedOut:
		return "timed_out"
	case KindResourceLimitExceeded:
		return "resource_limit_exceeded"
	case KindInternalError:
		return "internal_error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Resource names a limit that can be exceeded.
type Resource string

const (
	ResourceMemory      Resource = "memory"
	ResourceCPU         Resource = "cpu"
	ResourceProcesses   Resource = "processes"
	ResourceDescriptors Resource = "descriptors"
	ResourceNetwork     Resource = "network"
	ResourceFileSize    Resource = "file_size"
)

// Outcome is the classified result of an execution.
type Outcome struct {
	Kind     Kind
	ExitCode int      // KindCompleted
	Message  string   // KindRuntimeError
	Resource Resource // KindResourceLimitExceeded

	// Err carries operator detail for KindInternalError. It is logged, never
	// returned to the submitter.
	Err error
}

func Completed(code int) Outcome { return Outcome{Kind: KindCompleted, ExitCode: code} }

func RuntimeFault(msg string) Outcome { return Outcome{Kind: KindRuntimeError, Message: msg} }

func Timeout() Outcome { return Outcome{Kind: KindTimedOut} }

func LimitExceeded(r Resource) Outcome {
	return Outcome{Kind: KindResourceLimitExceeded, Resource: r}
}

func Internal(err error) Outcome { return Outcome{Kind: KindInternalError, Err: err} }

// Result is everything a Unit observed about one execution.
type Result struct {
	ContextID string
	Runtime   string
	Backend   string
	Limits    Limits
	Outcome   Outcome

	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool

	Duration time.Duration
}
