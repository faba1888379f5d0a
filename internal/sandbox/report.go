package sandbox

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// Exit codes reported for outcomes where the submission did not choose one.
const (
	ExitRuntimeError  = 1
	ExitInternalError = 70
	ExitTimedOut      = 124
	ExitResourceLimit = 137
)

// Response is the caller-facing report of one execution.
type Response struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Truncated  bool   `json:"truncated"`
	DurationMS int64  `json:"duration_ms"`
}

// Report maps a result to its response. Captured output is passed through
// unchanged; any explanation the sandbox adds goes after it on stderr.
func Report(res *Result) *Response {
	resp := &Response{
		ID:         res.ContextID,
		Status:     res.Outcome.Kind.String(),
		Stdout:     strings.ToValidUTF8(string(res.Stdout), "�"),
		Stderr:     strings.ToValidUTF8(string(res.Stderr), "�"),
		Truncated:  res.StdoutTruncated || res.StderrTruncated,
		DurationMS: res.Duration.Milliseconds(),
	}

	o := res.Outcome
	switch o.Kind {
	case KindCompleted:
		resp.ExitCode = o.ExitCode
	case KindRuntimeError:
		resp.ExitCode = ExitRuntimeError
		if o.Message != "" {
			resp.Stderr = appendLine(resp.Stderr, o.Message)
		}
	case KindTimedOut:
		resp.ExitCode = ExitTimedOut
		resp.Stderr = appendLine(resp.Stderr, fmt.Sprintf("execution timed out after %s", res.Limits.Timeout))
	case KindResourceLimitExceeded:
		resp.ExitCode = ExitResourceLimit
		resp.Stderr = appendLine(resp.Stderr, "resource limit exceeded: "+describeLimit(o.Resource, res.Limits))
	default:
		resp.ExitCode = ExitInternalError
		resp.Stderr = appendLine(resp.Stderr, fmt.Sprintf("internal sandbox error (ref %s)", res.ContextID))
	}

	return resp
}

func describeLimit(r Resource, l Limits) string {
	switch r {
	case ResourceMemory:
		return fmt.Sprintf("memory (limit %s)", units.BytesSize(float64(l.MemoryBytes)))
	case ResourceCPU:
		return fmt.Sprintf("cpu time (limit %s)", l.CPUTime)
	case ResourceProcesses:
		return fmt.Sprintf("processes (limit %d)", l.MaxProcesses)
	case ResourceDescriptors:
		return fmt.Sprintf("open files (limit %d)", l.MaxOpenFiles)
	case ResourceFileSize:
		return fmt.Sprintf("file size (limit %s)", units.BytesSize(float64(l.MaxFileSize)))
	case ResourceNetwork:
		return "network access is disabled"
	}
	return string(r)
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line + "\n"
}
