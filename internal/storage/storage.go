package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no execution matches an ID or prefix.
var ErrNotFound = errors.New("execution not found")

// Execution is the audit record of one finished execution. It holds sizes
// and a digest, never the submitted code or its output.
type Execution struct {
	ID          string    `json:"id"`
	Runtime     string    `json:"runtime"`
	Backend     string    `json:"backend"`
	Status      string    `json:"status"`
	Resource    string    `json:"resource,omitempty"`
	ExitCode    int       `json:"exit_code"`
	CodeBytes   int       `json:"code_bytes"`
	CodeSHA256  string    `json:"code_sha256"`
	StdoutBytes int       `json:"stdout_bytes"`
	StderrBytes int       `json:"stderr_bytes"`
	Truncated   bool      `json:"truncated"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListOptions controls filtering and pagination for ListExecutions.
type ListOptions struct {
	Status  string
	Runtime string
	Limit   int
	Offset  int
}

// Store is the persistence interface for the execution audit log.
type Store interface {
	// RecordExecution inserts a finished execution. CreatedAt is set if zero.
	RecordExecution(ctx context.Context, e *Execution) error

	// GetExecution returns an execution by ID or unambiguous ID prefix.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions ordered by created_at descending.
	ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error)

	// Prune deletes executions created before cutoff and returns how many.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	// Close releases resources.
	Close() error
}
