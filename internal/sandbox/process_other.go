//go:build !linux

package sandbox

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// ProcessBackend is only available on Linux.
type ProcessBackend struct{}

func NewProcessBackend(cfg ProcessConfig, log *logrus.Entry) (*ProcessBackend, error) {
	return nil, errors.New("process backend requires linux; use the docker backend")
}

func (b *ProcessBackend) Name() string { return "process" }

func (b *ProcessBackend) Prepare(ctx context.Context, ec *ExecutionContext) (Process, error) {
	return nil, errors.ErrUnsupported
}
