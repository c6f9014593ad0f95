package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/k3vm/clop/internal/agent"
	"github.com/k3vm/clop/internal/config"
	"github.com/k3vm/clop/internal/inputs"
	"github.com/k3vm/clop/internal/port"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitValidation  = 2
	ExitNotRunning  = 3
	ExitInterrupted = 130
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var inputErr *inputs.ValidationError
	var configErr *config.ValidationError
	switch {
	case errors.As(err, &inputErr), errors.As(err, &configErr):
		return ExitValidation
	case errors.Is(err, agent.ErrNotRunning), errors.Is(err, port.ErrUnreachable):
		return ExitNotRunning
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	}
	return ExitFailure
}
