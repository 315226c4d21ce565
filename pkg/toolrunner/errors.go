package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSecurityViolation is returned when a path escapes the sandbox root.
	ErrSecurityViolation = errors.New("security violation")

	// ErrSecurityBlock is returned when a command or content fails the audit.
	ErrSecurityBlock = errors.New("blocked by security audit")

	// ErrApprovalRejected is returned when approval is denied or times out.
	ErrApprovalRejected = errors.New("approval rejected")

	// ErrAborted is returned when the caller cancelled. It also matches the
	// underlying context error.
	ErrAborted = errors.New("aborted")

	// ErrUnknownTool is returned for calls to unregistered tools.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// aborted wraps a context error so it matches both ErrAborted and the cause.
func aborted(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// isCancel reports whether err came from the caller's context.
func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrAborted))
}

// BlockError carries the audit findings behind an ErrSecurityBlock.
type BlockError struct {
	Level    Level
	Findings []string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%s (%s): %s", ErrSecurityBlock, e.Level, strings.Join(e.Findings, "; "))
}

func (e *BlockError) Is(target error) bool { return target == ErrSecurityBlock }
