package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCode is returned by an Executor when the artifact it was asked
	// to run has been invalidated. CallTarget treats it as an invalidation and
	// falls back to the interpreter; callers never see it.
	ErrInvalidCode = errors.New("compiled code is no longer valid")

	// ErrAwaitTimeout is returned by AwaitCompletion when the task did not
	// finish in time. The task keeps running.
	ErrAwaitTimeout = errors.New("timed out waiting for compilation")

	// ErrRuntimeStopped is returned for work submitted after Shutdown.
	ErrRuntimeStopped = errors.New("runtime has been shut down")
)

// BailoutError is the recoverable signal a Compiler returns when it cannot
// compile a target.
type BailoutError struct {
	Target string
	Reason string
}

func (e *BailoutError) Error() string {
	if e.Target == "" {
		return "compilation bailed out: " + e.Reason
	}
	return fmt.Sprintf("compilation of %s bailed out: %s", e.Target, e.Reason)
}

// Bailout returns a BailoutError with a formatted reason.
func Bailout(format string, args ...interface{}) error {
	return &BailoutError{Reason: fmt.Sprintf(format, args...)}
}

// IsBailout reports whether err carries a BailoutError.
func IsBailout(err error) bool {
	var b *BailoutError
	return errors.As(err, &b)
}

// CompilerError wraps an unrecoverable compiler failure that was promoted to
// a process-level error by FailOnCompilerError.
type CompilerError struct {
	Target string
	Err    error
}

func (e *CompilerError) Error() string {
	return fmt.Sprintf("compiler failed on %s: %v", e.Target, e.Err)
}

func (e *CompilerError) Unwrap() error {
	return e.Err
}
