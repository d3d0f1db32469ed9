package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for syncctl commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // request failed, daemon unreachable, flush reported errors
	ExitCommandError = 2 // bad flags or arguments
)

// ExitError carries a process exit code alongside the error message.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// GetExitCode extracts the exit code from an error chain. Plain errors
// count as failures.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Formatter renders command output as indented JSON or hands control back
// to the command's text renderer.
type Formatter struct {
	Format string
	Writer io.Writer
}

// JSON reports whether the command should emit machine-readable output.
func (f *Formatter) JSON() bool {
	return f.Format == "json"
}

// Emit writes v as indented JSON.
func (f *Formatter) Emit(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newFormatter(opts *RootOptions, w io.Writer) *Formatter {
	return &Formatter{Format: opts.Format, Writer: w}
}
