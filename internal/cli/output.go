package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // successful execution
	ExitFailure      = 1 // inspection found a problem (missing instance, invalid scenario, ...)
	ExitCommandError = 2 // command error (bad flags, database not found, ...)
)

// ExitError carries a specific process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error // underlying error, optional
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError creates an ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Non-ExitError values map
// to ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Printer writes command results. Commands render their own text; the
// printer owns the JSON envelope and the verbose diagnostic channel, which
// always goes to Diag so it cannot corrupt a JSON stream on Out.
type Printer struct {
	Format  string
	Out     io.Writer
	Diag    io.Writer
	Verbose bool
}

func newPrinter(root *RootOptions, cmd *cobra.Command) *Printer {
	return &Printer{
		Format:  root.Format,
		Out:     cmd.OutOrStdout(),
		Diag:    cmd.ErrOrStderr(),
		Verbose: root.Verbose,
	}
}

// JSON reports whether the printer is in JSON mode. Commands branch on this
// to pick their text rendering.
func (p *Printer) JSON() bool { return p.Format == "json" }

// Response is the JSON envelope every command emits in JSON mode.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError is the error half of a Response.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// OK emits a success envelope.
func (p *Printer) OK(data any) error {
	return json.NewEncoder(p.Out).Encode(Response{Status: "ok", Data: data})
}

// Fail emits an error envelope.
func (p *Printer) Fail(code, message string, details any) error {
	return json.NewEncoder(p.Out).Encode(Response{
		Status: "error",
		Error:  &ResponseError{Code: code, Message: message, Details: details},
	})
}

// Verbosef writes a diagnostic line, verbose mode only.
func (p *Printer) Verbosef(format string, args ...any) {
	if !p.Verbose {
		return
	}
	fmt.Fprintf(p.Diag, format+"\n", args...)
}
