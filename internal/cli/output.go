package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/roach88/transit/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // runtime failure (worker stopped with an error, database unreachable)
	ExitCommandError = 2 // bad invocation or configuration
)

// ExitError carries the process exit code for an error.
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

// WrapExitError wraps err with an exit code. Configuration errors always
// exit with ExitCommandError.
func WrapExitError(code int, message string, err error) *ExitError {
	if ir.IsConfiguration(err) {
		code = ExitCommandError
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors without one
// exit with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the envelope of --format json output.
type Response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

// printer renders command results as tables or JSON.
type printer struct {
	format string
	w      io.Writer
}

func (p printer) json() bool {
	return p.format == "json"
}

func (p printer) writeJSON(data any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(Response{Status: "ok", Data: data})
}

func (p printer) table(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.w)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
