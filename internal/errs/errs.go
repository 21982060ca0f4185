package errs

import (
	"errors"
	"fmt"
)

// retryMarker is implemented only by error types of this package that a retry
// policy may act on. Errors from other packages, such as net.Error, never match.
type retryMarker interface {
	retryable() bool
}

// Retryable reports whether any error in err's chain is marked retryable.
func Retryable(err error) bool {
	var r retryMarker
	if errors.As(err, &r) {
		return r.retryable()
	}
	return false
}

// ConnectivityError is a driver-level failure that survived every retry attempt.
type ConnectivityError struct {
	Statement string
	Attempts  int
	Err       error
}

func (e *ConnectivityError) Error() string {
	if e.Statement == "" {
		return fmt.Sprintf("DB connection failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("DB query failed after %d attempt(s): %v\nQuery: %s", e.Attempts, e.Err, e.Statement)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// BulkTransportError carries the diagnostics of a failed bcp process.
type BulkTransportError struct {
	Output      string
	ErrorOutput string
	Errors      string
	Err         error
}

func (e *BulkTransportError) Error() string {
	return fmt.Sprintf("Import process failed. Output: %s. \n\n Error Output: %s. \n\n Errors: %s",
		e.Output, e.ErrorOutput, e.Errors)
}

func (e *BulkTransportError) Unwrap() error { return e.Err }

// retryable lets the coarse staging+import loop retry a bulk failure.
func (e *BulkTransportError) retryable() bool { return true }

// SchemaMismatchError reports a destination column that is missing or typed differently.
// An empty Actual means the column does not exist in the destination.
type SchemaMismatchError struct {
	Table    string
	Column   string
	Declared string
	Actual   string
}

func (e *SchemaMismatchError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("Column '%s' not found in destination table '%s'", e.Column, e.Table)
	}
	return fmt.Sprintf("Data type mismatch. Column '%s' is of type '%s' in writer, but is '%s' in destination table '%s'",
		e.Column, e.Declared, e.Actual, e.Table)
}

// ConfigurationError is raised before any SQL runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// InternalDataError indicates a malformed extract.
type InternalDataError struct {
	Row    int
	Column string
	Reason string
}

func (e *InternalDataError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("malformed extract at row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("malformed extract at row %d, column '%s': %s", e.Row, e.Column, e.Reason)
}
