package harvest

import (
	"fmt"
	"sort"
	"strings"
)

// Field markers used in ValidationError.Fields.
const (
	FieldRequired = "required"
	FieldProvided = "provided"
	FieldInvalid  = "invalid"
)

// User-facing validation messages.
const (
	MsgMissingFields = "Missing required fields"
	MsgInvalidFields = "Invalid request fields"
)

// ValidationError reports a malformed RunRequest. Fields maps each request
// field to "required", "provided" or "invalid".
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	var bad []string
	for name, state := range e.Fields {
		if state != FieldProvided {
			bad = append(bad, name+"="+state)
		}
	}
	sort.Strings(bad)
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(bad, ", "))
}

// ConfigurationError reports that the save location could not be prepared.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("cannot prepare save directory %q: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SessionLaunchError reports that the browser could not be started.
type SessionLaunchError struct {
	Err error
}

func (e *SessionLaunchError) Error() string {
	return fmt.Sprintf("failed to launch browser session: %v", e.Err)
}

func (e *SessionLaunchError) Unwrap() error { return e.Err }

// TableError is a failure scoped to one table. Table is zero-based.
type TableError struct {
	Table int
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %d: %v", e.Table+1, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// RowError is a failure scoped to one row. Table and Row are zero-based.
type RowError struct {
	Table int
	Row   int
	Err   error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("table %d row %d: %v", e.Table+1, e.Row+1, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// TeardownError reports that the browser could not be closed cleanly. It is
// logged but never changes a run's outcome.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to close browser: %v", e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
