package script

import (
	"errors"
	"fmt"
)

// ErrNotInitialized is returned when the interpreter has no Script Definition loaded.
var ErrNotInitialized = errors.New("script interpreter not initialized")

// UnknownStepError reports a step id absent from the Script Definition.
type UnknownStepError struct {
	Step string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown step %q", e.Step)
}

// MissingContextError reports an action that needs a context variable the turn did not provide.
type MissingContextError struct {
	Action string
	Field  string
}

func (e *MissingContextError) Error() string {
	return fmt.Sprintf("action %s requires context variable %q", e.Action, e.Field)
}

// ParseError reports a malformed Script Definition.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return "invalid script definition: " + e.Reason
	}
	return fmt.Sprintf("invalid script definition at %s: %s", e.Path, e.Reason)
}

func parseErrorf(path, format string, args ...any) *ParseError {
	return &ParseError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
