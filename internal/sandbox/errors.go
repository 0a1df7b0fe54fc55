package sandbox

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure. Front-ends map kinds to
// response shapes; suggestions travel with the error so callers never
// rebuild remediation text from message strings.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindCapacityExceeded   Kind = "capacity_exceeded"
	KindPortConflict       Kind = "port_conflict"
	KindSandboxUnavailable Kind = "sandbox_unavailable"
	KindBuildFailure       Kind = "build_failure"
	KindRuntimeFailure     Kind = "runtime_failure"
	KindTimeout            Kind = "timeout"
	KindInfrastructure     Kind = "infrastructure_error"
)

// Error is the structured failure type for every sandbox operation.
type Error struct {
	Kind        Kind
	Message     string
	Suggestions []string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a structured error with optional suggestions.
func NewError(kind Kind, message string, suggestions ...string) *Error {
	return &Error{Kind: kind, Message: message, Suggestions: suggestions}
}

// WrapError attaches a cause.
func WrapError(kind Kind, message string, err error, suggestions ...string) *Error {
	return &Error{Kind: kind, Message: message, Suggestions: suggestions, Err: err}
}

// KindOf extracts the failure kind, defaulting to infrastructure for
// errors that did not originate here.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInfrastructure
}

// SuggestionsOf extracts remediation suggestions, if any.
func SuggestionsOf(err error) []string {
	var se *Error
	if errors.As(err, &se) {
		return se.Suggestions
	}
	return nil
}

// CapacityError reports an admission rejection. It lists the sandboxes
// currently holding slots so the caller can pick one to stop.
func CapacityError(limit int, existing []*Record) *Error {
	msg := fmt.Sprintf("maximum number of sandboxes (%d) reached", limit)
	suggestions := []string{
		"Stop an existing sandbox with dotnet_stop_sandbox",
		"Stop all sandboxes with dotnet_stop_all",
	}
	for _, r := range existing {
		suggestions = append(suggestions,
			fmt.Sprintf("Running: project %q (.NET %s, idle since %s)",
				r.ProjectID, r.DotnetVersion, r.LastActivityAt.UTC().Format("15:04:05")))
	}
	return NewError(KindCapacityExceeded, msg, suggestions...)
}

// PortConflictError reports a host port that is already reserved.
func PortConflictError(port int, alternative int) *Error {
	return NewError(KindPortConflict,
		fmt.Sprintf("host port %d is already in use by another sandbox", port),
		fmt.Sprintf("Request a different host port, e.g. %d", alternative),
		"Pass host port 0 to let the allocator pick a free one",
	)
}

// UnavailableError reports an operation against a sandbox that is not
// in the Running state (or does not exist at all).
func UnavailableError(projectID string, state State) *Error {
	if state == "" {
		return NewError(KindSandboxUnavailable,
			fmt.Sprintf("no sandbox found for project %q", projectID),
			"Start one with dotnet_start_sandbox",
			"List active sandboxes with dotnet_list_sandboxes",
		)
	}
	return NewError(KindSandboxUnavailable,
		fmt.Sprintf("sandbox for project %q is %s, not running", projectID, state))
}
