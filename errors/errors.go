package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCompile  Phase = "compile"  // script compilation
	PhaseLink     Phase = "link"     // module graph linking
	PhaseDispatch Phase = "dispatch" // event/task dispatch
	PhaseExec     Phase = "exec"     // task execution
	PhaseEngine   Phase = "engine"   // engine instance operations
	PhaseControl  Phase = "control"  // control message handling
	PhaseStorage  Phase = "storage"  // script store access
	PhaseHost     Phase = "host"     // host capability registration
)

// Kind categorizes the error
type Kind string

const (
	KindCompileFailed    Kind = "compile_failed"
	KindLinkFailed       Kind = "link_failed"
	KindTaskFailed       Kind = "task_failed"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindEngineFault      Kind = "engine_fault"
	KindEpochStale       Kind = "epoch_stale"
	KindTenantNotFound   Kind = "tenant_not_found"
	KindScriptNotFound   Kind = "script_not_found"
	KindNotInitialized   Kind = "not_initialized"
	KindInvalidInput     Kind = "invalid_input"
	KindRegistration     Kind = "registration"
	KindInstantiation    Kind = "instantiation"
	KindChannelClosed    Kind = "channel_closed"
	KindDraining         Kind = "draining"
	KindMemoryExceeded   Kind = "memory_exceeded"
	KindTerminated       Kind = "terminated"
	KindUnresolvedImport Kind = "unresolved_import"
)

// Error is the structured error type used throughout the worker
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Guild  string
	Script string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Guild != "" {
		b.WriteString(" guild ")
		b.WriteString(e.Guild)
	}
	if e.Script != "" {
		b.WriteString(" script ")
		b.WriteString(e.Script)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// Two Errors match when their Phase and Kind agree.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// IsFault reports whether err carries an engine-fault kind anywhere in its
// chain, a condition that invalidates the whole engine instance rather than
// a single task.
func IsFault(err error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == KindEngineFault || e.Kind == KindMemoryExceeded {
				return true
			}
		}
		err = Unwrap(err)
	}
	return false
}

// IsBudget reports whether err is a per-invocation budget violation.
func IsBudget(err error) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	return e.Kind == KindBudgetExceeded
}

// Convenience constructors for common error patterns

// Compile creates a script compilation error
func Compile(script, detail string, cause error) *Error {
	return &Error{Phase: PhaseCompile, Kind: KindCompileFailed, Script: script, Detail: detail, Cause: cause}
}

// Link creates a module graph linking error
func Link(script, detail string, cause error) *Error {
	return &Error{Phase: PhaseLink, Kind: KindLinkFailed, Script: script, Detail: detail, Cause: cause}
}

// Task creates a task execution error
func Task(guild, detail string, cause error) *Error {
	return &Error{Phase: PhaseExec, Kind: KindTaskFailed, Guild: guild, Detail: detail, Cause: cause}
}

// Budget creates a per-invocation budget violation error
func Budget(guild, detail string) *Error {
	return &Error{Phase: PhaseExec, Kind: KindBudgetExceeded, Guild: guild, Detail: detail}
}

// Fault creates an engine fault error
func Fault(detail string, cause error) *Error {
	return &Error{Phase: PhaseEngine, Kind: KindEngineFault, Detail: detail, Cause: cause}
}

// MemoryExceeded creates an engine memory ceiling breach error
func MemoryExceeded(detail string) *Error {
	return &Error{Phase: PhaseEngine, Kind: KindMemoryExceeded, Detail: detail}
}

// EpochStale creates an error for access through an invalidated engine epoch
func EpochStale(phase Phase, detail string) *Error {
	return &Error{Phase: phase, Kind: KindEpochStale, Detail: detail}
}

// NotInitialized creates an error for use of an uninitialized component
func NotInitialized(phase Phase, what string) *Error {
	return &Error{Phase: phase, Kind: KindNotInitialized, Detail: what + " not initialized"}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{Phase: phase, Kind: KindInvalidInput, Detail: detail}
}

// TenantNotFound creates an unknown-guild error
func TenantNotFound(phase Phase, guild string) *Error {
	return &Error{Phase: phase, Kind: KindTenantNotFound, Guild: guild}
}

// Wrap creates an error wrapping a cause with formatted detail
func Wrap(phase Phase, kind Kind, cause error, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Phase: phase, Kind: kind, Detail: detail, Cause: cause}
}
