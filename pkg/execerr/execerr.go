// Package execerr defines the stable error taxonomy the engine surfaces at
// its boundaries: compiler, executor, cache, overlay, share.
package execerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies a Code for propagation policy: user errors are safe to
// return verbatim, data errors include the upstream message but no stack
// trace, system errors are logged in full but surfaced as an opaque code.
type Kind int

const (
	KindUser Kind = iota
	KindData
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindData:
		return "data"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Code is one of the stable string codes from the error taxonomy table.
type Code string

const (
	CodeMissingParameter    Code = "missing_parameter"
	CodeInvalidParameter    Code = "invalid_parameter"
	CodeUnknownParameter    Code = "unknown_parameter"
	CodeForbiddenOverride   Code = "forbidden_override"
	CodeAppendMisconfigured Code = "append_misconfigured"
	CodeCircularDependency  Code = "circular_dependency"
	CodeRouteExecutionError Code = "route_execution_error"
	CodePreprocessError     Code = "preprocess_error"
	CodeCacheCorrupted      Code = "cache_corrupted"
	CodeInvalidToken        Code = "invalid_token"
	CodeShareExpired        Code = "share_expired"
	CodeShareUsed           Code = "share_used"
	CodeUserAgentMismatch   Code = "user_agent_mismatch"
	CodeIPPrefixMismatch    Code = "ip_prefix_mismatch"
	CodeNotAuthenticated    Code = "not_authenticated"

	// CodeCallableResolutionError is raised at compile time when a
	// preprocess entry's callable reference is malformed or ambiguous.
	CodeCallableResolutionError Code = "callable_resolution_error"
	// CodeRouteCompilationError wraps any other terminal compile failure.
	CodeRouteCompilationError Code = "route_compilation_error"
)

var codeKinds = map[Code]Kind{
	CodeMissingParameter:        KindUser,
	CodeInvalidParameter:        KindUser,
	CodeUnknownParameter:        KindData,
	CodeForbiddenOverride:       KindUser,
	CodeAppendMisconfigured:     KindSystem,
	CodeCircularDependency:      KindSystem,
	CodeRouteExecutionError:     KindData,
	CodePreprocessError:         KindData,
	CodeCacheCorrupted:          KindSystem,
	CodeInvalidToken:            KindUser,
	CodeShareExpired:            KindUser,
	CodeShareUsed:               KindUser,
	CodeUserAgentMismatch:       KindUser,
	CodeIPPrefixMismatch:        KindUser,
	CodeNotAuthenticated:        KindUser,
	CodeCallableResolutionError: KindSystem,
	CodeRouteCompilationError:   KindSystem,
}

// Error is the engine's tagged error enum. It wraps an underlying cause
// (when present) with a stable Code and the Code's propagation Kind.
type Error struct {
	Code  Code
	Kind  Kind
	Param string // populated for parameter-scoped errors
	cause error
}

func (e *Error) Error() string {
	if e.Param != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %s", e.Code, e.Param, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Param)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.cause)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error for Code whose cause is the plain message msg,
// with no captured stack.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Kind: kindFor(code), cause: fmt.Errorf("%s", msg)}
}

// Wrap creates an Error for Code wrapping cause. System-kind codes capture a
// stack trace via cockroachdb/errors for internal diagnostics; user/data
// kinds do not, since their messages propagate to the caller as-is.
func Wrap(code Code, cause error) *Error {
	kind := kindFor(code)
	if kind == KindSystem {
		cause = errors.WithStack(cause)
	}
	return &Error{Code: code, Kind: kind, cause: cause}
}

// WrapParam creates a parameter-scoped Error (missing_parameter,
// invalid_parameter, unknown_parameter).
func WrapParam(code Code, param string, cause error) *Error {
	e := Wrap(code, cause)
	e.Param = param
	return e
}

func kindFor(code Code) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindSystem
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// CodeOf returns the Code of err if it is (or wraps) an *Error, else "".
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}
