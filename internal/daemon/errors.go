package daemon

import (
	"errors"
	"fmt"
)

// ExitAlreadyRunning is the process exit status when another daemon owns the
// socket address.
const ExitAlreadyRunning = 3

// StartupKind classifies startup failures.
type StartupKind int

const (
	AlreadyRunning StartupKind = iota + 1
	BindFailure
	DirectoryCreateFailure
)

func (k StartupKind) String() string {
	switch k {
	case AlreadyRunning:
		return "already_running"
	case BindFailure:
		return "bind_failure"
	case DirectoryCreateFailure:
		return "directory_create_failure"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning matches any StartupError of kind AlreadyRunning.
var ErrAlreadyRunning = errors.New("server already running")

// StartupError rejects Start.
type StartupError struct {
	Kind   StartupKind
	Socket string
	Err    error
}

func (e *StartupError) Error() string {
	switch e.Kind {
	case AlreadyRunning:
		return fmt.Sprintf("server already running on socket %s", e.Socket)
	case BindFailure:
		return fmt.Sprintf("listen on socket %s: %v", e.Socket, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *StartupError) Unwrap() error { return e.Err }

// Is reports AlreadyRunning errors as ErrAlreadyRunning.
func (e *StartupError) Is(target error) bool {
	return target == ErrAlreadyRunning && e.Kind == AlreadyRunning
}

// IsAlreadyRunning reports whether err is an AlreadyRunning startup error.
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, ErrAlreadyRunning)
}

// RequestKind classifies per-connection failures.
type RequestKind int

const (
	BadPayload RequestKind = iota + 1
	MissingSourceFile
	ConfigResolutionFailure
	TransformFailure
)

func (k RequestKind) String() string {
	switch k {
	case BadPayload:
		return "bad_payload"
	case MissingSourceFile:
		return "missing_source_file"
	case ConfigResolutionFailure:
		return "config_resolution_failure"
	case TransformFailure:
		return "transform_failure"
	default:
		return "unknown"
	}
}

// RequestError ends one connection with an empty response.
type RequestError struct {
	Kind   RequestKind
	Source string
	Err    error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

func requestError(kind RequestKind, source string, err error) *RequestError {
	return &RequestError{Kind: kind, Source: source, Err: err}
}
