package device

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Error classes. Classify with errors.Is.
var (
	// ErrConfiguration marks bad or missing parameters. Not retryable.
	ErrConfiguration = stderrors.New("configuration error")
	// ErrConnection marks an unreachable device. The caller may retry Connect.
	ErrConnection = stderrors.New("connection error")
	// ErrTransientIO marks a single failed read or write.
	ErrTransientIO = stderrors.New("transient i/o error")
	// ErrNotConnected is returned by operations that need a live handle.
	ErrNotConnected = stderrors.New("not connected")
)

// Error carries an error class, the device it concerns and the cause.
type Error struct {
	Kind   error
	Device string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Device != "" {
		s = e.Device + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ConfigError returns an ErrConfiguration error with a stack trace.
func ConfigError(dev, format string, args ...any) error {
	return errors.WithStack(&Error{Kind: ErrConfiguration, Device: dev, Msg: fmt.Sprintf(format, args...)})
}

// ConnectionError wraps cause as an ErrConnection error with a stack trace.
func ConnectionError(dev string, cause error) error {
	return errors.WithStack(&Error{Kind: ErrConnection, Device: dev, Err: cause})
}

// TransientError wraps cause as an ErrTransientIO error.
func TransientError(dev string, cause error) error {
	return &Error{Kind: ErrTransientIO, Device: dev, Err: cause}
}

// IsRetryable reports whether a failed Connect may succeed when repeated.
func IsRetryable(err error) bool {
	return stderrors.Is(err, ErrConnection) || stderrors.Is(err, ErrTransientIO)
}
