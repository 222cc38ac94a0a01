package runlevel

import (
	"errors"
	"fmt"
)

// Kind classifies a failed graph operation.
type Kind int

const (
	// KindValidation covers nonexistent runlevels/services, self stacking,
	// protected runlevels and cycles.
	KindValidation Kind = iota + 1
	// KindNotFound means the membership or stack edge to remove does not exist.
	KindNotFound
	// KindSystem wraps I/O and permission failures.
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

var (
	// ErrServiceNotFound is reported by a Catalog for an unknown service.
	ErrServiceNotFound = errors.New("service does not exist")
	// ErrNotExecutable is reported by a Catalog when the service script lacks the executable bit.
	ErrNotExecutable = errors.New("service is not executable")
)

// Error is returned by every failing Manager operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error renders the message; the cause is appended only for system errors,
// mirroring strerror output of the underlying failure.
func (e *Error) Error() string {
	if e.Kind == KindSystem && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
