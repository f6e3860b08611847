// Package perr classifies the error kinds a PBFT replica can produce.
// Protocol-rejection and transport errors are recovered locally (logged,
// offending item dropped), configuration errors are fatal at startup,
// internal invariant violations are logged at warning and otherwise ignored.
package perr

import "fmt"

// Kind categorizes an error for the caller's recovery policy.
type Kind int

const (
	// Protocol is a Byzantine-tolerant rejection: the sender is not
	// disconnected, the message is simply dropped.
	Protocol Kind = iota
	// Transport is a framing/I-O failure. The substream terminates;
	// consensus state is unaffected.
	Transport
	// Config is a fatal startup error (exit code 1).
	Config
	// Internal is an invariant violation recovered by dropping the
	// offending work item (logged at warning, never fatal).
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol-rejection"
	case Transport:
		return "transport"
	case Config:
		return "configuration"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a named error kind with a stable Name used for log lines and
// tests (e.g. "BadDigest", "WrongView").
type Error struct {
	Kind Kind
	Name string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Name, e.Msg)
}

func New(kind Kind, name, msg string) *Error {
	return &Error{Kind: kind, Name: name, Msg: msg}
}

func Newf(kind Kind, name, format string, args ...interface{}) *Error {
	return New(kind, name, fmt.Sprintf(format, args...))
}

// Named protocol-rejection errors.
var (
	ErrBadDigest             = New(Protocol, "BadDigest", "")
	ErrWrongView             = New(Protocol, "WrongView", "")
	ErrConflictingPrePrepare = New(Protocol, "ConflictingPrePrepare", "")
	ErrEquivocation          = New(Protocol, "Equivocation", "")
	ErrOutOfWatermark        = New(Protocol, "OutOfWatermark", "")
)

// Named transport errors.
var (
	ErrMalformedFrame    = New(Transport, "MalformedFrame", "")
	ErrMalformedPayload  = New(Transport, "MalformedPayload", "")
	ErrUnexpectedVariant = New(Transport, "UnexpectedVariant", "")
	ErrResponseTimeout   = New(Transport, "ResponseTimeout", "")
)

// Named internal errors.
var (
	ErrUnknownConnectionID = New(Internal, "UnknownConnectionID", "")
)

// Is reports whether err is a *Error with the same Name as target.
func Is(err error, target *Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Name == target.Name
}
