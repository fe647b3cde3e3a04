package sensor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed session, registry or discovery operation.
type ErrorKind string

const (
	IllegalState     ErrorKind = "illegal_state"
	Busy             ErrorKind = "busy"
	PermissionDenied ErrorKind = "permission_denied"
	TransportFailure ErrorKind = "transport_failure"
	Unknown          ErrorKind = "unknown"
)

// Error is returned by every operation in this package.
type Error struct {
	Kind    ErrorKind
	Op      string // operation name, e.g. "start_data_notification"
	Address string // device address, empty for adapter-wide operations
	Msg     string
	Err     error // underlying transport error, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Address != "" {
		s = fmt.Sprintf("%s [%s]", s, e.Address)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Predefined sentinel errors, one per kind
var (
	ErrIllegalState     = &Error{Kind: IllegalState}
	ErrBusy             = &Error{Kind: Busy}
	ErrPermissionDenied = &Error{Kind: PermissionDenied}
	ErrTransportFailure = &Error{Kind: TransportFailure}
	ErrUnknown          = &Error{Kind: Unknown}
)

// IsKind reports whether err is an Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, Unknown for foreign errors and "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return Unknown
}

func illegalState(op, addr string, state ConnectionState) error {
	return &Error{Kind: IllegalState, Op: op, Address: addr, Msg: "not allowed in state " + state.String()}
}

func busy(op, addr string) error {
	return &Error{Kind: Busy, Op: op, Address: addr, Msg: "operation already in progress"}
}

// transportFailure wraps a gateway error. Errors that already carry a kind keep it.
func transportFailure(op, addr string, err error) error {
	var serr *Error
	if errors.As(err, &serr) {
		return err
	}
	return &Error{Kind: TransportFailure, Op: op, Address: addr, Err: err}
}
