package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Error codes shared by the agency packages. Callers switch on the code, not
// on the message, to decide whether an operation may be retried.
const (
	EInternal     = "internal error"
	ENotFound     = "not found"
	EConflict     = "conflict" // action cannot be performed
	EInvalid      = "invalid"  // validation failed
	EUnavailable  = "unavailable"
	ENotLeader    = "not leader"         // write sent to a node that does not lead
	ETimeout      = "cluster timeout"    // outcome of the operation is unknown
	ECompacted    = "compacted index"    // requested index precedes the log boundary
	EDivergent    = "divergence"         // replicas disagree, repair is required
	ECorrupt      = "corrupt state"      // local state cannot be reconciled
	EPrecondition = "precondition failed" // transaction precondition did not hold
)

// Error is the error struct used throughout the agency.
//
// The Code targets automated handlers so that recovery can occur.
// Msg is used by the system operator to help diagnose and fix the problem.
// Op and Err chain errors together in a logical stack trace to
// further help operators.
//
// To create a simple error,
//
//	&Error{
//	    Code: ENotLeader,
//	}
//
// To show where the error happens, add Op.
//
//	&Error{
//	    Code: ENotLeader,
//	    Op:   "raft.Write",
//	}
//
// To show an error wrapped with another error.
//
//	&Error{
//	    Code: EInternal,
//	    Err:  err,
//	}.
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error carrying the same code. Sentinel
// errors declared with only a code can be matched with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// ErrorCode returns the first code found along the chain of err. Errors
// that carry no code are reported as EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if code, ok := lookup(err, func(e *Error) string { return e.Code }); ok {
		return code
	}
	return EInternal
}

// ErrorOp returns the first op found along the chain of err.
func ErrorOp(err error) string {
	op, _ := lookup(err, func(e *Error) string { return e.Op })
	return op
}

// ErrorMessage returns the first operator message found along the chain of
// err, or a generic message when there is none.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := lookup(err, func(e *Error) string { return e.Msg }); ok {
		return msg
	}
	return "An internal error has occurred."
}

// lookup walks the *Error values wrapped by err and returns the first
// non-empty field selected by get.
func lookup(err error, get func(*Error) string) (string, bool) {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) || e == nil {
			return "", false
		}
		if v := get(e); v != "" {
			return v, true
		}
		err = e.Err
	}
	return "", false
}

// Retryable reports whether the caller may retry the operation, ideally with
// the same client id so a write that did happen is recognized.
func Retryable(err error) bool {
	switch ErrorCode(err) {
	case ENotLeader, ETimeout, EUnavailable:
		return true
	}
	return false
}

// jsonError is the wire form of an Error. Err holds either a nested error
// object or the message of a foreign error.
type jsonError struct {
	Code string          `json:"code"`
	Msg  string          `json:"message,omitempty"`
	Op   string          `json:"op,omitempty"`
	Err  json.RawMessage `json:"error,omitempty"`
}

// MarshalJSON encodes the error chain. Errors other than *Error are reduced
// to their message.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := jsonError{Code: e.Code, Msg: e.Msg, Op: e.Op}
	if e.Err != nil {
		var (
			inner []byte
			err   error
		)
		if ie, ok := e.Err.(*Error); ok {
			inner, err = ie.MarshalJSON()
		} else {
			inner, err = json.Marshal(e.Err.Error())
		}
		if err != nil {
			return nil, err
		}
		out.Err = inner
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an error chain written by MarshalJSON.
func (e *Error) UnmarshalJSON(b []byte) error {
	var in jsonError
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*e = Error{Code: in.Code, Msg: in.Msg, Op: in.Op}
	if len(in.Err) == 0 || string(in.Err) == "null" {
		return nil
	}

	if in.Err[0] == '"' {
		var msg string
		if err := json.Unmarshal(in.Err, &msg); err != nil {
			return err
		}
		e.Err = errors.New(msg)
		return nil
	}
	inner := new(Error)
	if err := inner.UnmarshalJSON(in.Err); err != nil {
		return err
	}
	e.Err = inner
	return nil
}
