package protocol

import (
	"errors"
	"strconv"
)

var (
	// ErrConnectionUnavailable is returned by a send attempted on a session
	// that is closed with no reconnect policy.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrBackpressureExceeded is returned when the outbound queue bound is
	// exceeded while the session is not open.
	ErrBackpressureExceeded = errors.New("outbound queue bound exceeded")
)

// DecodeError wraps a malformed envelope. The session reports it and keeps
// the connection alive.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return "failed to decode envelope: " + e.Cause.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// UnknownActionError marks a well-formed envelope carrying an action outside
// the protocol vocabulary. It is reported to the sender only.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return "unknown action " + strconv.Quote(e.Action)
}

// UnknownFieldError marks an updateByIds change set naming a field outside
// the item schema. Treated the same way as an unknown action: rejected
// before it can reach the record store.
type UnknownFieldError struct {
	Field string
}

func (e *UnknownFieldError) Error() string {
	return "unknown field " + strconv.Quote(e.Field) + " in changes"
}

// StoreError wraps a record store failure. No broadcast follows one of these.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return "store " + e.Op + " failed: " + e.Cause.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}
