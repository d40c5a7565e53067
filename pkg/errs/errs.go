// Package errs defines the error taxonomy shared across the supervisor,
// worker, and control plane, so a single value can flow from an internal
// failure straight to a stop_reason or an HTTP status.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one category from the error taxonomy.
type Kind string

const (
	TransientIO      Kind = "TransientIo"
	UpstreamHTTP     Kind = "UpstreamHttp"
	AuthRequired     Kind = "AuthRequired"
	ConfigInvalid    Kind = "ConfigInvalid"
	BudgetExceeded   Kind = "BudgetExceeded"
	ScheduleClosed   Kind = "ScheduleClosed"
	ProcessDead      Kind = "ProcessDead"
	HeartbeatTimeout Kind = "HeartbeatTimeout"
	Unhandled        Kind = "Unhandled"
)

// Error carries a taxonomy Kind plus the slot and reason context needed to
// turn a failure directly into a stop_reason or an HTTP response.
type Error struct {
	Kind   Kind
	SlotID string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, slotID, reason string, err error) *Error {
	return &Error{Kind: kind, SlotID: slotID, Reason: reason, Err: err}
}

// KindOf extracts the Kind from err, if any wrapped Error carries one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
