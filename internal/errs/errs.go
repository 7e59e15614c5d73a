// Package errs defines the typed error taxonomy shared by every component
// of the creator node's replication subsystem. Expected failures surface as
// a *Error carrying one of the Kind constants below; programmer errors
// (invariant violations) should panic instead and let the nearest job
// boundary convert them to a failed status.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Kind tags an expected, recoverable (or terminally fatal-for-the-job)
// failure mode. Callers switch on Kind, never on error strings.
type Kind string

const (
	// ExportInvalid is returned when a peer's /export response is
	// malformed or the HTTP call itself failed. Snapback retries at the
	// next tick.
	ExportInvalid Kind = "ExportInvalid"
	// ExportRegression means a peer reported a lower clock than the
	// local state. Fatal for the sync job; never retried.
	ExportRegression Kind = "ExportRegression"
	// ExportNonContiguous means the export's clock records do not begin
	// at local_clock+1. Fatal for the job; flags the primary for
	// operator review.
	ExportNonContiguous Kind = "ExportNonContiguous"
	// ContentFetchFailed means one or more CIDs failed to fetch and the
	// per-user failure count has not yet crossed the skip threshold.
	ContentFetchFailed Kind = "ContentFetchFailed"
	// SyncInProgress means the per-user lock is already held.
	SyncInProgress Kind = "SyncInProgress"
	// CommitFailed means the database transaction rolled back.
	CommitFailed Kind = "CommitFailed"
	// ClockGap means a concurrent writer raced the clock forward before
	// this append could complete.
	ClockGap Kind = "ClockGap"
	// BootstrapPending means the operation needs an sp_id that identity
	// bootstrap has not yet acquired.
	BootstrapPending Kind = "BootstrapPending"
	// ConstraintViolation means a duplicate primary key or other
	// constraint was violated by an append.
	ConstraintViolation Kind = "ConstraintViolation"
	// NotAPeer means the caller is not in the user's current replica
	// set and may not read or write the user's state.
	NotAPeer Kind = "NotAPeer"
)

// Error wraps an underlying cause with a stable Kind so HTTP handlers and
// retry policies can branch on it without string matching.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		// e.err already carries msg (New and Wrap both build it from msg).
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New creates a *Error of the given kind with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: errors.Newf("%s", msg)}
}

// Wrap annotates err with kind and msg, preserving the original error in
// the chain so errors.Is/As and stack traces keep working.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: errors.Wrap(err, msg)}
}

// Of reports whether err (or something it wraps) is a *Error of kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
