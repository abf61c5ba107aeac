// Package consensuserrors defines the error taxonomy used across the
// consensus core: every fallible path returns an error tagged with one
// of these kinds rather than an ad-hoc string, so callers can branch on
// Kind instead of substring-matching messages.
package consensuserrors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	// IllegalState: wrong lifecycle or role; surfaced to callers, never
	// retried internally.
	KindIllegalState
	// Corruption: log-matching or sequence violation; fatal to the
	// current role.
	KindCorruption
	// NotFound: tablet or peer missing.
	KindNotFound
	// TimedOut: RPC, lease, or condition-variable waits; retried higher up.
	KindTimedOut
	// ServiceUnavailable: backpressure; caller should retry later.
	KindServiceUnavailable
	// InvalidArgument: malformed ChangeConfig/RequestVote arguments.
	KindInvalidArgument
	// Aborted: pending operation cancelled by term change or shutdown.
	KindAborted
	// RemoteError: transport/application error from a peer; does not by
	// itself imply the peer's responsiveness cursor should reset.
	KindRemoteError
)

func (k Kind) String() string {
	switch k {
	case KindIllegalState:
		return "IllegalState"
	case KindCorruption:
		return "Corruption"
	case KindNotFound:
		return "NotFound"
	case KindTimedOut:
		return "TimedOut"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindAborted:
		return "Aborted"
	case KindRemoteError:
		return "RemoteError"
	default:
		return "Unknown"
	}
}

type consensusError struct {
	kind Kind
	err  error
}

func (e *consensusError) Error() string { return e.err.Error() }
func (e *consensusError) Unwrap() error { return e.err }

// New creates a new Kind-tagged error with a stack trace attached via
// pkg/errors.
func New(kind Kind, format string, args ...any) error {
	return &consensusError{kind: kind, err: pkgerrors.New(fmt.Sprintf(format, args...))}
}

// Wrap tags an existing error with a Kind while preserving its stack via
// pkg/errors.Wrap.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &consensusError{kind: kind, err: pkgerrors.Wrap(err, msg)}
}

// KindOf extracts the Kind of err, walking Unwrap chains; returns
// KindUnknown if err (or nothing in its chain) was produced by this package.
func KindOf(err error) Kind {
	var ce *consensusError
	if errors.As(err, &ce) {
		return ce.kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

var (
	ErrIllegalState       = New(KindIllegalState, "illegal state")
	ErrCorruption         = New(KindCorruption, "log corruption")
	ErrNotFound           = New(KindNotFound, "not found")
	ErrTimedOut           = New(KindTimedOut, "timed out")
	ErrServiceUnavailable = New(KindServiceUnavailable, "service unavailable")
	ErrInvalidArgument    = New(KindInvalidArgument, "invalid argument")
	ErrAborted            = New(KindAborted, "aborted")
)
