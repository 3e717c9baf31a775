// Package agenterr defines the error taxonomy shared by the wire, transport
// and session layers.
//
// Every error that crosses a package boundary carries one of five kinds so
// callers can tell a failed turn from a dead session without string matching:
//
//   - KindTransport: spawn failure, unexpected exit, broken pipes. Fatal to the session.
//   - KindProtocol:  malformed envelopes, id collisions. Fails the active turn only.
//   - KindVersion:   the agent reports a version below the configured minimum.
//   - KindState:     a second turn while one is active, double approval resolution.
//   - KindCancelled: the consumer of a cancelled turn.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindVersion
	KindState
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindVersion:
		return "version_low"
	case KindState:
		return "state"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && Kind(k) == e.Kind
}

// kindSentinel lets errors.Is(err, agenterr.Transport) match any error of that kind.
type kindSentinel Kind

func (k kindSentinel) Error() string { return Kind(k).String() }

// Kind sentinels for errors.Is.
var (
	Transport error = kindSentinel(KindTransport)
	Protocol  error = kindSentinel(KindProtocol)
	Version   error = kindSentinel(KindVersion)
	State     error = kindSentinel(KindState)
	Cancelled error = kindSentinel(KindCancelled)
)

// Sentinel errors for common conditions.
var (
	// ErrCancelled is returned by Turn.Next after the turn was cancelled.
	ErrCancelled = New(KindCancelled, "", errors.New("turn cancelled"))

	// ErrTurnActive is returned when a prompt is issued while a turn is active.
	ErrTurnActive = New(KindState, "", errors.New("a turn is already active"))

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = New(KindState, "", errors.New("session is closed"))

	// ErrNotReady is returned for operations on a session that was never opened.
	ErrNotReady = New(KindState, "", errors.New("session is not ready"))

	// ErrAlreadyResolved is returned when an approval request is resolved twice.
	ErrAlreadyResolved = New(KindState, "", errors.New("approval request already resolved"))

	// ErrUnknownApproval is returned when resolving an id the gate never saw.
	ErrUnknownApproval = New(KindState, "", errors.New("unknown approval request"))

	// ErrVersionLow matches any failed version gate.
	ErrVersionLow = New(KindVersion, "", errors.New("version below minimum"))

	// ErrProcessExited is returned when the agent process exits unexpectedly.
	ErrProcessExited = New(KindTransport, "", errors.New("agent process exited"))

	// ErrConnClosed is returned for calls on a closed connection.
	ErrConnClosed = New(KindTransport, "", errors.New("connection closed"))
)

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies err under op. A nil err returns nil. An err that is
// already classified keeps its kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Op: op, Err: err}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a classified error.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsSessionFatal reports whether err means the whole session died rather
// than a single turn failing.
func IsSessionFatal(err error) bool {
	return KindOf(err) == KindTransport
}

// VersionError carries the detail of a failed version gate.
type VersionError struct {
	Component string
	Have      string
	Min       string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s version %s is below required minimum %s", e.Component, e.Have, e.Min)
}

// Is makes errors.Is(err, agenterr.Version) hold for a bare VersionError.
func (e *VersionError) Is(target error) bool {
	return target == Version || target == ErrVersionLow
}

// RemoteError is a JSON-RPC error returned by the agent.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// PromptValidationError reports an invalid one-shot prompt configuration.
type PromptValidationError struct {
	Reason string
}

func (e *PromptValidationError) Error() string {
	return "invalid prompt configuration: " + e.Reason
}
