// Package errs defines escrowd's closed set of error kinds (spec §7) as
// sentinel values, in the style of channeldb's error.go: a flat list of
// named errors rather than ad-hoc fmt.Errorf calls scattered through the
// subsystems. Kinds that cross a process boundary (admin alerts) are
// wrapped with go-errors/errors to keep a stack trace.
package errs

import (
	stderrors "errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies an escrowd error per spec §7's policy table.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindServiceUnavailable     Kind = "service_unavailable"
	KindRPC                    Kind = "rpc"
	KindBroadcastFailed        Kind = "broadcast_failed"
	KindPartialPipelineFailure Kind = "partial_pipeline_failure"
	KindInvariantViolation     Kind = "invariant_violation"
)

// Error is the concrete type every escrowd error kind is represented as.
// UserMessage is the short localized string that may be shown verbatim;
// everything else is internal detail and an incident id, per §7's
// "internal errors are never echoed verbatim" rule.
type Error struct {
	Kind        Kind
	UserMessage string
	IncidentID  string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.UserMessage)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind.
func New(kind Kind, userMessage string, cause error) *Error {
	return &Error{Kind: kind, UserMessage: userMessage, cause: cause}
}

// Validationf builds a KindValidation error with a formatted message and
// no state change, per §7.
func Validationf(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...), nil)
}

// InvalidTransition builds a KindInvalidStateTransition error. Per §7 this
// kind indicates an internal bug or a lost race: no state change occurs.
// The callers in this module return it as-is; no audit row is written for
// the rejected transition.
func InvalidTransition(from, to fmt.Stringer) *Error {
	return New(KindInvalidStateTransition,
		"this action is not available for the deal right now",
		fmt.Errorf("illegal transition %s -> %s", from, to))
}

// ServiceUnavailable builds a KindServiceUnavailable error, the kind a
// tripped circuit breaker returns (§4.7, §7): callers fail fast without
// touching the network.
func ServiceUnavailable(service string) *Error {
	return New(KindServiceUnavailable,
		"try again later",
		fmt.Errorf("circuit breaker open for %s", service))
}

// RPC wraps a transient RPC failure. It counts toward the circuit
// breaker's failure window (§7).
func RPC(service string, cause error) *Error {
	return New(KindRPC, "try again later", fmt.Errorf("%s: %w", service, cause))
}

// BroadcastFailed wraps a step-2 payout broadcast failure (§4.6, §7): the
// pipeline must abort, clear pendingKeyValidation, and alert admins.
func BroadcastFailed(cause error) *Error {
	return New(KindBroadcastFailed,
		"the payout could not be sent, please try again",
		goerrors.Wrap(cause, 1))
}

// PartialPipelineFailure wraps a step-3/4 payout failure that must not
// roll back an already-successful recipient payout (§4.6, §7).
func PartialPipelineFailure(cause error) *Error {
	return New(KindPartialPipelineFailure,
		"",
		goerrors.Wrap(cause, 1))
}

// InvariantViolation wraps a detected invariant breach (e.g. negative
// refund after commission, §9 open question 2). No automatic recovery is
// attempted; the deal is flagged for admin attention instead.
func InvariantViolation(cause error) *Error {
	return New(KindInvariantViolation,
		"",
		goerrors.Wrap(cause, 1))
}

// As is a thin re-export of errors.As so callers need only import this
// package when classifying kinds.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
