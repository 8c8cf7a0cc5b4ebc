// Package kerrors defines the small closed set of discriminated failure
// kinds the core surfaces to callers. None of them are panics — a panic
// in this module means a structural invariant was violated (a bucket bit
// set with an empty bucket, for instance), not a recoverable runtime
// condition.
package kerrors

import "fmt"

// Kind discriminates the failure kinds.
type Kind int

const (
	InvalidParameter Kind = iota
	InvalidThreadID
	InvalidPriorityClassOrDelta
	NotFrozen
	CritSecUnderflow
	OutOfMemory
	APTimeout
	APICTimeout
	TopologyInconsistent
)

func (k Kind) String() string {
	switch k {
	case InvalidParameter:
		return "InvalidParameter"
	case InvalidThreadID:
		return "InvalidThreadID"
	case InvalidPriorityClassOrDelta:
		return "InvalidPriorityClassOrDelta"
	case NotFrozen:
		return "NotFrozen"
	case CritSecUnderflow:
		return "CritSecUnderflow"
	case OutOfMemory:
		return "OutOfMemory"
	case APTimeout:
		return "APTimeout"
	case APICTimeout:
		return "APICTimeout"
	case TopologyInconsistent:
		return "TopologyInconsistent"
	default:
		return "Unknown"
	}
}

// Error is the core's error type: a Kind plus enough context to debug
// without re-deriving state (thread id, CPU id, etc. go in Detail).
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// New constructs an *Error with a formatted detail message.
func New(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Detail: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a kerrors.Error of the given Kind, so callers
// can branch on policy (return-to-caller vs. mark-offline-and-continue vs.
// abort-boot) without type-asserting by hand.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == k
}
