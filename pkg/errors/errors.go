// Package errors implements the error taxonomy of spec §7 and the
// Error & Retry Classifier of spec §4.8. Grounded on the teacher's
// commands/errors.go: go-errors/errors gives attach-time failures a stack
// trace, xerrors.Frame gives per-Kind errors a formattable origin point.
package errors

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind is the §7 taxonomy: Attach, Permission, VersionUnknown,
// LayoutMismatch, MemoryRead, Torn, TargetGone, NativeUnwind, Cancelled,
// Internal.
type Kind int

const (
	Internal Kind = iota
	Attach
	Permission
	VersionUnknown
	LayoutMismatch
	MemoryRead
	Torn
	TargetGone
	NativeUnwind
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Attach:
		return "Attach"
	case Permission:
		return "Permission"
	case VersionUnknown:
		return "VersionUnknown"
	case LayoutMismatch:
		return "LayoutMismatch"
	case MemoryRead:
		return "MemoryRead"
	case Torn:
		return "Torn"
	case TargetGone:
		return "TargetGone"
	case NativeUnwind:
		return "NativeUnwind"
	case Cancelled:
		return "Cancelled"
	default:
		return "Internal"
	}
}

// TypedError carries a Kind so calling code can switch on error class
// without matching strings, adapted from the teacher's ComplexError.
type TypedError struct {
	Kind    Kind
	Message string
	frame   xerrors.Frame
}

// New builds a TypedError capturing the caller's frame.
func New(kind Kind, message string) *TypedError {
	return &TypedError{Kind: kind, Message: message, frame: xerrors.Caller(1)}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...interface{}) *TypedError {
	return &TypedError{Kind: kind, Message: fmt.Sprintf(format, args...), frame: xerrors.Caller(1)}
}

func (e *TypedError) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Kind, e.Message)
	e.frame.Format(p)
	return nil
}

func (e *TypedError) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e *TypedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *TypedError, else Internal.
func KindOf(err error) Kind {
	var typed *TypedError
	if xerrors.As(err, &typed) {
		return typed.Kind
	}
	return Internal
}

// Is reports whether err's Kind is kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// WrapFatal wraps err for the sake of showing a stack trace at the top
// level. go-errors, for some reason, does not return nil when asked to wrap
// a non-error, so we guard that here as the teacher does.
func WrapFatal(err error) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 0)
}

// Action is the §4.8 classifier's verdict for a single failure.
type Action int

const (
	// ActionSkip absorbs the failure at whatever granularity it occurred
	// (frame/thread) and continues.
	ActionSkip Action = iota
	// ActionRetryInPlace retries the same operation once, for transient
	// EAGAIN/spurious-EIO style failures.
	ActionRetryInPlace
	// ActionRelocate drops the current sample and forces Locator to run
	// again on the next tick.
	ActionRelocate
	// ActionAbort is fatal: attach failures and permission failures never
	// retry.
	ActionAbort
	// ActionTerminate ends the Sampling Loop cleanly (target vanished).
	ActionTerminate
)

// Classify maps a raw error (by Kind) to the §4.8/§7 action table.
func Classify(err error) Action {
	switch KindOf(err) {
	case MemoryRead:
		return ActionRetryInPlace
	case Torn, LayoutMismatch:
		return ActionRelocate
	case Attach, Permission, VersionUnknown:
		return ActionAbort
	case TargetGone:
		return ActionTerminate
	case Cancelled:
		return ActionTerminate
	default:
		return ActionSkip
	}
}

// RetryClassifier counts repeated layout disagreements and decides when
// they cross the §4.8 "repeated >= N times" fatal threshold.
type RetryClassifier struct {
	limit int
	count int
}

// NewRetryClassifier builds a classifier that goes fatal after limit
// consecutive layout mismatches.
func NewRetryClassifier(limit int) *RetryClassifier {
	if limit <= 0 {
		limit = 1
	}
	return &RetryClassifier{limit: limit}
}

// Observe records the outcome of one tick. ok=false for a structural
// mismatch; ok=true resets the streak. It returns true once the mismatch
// streak has reached the configured limit, meaning the caller should treat
// this as fatal rather than re-locating again.
func (c *RetryClassifier) Observe(ok bool) bool {
	if ok {
		c.count = 0
		return false
	}
	c.count++
	return c.count >= c.limit
}

// Count returns the current consecutive-mismatch streak.
func (c *RetryClassifier) Count() int {
	return c.count
}
