package lifecycle

import (
	"errors"
	"fmt"

	"github.com/daimatz/linkvm/pkg/rewriter"
)

// Kind classifies a linkage failure the way the Java LinkageError hierarchy
// does.
type Kind int

const (
	KindLinkage Kind = iota
	KindVerification
	KindIncompatibleClassChange
	KindNoClassDefFound
	KindExceptionInInitializer
	KindClassCircularity
)

var kindNames = [...]string{
	KindLinkage:                 "java.lang.LinkageError",
	KindVerification:            "java.lang.VerifyError",
	KindIncompatibleClassChange: "java.lang.IncompatibleClassChangeError",
	KindNoClassDefFound:         "java.lang.NoClassDefFoundError",
	KindExceptionInInitializer:  "java.lang.ExceptionInInitializerError",
	KindClassCircularity:        "java.lang.ClassCircularityError",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a failure raised by linking or initialization.
type Error struct {
	Kind  Kind
	Class string
	Msg   string
	Cause error

	sentinel bool
}

// Sentinels for errors.Is. Every Error matches ErrLinkage.
var (
	ErrLinkage                 = &Error{Kind: KindLinkage, sentinel: true}
	ErrVerification            = &Error{Kind: KindVerification, sentinel: true}
	ErrIncompatibleClassChange = &Error{Kind: KindIncompatibleClassChange, sentinel: true}
	ErrNoClassDefFound         = &Error{Kind: KindNoClassDefFound, sentinel: true}
	ErrExceptionInInitializer  = &Error{Kind: KindExceptionInInitializer, sentinel: true}
	ErrClassCircularity        = &Error{Kind: KindClassCircularity, sentinel: true}
)

// NewError returns an Error of the given kind for class.
func NewError(kind Kind, class string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Class: class, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.sentinel {
		return e.Kind.String()
	}
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == KindLinkage || t.Kind == e.Kind
}

// IsError reports that linkage failures are Errors, not Exceptions: they
// pass through static initializers unwrapped.
func (e *Error) IsError() bool { return true }

// IsErrorCategory reports whether err, or an error it wraps, declares itself
// an Error through an IsError method.
func IsErrorCategory(err error) bool {
	var e interface{ IsError() bool }
	return errors.As(err, &e) && e.IsError()
}

// classifyRewriteError maps a rewriter failure to the error a linking
// thread sees.
func classifyRewriteError(k string, err error) *Error {
	if errors.Is(err, rewriter.ErrLocalZeroOverwritten) {
		return NewError(KindIncompatibleClassChange, k, err, "%s", k)
	}
	return NewError(KindLinkage, k, err, "rewriting %s", k)
}
