package lifecycle

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("cause")
	tests := []struct {
		err  *Error
		is   []error
		isnt []error
		msg  string
	}{
		{
			err:  NewError(KindVerification, "p/A", cause, "%s", "p/A"),
			is:   []error{ErrVerification, ErrLinkage, cause},
			isnt: []error{ErrNoClassDefFound},
			msg:  "java.lang.VerifyError: p/A: cause",
		},
		{
			err:  NewError(KindNoClassDefFound, "p/B", nil, "Could not initialize class %s", "p/B"),
			is:   []error{ErrNoClassDefFound, ErrLinkage},
			isnt: []error{ErrExceptionInInitializer, ErrClassCircularity},
			msg:  "java.lang.NoClassDefFoundError: Could not initialize class p/B",
		},
		{
			err:  NewError(KindLinkage, "p/C", nil, "plain"),
			is:   []error{ErrLinkage},
			isnt: []error{ErrVerification},
			msg:  "java.lang.LinkageError: plain",
		},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if tt.err.Error() != tt.msg {
				t.Errorf("Error() = %q", tt.err.Error())
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			for _, target := range tt.is {
				if !errors.Is(wrapped, target) {
					t.Errorf("not Is %v", target)
				}
			}
			for _, target := range tt.isnt {
				if errors.Is(wrapped, target) {
					t.Errorf("unexpectedly Is %v", target)
				}
			}
			if !IsErrorCategory(wrapped) {
				t.Error("linkage errors are Error category")
			}
		})
	}
	if IsErrorCategory(cause) {
		t.Error("plain error is Error category")
	}
	if errors.Is(ErrLinkage, ErrVerification) {
		t.Error("sentinels match each other by kind")
	}
}
