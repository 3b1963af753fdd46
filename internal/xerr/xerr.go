// Package xerr has the error wrappers shared by the onionshare packages.
package xerr

import (
	"fmt"

	"golang.org/x/xerrors"
)

// PrefixErr is err with additional detail in its message. It unwraps into err.
type PrefixErr struct {
	err    error
	errmsg string
}

// Prefix returns err with detail from format and args appended to its message.
func Prefix(err error, format string, args ...interface{}) *PrefixErr {
	return &PrefixErr{err, err.Error() + ": " + fmt.Sprintf(format, args...)}
}

func (e *PrefixErr) Error() string {
	return e.errmsg
}

func (e *PrefixErr) Unwrap() error {
	return e.err
}

// WrapErr implements "Is" for the first error, and unwraps into the second error.
type WrapErr struct {
	err  error
	next error
}

// Wrap returns an error that is err for errors.Is, and unwraps into next.
func Wrap(err, next error) *WrapErr {
	return &WrapErr{err, next}
}

func (e *WrapErr) Error() string {
	return e.err.Error() + ": " + e.next.Error()
}

func (e *WrapErr) Is(err error) bool {
	return xerrors.Is(e.err, err)
}

func (e *WrapErr) Unwrap() error {
	return e.next
}
