package onionshare

import (
	"golang.org/x/xerrors"
)

// errorHandler returns a check function that panics with a wrapped error, and a
// handle function to defer that recovers it and passes it to fn. Used for long
// sequences of steps that each can fail.
func errorHandler(fn func(error)) (func(error, string), func()) {
	type localError struct {
		err error
	}

	check := func(err error, msg string) {
		if err != nil {
			err = xerrors.Errorf("%s: %w", msg, err)
			panic(&localError{err})
		}
	}
	handle := func() {
		e := recover()
		if e == nil {
			return
		}
		if le, ok := e.(*localError); ok {
			fn(le.err)
		} else {
			panic(e)
		}
	}
	return check, handle
}
