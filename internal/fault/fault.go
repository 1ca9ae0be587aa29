// Package fault carries unrecoverable compiler errors.
//
// An invariant violation discovered while compiling a unit (a zero type
// fingerprint, an unsupported argument kind, a duplicate foreign call) cannot
// be fixed by retrying, so it is raised with Fatalf and unwinds the whole
// pipeline for that unit. Only the unit boundary calls Recover; everything
// below it simply lets the panic pass.
package fault

import (
	"errors"
	"fmt"
)

// Error is an internal compiler error. It is only ever produced by Fatalf and
// surfaced by Recover.
type Error struct {
	Msg string
}

func (e *Error) Error() string {
	return "internal error: " + e.Msg
}

// Fatalf aborts the current compilation.
func Fatalf(format string, args ...any) {
	panic(&Error{Msg: fmt.Sprintf(format, args...)})
}

// Guarantee calls Fatalf when cond is false.
func Guarantee(cond bool, format string, args ...any) {
	if !cond {
		Fatalf(format, args...)
	}
}

// Unimplemented aborts because a backend has no lowering for op.
func Unimplemented(backend string, op any) {
	Fatalf("%s: unimplemented operation %v", backend, op)
}

// Recover converts a pending *Error panic into *errp. Panics of any other
// type are re-raised untouched. It must be called directly by defer.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if fe, ok := r.(*Error); ok {
		*errp = fe
		return
	}
	panic(r)
}

// Catch runs fn and returns any internal error it raised.
func Catch(fn func()) (err error) {
	defer Recover(&err)
	fn()
	return nil
}

// IsFatal reports whether err (or anything it wraps) is an internal error.
func IsFatal(err error) bool {
	var fe *Error
	return errors.As(err, &fe)
}
