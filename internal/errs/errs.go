// Package errs defines the tagged error kinds surfaced to callers of the
// engine, per spec.md §7. Errors are returned values, never raised across
// component boundaries (spec.md §9 "Exceptions for control flow").
package errs

import "fmt"

// Kind is one of the eight error classes spec.md §7 names.
type Kind uint8

const (
	Syntax Kind = iota
	Schema
	Constraint
	Type
	Busy
	IO
	Corrupt
	Internal
)

func (k Kind) String() string {
	switch k {
	case Syntax:
		return "SYNTAX"
	case Schema:
		return "SCHEMA"
	case Constraint:
		return "CONSTRAINT"
	case Type:
		return "TYPE"
	case Busy:
		return "BUSY"
	case IO:
		return "IO"
	case Corrupt:
		return "CORRUPT"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// E is a tagged engine error. It wraps an underlying cause where one exists
// so callers can still `errors.Is`/`errors.As` through to OS-level errors.
type E struct {
	Kind Kind
	Msg  string
	Pos  int // byte offset into source text; -1 when not applicable
	Err  error
}

func (e *E) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("%s: %s (at %d)", e.Kind, e.Msg, e.Pos)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *E) Unwrap() error { return e.Err }

// New builds a positionless tagged error.
func New(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...), Pos: -1}
}

// At builds a tagged error carrying a source position (for SYNTAX errors).
func At(kind Kind, pos int, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...), Pos: pos}
}

// Wrap tags an existing error without discarding it.
func Wrap(kind Kind, err error, format string, args ...any) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...), Pos: -1, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an *E,
// defaulting to Internal for anything else — an un-tagged error reaching a
// caller boundary is itself a bug-class condition.
func KindOf(err error) Kind {
	var e *E
	if asE(err, &e) {
		return e.Kind
	}
	return Internal
}

func asE(err error, target **E) bool {
	for err != nil {
		if e, ok := err.(*E); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
