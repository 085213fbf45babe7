// Package builderr defines the single user-facing error kind the system
// builder raises. Every validation failure, resource problem, allocator
// failure, or missing symbol is reported through this type; anything else
// (a broken internal invariant) panics, because it indicates a bug rather
// than a bad input.
package builderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Location tags an error with a position in a source XML document, matching
// the `file:line.column` format required by spec §6/§7.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d.%d", l.File, l.Line, l.Column)
}

// Kind classifies a user-facing failure per spec §7's taxonomy.
type Kind int

const (
	Parse Kind = iota
	Semantic
	Resource
	Allocator
	Symbol
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case Semantic:
		return "semantic"
	case Resource:
		return "resource"
	case Allocator:
		return "allocator"
	case Symbol:
		return "symbol"
	default:
		return "unknown"
	}
}

// Error is the one error kind carried by the builder's public API.
type Error struct {
	Kind    Kind
	Element string
	Loc     *Location
	msg     string
}

func (e *Error) Error() string {
	switch {
	case e.Element != "" && e.Loc != nil:
		return fmt.Sprintf("Error: %s on element '%s': %s", e.msg, e.Element, e.Loc)
	case e.Element != "":
		return fmt.Sprintf("Error: %s on element '%s'", e.msg, e.Element)
	default:
		return "Error: " + e.msg
	}
}

// New creates a location-less builder error of the given kind, prefixed
// "Error: " like every element-scoped validation failure.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// rawError renders with no "Error: " prefix, for the handful of whole-system
// invariants (duplicate names, PD count) that the original tool reports
// verbatim rather than through the per-element wrapper.
type rawError struct {
	kind Kind
	msg  string
}

func (e *rawError) Error() string { return e.msg }

// Raw creates a builder error rendered exactly as msg, with no "Error: "
// prefix — used for spec §8's "Duplicate protection domain name '...'." and
// "Too many protection domains (...) defined." style whole-system errors.
func Raw(kind Kind, format string, args ...any) error {
	return &rawError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// NewAt creates a builder error tagged with an XML element name and source
// location, rendered as `Error: <msg> on element '<element>': <file>:<l>.<c>`.
func NewAt(kind Kind, element string, loc Location, format string, args ...any) error {
	return &Error{Kind: kind, Element: element, Loc: &loc, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches stage context to a lower-level error (typically an OS or
// afero error). The result is a builder error of the given kind whose
// message is the context followed by the original error's text; the
// original error value itself is not kept, so errors.Cause and errors.As
// cannot reach it through the result.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	wrapped := errors.Wrapf(err, format, args...)
	return &Error{Kind: kind, msg: wrapped.Error()}
}

// Is reports whether err is a builder error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	var re *rawError
	if errors.As(err, &re) {
		return re.kind == kind
	}
	return false
}
