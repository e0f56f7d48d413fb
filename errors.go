package chaosguard

import (
	"errors"
	"fmt"
)

// Sentinel errors for the fatal conditions that abort a validation run
// before any content is inspected. Use errors.Is against these; the typed
// errors below carry the details.
var (
	ErrMarker     = errors.New("chaosguard: marker error")
	ErrOutOfScope = errors.New("chaosguard: out-of-scope edit")
	ErrParse      = errors.New("chaosguard: parse error")
)

// MarkerError reports missing, duplicated or misordered region markers.
type MarkerError struct {
	Marker string
	Count  int
	Reason string
}

func (e *MarkerError) Error() string {
	if e.Marker == "" {
		return fmt.Sprintf("%v: %s", ErrMarker, e.Reason)
	}
	return fmt.Sprintf("%v: %s (marker %q, %d occurrences)", ErrMarker, e.Reason, e.Marker, e.Count)
}

func (e *MarkerError) Unwrap() error { return ErrMarker }

// ScopeError reports a Mutation that reaches outside its Region, targets
// a file that may not change, or would forge a region marker.
type ScopeError struct {
	Path   string
	Reason string
}

func (e *ScopeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %s", ErrOutOfScope, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrOutOfScope, e.Path, e.Reason)
}

func (e *ScopeError) Unwrap() error { return ErrOutOfScope }

// ParseError reports a malformed markup or stylesheet fragment. The
// fragment is never repaired.
type ParseError struct {
	Target TargetKind
	Line   int
	Column int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v: %s %d:%d: %s", ErrParse, e.Target, e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrParse, e.Target, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrParse }
