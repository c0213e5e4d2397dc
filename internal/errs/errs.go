// Package errs defines the closed set of error kinds the core can raise,
// per the propagation policy: per-object errors are recovered locally and
// recorded in QA/exceptions.jsonl; run-fatal errors fail the run closed.
package errs

import "fmt"

// Kind identifies one of the error classes named in the failure semantics
// table. Kind is compared with errors.Is against the sentinel values below.
type Kind string

// The closed set of error kinds.
const (
	Parse                 Kind = "parse"
	UnsupportedObject     Kind = "unsupported_object"
	ProfileUnknown        Kind = "profile_unknown"
	ProfileMalformed      Kind = "profile_malformed"
	SelectionEmpty        Kind = "selection_empty"
	DetectionUnavailable  Kind = "detection_unavailable"
	PixelInvariantViolated Kind = "pixel_invariant_violated"
	BundleWriteFailed     Kind = "bundle_write_failed"
	SessionSealed         Kind = "session_sealed"
	CollectorLocked       Kind = "collector_locked"
	PreflightFailed       Kind = "preflight_failed"
	Cancelled             Kind = "cancelled"
)

// RunFatal reports whether an error of this kind must fail the run closed
// (no bundle commit) rather than being recovered per-object.
func (k Kind) RunFatal() bool {
	switch k {
	case PixelInvariantViolated, BundleWriteFailed, ProfileUnknown, ProfileMalformed, PreflightFailed, Cancelled:
		return true
	default:
		return false
	}
}

// Error is a typed error carrying a Kind plus structured, PHI-free context.
type Error struct {
	Kind    Kind
	Context string // e.g. file path, tag path — never an original PHI value
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Context != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Context)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, errs.New(kind, "", nil)) by comparing Kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for the given kind.
func New(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Err: cause}
}

// Sentinel returns a zero-context error of the given kind, suitable as the
// target of errors.Is.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }
