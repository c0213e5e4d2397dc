// Package region defines the Region type shared by the Detection Adapter and
// the Review Session: a rectangular pixel bounding box plus the provenance
// and reviewer-decision fields the review gate reasons about. Region itself
// never carries recovered text — only geometry, a confidence bucket, and a
// zone classification — so no detector can leak PHI into a decision record.
package region

// Source identifies who produced a region.
type Source string

// The region sources.
const (
	SourceDetector Source = "detector"
	SourceOperator Source = "operator"
)

// Strength is a bounded confidence bucket; detectors never return raw scores
// or recovered text, only this closed enumeration.
type Strength string

// The detection-strength buckets.
const (
	StrengthNone   Strength = "none"
	StrengthLow    Strength = "low"
	StrengthMedium Strength = "medium"
	StrengthHigh   Strength = "high"
)

// Zone classifies where on the frame a region sits.
type Zone string

// The recognised zones.
const (
	ZoneHeader Zone = "header"
	ZoneFooter Zone = "footer"
	ZoneBody   Zone = "body"
)

// DefaultAction is the detector's or policy's suggested disposition, before
// any operator review.
type DefaultAction string

// The default-action values.
const (
	DefaultActionMask DefaultAction = "mask"
	DefaultActionKeep DefaultAction = "keep"
)

// ReviewerAction is the operator's disposition for a region. Unset means no
// operator has acted on it yet. Accepting a Review Session does not inspect
// reviewer actions, so a sealed session can still hold Unset regions.
type ReviewerAction string

// The reviewer-action values.
const (
	ReviewerActionMask    ReviewerAction = "mask"
	ReviewerActionKeep    ReviewerAction = "keep"
	ReviewerActionDeleted ReviewerAction = "deleted"
	ReviewerActionUnset   ReviewerAction = "unset"
)

// BulkProvenance records, for a region created by bulk_apply, the region it
// was expanded from. Bulk apply is expansion, never inheritance: each
// resulting Region is an independent decision carrying this provenance only
// for audit traceability.
type BulkProvenance struct {
	SourceSOPInstanceUID string
	BulkOperationID       string
}

// Box is a rectangular pixel bounding box.
type Box struct {
	X, Y, W, H int
}

// Region is one rectangular pixel bounding box under review.
type Region struct {
	ID             string
	SOPInstanceUID string // the instance this region applies to
	Box            Box
	Source         Source
	Strength       Strength
	Zone           Zone
	DefaultAction  DefaultAction
	ReviewerAction ReviewerAction
	// FrameIndex is -1 to mean "all frames".
	FrameIndex int
	Bulk       *BulkProvenance // nil unless created by bulk_apply
}
