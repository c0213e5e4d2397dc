// Package detection defines the Detection Adapter boundary: an external,
// injected collaborator returning bounded-box text findings for one pixel
// frame. The adapter is an interface only — no detector implementation
// ships with the core — and its contract forbids returning recovered text,
// so burned-in PHI can never reach a decision record through this path.
package detection

import (
	"context"

	"github.com/voxelmask/deidentify/internal/errs"
	"github.com/voxelmask/deidentify/internal/region"
)

// ZonePolicy constrains which zones of a frame the detector should scan,
// letting a caller skip, e.g., the body zone on modalities where burned-in
// text is known to appear only in the header/footer band.
type ZonePolicy struct {
	Zones []region.Zone
}

// Detector is the injected text-detection collaborator. Implementations call
// out to an external detection engine (OCR, object detection, or similar);
// the core never ships one.
type Detector interface {
	// Detect returns bounded-box findings for one pixel frame. modalityHint
	// is the object's DICOM modality code, used only to tune detector
	// behaviour (e.g. US frames commonly carry header burn-in). Detect may
	// fail with a DetectionUnavailable *errs.Error; callers must treat that
	// as recoverable and fall back to operator-only regions for the frame.
	Detect(ctx context.Context, pixelFrame []byte, modalityHint string, zones ZonePolicy) ([]region.Region, error)
}

// Unavailable wraps cause as a DetectionUnavailable error, the only error
// kind Detect is permitted to return.
func Unavailable(cause error) error {
	return errs.New(errs.DetectionUnavailable, "detector unreachable or timed out", cause)
}
