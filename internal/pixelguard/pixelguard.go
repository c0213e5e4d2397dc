// Package pixelguard implements the pixel invariant guard: the hard
// "pixel-passthrough" check that, when a profile does not authorise masking,
// the output pixel payload and transfer syntax are byte-exact to the input.
package pixelguard

import (
	"bytes"

	"github.com/voxelmask/deidentify/internal/compliance"
	"github.com/voxelmask/deidentify/internal/dicom"
	"github.com/voxelmask/deidentify/internal/errs"
	"github.com/voxelmask/deidentify/internal/identity"
	"github.com/voxelmask/deidentify/internal/region"
)

// Result is the outcome of a passthrough/mask verification, carrying both
// digests so the caller can record them in the Decision Trace and the
// evidence bundle's hash CSVs without re-hashing.
type Result struct {
	SourceHash identity.Digest
	OutputHash identity.Digest
}

// Enforce verifies the pixel invariant for one object pair, per spec.md
// §4.5. When pixelAction is NOT_APPLIED, input and output pixel bytes and
// transfer syntax must be byte-identical; any difference raises
// PixelInvariantViolated carrying both hashes as error context. When
// pixelAction is MASK_APPLIED, the hashes are required to differ; a
// no-op mask (hashes equal) is itself a guard failure, since it would
// silently fail to redact burned-in pixel content an operator believed
// was masked.
func Enforce(input, output *dicom.Object, pixelAction compliance.PixelAction) (Result, error) {
	sourceHash := identity.HashBytes(input.PixelBytes())
	outputHash := identity.HashBytes(output.PixelBytes())
	result := Result{SourceHash: sourceHash, OutputHash: outputHash}

	switch pixelAction {
	case compliance.PixelNotApplied:
		if sourceHash != outputHash {
			return result, errs.New(errs.PixelInvariantViolated,
				"pixel_data hash mismatch on passthrough path: "+sourceHash.String()+" != "+outputHash.String(), nil)
		}
		if input.TransferSyntaxUID() != output.TransferSyntaxUID() {
			return result, errs.New(errs.PixelInvariantViolated,
				"transfer syntax changed on passthrough path: "+input.TransferSyntaxUID()+" -> "+output.TransferSyntaxUID(), nil)
		}
		if !bytes.Equal(input.PixelBytes(), output.PixelBytes()) {
			return result, errs.New(errs.PixelInvariantViolated, "pixel_data bytes differ despite equal hashes", nil)
		}
		return result, nil

	case compliance.PixelMaskApplied:
		if sourceHash == outputHash {
			return result, errs.New(errs.PixelInvariantViolated, "mask_applied but pixel_data hash is unchanged", nil)
		}
		return result, nil

	default:
		return result, errs.New(errs.PixelInvariantViolated, "unknown pixel action", nil)
	}
}

// Burn mutates obj's pixel payload in place, zeroing every byte range
// covered by regions. It is the only function in the engine that writes
// pixel bytes; Plan/Apply only ever decide whether masking is authorised,
// never perform it, per internal/compliance's Apply doc comment.
//
// Geometry is read directly off the Rows/Columns/BitsAllocated/
// SamplesPerPixel tags via Object.Uint16, bypassing Get's VR-to-Kind mapping
// (which mishandles true binary US values). BitsAllocated defaults to 8 and
// SamplesPerPixel to 1 when absent, matching single-channel 8-bit Secondary
// Capture defaults.
func Burn(obj *dicom.Object, regions []region.Region) error {
	if len(regions) == 0 {
		return nil
	}
	rows, ok := obj.Uint16(dicom.TagRows)
	if !ok {
		return errs.New(errs.PixelInvariantViolated, "mask_applied but Rows tag is absent", nil)
	}
	cols, ok := obj.Uint16(dicom.TagColumns)
	if !ok {
		return errs.New(errs.PixelInvariantViolated, "mask_applied but Columns tag is absent", nil)
	}
	bitsAllocated, ok := obj.Uint16(dicom.TagBitsAllocated)
	if !ok {
		bitsAllocated = 8
	}
	samplesPerPixel, ok := obj.Uint16(dicom.TagSamplesPerPixel)
	if !ok {
		samplesPerPixel = 1
	}

	bytesPerSample := (int(bitsAllocated) + 7) / 8
	pixelStride := int(cols) * int(samplesPerPixel) * bytesPerSample
	frameStride := int(rows) * pixelStride

	pixel := append([]byte(nil), obj.PixelBytes()...)
	frames := obj.FrameCount()
	if frames < 1 {
		frames = 1
	}

	for _, r := range regions {
		x0, x1 := clamp(r.Box.X, int(cols)), clamp(r.Box.X+r.Box.W, int(cols))
		y0, y1 := clamp(r.Box.Y, int(rows)), clamp(r.Box.Y+r.Box.H, int(rows))
		for frame := 0; frame < frames; frame++ {
			if r.FrameIndex != -1 && r.FrameIndex != frame {
				continue
			}
			base := frame * frameStride
			for y := y0; y < y1; y++ {
				rowStart := base + y*pixelStride + x0*samplesPerPixelBytes(samplesPerPixel, bytesPerSample)
				rowEnd := base + y*pixelStride + x1*samplesPerPixelBytes(samplesPerPixel, bytesPerSample)
				if rowStart < 0 || rowEnd > len(pixel) || rowStart > rowEnd {
					continue
				}
				for i := rowStart; i < rowEnd; i++ {
					pixel[i] = 0
				}
			}
		}
	}

	obj.SetPixelBytes(pixel)
	return nil
}

func samplesPerPixelBytes(samplesPerPixel uint16, bytesPerSample int) int {
	return int(samplesPerPixel) * bytesPerSample
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
