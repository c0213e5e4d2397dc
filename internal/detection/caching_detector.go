package detection

import (
	"context"

	"github.com/voxelmask/deidentify/internal/identity"
	"github.com/voxelmask/deidentify/internal/region"
)

// CachingDetector wraps a Detector with a ResultCache keyed on the exact
// pixel-frame digest, so identical frames (common across a multi-frame
// cine loop's fixed header band, or re-runs of the same corpus) are only
// ever sent to the external detector once.
type CachingDetector struct {
	Inner Detector
	Cache ResultCache
}

// Detect consults the cache before delegating to Inner. A cache hit never
// calls the external detector, so a DetectionUnavailable failure during a
// prior run does not recur once the frame has a cached (possibly empty)
// result; a genuinely failed detection is never cached, so it will be
// retried on a subsequent attempt.
func (d *CachingDetector) Detect(ctx context.Context, pixelFrame []byte, modalityHint string, zones ZonePolicy) ([]region.Region, error) {
	key := identity.HashBytes(pixelFrame).String()
	if cached, ok := d.Cache.Get(key); ok {
		return cached, nil
	}
	regions, err := d.Inner.Detect(ctx, pixelFrame, modalityHint, zones)
	if err != nil {
		return nil, err
	}
	d.Cache.Set(key, regions)
	return regions, nil
}
