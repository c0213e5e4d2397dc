package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/voxelmask/deidentify/internal/detection"
	"github.com/voxelmask/deidentify/internal/region"
)

// httpDetector is the CLI's own Detector implementation: internal/detection
// defines the Detector interface only (spec.md §4.6 says no detector ships
// with the core), so the concrete external-call path lives here instead.
// Its transport tuning mirrors the proxy's own long-lived outbound client:
// a bounded dial/idle/TLS-handshake budget rather than the http.Client
// zero-value's unbounded defaults.
type httpDetector struct {
	endpoint string
	client   *http.Client
}

func newHTTPDetector(endpoint string, timeout time.Duration) *httpDetector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &httpDetector{
		endpoint: endpoint,
		client:   &http.Client{Transport: transport, Timeout: timeout},
	}
}

// detectRequest is the wire payload sent to the external detection engine.
type detectRequest struct {
	PixelFrame   []byte        `json:"pixelFrame"`
	ModalityHint string        `json:"modalityHint"`
	Zones        []region.Zone `json:"zones,omitempty"`
}

// detectResponse is the wire payload returned by the external detection
// engine. It carries geometry and a confidence bucket only — per
// internal/detection's contract, recovered text must never appear here.
type detectResponse struct {
	Regions []detectResponseRegion `json:"regions"`
}

type detectResponseRegion struct {
	X          int             `json:"x"`
	Y          int             `json:"y"`
	W          int             `json:"w"`
	H          int             `json:"h"`
	FrameIndex int             `json:"frameIndex"`
	Strength   region.Strength `json:"strength"`
	Zone       region.Zone     `json:"zone"`
}

// Detect implements detection.Detector by POSTing the frame to the
// configured external endpoint. Every failure path is wrapped as
// detection.Unavailable so callers always see the one DetectionUnavailable
// error kind Detect is permitted to return.
func (d *httpDetector) Detect(ctx context.Context, pixelFrame []byte, modalityHint string, zones detection.ZonePolicy) ([]region.Region, error) {
	body, err := json.Marshal(detectRequest{PixelFrame: pixelFrame, ModalityHint: modalityHint, Zones: zones.Zones})
	if err != nil {
		return nil, detection.Unavailable(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, detection.Unavailable(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, detection.Unavailable(fmt.Errorf("dispatch request: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close; the response has already been consumed or is being discarded

	if resp.StatusCode != http.StatusOK {
		return nil, detection.Unavailable(fmt.Errorf("detector returned status %d", resp.StatusCode))
	}

	var decoded detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, detection.Unavailable(fmt.Errorf("decode response: %w", err))
	}

	out := make([]region.Region, 0, len(decoded.Regions))
	for _, r := range decoded.Regions {
		out = append(out, region.Region{
			Box:            region.Box{X: r.X, Y: r.Y, W: r.W, H: r.H},
			Source:         region.SourceDetector,
			Strength:       r.Strength,
			Zone:           r.Zone,
			DefaultAction:  region.DefaultActionMask,
			ReviewerAction: region.ReviewerActionUnset,
			FrameIndex:     r.FrameIndex,
		})
	}
	return out, nil
}
