// Package review implements the Review Session state machine: the gate that
// must reach SEALED before any irreversible output is committed. It owns the
// region set, the file↔UID mapping captured at ingest, and the
// modality-scoped bulk-apply expansion.
package review

import (
	"errors"
	"sort"
	"sync"

	"github.com/voxelmask/deidentify/internal/classifier"
	"github.com/voxelmask/deidentify/internal/errs"
	"github.com/voxelmask/deidentify/internal/identity"
	"github.com/voxelmask/deidentify/internal/region"
)

// State is one of the three Review Session states.
type State string

// The Review Session states. ACCEPTED and SEALED are the same state: accept
// atomically seals.
const (
	StateCreated  State = "CREATED"
	StateStarted  State = "STARTED"
	StateAccepted State = "ACCEPTED"
)

// ErrCrossModalityBulkApply is returned by BulkApply when a target's
// modality class differs from the source region's, which spec.md forbids:
// images may not bulk into documents and vice-versa.
var ErrCrossModalityBulkApply = errors.New("bulk apply across modality classes is rejected")

// ErrNotStarted is returned by operations that require start() to have run.
var ErrNotStarted = errors.New("review session has not been started")

// ErrAlreadyAccepted is returned by a second call to Accept.
var ErrAlreadyAccepted = errors.New("review session is already accepted")

// fileEntry is one row of the file↔UID mapping table, captured once at ingest.
type fileEntry struct {
	sopInstanceUID string
	category       classifier.Category
	excluded       bool
}

// PreflightFinding records a non-fatal condition surfaced before or during
// review, e.g. a DetectionUnavailable for one frame.
type PreflightFinding struct {
	Code    string
	Detail  string
}

// Session is one run's Review Session. The zero value is not usable; use New.
type Session struct {
	mu sync.Mutex

	state    State
	sealed   bool
	regions  map[string]*region.Region
	order    []string // region ID insertion order

	preflightFindings []PreflightFinding
	files             map[string]*fileEntry // filename -> entry
}

// New returns a fresh, unstarted Review Session.
func New() *Session {
	return &Session{
		state:   StateCreated,
		regions: make(map[string]*region.Region),
		files:   make(map[string]*fileEntry),
	}
}

// Start transitions CREATED→STARTED. Per spec.md §4.7 this requires at least
// one detection pass to have run, or the operator to have explicitly chosen
// manual mode; both are represented by the caller passing manual=true when no
// detector ran.
func (s *Session) Start(manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return errs.New(errs.SessionSealed, "start() called outside CREATED", nil)
	}
	_ = manual // recorded by the caller's own audit trail; no state needed here
	s.state = StateStarted
	return nil
}

// AddRegion inserts r, assigning it an ID if it does not already have one.
// Fails with SessionSealed once the session has been accepted.
func (s *Session) AddRegion(r region.Region) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return "", errs.New(errs.SessionSealed, "add_region after acceptance", nil)
	}
	if r.ID == "" {
		r.ID = identity.NewBulkOperationID()
	}
	cp := r
	s.regions[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	return cp.ID, nil
}

// Toggle flips a region's reviewer action between mask and keep. Fails with
// SessionSealed once accepted.
func (s *Session) Toggle(regionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return errs.New(errs.SessionSealed, "toggle after acceptance", nil)
	}
	r, ok := s.regions[regionID]
	if !ok {
		return errors.New("unknown region id")
	}
	if r.ReviewerAction == region.ReviewerActionMask {
		r.ReviewerAction = region.ReviewerActionKeep
	} else {
		r.ReviewerAction = region.ReviewerActionMask
	}
	return nil
}

// DeleteManual marks a region deleted (not removed from the set, so the
// audit trail retains its existence). Fails with SessionSealed once accepted.
func (s *Session) DeleteManual(regionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return errs.New(errs.SessionSealed, "delete_manual after acceptance", nil)
	}
	r, ok := s.regions[regionID]
	if !ok {
		return errors.New("unknown region id")
	}
	r.ReviewerAction = region.ReviewerActionDeleted
	return nil
}

// BulkTarget is one instance a bulk_apply expansion targets.
type BulkTarget struct {
	SOPInstanceUID string
	Category       classifier.Category
}

// modalityClassOf buckets a classification category into the coarse
// image/document modality class bulk_apply reasons about.
func modalityClassOf(c classifier.Category) string {
	switch c {
	case classifier.CategoryImage:
		return "IMAGE"
	default:
		return "DOCUMENT"
	}
}

// BulkApply creates one independent region per target, each carrying the
// source region's geometry plus bulk-apply provenance. This is expansion,
// never inheritance: every resulting region is its own decision and can be
// independently toggled afterward. Cross-modality-class bulk apply (images
// into documents or vice versa) is rejected outright — no partial expansion.
func (s *Session) BulkApply(sourceRegionID string, sourceCategory classifier.Category, targets []BulkTarget) ([]region.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil, errs.New(errs.SessionSealed, "bulk_apply after acceptance", nil)
	}
	source, ok := s.regions[sourceRegionID]
	if !ok {
		return nil, errors.New("unknown source region id")
	}

	sourceClass := modalityClassOf(sourceCategory)
	for _, t := range targets {
		if modalityClassOf(t.Category) != sourceClass {
			return nil, ErrCrossModalityBulkApply
		}
	}

	opID := identity.NewBulkOperationID()
	created := make([]region.Region, 0, len(targets))
	for _, t := range targets {
		r := region.Region{
			ID:             identity.NewBulkOperationID(),
			SOPInstanceUID: t.SOPInstanceUID,
			Box:            source.Box,
			Source:         region.SourceOperator,
			Strength:       source.Strength,
			Zone:           source.Zone,
			DefaultAction:  source.DefaultAction,
			ReviewerAction: source.ReviewerAction,
			FrameIndex:     source.FrameIndex,
			Bulk: &region.BulkProvenance{
				SourceSOPInstanceUID: source.SOPInstanceUID,
				BulkOperationID:      opID,
			},
		}
		s.regions[r.ID] = &r
		s.order = append(s.order, r.ID)
		created = append(created, r)
	}
	return created, nil
}

// Accept transitions STARTED→ACCEPTED, atomically sealing the session.
// Fails if accept has already occurred, or if start() has not run.
func (s *Session) Accept() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrAlreadyAccepted
	}
	if s.state != StateStarted {
		return ErrNotStarted
	}
	s.state = StateAccepted
	s.sealed = true
	return nil
}

// IsSealed reports whether the session has been accepted.
func (s *Session) IsSealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// RegionsFor returns the accepted (or current, if not yet sealed) region
// snapshot for sopInstanceUID, in insertion order. Only the exported snapshot
// after sealing is meant for use by the compliance engine's RegionsAccepted
// input; callers must check IsSealed() before trusting it for export.
func (s *Session) RegionsFor(sopInstanceUID string) []region.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []region.Region
	for _, id := range s.order {
		r := s.regions[id]
		if r.SOPInstanceUID == sopInstanceUID && r.ReviewerAction != region.ReviewerActionDeleted {
			out = append(out, *r)
		}
	}
	return out
}

// RecordFileUID captures the filename↔SOP-instance-UID↔category mapping at
// ingest time. Must be called exactly once per ingested file.
func (s *Session) RecordFileUID(filename, sopInstanceUID string, category classifier.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[filename] = &fileEntry{sopInstanceUID: sopInstanceUID, category: category}
}

// ExcludeFile marks filename excluded, verifying that its recorded category
// matches a document-family category: a non-document file cannot be excluded
// via a document toggle.
func (s *Session) ExcludeFile(filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.files[filename]
	if !ok {
		return errors.New("unknown filename")
	}
	switch e.category {
	case classifier.CategoryDocument, classifier.CategoryStructuredReport, classifier.CategoryEncapsulatedPDF:
	default:
		return errors.New("cannot exclude a non-document file via a document toggle")
	}
	e.excluded = true
	return nil
}

// GetExcludedFilenames returns every filename currently marked excluded.
func (s *Session) GetExcludedFilenames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name, e := range s.files {
		if e.excluded {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RegisterPreflightFinding records a non-fatal condition (e.g. detector
// unavailable for one frame) surfaced before or during review.
func (s *Session) RegisterPreflightFinding(f PreflightFinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preflightFindings = append(s.preflightFindings, f)
}

// PreflightFindings returns a copy of the recorded findings.
func (s *Session) PreflightFindings() []PreflightFinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PreflightFinding, len(s.preflightFindings))
	copy(out, s.preflightFindings)
	return out
}
