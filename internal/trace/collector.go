// Package trace implements the Decision Trace Collector: an append-only,
// PHI-sterile reason-record store. Records carry only tag names, reason
// codes, region coordinates, digests, and timestamps — never original PHI
// values or recovered OCR text, enforced by construction since Record has no
// text-value field.
package trace

import (
	"sync"
	"time"

	"github.com/voxelmask/deidentify/internal/errs"
	"github.com/voxelmask/deidentify/internal/region"
)

// ScopeLevel identifies the granularity a Record applies at.
type ScopeLevel string

// The scope levels a decision can apply at.
const (
	ScopeStudy    ScopeLevel = "study"
	ScopeSeries   ScopeLevel = "series"
	ScopeInstance ScopeLevel = "instance"
)

// TargetType distinguishes a metadata-tag decision from a pixel decision.
type TargetType string

// The target types a Record can describe.
const (
	TargetTag   TargetType = "tag"
	TargetPixel TargetType = "pixel"
)

// Record is one immutable decision: never contains an original PHI value,
// only the name of the tag it concerns, a closed reason code, and
// cryptographic digests.
type Record struct {
	ScopeLevel   ScopeLevel
	ScopeUID     string
	TargetType   TargetType
	TargetName   string // tag name, or "pixel_data"
	Action       string
	ReasonCode   string
	Region       *region.Region // non-nil only for pixel/masking records
	HashBefore   string         // hex digest, empty if not applicable
	HashAfter    string         // hex digest, empty if not applicable
	Timestamp    time.Time
}

// Collector is the append-only decision store for one run. The zero value is
// not usable; use New.
type Collector struct {
	mu      sync.Mutex
	records []Record
	locked  bool
}

// New returns an empty, unlocked Collector.
func New() *Collector {
	return &Collector{}
}

// Add appends record. Fails with CollectorLocked once Lock has been called;
// per spec.md this is a programming error and must be loud.
func (c *Collector) Add(r Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return errs.New(errs.CollectorLocked, "add() after lock()", nil)
	}
	c.records = append(c.records, r)
	return nil
}

// Lock freezes the collector; no further Add may succeed.
func (c *Collector) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = true
}

// Locked reports whether Lock has been called.
func (c *Collector) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// Records returns a copy of every record added so far, in insertion order.
// The Collector preserves insertion order per spec.md §5's ordering
// guarantees; callers must not rely on any other order.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Count returns the number of records added so far.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Commit locks the collector and hands its final record set to write. Per
// spec.md §4.8, commit must happen after the output archive is materialised
// and before run status flips to completed; the CLI's run loop holds that
// ordering by writing the evidence bundle (whose DECISIONS/ files it builds
// from Records()) first and calling Commit only once that write has
// succeeded. If write fails, no partial audit state
// must be treated as committed — the caller must translate the error into a
// run failure rather than marking the run complete.
func (c *Collector) Commit(write func([]Record) error) error {
	c.Lock()
	return write(c.Records())
}
