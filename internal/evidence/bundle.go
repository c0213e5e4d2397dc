// Package evidence implements the Evidence Bundle Writer: the hash-chained,
// PHI-sterile on-disk layout described in spec.md §6.2, written atomically
// (write-to-tmp-then-rename, following the same pattern the proxy's domain
// registry uses for its own persisted state).
package evidence

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/voxelmask/deidentify/internal/errs"
	"github.com/voxelmask/deidentify/internal/region"
	"github.com/voxelmask/deidentify/internal/trace"
)

// SourceIndexEntry is one row of INPUT/source_index.json.
type SourceIndexEntry struct {
	Filename       string `json:"filename"`
	SOPInstanceUID string `json:"sopInstanceUid"`
	SeriesUID      string `json:"seriesUid"`
	StudyUID       string `json:"studyUid"`
	Disposition    string `json:"disposition"` // EXPORTED | SKIPPED_UNSUPPORTED | EXCLUDED_BY_SCOPE | FAILED
	Reason         string `json:"reason,omitempty"`
}

// SourceHashRow is one row of INPUT/source_hashes.csv.
type SourceHashRow struct {
	SourceSOPInstanceUID string
	SourcePixelHash      string
	SourceSeriesUID      string
	InstanceNumber       int
}

// MaskedIndexEntry is one row of OUTPUT/masked_index.json.
type MaskedIndexEntry struct {
	Filename          string `json:"filename"`
	MaskedSOPInstanceUID string `json:"maskedSopInstanceUid"`
	ExportOrderIndex  int    `json:"exportOrderIndex"`
}

// MaskedHashRow is one row of OUTPUT/masked_hashes.csv.
type MaskedHashRow struct {
	MaskedSOPInstanceUID string
	MaskedPixelHash      string
}

// LinkageRow is one row of LINKAGE/instance_linkage.csv.
type LinkageRow struct {
	SourceStudyUID      string
	SourceSeriesUID     string
	SourceSOPUID        string
	MaskedStudyUID      string
	MaskedSeriesUID     string
	MaskedSOPUID        string
	UIDStrategy         string
	DeterministicSaltID string
}

// DetectionResultRow is one row of DECISIONS/detection_results.jsonl. It
// must never carry recovered text — only geometry and a confidence bucket.
type DetectionResultRow struct {
	SourceSOPUID     string         `json:"sourceSopUid"`
	FrameIndex       int            `json:"frameIndex"`
	Region           region.Box     `json:"region"`
	ConfidenceBucket region.Strength `json:"confidenceBucket"`
	Engine           string         `json:"engine"`
	EngineVersion    string         `json:"engineVersion"`
	RulesetID        string         `json:"rulesetId"`
	ConfigHash       string         `json:"configHash"`
}

// MaskingActionRow is one row of DECISIONS/masking_actions.jsonl.
type MaskingActionRow struct {
	SOPInstanceUID  string    `json:"sopInstanceUid"`
	Region          region.Box `json:"region"`
	FrameIndex      int       `json:"frameIndex"`
	BulkSourceSOPUID string   `json:"bulkApplySource,omitempty"`
	BulkOperationID string    `json:"bulkApplyId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// DecisionLogRow is the JSON-serialisable projection of a trace.Record.
type DecisionLogRow struct {
	ScopeLevel string    `json:"scopeLevel"`
	ScopeUID   string    `json:"scopeUid"`
	TargetType string    `json:"targetType"`
	TargetName string    `json:"targetName"`
	Action     string    `json:"action"`
	ReasonCode string    `json:"reasonCode"`
	HashBefore string    `json:"hashBefore,omitempty"`
	HashAfter  string    `json:"hashAfter,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ExceptionRow is one row of QA/exceptions.jsonl.
type ExceptionRow struct {
	Filename  string    `json:"filename"`
	Severity  string    `json:"severity"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// VerificationReport is QA/verification_report.json: the bundle's own
// self-check, re-deriving invariants 1 through 6 of spec.md §8 against the
// data it just wrote rather than asserting them by convention.
type VerificationReport struct {
	StoresOriginalPixels   bool             `json:"storesOriginalPixels"`
	StoresRecoveredPHIText bool             `json:"storesRecoveredPhiText"`
	FileCount              int              `json:"fileCount"`
	ManifestHash           string           `json:"manifestHash"`
	Invariants             []InvariantCheck `json:"invariants"`
	Passed                 bool             `json:"passed"`
}

// InvariantCheck is one re-derived testable property from spec.md §8: a
// name, its pass/fail verdict, and — on failure — enough detail to find the
// offending record without re-reading the whole bundle.
type InvariantCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// BundleData is everything WriteBundle needs to materialise one run's
// evidence bundle.
type BundleData struct {
	RunID               string
	StartedAt           time.Time
	ProfileName         string
	BuildVersion        string
	BuildCommit         string
	ConfigHash          string
	DeterministicSaltID string

	SourceIndex      []SourceIndexEntry
	SourceHashes     []SourceHashRow
	MaskedIndex      []MaskedIndexEntry
	MaskedHashes     []MaskedHashRow
	DetectionResults []DetectionResultRow
	MaskingActions   []MaskingActionRow
	Decisions        []trace.Record
	InstanceLinkage  []LinkageRow
	Exceptions       []ExceptionRow
}

// disallowedFieldNames are field names a written row must never carry. The
// constraint is enforced structurally (by reflecting over the Go types
// above), not just by convention — a new field added to any row type here
// trips this check if it is named like a raw-value carrier.
var disallowedFieldNames = map[string]bool{
	"OriginalValue":  true,
	"RecoveredText":  true,
	"PHIValue":       true,
	"PatientName":    true,
	"PatientID":      true,
	"RawPixelData":   true,
}

// verifyNoPHIFields walks v's type recursively and fails if any field name
// (anywhere in the struct graph, including slice element types) matches
// disallowedFieldNames. This is the structural check spec.md §4.9 requires
// to prove stores_recovered_phi_text=false and stores_original_pixels=false
// by inspection rather than by convention.
func verifyNoPHIFields(v any) error {
	return walkType(reflect.TypeOf(v), map[reflect.Type]bool{})
}

func walkType(t reflect.Type, seen map[reflect.Type]bool) error {
	if t == nil {
		return nil
	}
	switch t.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Array:
		return walkType(t.Elem(), seen)
	case reflect.Struct:
		if seen[t] {
			return nil
		}
		seen[t] = true
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if disallowedFieldNames[f.Name] {
				return fmt.Errorf("struct %s carries disallowed field %s", t.Name(), f.Name)
			}
			if err := walkType(f.Type, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteBundle writes BundleData under finalDir's parent, using tmpDir as
// scratch space, then atomically renames into place. It returns the final
// bundle path. Per spec.md §4.9 failure is BundleWriteFailed; any partial
// tmpDir content is left for the caller (the Run Controller's preflight) to
// prune on the next run rather than cleaned up here, matching the crash
// behaviour documented in spec.md §5.
func WriteBundle(tmpDir, finalDir string, data BundleData) (string, error) {
	if err := verifyBundleData(data); err != nil {
		return "", errs.New(errs.BundleWriteFailed, "model constraint violated", err)
	}

	bundleTmp := filepath.Join(tmpDir, filepath.Base(finalDir)+".tmp")
	if err := os.RemoveAll(bundleTmp); err != nil {
		return "", errs.New(errs.BundleWriteFailed, "clear stale tmp", err)
	}
	for _, sub := range []string{"CONFIG", "INPUT", "OUTPUT", "DECISIONS", "LINKAGE", "QA", "SIGNATURE"} {
		if err := os.MkdirAll(filepath.Join(bundleTmp, sub), 0o750); err != nil {
			return "", errs.New(errs.BundleWriteFailed, "mkdir "+sub, err)
		}
	}

	manifest := map[string]manifestEntry{}

	writeJSONFile := func(relPath string, v any) error {
		return writeFileWithHash(bundleTmp, relPath, manifest, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		})
	}
	writeJSONLFile := func(relPath string, rows any) error {
		return writeFileWithHash(bundleTmp, relPath, manifest, func(w io.Writer) error {
			rv := reflect.ValueOf(rows)
			enc := json.NewEncoder(w)
			for i := 0; i < rv.Len(); i++ {
				if err := enc.Encode(rv.Index(i).Interface()); err != nil {
					return err
				}
			}
			return nil
		})
	}
	writeCSVFile := func(relPath string, header []string, rows [][]string) error {
		return writeFileWithHash(bundleTmp, relPath, manifest, func(w io.Writer) error {
			cw := csv.NewWriter(w)
			if err := cw.Write(header); err != nil {
				return err
			}
			for _, row := range rows {
				if err := cw.Write(row); err != nil {
					return err
				}
			}
			cw.Flush()
			return cw.Error()
		})
	}

	if err := writeJSONFile("CONFIG/profile.json", map[string]string{"profile": data.ProfileName}); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONFile("CONFIG/app_build.json", map[string]string{"version": data.BuildVersion, "commit": data.BuildCommit}); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONFile("CONFIG/runtime_env.json", map[string]string{"configHash": data.ConfigHash}); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONFile("INPUT/source_index.json", data.SourceIndex); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeCSVFile("INPUT/source_hashes.csv",
		[]string{"source_sop_instance_uid", "source_pixel_hash", "source_series_uid", "instance_number"},
		sourceHashRows(data.SourceHashes)); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONFile("OUTPUT/masked_index.json", data.MaskedIndex); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeCSVFile("OUTPUT/masked_hashes.csv",
		[]string{"masked_sop_instance_uid", "masked_pixel_hash"},
		maskedHashRows(data.MaskedHashes)); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONLFile("DECISIONS/detection_results.jsonl", data.DetectionResults); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONLFile("DECISIONS/masking_actions.jsonl", data.MaskingActions); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONLFile("DECISIONS/decision_log.jsonl", toDecisionLogRows(data.Decisions)); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeCSVFile("LINKAGE/instance_linkage.csv",
		[]string{"source_study_uid", "source_series_uid", "source_sop_uid", "masked_study_uid", "masked_series_uid", "masked_sop_uid", "uid_strategy", "deterministic_salt_id"},
		linkageRows(data.InstanceLinkage)); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := writeJSONLFile("QA/exceptions.jsonl", data.Exceptions); err != nil {
		return "", wrapWriteErr(err)
	}

	verification := deriveVerificationReport(data, bundleTmp, manifest)
	if err := writeJSONFile("QA/verification_report.json", verification); err != nil {
		return "", wrapWriteErr(err)
	}

	treeLines := treeListing(manifest)
	if err := writeFileWithHash(bundleTmp, "SIGNATURE/bundle_tree.txt", manifest, func(w io.Writer) error {
		for _, l := range treeLines {
			if _, err := fmt.Fprintln(w, l); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", wrapWriteErr(err)
	}

	manifestPath := filepath.Join(bundleTmp, "MANIFEST.json")
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", errs.New(errs.BundleWriteFailed, "marshal manifest", err)
	}
	if err := os.WriteFile(manifestPath, manifestBytes, 0o640); err != nil { // #nosec G703 -- path built from trusted run-owned tmp dir
		return "", errs.New(errs.BundleWriteFailed, "write MANIFEST.json", err)
	}
	manifestHash := sha256.Sum256(manifestBytes)
	manifestHashHex := hex.EncodeToString(manifestHash[:])
	if err := os.WriteFile(manifestPath+".sha256", []byte(manifestHashHex+"\n"), 0o640); err != nil { // #nosec G703 -- path derived from trusted manifestPath
		return "", errs.New(errs.BundleWriteFailed, "write MANIFEST.sha256", err)
	}

	if err := os.Rename(bundleTmp, finalDir); err != nil { // #nosec G703 -- both paths are run-owned, trusted directories
		return "", errs.New(errs.BundleWriteFailed, "rename tmp bundle into place", err)
	}

	return finalDir, nil
}

type manifestEntry struct {
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

func writeFileWithHash(root, relPath string, manifest map[string]manifestEntry, write func(io.Writer) error) error {
	full := filepath.Join(root, relPath)
	f, err := os.Create(full) // #nosec G703 -- full is built from a trusted run-owned tmp root
	if err != nil {
		return err
	}
	h := sha256.New()
	mw := &countingHasher{w: f, h: h}
	if err := write(mw); err != nil {
		f.Close() //nolint:errcheck // best-effort close on write failure
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	digest := hex.EncodeToString(h.Sum(nil))
	if err := os.WriteFile(full+".sha256", []byte(digest+"\n"), 0o640); err != nil { // #nosec G703 -- full derived from trusted tmp root
		return err
	}
	manifest[relPath] = manifestEntry{SHA256: digest, Bytes: mw.n}
	return nil
}

// countingHasher tees every write through both the destination file and a
// running hash, and counts bytes written, so manifest entries are computed
// in a single pass.
type countingHasher struct {
	w interface{ Write([]byte) (int, error) }
	h interface{ Write([]byte) (int, error) }
	n int64
}

func (c *countingHasher) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	c.h.Write(p[:n]) //nolint:errcheck // hash.Hash.Write never returns an error
	c.n += int64(n)
	return n, nil
}

func wrapWriteErr(err error) error {
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	return errs.New(errs.BundleWriteFailed, "", err)
}

// deriveVerificationReport re-derives spec.md §8's six testable properties
// against the data just written, rather than hardcoding their verdicts.
// ManifestHash is computed over the manifest as accumulated up to this call
// (every file written before QA/verification_report.json): the final
// MANIFEST.json cannot include a hash of a file it has not written yet, so
// this field documents the pre-verification-report manifest state, not the
// grand-total MANIFEST.json digest the .sha256 sidecar carries.
func deriveVerificationReport(data BundleData, bundleTmp string, manifest map[string]manifestEntry) VerificationReport {
	soFarBytes, _ := json.Marshal(manifest)
	soFarHash := sha256.Sum256(soFarBytes)

	checks := []InvariantCheck{
		checkExhaustiveDisposition(data),
		checkPassthroughHashInvariant(data),
		checkMaskApplyInvariant(data),
		checkNoPHIFieldsInvariant(data),
		checkManifestDigests(bundleTmp, manifest),
		checkExportOrderingLogged(data),
	}
	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
			break
		}
	}

	return VerificationReport{
		StoresOriginalPixels:   false,
		StoresRecoveredPHIText: false,
		FileCount:              len(manifest),
		ManifestHash:           hex.EncodeToString(soFarHash[:]),
		Invariants:             checks,
		Passed:                 passed,
	}
}

// checkExhaustiveDisposition re-derives invariant 1: every ingested object
// settles into exactly one of the four closed dispositions — no silent
// drops.
func checkExhaustiveDisposition(data BundleData) InvariantCheck {
	const name = "exhaustive_disposition"
	valid := map[string]bool{"EXPORTED": true, "SKIPPED_UNSUPPORTED": true, "EXCLUDED_BY_SCOPE": true, "FAILED": true}
	for _, e := range data.SourceIndex {
		if !valid[e.Disposition] {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("file %q has non-closed disposition %q", e.Filename, e.Disposition)}
		}
	}
	return InvariantCheck{Name: name, Passed: true}
}

// checkPassthroughHashInvariant re-derives invariant 2: every pixel decision
// with pixel_action == NOT_APPLIED must carry an unchanged hash.
func checkPassthroughHashInvariant(data BundleData) InvariantCheck {
	const name = "passthrough_hash_exact"
	for _, r := range data.Decisions {
		if r.TargetType != trace.TargetPixel || r.Action != "NOT_APPLIED" {
			continue
		}
		if r.HashBefore != r.HashAfter {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("%s: source_pixel_hash %s != masked_pixel_hash %s", r.ScopeUID, r.HashBefore, r.HashAfter)}
		}
	}
	return InvariantCheck{Name: name, Passed: true}
}

// checkMaskApplyInvariant re-derives invariant 3: every pixel decision with
// pixel_action == MASK_APPLIED must carry a changed hash and be referenced
// by at least one masking-action record. (The Review Session that
// authorised it is sealed by construction: WriteBundle is only ever called
// after review.Session.Accept has succeeded, so that half of the invariant
// is a structural guarantee rather than one re-checked here.)
func checkMaskApplyInvariant(data BundleData) InvariantCheck {
	const name = "mask_applied_hash_and_provenance"
	maskedSOPs := map[string]bool{}
	for _, m := range data.MaskingActions {
		maskedSOPs[m.SOPInstanceUID] = true
	}
	for _, r := range data.Decisions {
		if r.TargetType != trace.TargetPixel || r.Action != "MASK_APPLIED" {
			continue
		}
		if r.HashBefore == r.HashAfter {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("%s: mask_applied but hash unchanged (%s)", r.ScopeUID, r.HashBefore)}
		}
		if !maskedSOPs[r.ScopeUID] {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("%s: mask_applied decision has no masking_actions record", r.ScopeUID)}
		}
	}
	return InvariantCheck{Name: name, Passed: true}
}

// checkNoPHIFieldsInvariant re-derives invariant 4 by running the same
// structural field-name scan verifyBundleData already performs before any
// file is written, recording its verdict here instead of only failing the
// whole write.
func checkNoPHIFieldsInvariant(data BundleData) InvariantCheck {
	const name = "no_phi_bearing_fields"
	if err := verifyBundleData(data); err != nil {
		return InvariantCheck{Name: name, Detail: err.Error()}
	}
	return InvariantCheck{Name: name, Passed: true}
}

// checkManifestDigests re-derives invariant 5 by re-reading every file
// written so far from disk and comparing its digest against the manifest
// entry recorded for it — an independent check, not a trust of the value
// writeFileWithHash already computed in the same pass.
func checkManifestDigests(bundleTmp string, manifest map[string]manifestEntry) InvariantCheck {
	const name = "manifest_digests_match"
	paths := make([]string, 0, len(manifest))
	for p := range manifest {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, relPath := range paths {
		entry := manifest[relPath]
		b, err := os.ReadFile(filepath.Join(bundleTmp, relPath)) // #nosec G703 -- relPath is a key this same call enumerated from bundleTmp's own manifest
		if err != nil {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("%s: re-read failed: %v", relPath, err)}
		}
		sum := sha256.Sum256(b)
		digest := hex.EncodeToString(sum[:])
		if digest != entry.SHA256 {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("%s: manifest digest %s != recomputed %s", relPath, entry.SHA256, digest)}
		}
	}
	return InvariantCheck{Name: name, Passed: true}
}

// checkExportOrderingLogged re-derives invariant 6 to the extent the bundle
// itself can observe it: internal/order.Order is a pure function tested
// directly (see orderer_test.go) for total-order and reorder-logging
// behaviour, so here the check only confirms every exported instance
// received a non-negative export index with no duplicates — the shape
// masked_index.json must have if the orderer ran at all.
func checkExportOrderingLogged(data BundleData) InvariantCheck {
	const name = "export_order_total_and_logged"
	seen := map[int]bool{}
	for _, e := range data.MaskedIndex {
		if e.ExportOrderIndex < 0 {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("%s: negative export_order_index", e.MaskedSOPInstanceUID)}
		}
		if seen[e.ExportOrderIndex] {
			return InvariantCheck{Name: name, Detail: fmt.Sprintf("duplicate export_order_index %d", e.ExportOrderIndex)}
		}
		seen[e.ExportOrderIndex] = true
	}
	return InvariantCheck{Name: name, Passed: true}
}

func verifyBundleData(data BundleData) error {
	for _, v := range []any{
		data.SourceIndex, data.SourceHashes, data.MaskedIndex, data.MaskedHashes,
		data.DetectionResults, data.MaskingActions, data.InstanceLinkage, data.Exceptions,
	} {
		if err := verifyNoPHIFields(v); err != nil {
			return err
		}
	}
	return verifyNoPHIFields(toDecisionLogRows(data.Decisions))
}

func toDecisionLogRows(records []trace.Record) []DecisionLogRow {
	out := make([]DecisionLogRow, 0, len(records))
	for _, r := range records {
		out = append(out, DecisionLogRow{
			ScopeLevel: string(r.ScopeLevel),
			ScopeUID:   r.ScopeUID,
			TargetType: string(r.TargetType),
			TargetName: r.TargetName,
			Action:     r.Action,
			ReasonCode: r.ReasonCode,
			HashBefore: r.HashBefore,
			HashAfter:  r.HashAfter,
			Timestamp:  r.Timestamp,
		})
	}
	return out
}

func sourceHashRows(rows []SourceHashRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.SourceSOPInstanceUID, r.SourcePixelHash, r.SourceSeriesUID, fmt.Sprint(r.InstanceNumber)})
	}
	return out
}

func maskedHashRows(rows []MaskedHashRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.MaskedSOPInstanceUID, r.MaskedPixelHash})
	}
	return out
}

func linkageRows(rows []LinkageRow) [][]string {
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.SourceStudyUID, r.SourceSeriesUID, r.SourceSOPUID, r.MaskedStudyUID, r.MaskedSeriesUID, r.MaskedSOPUID, r.UIDStrategy, r.DeterministicSaltID})
	}
	return out
}

func treeListing(manifest map[string]manifestEntry) []string {
	paths := make([]string, 0, len(manifest))
	for p := range manifest {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
