package evidence

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxelmask/deidentify/internal/region"
	"github.com/voxelmask/deidentify/internal/trace"
)

func sampleData() BundleData {
	return BundleData{
		RunID:               "run-001",
		StartedAt:           time.Unix(1700000000, 0).UTC(),
		ProfileName:         "research_safe_harbor",
		BuildVersion:        "0.1.0",
		BuildCommit:         "abc123",
		ConfigHash:          "deadbeef",
		DeterministicSaltID: "salt-1",
		SourceIndex: []SourceIndexEntry{
			{Filename: "IM0001.dcm", SOPInstanceUID: "1.2.3", SeriesUID: "1.2", StudyUID: "1", Disposition: "EXPORTED"},
		},
		SourceHashes: []SourceHashRow{
			{SourceSOPInstanceUID: "1.2.3", SourcePixelHash: "aa", SourceSeriesUID: "1.2", InstanceNumber: 1},
		},
		MaskedIndex: []MaskedIndexEntry{
			{Filename: "0001.dcm", MaskedSOPInstanceUID: "9.9.9", ExportOrderIndex: 0},
		},
		MaskedHashes: []MaskedHashRow{
			{MaskedSOPInstanceUID: "9.9.9", MaskedPixelHash: "bb"},
		},
		DetectionResults: []DetectionResultRow{
			{SourceSOPUID: "1.2.3", FrameIndex: 0, Region: region.Box{X: 1, Y: 2, W: 3, H: 4}, ConfidenceBucket: region.StrengthHigh, Engine: "stub", EngineVersion: "1", RulesetID: "r1", ConfigHash: "deadbeef"},
		},
		MaskingActions: []MaskingActionRow{
			{SOPInstanceUID: "1.2.3", Region: region.Box{X: 1, Y: 2, W: 3, H: 4}, FrameIndex: 0, Timestamp: time.Unix(1700000001, 0).UTC()},
		},
		Decisions: []trace.Record{
			{ScopeLevel: trace.ScopeInstance, ScopeUID: "1.2.3", TargetType: trace.TargetTag, TargetName: "PatientName", Action: "REMOVE", ReasonCode: "HIPAA_18_NAME", Timestamp: time.Unix(1700000002, 0).UTC()},
		},
		InstanceLinkage: []LinkageRow{
			{SourceStudyUID: "1", SourceSeriesUID: "1.2", SourceSOPUID: "1.2.3", MaskedStudyUID: "9", MaskedSeriesUID: "9.9", MaskedSOPUID: "9.9.9", UIDStrategy: "DETERMINISTIC_HASH", DeterministicSaltID: "salt-1"},
		},
		Exceptions: nil,
	}
}

func TestWriteBundle_ProducesManifestAndTree(t *testing.T) {
	tmp := t.TempDir()
	tmpDir := filepath.Join(tmp, "tmp")
	finalDir := filepath.Join(tmp, "EVIDENCE_run-001_20231114T221320Z")

	path, err := WriteBundle(tmpDir, finalDir, sampleData())
	if err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	if path != finalDir {
		t.Fatalf("WriteBundle returned %s, want %s", path, finalDir)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(finalDir, "MANIFEST.json"))
	if err != nil {
		t.Fatalf("read MANIFEST.json: %v", err)
	}
	var manifest map[string]manifestEntry
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	for _, want := range []string{
		"INPUT/source_index.json",
		"INPUT/source_hashes.csv",
		"OUTPUT/masked_index.json",
		"OUTPUT/masked_hashes.csv",
		"DECISIONS/detection_results.jsonl",
		"DECISIONS/masking_actions.jsonl",
		"DECISIONS/decision_log.jsonl",
		"LINKAGE/instance_linkage.csv",
		"QA/exceptions.jsonl",
		"QA/verification_report.json",
		"SIGNATURE/bundle_tree.txt",
	} {
		if _, ok := manifest[want]; !ok {
			t.Errorf("manifest missing entry %s", want)
		}
	}

	if _, err := os.Stat(filepath.Join(finalDir, "MANIFEST.json.sha256")); err != nil {
		t.Errorf("MANIFEST.json.sha256 missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(finalDir, "INPUT/source_hashes.csv.sha256")); err != nil {
		t.Errorf("per-file .sha256 missing: %v", err)
	}

	if _, err := os.Stat(bundleTmpPath(tmpDir, finalDir)); !os.IsNotExist(err) {
		t.Errorf("tmp staging dir should be gone after successful rename, stat err = %v", err)
	}
}

func bundleTmpPath(tmpDir, finalDir string) string {
	return filepath.Join(tmpDir, filepath.Base(finalDir)+".tmp")
}

func TestWriteBundle_VerificationReportAssertsNoPHI(t *testing.T) {
	tmp := t.TempDir()
	finalDir := filepath.Join(tmp, "EVIDENCE_run-002")
	_, err := WriteBundle(filepath.Join(tmp, "tmp"), finalDir, sampleData())
	if err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(finalDir, "QA/verification_report.json"))
	if err != nil {
		t.Fatalf("read verification_report.json: %v", err)
	}
	var report VerificationReport
	if err := json.Unmarshal(b, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.StoresOriginalPixels {
		t.Error("StoresOriginalPixels must be false")
	}
	if report.StoresRecoveredPHIText {
		t.Error("StoresRecoveredPHIText must be false")
	}
	if report.FileCount == 0 {
		t.Error("FileCount must reflect written files")
	}
}

func TestWriteBundle_DecisionLogOmitsTextValue(t *testing.T) {
	tmp := t.TempDir()
	finalDir := filepath.Join(tmp, "EVIDENCE_run-003")
	if _, err := WriteBundle(filepath.Join(tmp, "tmp"), finalDir, sampleData()); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(finalDir, "DECISIONS/decision_log.jsonl"))
	if err != nil {
		t.Fatalf("read decision_log.jsonl: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(b))
	if !scanner.Scan() {
		t.Fatal("expected at least one decision_log.jsonl line")
	}
	var row DecisionLogRow
	if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if row.TargetName != "PatientName" || row.Action != "REMOVE" {
		t.Fatalf("unexpected row: %+v", row)
	}
}

func TestVerifyNoPHIFields_RejectsDisallowedFieldName(t *testing.T) {
	type badRow struct {
		OriginalValue string
	}
	if err := verifyNoPHIFields([]badRow{{OriginalValue: "leak"}}); err == nil {
		t.Fatal("expected rejection of a struct carrying OriginalValue")
	}
}

func TestWriteBundle_VerificationReportInvariantsAllPass(t *testing.T) {
	tmp := t.TempDir()
	finalDir := filepath.Join(tmp, "EVIDENCE_run-005")
	if _, err := WriteBundle(filepath.Join(tmp, "tmp"), finalDir, sampleData()); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(finalDir, "QA/verification_report.json"))
	if err != nil {
		t.Fatalf("read verification_report.json: %v", err)
	}
	var report VerificationReport
	if err := json.Unmarshal(b, &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !report.Passed {
		t.Fatalf("expected all invariants to pass for well-formed sample data, got %+v", report.Invariants)
	}
	if len(report.Invariants) != 6 {
		t.Fatalf("expected 6 re-derived invariants, got %d", len(report.Invariants))
	}
	for _, inv := range report.Invariants {
		if !inv.Passed {
			t.Errorf("invariant %s failed: %s", inv.Name, inv.Detail)
		}
	}
	if report.ManifestHash == "" {
		t.Error("ManifestHash must be populated")
	}
}

func TestCheckExhaustiveDisposition_RejectsUnknownDisposition(t *testing.T) {
	data := sampleData()
	data.SourceIndex[0].Disposition = "MAYBE_LATER"
	got := checkExhaustiveDisposition(data)
	if got.Passed {
		t.Fatal("expected failure for non-closed disposition")
	}
}

func TestCheckPassthroughHashInvariant_CatchesHashMismatch(t *testing.T) {
	data := sampleData()
	data.Decisions = append(data.Decisions, trace.Record{
		ScopeUID: "1.2.3", TargetType: trace.TargetPixel, Action: "NOT_APPLIED",
		HashBefore: "aa", HashAfter: "bb",
	})
	got := checkPassthroughHashInvariant(data)
	if got.Passed {
		t.Fatal("expected failure when NOT_APPLIED decision changes the hash")
	}
}

func TestCheckMaskApplyInvariant_RequiresHashChangeAndProvenance(t *testing.T) {
	data := sampleData()
	data.Decisions = append(data.Decisions, trace.Record{
		ScopeUID: "1.2.3", TargetType: trace.TargetPixel, Action: "MASK_APPLIED",
		HashBefore: "aa", HashAfter: "aa",
	})
	if got := checkMaskApplyInvariant(data); got.Passed {
		t.Fatal("expected failure when MASK_APPLIED decision has unchanged hash")
	}

	data2 := sampleData()
	data2.Decisions = append(data2.Decisions, trace.Record{
		ScopeUID: "9.9.9", TargetType: trace.TargetPixel, Action: "MASK_APPLIED",
		HashBefore: "aa", HashAfter: "cc",
	})
	if got := checkMaskApplyInvariant(data2); got.Passed {
		t.Fatal("expected failure when MASK_APPLIED decision has no masking_actions record")
	}

	data3 := sampleData()
	data3.Decisions = append(data3.Decisions, trace.Record{
		ScopeUID: "1.2.3", TargetType: trace.TargetPixel, Action: "MASK_APPLIED",
		HashBefore: "aa", HashAfter: "cc",
	})
	if got := checkMaskApplyInvariant(data3); !got.Passed {
		t.Fatalf("expected pass when hash changed and masking_actions references the SOP: %s", got.Detail)
	}
}

func TestCheckManifestDigests_CatchesTamperedFile(t *testing.T) {
	tmp := t.TempDir()
	bundleTmp := filepath.Join(tmp, "bundle.tmp")
	if err := os.MkdirAll(bundleTmp, 0o750); err != nil {
		t.Fatalf("setup: %v", err)
	}
	relPath := "INPUT/source_index.json"
	full := filepath.Join(bundleTmp, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.WriteFile(full, []byte("original"), 0o640); err != nil {
		t.Fatalf("setup: %v", err)
	}
	sum := sha256.Sum256([]byte("original"))
	manifest := map[string]manifestEntry{relPath: {SHA256: hex.EncodeToString(sum[:]), Bytes: 8}}

	if got := checkManifestDigests(bundleTmp, manifest); !got.Passed {
		t.Fatalf("expected pass before tampering: %s", got.Detail)
	}

	if err := os.WriteFile(full, []byte("tampered!"), 0o640); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if got := checkManifestDigests(bundleTmp, manifest); got.Passed {
		t.Fatal("expected failure after file content diverges from its manifest digest")
	}
}

func TestCheckExportOrderingLogged_RejectsDuplicateIndex(t *testing.T) {
	data := sampleData()
	data.MaskedIndex = append(data.MaskedIndex, MaskedIndexEntry{
		Filename: "0002.dcm", MaskedSOPInstanceUID: "9.9.8", ExportOrderIndex: 0,
	})
	got := checkExportOrderingLogged(data)
	if got.Passed {
		t.Fatal("expected failure for duplicate export_order_index")
	}
}

func TestWriteBundle_FailsOnUnwritableTmpRoot(t *testing.T) {
	tmp := t.TempDir()
	blocked := filepath.Join(tmp, "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// blocked is a file, not a dir: MkdirAll underneath it must fail.
	_, err := WriteBundle(filepath.Join(blocked, "tmp"), filepath.Join(tmp, "EVIDENCE_run-004"), sampleData())
	if err == nil {
		t.Fatal("expected BundleWriteFailed when tmp root cannot be created")
	}
}
