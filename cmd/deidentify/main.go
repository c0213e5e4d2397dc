// Command deidentify is the copy-out de-identification engine's CLI
// front-end.
//
// It never writes back to the source system: inputs are read once, outputs
// are written to a separate directory, and a tamper-evident evidence bundle
// is committed alongside the run's status file.
//
// Usage:
//
//	deidentify <input_path> -o <output_path> [--profile NAME] [--salt-file PATH] [--report PATH]
//	           [--detect] [--mask-region sopInstanceUid:x,y,w,h[:frame]] [--mask-bulk-apply]
//
// --detect calls the configured detection endpoint for every image-category
// object, feeding its findings into the Review Session as candidate mask
// regions. --mask-region lets an operator add one more region by hand;
// --mask-bulk-apply expands that region into every other instance of the
// same series, per spec.md §4.7's bulk_apply semantics.
//
// Exit codes: 0 success, 2 preflight failure, 3 partial (some files
// skipped), 4 fatal (invariant or bundle failure), 5 cancelled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/voxelmask/deidentify/internal/classifier"
	"github.com/voxelmask/deidentify/internal/compliance"
	"github.com/voxelmask/deidentify/internal/config"
	"github.com/voxelmask/deidentify/internal/detection"
	"github.com/voxelmask/deidentify/internal/dicom"
	"github.com/voxelmask/deidentify/internal/evidence"
	"github.com/voxelmask/deidentify/internal/identity"
	"github.com/voxelmask/deidentify/internal/logger"
	"github.com/voxelmask/deidentify/internal/metrics"
	"github.com/voxelmask/deidentify/internal/order"
	"github.com/voxelmask/deidentify/internal/pixelguard"
	"github.com/voxelmask/deidentify/internal/region"
	"github.com/voxelmask/deidentify/internal/review"
	"github.com/voxelmask/deidentify/internal/runctl"
	"github.com/voxelmask/deidentify/internal/status"
	"github.com/voxelmask/deidentify/internal/trace"
)

// Exit codes per spec.md §6.4.
const (
	exitSuccess         = 0
	exitPreflightFailed = 2
	exitPartial         = 3
	exitFatal           = 4
	exitCancelled       = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("deidentify", flag.ContinueOnError)
	outputPath := fs.String("o", "", "output directory for de-identified objects")
	profileName := fs.String("profile", "", "compliance profile name")
	saltFile := fs.String("salt-file", "", "path to the HMAC secret-salt file")
	reportPath := fs.String("report", "", "optional path to write a human-readable run summary")
	detectFlag := fs.Bool("detect", false, "call the configured detection endpoint for every image object")
	maskRegionFlag := fs.String("mask-region", "", "operator mask region: sopInstanceUid:x,y,w,h[:frame]")
	maskBulkApply := fs.Bool("mask-bulk-apply", false, "expand --mask-region into every other instance of its series")
	if err := fs.Parse(args); err != nil {
		return exitFatal
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: deidentify <input_path> -o <output_path> [--profile NAME] [--salt-file PATH] [--report PATH] [--detect] [--mask-region SPEC] [--mask-bulk-apply]")
		return exitFatal
	}
	inputPath := fs.Arg(0)

	log := logger.New("CLI", "info")

	cfg := config.Load()
	if *profileName != "" {
		cfg.ProfileName = *profileName
	}
	if *outputPath != "" {
		cfg.OutputRoot = *outputPath
	}
	if *saltFile != "" {
		cfg.SaltFile = *saltFile
		if b, err := os.ReadFile(cfg.SaltFile); err == nil { //nolint:gosec // G703: operator-supplied CLI flag, not request input
			cfg.AnonymizationSalt = b
		}
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCfg := runctl.Config{
		ProfileName:       cfg.ProfileName,
		OutputRoot:        cfg.OutputRoot,
		TempRoot:          cfg.TempRoot,
		DetectionEndpoint: cfg.DetectionEndpoint,
		DetectionOptional: cfg.DetectionOptional,
	}

	if err := runctl.PruneStaleTmp(cfg.OutputRoot, time.Now().Add(-24*time.Hour)); err != nil {
		log.Warnf("PREFLIGHT", "stale tmp prune: %v", err)
	}

	if err := runctl.Preflight(runCfg, detectionReachable); err != nil {
		root, werr := runctl.WritePreflightFailedStatus(cfg.OutputRoot, time.Now(), err)
		if werr != nil {
			log.Errorf("PREFLIGHT", "failed to record preflight failure: %v", werr)
		}
		log.Errorf("PREFLIGHT", "%v (status recorded at %s)", err, root)
		return exitPreflightFailed
	}

	handle, err := runctl.OpenRun(cfg.OutputRoot, runCfg, time.Now())
	if err != nil {
		log.Errorf("RUN", "open_run: %v", err)
		return exitFatal
	}
	log.Infof("RUN", "opened run %s", handle.RunID)

	m := metrics.New()
	if cfg.StatusPort != 0 {
		srv := status.New(handle, m, cfg.StatusToken)
		go func() {
			if err := srv.ListenAndServe(cfg.StatusPort); err != nil && err != http.ErrServerClosed {
				log.Errorf("STATUS", "listen: %v", err)
			}
		}()
	}

	profile, err := compliance.Lookup(cfg.ProfileName)
	if err != nil {
		_ = runctl.Fail(handle, "profile_unknown")
		log.Errorf("RUN", "profile_unknown: %s (known: %v)", cfg.ProfileName, compliance.ListProfiles())
		return exitFatal
	}

	files, err := discoverFiles(inputPath)
	if err != nil {
		_ = runctl.Fail(handle, "no_files_processed")
		log.Errorf("INGEST", "discover_files: %v", err)
		return exitFatal
	}
	if len(files) == 0 {
		_ = runctl.Fail(handle, "no_files_processed")
		log.Errorf("INGEST", "no candidate files under %s", inputPath)
		return exitFatal
	}

	session := review.New()
	collector := trace.New()
	scope := compliance.SelectionScope{IncludeImages: cfg.IncludeImages, IncludeDocuments: cfg.IncludeDocuments}
	researchCtx := compliance.ResearchContext{
		TrialID:   cfg.ResearchContext.TrialID,
		SiteID:    cfg.ResearchContext.SiteID,
		SubjectID: cfg.ResearchContext.SubjectID,
	}

	bundle := evidence.BundleData{
		RunID:               handle.RunID,
		StartedAt:           time.Now(),
		ProfileName:         profile.Name,
		BuildVersion:        buildVersion,
		BuildCommit:         buildCommit,
		ConfigHash:          identity.HashBytes([]byte(cfg.ProfileName + cfg.OutputRoot)).String(),
		DeterministicSaltID: identity.HashBytes(cfg.AnonymizationSalt).String(),
	}

	var partial bool
	var fatalErr error
	var fatalReason string

	// Phase 1: ingest every candidate file, classify it, and record its
	// file↔UID mapping with the Review Session. Objects that never reach an
	// exportable state (parse failure, unsupported, excluded by scope) are
	// finalised here; everything else is carried into ingested for Phase 2
	// once the region set the Review Session will export has been decided.
	var ingested []ingestRecord
	for i, f := range files {
		select {
		case <-ctx.Done():
			_ = runctl.Fail(handle, "cancelled")
			return exitCancelled
		default:
		}

		m.ObjectsIngested.Add(1)
		name := filepath.Base(f)
		raw, err := os.ReadFile(f) //nolint:gosec // G703: f enumerated from operator-supplied input_path, not request input
		if err != nil {
			m.ObjectsFailed.Add(1)
			bundle.Exceptions = append(bundle.Exceptions, evidence.ExceptionRow{Filename: name, Severity: "ERROR", Reason: err.Error(), Timestamp: time.Now()})
			bundle.SourceIndex = append(bundle.SourceIndex, evidence.SourceIndexEntry{Filename: name, Disposition: "FAILED", Reason: err.Error()})
			continue
		}

		obj, parseErr := dicom.Load(raw, name)
		category := classifier.ClassifyOrUnsupported(obj)
		if parseErr != nil || category == classifier.CategoryUnsupported {
			m.ObjectsSkipped.Add(1)
			partial = true
			reason := "not a recognised medical-image object"
			if parseErr != nil {
				reason = parseErr.Error()
			}
			bundle.Exceptions = append(bundle.Exceptions, evidence.ExceptionRow{Filename: name, Severity: "WARNING", Reason: reason, Timestamp: time.Now()})
			bundle.SourceIndex = append(bundle.SourceIndex, evidence.SourceIndexEntry{Filename: name, Disposition: "SKIPPED_UNSUPPORTED", Reason: reason})
			continue
		}

		sopUID := tagStr(obj, dicom.TagSOPInstanceUID)
		seriesUID := tagStr(obj, dicom.TagSeriesInstanceUID)
		studyUID := tagStr(obj, dicom.TagStudyInstanceUID)
		session.RecordFileUID(name, sopUID, category)

		if excluded, reason := scopeExclusion(category, scope); excluded {
			m.ObjectsExcluded.Add(1)
			bundle.SourceIndex = append(bundle.SourceIndex, evidence.SourceIndexEntry{
				Filename: name, SOPInstanceUID: sopUID, SeriesUID: seriesUID, StudyUID: studyUID,
				Disposition: "EXCLUDED_BY_SCOPE", Reason: reason,
			})
			continue
		}

		ingested = append(ingested, ingestRecord{
			name: name, obj: obj, sopUID: sopUID, seriesUID: seriesUID, studyUID: studyUID,
			category: category, ingestIndex: i,
		})
	}

	// Phase 1b: run detection (if requested), then apply any operator
	// mask-region, before the session is sealed. detectionRan only becomes
	// true once a Detect call actually succeeds, so Start's manual argument
	// reflects what happened this run rather than just the CLI flag.
	var detectionRan bool
	if *detectFlag {
		detector, derr := buildDetector(cfg)
		if derr != nil {
			log.Warnf("DETECT", "detector unavailable: %v", derr)
		} else {
			defer detector.Close() //nolint:errcheck // best-effort cache close on shutdown
			for _, rec := range ingested {
				if rec.category != classifier.CategoryImage {
					continue
				}
				found, err := detector.Detect(ctx, rec.obj.PixelBytes(), tagStr(rec.obj, dicom.TagModality), detection.ZonePolicy{})
				if err != nil {
					session.RegisterPreflightFinding(review.PreflightFinding{Code: "DETECTION_UNAVAILABLE", Detail: rec.sopUID})
					log.Warnf("DETECT", "detection unavailable for %s: %v", rec.sopUID, err)
					continue
				}
				detectionRan = true
				for _, r := range found {
					r.SOPInstanceUID = rec.sopUID
					r.ReviewerAction = autoReviewerAction(r.DefaultAction)
					if _, err := session.AddRegion(r); err != nil {
						log.Warnf("DETECT", "add_region: %v", err)
						continue
					}
					bundle.DetectionResults = append(bundle.DetectionResults, evidence.DetectionResultRow{
						SourceSOPUID: rec.sopUID, FrameIndex: r.FrameIndex, Region: r.Box,
						ConfidenceBucket: r.Strength, Engine: "external_http_detector",
						EngineVersion: buildVersion, RulesetID: cfg.ProfileName, ConfigHash: bundle.ConfigHash,
					})
				}
			}
		}
	}

	if err := session.Start(!detectionRan); err != nil {
		_ = runctl.Fail(handle, "cancelled")
		return exitFatal
	}

	if *maskRegionFlag != "" {
		applyOperatorMask(session, ingested, *maskRegionFlag, *maskBulkApply, log)
	}

	if err := session.Accept(); err != nil {
		_ = runctl.Fail(handle, "cancelled")
		log.Errorf("REVIEW", "accept: %v", err)
		return exitFatal
	}

	// Phase 2: plan and apply the compliance decision for every ingested
	// object, now that the Review Session's accepted region set is final.
	seriesOrder := map[string][]order.OrderInput{}
	sopToFilename := map[string]string{}

	for _, rec := range ingested {
		select {
		case <-ctx.Done():
			_ = runctl.Fail(handle, "cancelled")
			return exitCancelled
		default:
		}

		obj := rec.obj
		maskRegions := acceptedMaskRegions(session, rec.sopUID)

		planStart := time.Now()
		plan := compliance.Plan(obj, compliance.PlanInput{
			Profile:         profile,
			Scope:           scope,
			Secret:          cfg.AnonymizationSalt,
			Context:         researchCtx,
			RegionsAccepted: len(maskRegions) > 0,
			ObjectCategory:  rec.category,
		})
		m.RecordPlanLatency(time.Since(planStart))

		sourcePixelHash := identity.HashBytes(obj.PixelBytes())
		output := obj.Clone()
		applied := compliance.Apply(output, plan)
		stampDeidentificationMethod(output, profile, applied)

		if plan.PixelAction == compliance.PixelMaskApplied {
			if err := pixelguard.Burn(output, maskRegions); err != nil {
				fatalErr = err
				fatalReason = "pixel_invariant"
				break
			}
		}

		result, pgErr := pixelguard.Enforce(obj, output, plan.PixelAction)
		if pgErr != nil {
			fatalErr = pgErr
			fatalReason = "pixel_invariant"
			break
		}
		if plan.PixelAction == compliance.PixelMaskApplied {
			m.PixelMasked.Add(1)
		} else {
			m.PixelPassthrough.Add(1)
		}

		now := time.Now()
		for _, a := range applied {
			_ = collector.Add(trace.Record{
				ScopeLevel: trace.ScopeInstance,
				ScopeUID:   rec.sopUID,
				TargetType: trace.TargetTag,
				TargetName: a.Decision.Tag.String(),
				Action:     string(a.Decision.Action),
				ReasonCode: a.Decision.ReasonCode,
				HashBefore: a.HashBefore,
				HashAfter:  a.HashAfter,
				Timestamp:  now,
			})
		}

		pixelReason := "PIXEL_PASSTHROUGH_VERIFIED"
		if plan.PixelAction == compliance.PixelMaskApplied {
			pixelReason = maskReasonCode(maskRegions)
			for _, r := range maskRegions {
				var bulkSrc, bulkID string
				if r.Bulk != nil {
					bulkSrc, bulkID = r.Bulk.SourceSOPInstanceUID, r.Bulk.BulkOperationID
				}
				bundle.MaskingActions = append(bundle.MaskingActions, evidence.MaskingActionRow{
					SOPInstanceUID: rec.sopUID, Region: r.Box, FrameIndex: r.FrameIndex,
					BulkSourceSOPUID: bulkSrc, BulkOperationID: bulkID, Timestamp: now,
				})
			}
		}
		_ = collector.Add(trace.Record{
			ScopeLevel: trace.ScopeInstance,
			ScopeUID:   rec.sopUID,
			TargetType: trace.TargetPixel,
			TargetName: "pixel_data",
			Action:     string(plan.PixelAction),
			ReasonCode: pixelReason,
			HashBefore: result.SourceHash.String(),
			HashAfter:  result.OutputHash.String(),
			Timestamp:  now,
		})

		outBytes := output.Write()
		outDir := filepath.Join(cfg.OutputRoot, handle.RunID, "objects")
		if err := os.MkdirAll(outDir, 0o750); err != nil { // #nosec G703 -- outDir derived from the run's own output root
			fatalErr = err
			fatalReason = "bundle_write"
			break
		}
		if err := os.WriteFile(filepath.Join(outDir, rec.name), outBytes, 0o640); err != nil { // #nosec G703 -- path derived from run-owned outDir
			fatalErr = err
			fatalReason = "bundle_write"
			break
		}

		m.ObjectsExported.Add(1)
		bundle.SourceIndex = append(bundle.SourceIndex, evidence.SourceIndexEntry{
			Filename: rec.name, SOPInstanceUID: rec.sopUID, SeriesUID: rec.seriesUID, StudyUID: rec.studyUID, Disposition: "EXPORTED",
		})
		bundle.SourceHashes = append(bundle.SourceHashes, evidence.SourceHashRow{
			SourceSOPInstanceUID: rec.sopUID, SourcePixelHash: sourcePixelHash.String(), SourceSeriesUID: rec.seriesUID,
			InstanceNumber: tagInt(obj, dicom.TagInstanceNumber),
		})
		maskedSOPUID := tagStr(output, dicom.TagSOPInstanceUID)
		bundle.MaskedHashes = append(bundle.MaskedHashes, evidence.MaskedHashRow{
			MaskedSOPInstanceUID: maskedSOPUID, MaskedPixelHash: result.OutputHash.String(),
		})
		bundle.InstanceLinkage = append(bundle.InstanceLinkage, evidence.LinkageRow{
			SourceStudyUID: rec.studyUID, SourceSeriesUID: rec.seriesUID, SourceSOPUID: rec.sopUID,
			MaskedStudyUID: tagStr(output, dicom.TagStudyInstanceUID), MaskedSeriesUID: tagStr(output, dicom.TagSeriesInstanceUID), MaskedSOPUID: maskedSOPUID,
			UIDStrategy: string(profile.UIDPolicy), DeterministicSaltID: bundle.DeterministicSaltID,
		})

		sopToFilename[maskedSOPUID] = rec.name
		seriesOrder[rec.seriesUID] = append(seriesOrder[rec.seriesUID], order.OrderInput{
			SOPInstanceUID: maskedSOPUID, InstanceNumber: tagInt(output, dicom.TagInstanceNumber),
			AcquisitionTime: tagStr(output, dicom.TagAcquisitionTime), IngestIndex: rec.ingestIndex,
		})
	}

	if fatalErr != nil {
		_ = runctl.Fail(handle, fatalReason)
		log.Errorf("RUN", "fatal: %v", fatalErr)
		return exitFatal
	}

	for _, findings := range orderSeries(seriesOrder) {
		exported := order.Order(findings)
		for _, r := range exported.Reorders {
			log.Infof("ORDER", "reordered %s: ingest=%d export=%d method=%s", r.SOPInstanceUID, r.IngestIndex, r.ExportPosition, r.Method)
		}
		for _, e := range exported.Entries {
			if e.Excluded {
				continue
			}
			bundle.MaskedIndex = append(bundle.MaskedIndex, evidence.MaskedIndexEntry{
				Filename: sopToFilename[e.SOPInstanceUID], MaskedSOPInstanceUID: e.SOPInstanceUID, ExportOrderIndex: e.ExportIndex,
			})
		}
	}

	bundle.Decisions = collector.Records()

	finalDir := filepath.Join(handle.BundleDir, fmt.Sprintf("EVIDENCE_%s_%s", handle.RunID, bundle.StartedAt.UTC().Format("20060102T150405Z")))
	bundlePath, err := evidence.WriteBundle(handle.TempDir, finalDir, bundle)
	if err != nil {
		_ = runctl.Fail(handle, "bundle_write")
		log.Errorf("BUNDLE", "write_bundle: %v", err)
		return exitFatal
	}
	if err := collector.Commit(func([]trace.Record) error { return nil }); err != nil {
		_ = runctl.Fail(handle, "bundle_write")
		return exitFatal
	}

	if err := runctl.Complete(handle); err != nil {
		log.Errorf("RUN", "complete: %v", err)
		return exitFatal
	}
	log.Infof("RUN", "completed: bundle at %s", bundlePath)

	if *reportPath != "" {
		writeReport(*reportPath, handle.RunID, bundlePath, m)
	}

	if partial {
		return exitPartial
	}
	return exitSuccess
}

// buildVersion/buildCommit are populated by the release build via
// -ldflags "-X main.buildVersion=... -X main.buildCommit=...".
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

// ingestRecord is one surviving object carried from Phase 1 (ingest) into
// Phase 2 (plan/apply), once the Review Session's region set is sealed.
type ingestRecord struct {
	name        string
	obj         *dicom.Object
	sopUID      string
	seriesUID   string
	studyUID    string
	category    classifier.Category
	ingestIndex int
}

// detectorCache is the CachingDetector buildDetector returns, plus a Close
// that closes its cache so the run loop can release it on shutdown.
type detectorCache struct {
	*detection.CachingDetector
}

func (d *detectorCache) Close() error { return d.Cache.Close() }

// buildDetector constructs the CLI's own HTTP-calling Detector implementation
// (internal/detection defines the interface only, per spec.md §4.6) wrapped
// in a pixel-frame-hash-keyed cache backed by bbolt, so repeated frames
// across a run never hit the external detector twice.
func buildDetector(cfg *config.Config) (*detectorCache, error) {
	cachePath := filepath.Join(cfg.OutputRoot, ".detection-cache.db")
	backing, err := detection.NewBboltCache(cachePath)
	if err != nil {
		backing = detection.NewMemoryCache()
	}
	cache := detection.NewS3FIFOCache(backing, 4096)
	timeout := time.Duration(cfg.DetectionTimeoutMs) * time.Millisecond
	cd := &detection.CachingDetector{Inner: newHTTPDetector(cfg.DetectionEndpoint, timeout), Cache: cache}
	return &detectorCache{CachingDetector: cd}, nil
}

// autoReviewerAction auto-accepts a detector's suggested disposition: the CLI
// has no interactive operator, so a detector-sourced region is treated as
// reviewed the moment it is added, the way a batch pipeline would apply a
// standing operator policy instead of asking a human every run.
func autoReviewerAction(d region.DefaultAction) region.ReviewerAction {
	if d == region.DefaultActionMask {
		return region.ReviewerActionMask
	}
	return region.ReviewerActionKeep
}

// applyOperatorMask parses spec (sopInstanceUid:x,y,w,h[:frame]), adds it to
// session as an operator-sourced mask region, and — if bulkApply is set —
// expands it into every other ingested instance of the same series via
// session.BulkApply, per spec.md §4.7.
func applyOperatorMask(session *review.Session, ingested []ingestRecord, spec string, bulkApply bool, log *logger.Logger) {
	sopUID, box, frameIndex, err := parseMaskRegion(spec)
	if err != nil {
		log.Errorf("MASK", "--mask-region: %v", err)
		return
	}
	r := region.Region{
		SOPInstanceUID: sopUID,
		Box:            box,
		Source:         region.SourceOperator,
		Strength:       region.StrengthNone,
		Zone:           region.ZoneHeader,
		DefaultAction:  region.DefaultActionMask,
		ReviewerAction: region.ReviewerActionMask,
		FrameIndex:     frameIndex,
	}
	regionID, err := session.AddRegion(r)
	if err != nil {
		log.Errorf("MASK", "add_region: %v", err)
		return
	}
	if !bulkApply {
		return
	}
	source := findIngestRecord(ingested, sopUID)
	if source == nil {
		log.Errorf("MASK", "bulk_apply: unknown sop_instance_uid %s", sopUID)
		return
	}
	var targets []review.BulkTarget
	for _, rec := range ingested {
		if rec.sopUID == sopUID || rec.seriesUID != source.seriesUID {
			continue
		}
		targets = append(targets, review.BulkTarget{SOPInstanceUID: rec.sopUID, Category: rec.category})
	}
	created, err := session.BulkApply(regionID, source.category, targets)
	if err != nil {
		log.Errorf("MASK", "bulk_apply: %v", err)
		return
	}
	log.Infof("MASK", "bulk_apply expanded %s into %d regions", regionID, len(created))
}

// parseMaskRegion parses the --mask-region flag's
// "sopInstanceUid:x,y,w,h[:frame]" syntax. frame defaults to -1 (all frames)
// when omitted.
func parseMaskRegion(spec string) (sopUID string, box region.Box, frameIndex int, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return "", region.Box{}, 0, fmt.Errorf("expected sopInstanceUid:x,y,w,h[:frame], got %q", spec)
	}
	coords := strings.Split(parts[1], ",")
	if len(coords) != 4 {
		return "", region.Box{}, 0, fmt.Errorf("expected 4 comma-separated coordinates, got %q", parts[1])
	}
	vals := make([]int, 4)
	for i, c := range coords {
		n, cerr := strconv.Atoi(strings.TrimSpace(c))
		if cerr != nil {
			return "", region.Box{}, 0, fmt.Errorf("coordinate %q: %w", c, cerr)
		}
		vals[i] = n
	}
	frameIndex = -1
	if len(parts) >= 3 && parts[2] != "" {
		n, ferr := strconv.Atoi(strings.TrimSpace(parts[2]))
		if ferr != nil {
			return "", region.Box{}, 0, fmt.Errorf("frame index %q: %w", parts[2], ferr)
		}
		frameIndex = n
	}
	return parts[0], region.Box{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, frameIndex, nil
}

func findIngestRecord(records []ingestRecord, sopUID string) *ingestRecord {
	for i := range records {
		if records[i].sopUID == sopUID {
			return &records[i]
		}
	}
	return nil
}

// acceptedMaskRegions returns the sealed Review Session's mask-disposition
// regions for sopUID — the subset compliance.Plan's RegionsAccepted input
// and pixelguard.Burn's geometry both derive from.
func acceptedMaskRegions(session *review.Session, sopUID string) []region.Region {
	var out []region.Region
	for _, r := range session.RegionsFor(sopUID) {
		if r.ReviewerAction == region.ReviewerActionMask {
			out = append(out, r)
		}
	}
	return out
}

// maskReasonCode derives the closed reason code a MASK_APPLIED pixel decision
// carries from the provenance of the regions that drove it: any
// detector-sourced region makes the finding BURNED_IN_TEXT_DETECTED, else it
// is a purely operator-selected USER_MASK_REGION_SELECTED.
func maskReasonCode(regions []region.Region) string {
	for _, r := range regions {
		if r.Source == region.SourceDetector {
			return "BURNED_IN_TEXT_DETECTED"
		}
	}
	return "USER_MASK_REGION_SELECTED"
}

// detectionReachable probes the configured detection endpoint with a short
// timeout. It is only consulted by preflight when detection is not marked
// optional.
func detectionReachable(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(endpoint) //nolint:gosec // G703: endpoint is operator-configured, not request input
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on a reachability probe
	return true
}

// discoverFiles walks inputPath (a single file or a directory tree) and
// returns every candidate path. Acceptance happens later by magic-byte probe
// inside dicom.Load, per spec.md §6.1 — this only enumerates candidates.
func discoverFiles(inputPath string) ([]string, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{inputPath}, nil
	}
	var out []string
	err = filepath.Walk(inputPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// scopeExclusion reports whether category falls outside scope, and why.
func scopeExclusion(category classifier.Category, scope compliance.SelectionScope) (bool, string) {
	switch category {
	case classifier.CategoryImage:
		if !scope.IncludeImages {
			return true, "SCOPE_IMAGES_EXCLUDED"
		}
	case classifier.CategoryDocument, classifier.CategoryStructuredReport, classifier.CategoryEncapsulatedPDF:
		if !scope.IncludeDocuments {
			return true, "SCOPE_DOCUMENTS_EXCLUDED"
		}
	}
	return false, ""
}

func tagStr(obj *dicom.Object, tag dicom.Tag) string {
	if v, ok := obj.Get(tag); ok {
		return v.Str
	}
	return ""
}

func tagInt(obj *dicom.Object, tag dicom.Tag) int {
	v, ok := obj.Get(tag)
	if !ok {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(v.Str, "%d", &n)
	return n
}

// stampDeidentificationMethod composes a profile's method tag from the set
// of distinct reason-code categories actually applied to this object,
// grounding the output tag in what happened rather than a static label.
func stampDeidentificationMethod(obj *dicom.Object, profile *compliance.Profile, applied []compliance.AppliedTag) {
	seen := map[string]bool{profile.DeidentificationMethod: true}
	var parts []string
	parts = append(parts, profile.DeidentificationMethod)
	for _, a := range applied {
		if !seen[a.Decision.ReasonCode] {
			seen[a.Decision.ReasonCode] = true
			parts = append(parts, a.Decision.ReasonCode)
		}
	}
	obj.Set(dicom.TagDeidentificationMethod, dicom.TextValue(joinMethod(parts)))
}

func joinMethod(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

// orderSeries returns each series' accumulated OrderInput slice, sorted by
// series UID so ordering diagnostics print deterministically.
func orderSeries(bySeries map[string][]order.OrderInput) [][]order.OrderInput {
	keys := make([]string, 0, len(bySeries))
	for k := range bySeries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]order.OrderInput, 0, len(keys))
	for _, k := range keys {
		out = append(out, bySeries[k])
	}
	return out
}

func writeReport(path, runID, bundlePath string, m *metrics.Metrics) {
	snap := m.Snapshot()
	content := fmt.Sprintf(
		"run:      %s\nbundle:   %s\ningested: %d\nexported: %d\nskipped:  %d\nexcluded: %d\nfailed:   %d\n",
		runID, bundlePath, snap.Objects.Ingested, snap.Objects.Exported, snap.Objects.Skipped, snap.Objects.Excluded, snap.Objects.Failed,
	)
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil { // #nosec G703 -- path is an operator-supplied CLI flag
		fmt.Fprintf(os.Stderr, "warning: could not write report to %s: %v\n", path, err)
	}
}
