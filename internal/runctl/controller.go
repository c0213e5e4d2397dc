// Package runctl implements the Run Controller: preflight checks, run
// directory lifecycle, and the one-way status transitions that gate every
// other component's access to run-owned paths. Status persistence uses the
// same atomic temp-file-then-rename pattern the teacher's domain registry
// uses to survive a crash mid-write.
package runctl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/voxelmask/deidentify/internal/errs"
	"github.com/voxelmask/deidentify/internal/identity"
)

// Status is one of the five Run Context lifecycle states.
type Status string

// The Run Context statuses.
const (
	StatusPending        Status = "pending"
	StatusPreflightFailed Status = "preflight_failed"
	StatusInProgress     Status = "in_progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Config is the subset of application configuration the controller needs to
// preflight and open a run.
type Config struct {
	ProfileName        string
	OutputRoot         string
	TempRoot           string
	DetectionEndpoint  string
	DetectionOptional  bool
	MinFreeDiskBytes   int64 // 0 means use the 250MB default
}

const defaultMinFreeDiskBytes = 250 * 1024 * 1024

// DetectionReachabilityCheck reports whether the configured detection
// dependency is reachable. Passed in by the caller so this package never
// dials a network itself.
type DetectionReachabilityCheck func(endpoint string) bool

// PreflightFailure is one failed preflight check.
type PreflightFailure struct {
	Check  string
	Detail string
}

// Preflight runs every check spec.md §4.11 requires, all of which must
// pass. It never reads any input object. On failure it returns a
// PreflightFailed error whose Context lists every failing check (not just
// the first), so a single run gives the operator the complete picture.
func Preflight(cfg Config, reachable DetectionReachabilityCheck) error {
	var failures []PreflightFailure

	if cfg.ProfileName == "" {
		failures = append(failures, PreflightFailure{"profile_selected", "no compliance profile selected"})
	}
	if err := checkWritableDir(cfg.OutputRoot); err != nil {
		failures = append(failures, PreflightFailure{"output_root_writable", err.Error()})
	}
	if err := checkWritableDir(cfg.TempRoot); err != nil {
		failures = append(failures, PreflightFailure{"temp_root_writable", err.Error()})
	}
	minFree := cfg.MinFreeDiskBytes
	if minFree <= 0 {
		minFree = defaultMinFreeDiskBytes
	}
	if free, err := freeDiskBytes(cfg.TempRoot); err != nil {
		failures = append(failures, PreflightFailure{"free_disk_space", err.Error()})
	} else if free < minFree {
		failures = append(failures, PreflightFailure{"free_disk_space", fmt.Sprintf("%d bytes free, need >= %d", free, minFree)})
	}
	if !cfg.DetectionOptional {
		if reachable == nil || !reachable(cfg.DetectionEndpoint) {
			failures = append(failures, PreflightFailure{"detection_dependency_reachable", "detection endpoint unreachable and not marked optional"})
		}
	}

	if len(failures) == 0 {
		return nil
	}
	detail := ""
	for i, f := range failures {
		if i > 0 {
			detail += "; "
		}
		detail += f.Check + ": " + f.Detail
	}
	return errs.New(errs.PreflightFailed, detail, nil)
}

func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("path not configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil { // #nosec G703 -- dir comes from operator-supplied config, not request input
		return fmt.Errorf("mkdir: %w", err)
	}
	probe := filepath.Join(dir, ".preflight-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil { // #nosec G703 -- probe path built from the same trusted dir
		return fmt.Errorf("not writable: %w", err)
	}
	return os.Remove(probe)
}

// runStatusDoc is the on-disk shape of run_status.json.
type runStatusDoc struct {
	RunID         string    `json:"runId"`
	Status        Status    `json:"status"`
	ProfileName   string    `json:"profileName"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
}

// RunHandle is the Run Controller's exclusive handle on one run's lifecycle
// and paths. Other components only ever touch run-owned paths through
// fields read off a handle; they never construct paths themselves.
type RunHandle struct {
	mu sync.Mutex

	RunID     string
	Root      string
	BundleDir string
	LogsDir   string
	ReceiptsDir string
	TempDir   string
	ViewerDir string

	cfg       Config
	startedAt time.Time
	status    Status
	completedAt time.Time
	failureReason string
}

// OpenRun creates `<baseRoot>/<run_id>/{bundle,logs,receipts,tmp,viewer}/`
// and writes an initial run_status.json with status in_progress. Preflight
// must already have passed; OpenRun does not re-check it.
func OpenRun(baseRoot string, cfg Config, now time.Time) (*RunHandle, error) {
	runID := identity.MintRunID(now)
	root := filepath.Join(baseRoot, runID)

	h := &RunHandle{
		RunID:       runID,
		Root:        root,
		BundleDir:   filepath.Join(root, "bundle"),
		LogsDir:     filepath.Join(root, "logs"),
		ReceiptsDir: filepath.Join(root, "receipts"),
		TempDir:     filepath.Join(root, "tmp"),
		ViewerDir:   filepath.Join(root, "viewer"),
		cfg:         cfg,
		startedAt:   now,
		status:      StatusInProgress,
	}

	for _, dir := range []string{h.BundleDir, h.LogsDir, h.ReceiptsDir, h.TempDir, h.ViewerDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil { // #nosec G703 -- dir derived from operator-configured baseRoot + minted run id
			return nil, errs.New(errs.PreflightFailed, "mkdir "+dir, err)
		}
	}
	if err := h.writeStatus(); err != nil {
		return nil, err
	}
	return h, nil
}

// Fail transitions the run to failed with reason. One-way: a run already
// completed or failed is unchanged and the call returns an error.
func Fail(h *RunHandle, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusCompleted || h.status == StatusFailed {
		return fmt.Errorf("run %s already in terminal state %s", h.RunID, h.status)
	}
	h.status = StatusFailed
	h.failureReason = reason
	h.completedAt = time.Now()
	return h.writeStatusLocked()
}

// Complete transitions the run to completed. One-way: a run already
// completed or failed is unchanged and the call returns an error. Per
// spec.md §3 this must only be called after the Evidence Bundle Writer and
// the Decision Collector's Commit have both succeeded.
func Complete(h *RunHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusCompleted || h.status == StatusFailed {
		return fmt.Errorf("run %s already in terminal state %s", h.RunID, h.status)
	}
	h.status = StatusCompleted
	h.completedAt = time.Now()
	return h.writeStatusLocked()
}

// StatusNow reports the run's current status.
func (h *RunHandle) StatusNow() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Snapshot is a point-in-time, read-only view of a run's lifecycle state,
// safe to hand to the status introspection API or to log.
type Snapshot struct {
	RunID         string    `json:"runId"`
	Status        Status    `json:"status"`
	ProfileName   string    `json:"profileName"`
	StartedAt     time.Time `json:"startedAt"`
	FailureReason string    `json:"failureReason,omitempty"`
}

// RunSnapshot returns h's current lifecycle state.
func (h *RunHandle) RunSnapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		RunID:         h.RunID,
		Status:        h.status,
		ProfileName:   h.cfg.ProfileName,
		StartedAt:     h.startedAt,
		FailureReason: h.failureReason,
	}
}

func (h *RunHandle) writeStatus() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeStatusLocked()
}

// writeStatusLocked must be called with h.mu held.
func (h *RunHandle) writeStatusLocked() error {
	doc := runStatusDoc{
		RunID:         h.RunID,
		Status:        h.status,
		ProfileName:   h.cfg.ProfileName,
		StartedAt:     h.startedAt,
		FailureReason: h.failureReason,
	}
	if h.status == StatusCompleted || h.status == StatusFailed {
		ca := h.completedAt
		doc.CompletedAt = &ca
	}
	return writeJSONAtomic(filepath.Join(h.Root, "run_status.json"), doc)
}

// WritePreflightFailedStatus emits a standalone run_status.json with
// status=preflight_failed when open_run is never reached, per spec.md
// §4.11/§4.12: no input is read, and receipts/logs are left untouched.
func WritePreflightFailedStatus(baseRoot string, now time.Time, cause error) (string, error) {
	runID := identity.MintRunID(now)
	root := filepath.Join(baseRoot, runID)
	if err := os.MkdirAll(root, 0o750); err != nil { // #nosec G703 -- root derived from operator-configured baseRoot + minted run id
		return "", err
	}
	doc := runStatusDoc{
		RunID:         runID,
		Status:        StatusPreflightFailed,
		StartedAt:     now,
		FailureReason: cause.Error(),
	}
	if err := writeJSONAtomic(filepath.Join(root, "run_status.json"), doc); err != nil {
		return "", err
	}
	return root, nil
}

// writeJSONAtomic marshals v and writes it to path via a temp-file-then-
// rename, so readers of path never observe a half-written status file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".run-status-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()            //nolint:errcheck // best-effort cleanup on the error path
		os.Remove(tmpName)     //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		return err
	}
	if err := os.Rename(tmpName, path); err != nil { // #nosec G703 -- path derived from a run-owned directory
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		return err
	}
	return nil
}

// PruneStaleTmp removes tmp directories under existing run roots in baseRoot
// that are evidence of a crash before rename, per spec.md §5: a run with no
// run_status.json has its tmp removed whatever its age, and a run whose
// status is still in_progress (or cannot be parsed) has its tmp removed when
// the tmp mtime predates olderThan. It never touches a run directory whose
// status is anything other than in_progress.
func PruneStaleTmp(baseRoot string, olderThan time.Time) error {
	entries, err := os.ReadDir(baseRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runRoot := filepath.Join(baseRoot, e.Name())
		statusPath := filepath.Join(runRoot, "run_status.json")
		var doc runStatusDoc
		b, err := os.ReadFile(statusPath)
		stale := err != nil
		if err == nil {
			if jsonErr := json.Unmarshal(b, &doc); jsonErr == nil && doc.Status != StatusInProgress {
				continue // terminal state: not stale, leave it alone
			}
		}
		tmpDir := filepath.Join(runRoot, "tmp")
		info, statErr := os.Stat(tmpDir)
		if statErr != nil {
			continue
		}
		if stale || info.ModTime().Before(olderThan) {
			if err := os.RemoveAll(tmpDir); err != nil { // #nosec G703 -- tmpDir derived from baseRoot, an operator-configured run root
				return err
			}
		}
	}
	return nil
}
