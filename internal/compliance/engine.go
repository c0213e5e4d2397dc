package compliance

import (
	"time"

	"github.com/voxelmask/deidentify/internal/classifier"
	"github.com/voxelmask/deidentify/internal/dicom"
	"github.com/voxelmask/deidentify/internal/identity"
)

// SelectionScope gates which classification categories a run will process.
type SelectionScope struct {
	IncludeImages    bool
	IncludeDocuments bool
}

// DefaultSelectionScope is {include_images: true, include_documents: false}.
func DefaultSelectionScope() SelectionScope {
	return SelectionScope{IncludeImages: true, IncludeDocuments: false}
}

// ResearchContext carries the optional trial/site/subject identifiers a
// research_safe_harbor-family profile may fold into DeidentificationMethod.
type ResearchContext struct {
	TrialID   string
	SiteID    string
	SubjectID string
}

// PixelAction is the single pixel-handling decision a Plan carries.
type PixelAction string

// The pixel-action outcomes.
const (
	PixelNotApplied  PixelAction = "NOT_APPLIED"
	PixelMaskApplied PixelAction = "MASK_APPLIED"
)

// TagDecision is one entry of a Plan: the action taken for a single tag, with
// the reason code that will flow into the Decision Trace Collector.
type TagDecision struct {
	Tag          dicom.Tag
	Action       ActionKind
	ReasonCode   string
	ReplaceValue string // meaningful when Action == ActionReplace or ActionHash (holds the new value)
	ShiftDays    int    // meaningful when Action == ActionShift
}

// Plan is the pure output of plan(): an ordered list of tag actions plus a
// single pixel-action decision. Excluded-by-scope objects never reach Plan;
// that exclusion is decided by the caller before invoking Plan.
type Plan struct {
	Actions     []TagDecision
	PixelAction PixelAction
}

// PlanInput bundles the non-object arguments to Plan so the pure-function
// signature stays stable as fields are added.
type PlanInput struct {
	Profile         *Profile
	Scope           SelectionScope
	Secret          []byte // the run's secret_salt
	Context         ResearchContext
	RegionsAccepted bool // true iff the Review Session holds an accepted, non-empty region set for this object
	ObjectCategory  classifier.Category
}

// Plan computes the declarative compliance plan for obj. Plan is a pure
// function of its inputs: identical (obj-tag-set, profile, scope, secret,
// regionsAccepted, category) always yields an identical Plan.
//
// The engine never visits any tag not enumerated by profile, except to apply
// the private-tag rule and the allow-list: tags outside all three sets are
// left untouched and produce no decision record.
func Plan(obj *dicom.Object, in PlanInput) *Plan {
	p := &Plan{}

	patientKey := patientKeyFor(obj, in.Profile.PatientKeySource)

	for _, tag := range obj.Tags() {
		if in.Profile.AllowList[tag] {
			reason := in.Profile.AllowListReason
			if reason == "" {
				reason = "SYSTEM_WHITELIST_RETAINED"
			}
			p.Actions = append(p.Actions, TagDecision{Tag: tag, Action: ActionRetain, ReasonCode: reason})
			continue
		}

		if in.Profile.UIDTags[tag] {
			p.Actions = append(p.Actions, planUIDTag(tag, obj, in.Profile, in.Secret))
			continue
		}

		if in.Profile.DateTags[tag] {
			p.Actions = append(p.Actions, planDateTag(tag, in.Profile, in.Secret, patientKey))
			continue
		}

		if rule, ok := in.Profile.TagRules[tag]; ok {
			p.Actions = append(p.Actions, TagDecision{Tag: tag, Action: rule.Action, ReasonCode: rule.ReasonCode, ReplaceValue: rule.ReplaceValue})
			continue
		}

		if tag.Private() {
			p.Actions = append(p.Actions, TagDecision{Tag: tag, Action: in.Profile.PrivateTagAction, ReasonCode: "DICOM_PS315_PRIVATE_TAG"})
			continue
		}

		// Not enumerated by the profile in any way: untouched, no record.
	}

	p.PixelAction = planPixelAction(in)
	return p
}

func planUIDTag(tag dicom.Tag, obj *dicom.Object, profile *Profile, secret []byte) TagDecision {
	switch profile.UIDPolicy {
	case UIDPreserve:
		return TagDecision{Tag: tag, Action: ActionRetain, ReasonCode: "SYSTEM_DIAGNOSTIC_PRESERVED"}
	case UIDRegenerateFresh:
		return TagDecision{Tag: tag, Action: ActionHash, ReasonCode: "DICOM_PS315_UID_REMAP", ReplaceValue: identity.NewBulkOperationID()}
	default: // UIDRegenerateDeterministic
		orig := ""
		if v, ok := obj.Get(tag); ok {
			orig = v.Str
		}
		return TagDecision{Tag: tag, Action: ActionHash, ReasonCode: "DICOM_PS315_UID_REMAP", ReplaceValue: identity.DeriveUIDKey(secret, orig)}
	}
}

func planDateTag(tag dicom.Tag, profile *Profile, secret []byte, patientKey string) TagDecision {
	if !profile.ShiftDates {
		return TagDecision{Tag: tag, Action: ActionRetain, ReasonCode: "SYSTEM_DIAGNOSTIC_PRESERVED"}
	}
	window := profile.ShiftWindowDays - profile.MinShiftDays
	if window < 1 {
		window = 1
	}
	magnitude := identity.PatientDateOffset(secret, patientKey, window)
	if magnitude < 0 {
		magnitude = -magnitude
	}
	offset := -(profile.MinShiftDays + magnitude)
	reason := profile.DateShiftReason
	if reason == "" {
		reason = "DICOM_PS315_DATE_SHIFT"
	}
	return TagDecision{Tag: tag, Action: ActionShift, ReasonCode: reason, ShiftDays: offset}
}

func patientKeyFor(obj *dicom.Object, source PatientKeySource) string {
	var tag dicom.Tag
	switch source {
	case PatientKeyFromStudyUID:
		tag = dicom.TagStudyInstanceUID
	default:
		tag = dicom.TagPatientID
	}
	if v, ok := obj.Get(tag); ok {
		return v.Str
	}
	return ""
}

// planPixelAction implements: NOT_APPLIED unless the profile allows masking
// AND classification is IMAGE AND the Review Session has accepted a
// non-empty region list for this object. Any other combination is
// NOT_APPLIED.
func planPixelAction(in PlanInput) PixelAction {
	if in.Profile.PixelPolicy != PixelPolicyMaskAppliedIfRegions {
		return PixelNotApplied
	}
	if in.ObjectCategory != classifier.CategoryImage {
		return PixelNotApplied
	}
	if !in.RegionsAccepted {
		return PixelNotApplied
	}
	return PixelMaskApplied
}

// Apply mutates obj in place to carry out every TagDecision in plan.Actions,
// recording the before/after digest pair for each mutated tag so the caller
// can feed them straight into the Decision Trace Collector. RETAIN actions
// are no-ops and are not returned. Apply never touches pixel data; the
// pixel-masking path is the caller's responsibility once it has consulted
// plan.PixelAction.
func Apply(obj *dicom.Object, plan *Plan) []AppliedTag {
	applied := make([]AppliedTag, 0, len(plan.Actions))
	for _, d := range plan.Actions {
		if d.Action == ActionRetain {
			continue
		}

		before, _ := obj.Get(d.Tag)
		hashBefore := identity.HashBytes([]byte(before.Str)).String()

		switch d.Action {
		case ActionRemove:
			obj.Remove(d.Tag)
		case ActionReplace:
			obj.Set(d.Tag, dicom.TextValue(d.ReplaceValue))
		case ActionHash:
			obj.Set(d.Tag, dicom.UIDValue(d.ReplaceValue))
		case ActionShift:
			obj.Set(d.Tag, dicom.DateValue(shiftDate(before.Str, d.ShiftDays)))
		}

		after, stillPresent := obj.Get(d.Tag)
		hashAfter := ""
		if stillPresent {
			hashAfter = identity.HashBytes([]byte(after.Str)).String()
		}
		applied = append(applied, AppliedTag{Decision: d, HashBefore: hashBefore, HashAfter: hashAfter})
	}
	return applied
}

// AppliedTag pairs one executed TagDecision with the digests of the value it
// replaced and the value it produced, ready for the Decision Trace Collector.
type AppliedTag struct {
	Decision   TagDecision
	HashBefore string
	HashAfter  string
}

// shiftDate shifts a DICOM DA-format (YYYYMMDD) date string by days. An
// unparsable or empty input is returned unchanged rather than guessed at.
func shiftDate(da string, days int) string {
	t, err := time.Parse("20060102", da)
	if err != nil {
		return da
	}
	return t.AddDate(0, 0, days).Format("20060102")
}
