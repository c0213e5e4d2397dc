// Package compliance implements the declarative compliance engine: a closed
// registry of named profiles, each enumerating per-tag actions, and a pure
// plan() function turning (object, profile, scope) into an ordered action
// list plus a single pixel-action decision.
package compliance

import (
	"sort"

	"github.com/voxelmask/deidentify/internal/dicom"
	"github.com/voxelmask/deidentify/internal/errs"
)

// ActionKind is the closed set of per-tag compliance actions.
type ActionKind string

// The compliance action kinds.
const (
	ActionRemove  ActionKind = "REMOVE"
	ActionReplace ActionKind = "REPLACE"
	ActionRetain  ActionKind = "RETAIN"
	ActionShift   ActionKind = "SHIFT"
	ActionHash    ActionKind = "HASH"
)

// UIDPolicy is the identifier retention policy for study/series/instance UIDs.
type UIDPolicy string

// The UID retention policies.
const (
	UIDPreserve               UIDPolicy = "PRESERVE"
	UIDRegenerateDeterministic UIDPolicy = "REGENERATE_DETERMINISTIC"
	UIDRegenerateFresh        UIDPolicy = "REGENERATE_FRESH"
)

// PixelPolicy governs whether a profile may authorise pixel masking.
type PixelPolicy string

// The pixel-action policies.
const (
	PixelPolicyNotApplied           PixelPolicy = "NOT_APPLIED"
	PixelPolicyMaskAppliedIfRegions PixelPolicy = "MASK_APPLIED_IF_REGIONS"
)

// PatientKeySource selects which tag seeds the per-patient date-shift offset.
type PatientKeySource string

// The patient-key derivation sources.
const (
	PatientKeyFromPatientID     PatientKeySource = "patient_id"
	PatientKeyFromStudyUID      PatientKeySource = "study_instance_uid"
)

// TagRule is one profile's declared action for a single enumerated tag.
type TagRule struct {
	Action       ActionKind
	ReasonCode   string
	ReplaceValue string // meaningful only when Action == ActionReplace
}

// Profile is a named, immutable compliance configuration. The set of valid
// profile names is closed; see Registry.
type Profile struct {
	Name string

	// TagRules enumerates the non-UID, non-date tags this profile reasons
	// about explicitly (PatientName, ReferringPhysicianName, and similar).
	TagRules map[dicom.Tag]TagRule

	// UIDTags is the set of tags governed by UIDPolicy (study/series/instance
	// UID triad plus SOPInstanceUID).
	UIDTags   map[dicom.Tag]bool
	UIDPolicy UIDPolicy

	// DateTags is the set of tags governed by date-shift policy.
	DateTags        map[dicom.Tag]bool
	ShiftDates      bool // false => DateTags are RETAINed instead of SHIFTed
	DateShiftReason string
	ShiftWindowDays int // offset is drawn from [-ShiftWindowDays, -MinShiftDays]
	MinShiftDays    int

	PatientKeySource PatientKeySource

	// AllowList tags are always RETAINed regardless of any other rule,
	// including the private-tag rule.
	AllowList map[dicom.Tag]bool
	// AllowListReason overrides the decision reason code recorded for
	// AllowList retentions. Empty defaults to SYSTEM_WHITELIST_RETAINED.
	AllowListReason string

	// PrivateTagAction applies to every private (odd-group) tag not present
	// in AllowList. Per spec the default is REMOVE.
	PrivateTagAction ActionKind

	PixelPolicy PixelPolicy

	// DeidentificationMethod is recorded into the DeidentificationMethod tag
	// (0012,0063) of every exported object, per spec's end-to-end scenario 1.
	DeidentificationMethod string
}

// Registry is the closed set of recognised profile names.
var Registry = map[string]*Profile{
	"internal_repair":      internalRepair,
	"research_safe_harbor": researchSafeHarbor,
	"strict_oaic":          strictOAIC,
	"foi_legal":            foiLegal,
	"foi_patient":          foiPatient,
}

// Lookup returns the named profile, or a ProfileUnknown error if name is not
// in the closed registry.
func Lookup(name string) (*Profile, error) {
	p, ok := Registry[name]
	if !ok {
		return nil, errs.New(errs.ProfileUnknown, name, nil)
	}
	return p, nil
}

// ListProfiles returns every recognised profile name, sorted for stable
// CLI/operator-facing output.
func ListProfiles() []string {
	names := make([]string, 0, len(Registry))
	for name := range Registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary is a short, operator-facing description of one profile, safe to
// print or log: no tag-level detail, just the policy posture.
type Summary struct {
	Name                   string
	UIDPolicy              UIDPolicy
	PixelPolicy            PixelPolicy
	ShiftDates             bool
	DeidentificationMethod string
}

// Describe returns a Summary for name, or a ProfileUnknown error.
func Describe(name string) (Summary, error) {
	p, err := Lookup(name)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Name:                   p.Name,
		UIDPolicy:              p.UIDPolicy,
		PixelPolicy:            p.PixelPolicy,
		ShiftDates:             p.ShiftDates,
		DeidentificationMethod: p.DeidentificationMethod,
	}, nil
}

var internalRepair = &Profile{
	Name:     "internal_repair",
	TagRules: map[dicom.Tag]TagRule{},
	UIDTags: map[dicom.Tag]bool{
		dicom.TagStudyInstanceUID:  true,
		dicom.TagSeriesInstanceUID: true,
		dicom.TagSOPInstanceUID:    true,
	},
	UIDPolicy: UIDPreserve,
	DateTags: map[dicom.Tag]bool{
		dicom.TagStudyDate:        true,
		dicom.TagPatientBirthDate: true,
	},
	ShiftDates:       false,
	PatientKeySource: PatientKeyFromPatientID,
	AllowList: map[dicom.Tag]bool{
		dicom.TagPatientName: true,
		dicom.TagPatientID:   true,
	},
	AllowListReason:        "SYSTEM_DIAGNOSTIC_PRESERVED",
	PrivateTagAction:       ActionRetain,
	PixelPolicy:            PixelPolicyNotApplied,
	DeidentificationMethod: "INTERNAL_REPAIR_NO_DEID",
}

var researchSafeHarbor = &Profile{
	Name: "research_safe_harbor",
	TagRules: map[dicom.Tag]TagRule{
		dicom.TagPatientName:                  {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagReferringPhysicianName:       {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagNameOfPhysiciansReadingStudy: {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagInstitutionName:              {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagAccessionNumber:              {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
	},
	UIDTags: map[dicom.Tag]bool{
		dicom.TagStudyInstanceUID:  true,
		dicom.TagSeriesInstanceUID: true,
		dicom.TagSOPInstanceUID:    true,
	},
	UIDPolicy: UIDRegenerateDeterministic,
	DateTags: map[dicom.Tag]bool{
		dicom.TagStudyDate:        true,
		dicom.TagSeriesDate:       true,
		dicom.TagContentDate:      true,
		dicom.TagPatientBirthDate: true,
	},
	ShiftDates:       true,
	DateShiftReason:  "DICOM_PS315_DATE_SHIFT",
	ShiftWindowDays:  365,
	MinShiftDays:     30,
	PatientKeySource: PatientKeyFromPatientID,
	AllowList: map[dicom.Tag]bool{
		dicom.TagModality: true,
	},
	PrivateTagAction:       ActionRemove,
	PixelPolicy:            PixelPolicyNotApplied,
	DeidentificationMethod: "HIPAA_SAFE_HARBOR",
}

var strictOAIC = &Profile{
	Name: "strict_oaic",
	TagRules: map[dicom.Tag]TagRule{
		dicom.TagPatientName:                  {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagReferringPhysicianName:       {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagNameOfPhysiciansReadingStudy: {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagInstitutionName:              {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
		dicom.TagAccessionNumber:              {Action: ActionRemove, ReasonCode: "HIPAA_18_NAME"},
	},
	UIDTags: map[dicom.Tag]bool{
		dicom.TagStudyInstanceUID:  true,
		dicom.TagSeriesInstanceUID: true,
		dicom.TagSOPInstanceUID:    true,
	},
	UIDPolicy: UIDRegenerateDeterministic,
	DateTags: map[dicom.Tag]bool{
		dicom.TagStudyDate:        true,
		dicom.TagSeriesDate:       true,
		dicom.TagContentDate:      true,
		dicom.TagPatientBirthDate: true,
	},
	ShiftDates:       true,
	DateShiftReason:  "DICOM_PS315_DATE_SHIFT",
	ShiftWindowDays:  100,
	MinShiftDays:     14,
	PatientKeySource: PatientKeyFromStudyUID,
	AllowList:        map[dicom.Tag]bool{},
	PrivateTagAction: ActionRemove,
	PixelPolicy:      PixelPolicyNotApplied,
	DeidentificationMethod: "STRICT_OAIC",
}

var foiLegal = &Profile{
	Name: "foi_legal",
	TagRules: map[dicom.Tag]TagRule{
		dicom.TagNameOfPhysiciansReadingStudy: {Action: ActionRemove, ReasonCode: "FOI_STAFF_REDACTION"},
		dicom.TagReferringPhysicianName:       {Action: ActionRemove, ReasonCode: "FOI_STAFF_REDACTION"},
	},
	UIDTags: map[dicom.Tag]bool{
		dicom.TagStudyInstanceUID:  true,
		dicom.TagSeriesInstanceUID: true,
		dicom.TagSOPInstanceUID:    true,
	},
	UIDPolicy: UIDPreserve,
	DateTags: map[dicom.Tag]bool{
		dicom.TagStudyDate:        true,
		dicom.TagPatientBirthDate: true,
	},
	ShiftDates:       false,
	PatientKeySource: PatientKeyFromPatientID,
	AllowList: map[dicom.Tag]bool{
		dicom.TagPatientName:       true,
		dicom.TagPatientID:        true,
		dicom.TagAccessionNumber:  true,
	},
	AllowListReason:        "FOI_CHAIN_OF_CUSTODY",
	PrivateTagAction:       ActionRemove,
	PixelPolicy:            PixelPolicyMaskAppliedIfRegions,
	DeidentificationMethod: "FOI_LEGAL_CHAIN_OF_CUSTODY",
}

var foiPatient = &Profile{
	Name: "foi_patient",
	TagRules: map[dicom.Tag]TagRule{
		dicom.TagNameOfPhysiciansReadingStudy: {Action: ActionRemove, ReasonCode: "FOI_STAFF_REDACTION"},
		dicom.TagReferringPhysicianName:       {Action: ActionRemove, ReasonCode: "FOI_STAFF_REDACTION"},
		dicom.TagInstitutionName:              {Action: ActionRemove, ReasonCode: "FOI_STAFF_REDACTION"},
	},
	UIDTags: map[dicom.Tag]bool{
		dicom.TagStudyInstanceUID:  true,
		dicom.TagSeriesInstanceUID: true,
		dicom.TagSOPInstanceUID:    true,
	},
	UIDPolicy: UIDPreserve,
	DateTags: map[dicom.Tag]bool{
		dicom.TagStudyDate:        true,
		dicom.TagPatientBirthDate: true,
	},
	ShiftDates:       false,
	PatientKeySource: PatientKeyFromPatientID,
	AllowList: map[dicom.Tag]bool{
		dicom.TagPatientName:       true,
		dicom.TagPatientID:        true,
		dicom.TagPatientBirthDate: true,
		dicom.TagAccessionNumber:  true,
	},
	AllowListReason:        "FOI_PRESERVE_PATIENT",
	PrivateTagAction:       ActionRemove,
	PixelPolicy:            PixelPolicyMaskAppliedIfRegions,
	DeidentificationMethod: "FOI_PRESERVE_PATIENT",
}
