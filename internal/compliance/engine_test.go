package compliance

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/voxelmask/deidentify/internal/classifier"
	"github.com/voxelmask/deidentify/internal/dicom"
)

func loadBlank(t *testing.T) *dicom.Object {
	t.Helper()
	b := make([]byte, 128)
	b = append(b, []byte("DICM")...)
	b = append(b, encodeUIElement(dicom.TagTransferSyntaxUID, dicom.TSExplicitVRLittleEndian)...)
	obj, err := dicom.Load(b, "blank.dcm")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return obj
}

func encodeUIElement(tag dicom.Tag, value string) []byte {
	if len(value)%2 == 1 {
		value += "\x00"
	}
	out := make([]byte, 0, 8+len(value))
	put16 := func(v uint16) { out = append(out, byte(v), byte(v>>8)) }
	put16(tag.Group())
	put16(tag.Element())
	out = append(out, 'U', 'I')
	put16(uint16(len(value)))
	out = append(out, value...)
	return out
}

func TestLookup_UnknownProfileRejected(t *testing.T) {
	_, err := Lookup("not_a_real_profile")
	if err == nil {
		t.Fatal("expected ProfileUnknown error")
	}
}

func TestLookup_AllFiveClosedNames(t *testing.T) {
	for _, name := range []string{"internal_repair", "research_safe_harbor", "strict_oaic", "foi_legal", "foi_patient"} {
		if _, err := Lookup(name); err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
		}
	}
}

func TestPlan_ResearchSafeHarbor_Scenario1(t *testing.T) {
	obj := loadBlank(t)
	obj.Set(dicom.TagPatientName, dicom.TextValue("Doe^Jane"))
	obj.Set(dicom.TagPatientID, dicom.TextValue("PID-001"))
	obj.Set(dicom.TagPatientBirthDate, dicom.DateValue("19800101"))
	obj.Set(dicom.TagStudyInstanceUID, dicom.UIDValue("1.2.3.4.5"))
	obj.Set(dicom.TagModality, dicom.TextValue("CT"))

	profile, err := Lookup("research_safe_harbor")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}

	plan := Plan(obj, PlanInput{
		Profile:        profile,
		Scope:          DefaultSelectionScope(),
		Secret:         []byte("test-secret"),
		ObjectCategory: classifier.CategoryImage,
	})

	var nameAction, dobAction, studyUIDAction *TagDecision
	for i := range plan.Actions {
		switch plan.Actions[i].Tag {
		case dicom.TagPatientName:
			nameAction = &plan.Actions[i]
		case dicom.TagPatientBirthDate:
			dobAction = &plan.Actions[i]
		case dicom.TagStudyInstanceUID:
			studyUIDAction = &plan.Actions[i]
		}
	}

	if nameAction == nil || nameAction.Action != ActionRemove {
		t.Fatalf("PatientName action = %+v, want REMOVE", nameAction)
	}
	if dobAction == nil || dobAction.Action != ActionShift {
		t.Fatalf("PatientBirthDate action = %+v, want SHIFT", dobAction)
	}
	if dobAction.ShiftDays > -30 || dobAction.ShiftDays < -365 {
		t.Fatalf("PatientBirthDate ShiftDays = %d, want within [-365,-30]", dobAction.ShiftDays)
	}
	if studyUIDAction == nil || studyUIDAction.Action != ActionHash {
		t.Fatalf("StudyInstanceUID action = %+v, want HASH", studyUIDAction)
	}
	if plan.PixelAction != PixelNotApplied {
		t.Fatalf("PixelAction = %s, want NOT_APPLIED", plan.PixelAction)
	}
	if profile.DeidentificationMethod != "HIPAA_SAFE_HARBOR" {
		t.Fatalf("DeidentificationMethod = %s", profile.DeidentificationMethod)
	}
}

func TestPlan_IsPureFunction(t *testing.T) {
	obj := loadBlank(t)
	obj.Set(dicom.TagPatientID, dicom.TextValue("PID-001"))
	obj.Set(dicom.TagPatientBirthDate, dicom.DateValue("19800101"))
	profile, _ := Lookup("strict_oaic")

	in := PlanInput{Profile: profile, Scope: DefaultSelectionScope(), Secret: []byte("s"), ObjectCategory: classifier.CategoryImage}
	p1 := Plan(obj, in)
	p2 := Plan(obj, in)

	if diff := cmp.Diff(p1, p2); diff != "" {
		t.Fatalf("Plan is not pure, repeated call differs (-first +second):\n%s", diff)
	}
}

func TestPlan_PixelActionRequiresAllThreeConditions(t *testing.T) {
	obj := loadBlank(t)
	profile, _ := Lookup("foi_legal")

	cases := []struct {
		name            string
		category        classifier.Category
		regionsAccepted bool
		want            PixelAction
	}{
		{"document category blocks masking", classifier.CategoryDocument, true, PixelNotApplied},
		{"no accepted regions blocks masking", classifier.CategoryImage, false, PixelNotApplied},
		{"image + accepted regions authorises masking", classifier.CategoryImage, true, PixelMaskApplied},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			plan := Plan(obj, PlanInput{
				Profile:         profile,
				Scope:           DefaultSelectionScope(),
				Secret:          []byte("s"),
				ObjectCategory:  c.category,
				RegionsAccepted: c.regionsAccepted,
			})
			if plan.PixelAction != c.want {
				t.Fatalf("PixelAction = %s, want %s", plan.PixelAction, c.want)
			}
		})
	}
}

func TestPlan_PrivateTagDefaultRemove(t *testing.T) {
	obj := loadBlank(t)
	privateTag := dicom.NewTag(0x0009, 0x0010) // odd group => private
	obj.Set(privateTag, dicom.TextValue("vendor-specific"))

	profile, _ := Lookup("research_safe_harbor")
	plan := Plan(obj, PlanInput{Profile: profile, Scope: DefaultSelectionScope(), Secret: []byte("s"), ObjectCategory: classifier.CategoryImage})

	found := false
	for _, a := range plan.Actions {
		if a.Tag == privateTag {
			found = true
			if a.Action != ActionRemove || a.ReasonCode != "DICOM_PS315_PRIVATE_TAG" {
				t.Fatalf("private tag action = %+v, want REMOVE/DICOM_PS315_PRIVATE_TAG", a)
			}
		}
	}
	if !found {
		t.Fatal("expected a decision record for the private tag")
	}
}

func TestApply_RemovesReplacesHashesAndShifts(t *testing.T) {
	obj := loadBlank(t)
	obj.Set(dicom.TagPatientName, dicom.TextValue("Doe^Jane"))
	obj.Set(dicom.TagPatientBirthDate, dicom.DateValue("19800101"))
	obj.Set(dicom.TagStudyInstanceUID, dicom.UIDValue("1.2.3.4.5"))

	profile, _ := Lookup("research_safe_harbor")
	plan := Plan(obj, PlanInput{Profile: profile, Scope: DefaultSelectionScope(), Secret: []byte("test-secret"), ObjectCategory: classifier.CategoryImage})

	applied := Apply(obj, plan)
	if len(applied) == 0 {
		t.Fatal("expected at least one applied tag")
	}

	if _, ok := obj.Get(dicom.TagPatientName); ok {
		t.Fatal("PatientName should have been removed")
	}
	dob, ok := obj.Get(dicom.TagPatientBirthDate)
	if !ok || dob.Str == "19800101" {
		t.Fatalf("PatientBirthDate should have shifted, got %+v", dob)
	}
	studyUID, ok := obj.Get(dicom.TagStudyInstanceUID)
	if !ok || studyUID.Str == "1.2.3.4.5" {
		t.Fatalf("StudyInstanceUID should have been remapped, got %+v", studyUID)
	}
}

func TestApply_IsDeterministicAcrossRuns(t *testing.T) {
	profile, _ := Lookup("research_safe_harbor")

	build := func() (*dicom.Object, *Plan) {
		obj := loadBlank(t)
		obj.Set(dicom.TagStudyInstanceUID, dicom.UIDValue("1.2.3.4.5"))
		plan := Plan(obj, PlanInput{Profile: profile, Scope: DefaultSelectionScope(), Secret: []byte("test-secret"), ObjectCategory: classifier.CategoryImage})
		return obj, plan
	}

	obj1, plan1 := build()
	Apply(obj1, plan1)
	v1, _ := obj1.Get(dicom.TagStudyInstanceUID)

	obj2, plan2 := build()
	Apply(obj2, plan2)
	v2, _ := obj2.Get(dicom.TagStudyInstanceUID)

	if v1.Str != v2.Str {
		t.Fatalf("StudyInstanceUID remap not deterministic: %q vs %q", v1.Str, v2.Str)
	}
}

func TestApply_RetainIsNoOpAndNotReturned(t *testing.T) {
	obj := loadBlank(t)
	obj.Set(dicom.TagPatientName, dicom.TextValue("Doe^Jane"))
	obj.Set(dicom.TagPatientID, dicom.TextValue("PID-001"))

	profile, _ := Lookup("internal_repair") // PatientName/PatientID are AllowList => RETAIN
	plan := Plan(obj, PlanInput{Profile: profile, Scope: DefaultSelectionScope(), Secret: []byte("s"), ObjectCategory: classifier.CategoryImage})

	applied := Apply(obj, plan)
	for _, a := range applied {
		if a.Decision.Tag == dicom.TagPatientName || a.Decision.Tag == dicom.TagPatientID {
			t.Fatalf("RETAIN action must not appear in Apply's return value, got %+v", a)
		}
	}
	name, ok := obj.Get(dicom.TagPatientName)
	if !ok || name.Str != "Doe^Jane" {
		t.Fatalf("PatientName should be retained unchanged, got %+v", name)
	}
}

func TestPlan_UnenumeratedTagUntouched(t *testing.T) {
	obj := loadBlank(t)
	obj.Set(dicom.TagSeriesDescription, dicom.TextValue("Routine Chest"))

	profile, _ := Lookup("research_safe_harbor")
	plan := Plan(obj, PlanInput{Profile: profile, Scope: DefaultSelectionScope(), Secret: []byte("s"), ObjectCategory: classifier.CategoryImage})

	for _, a := range plan.Actions {
		if a.Tag == dicom.TagSeriesDescription {
			t.Fatalf("SeriesDescription is not enumerated by research_safe_harbor and must produce no decision, got %+v", a)
		}
	}
}
