package compliance

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"github.com/voxelmask/deidentify/internal/errs"
)

// Override is a narrow, YAML-expressible subset of Profile: the handful of
// posture knobs an operator can legitimately tune without reopening the Go
// source. It never carries TagRules/AllowList/UIDTags/DateTags — those stay
// closed, Go-literal sets per spec.md's "closed profile registry"
// requirement. An Override only adjusts numeric/boolean policy around a
// named base profile.
type Override struct {
	Base            string `yaml:"base"`
	ShiftWindowDays int    `yaml:"shiftWindowDays"`
	MinShiftDays    int    `yaml:"minShiftDays"`
	ShiftDates      *bool  `yaml:"shiftDates"`
}

// ParseOverride decodes data as a profile override document, returning a
// ProfileMalformed error wrapping the underlying YAML decode failure on
// syntax or type errors. It does not validate Base against the registry;
// callers combine ParseOverride with ApplyOverride, which does.
func ParseOverride(data []byte) (*Override, error) {
	var o Override
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return nil, errs.New(errs.ProfileMalformed, "invalid profile override document", err)
	}
	if o.Base == "" {
		return nil, errs.New(errs.ProfileMalformed, "profile override missing required 'base' field", nil)
	}
	return &o, nil
}

// ApplyOverride returns a copy of the named base profile with o's non-zero
// fields applied, or a ProfileUnknown error if o.Base is not in the closed
// Registry.
func ApplyOverride(o *Override) (*Profile, error) {
	base, err := Lookup(o.Base)
	if err != nil {
		return nil, err
	}
	p := *base // shallow copy: maps are shared and never mutated by an override
	if o.ShiftWindowDays > 0 {
		p.ShiftWindowDays = o.ShiftWindowDays
	}
	if o.MinShiftDays > 0 {
		p.MinShiftDays = o.MinShiftDays
	}
	if o.ShiftDates != nil {
		p.ShiftDates = *o.ShiftDates
	}
	return &p, nil
}
