package compliance

import "testing"

func TestListProfiles_ReturnsAllFiveSorted(t *testing.T) {
	names := ListProfiles()
	want := []string{"foi_legal", "foi_patient", "internal_repair", "research_safe_harbor", "strict_oaic"}
	if len(names) != len(want) {
		t.Fatalf("got %d profiles, want %d: %v", len(names), len(want), names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, names[i], n)
		}
	}
}

func TestDescribe_KnownProfile(t *testing.T) {
	s, err := Describe("research_safe_harbor")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if s.DeidentificationMethod != "HIPAA_SAFE_HARBOR" {
		t.Errorf("DeidentificationMethod = %q, want HIPAA_SAFE_HARBOR", s.DeidentificationMethod)
	}
	if s.UIDPolicy != UIDRegenerateDeterministic {
		t.Errorf("UIDPolicy = %q, want REGENERATE_DETERMINISTIC", s.UIDPolicy)
	}
}

func TestDescribe_UnknownProfile(t *testing.T) {
	if _, err := Describe("not_a_real_profile"); err == nil {
		t.Fatal("expected ProfileUnknown error")
	}
}
