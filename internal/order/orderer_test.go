package order

import "testing"

func TestOrder_PrimaryKeyInstanceNumber(t *testing.T) {
	in := []OrderInput{
		{SOPInstanceUID: "c", InstanceNumber: 3, IngestIndex: 0},
		{SOPInstanceUID: "a", InstanceNumber: 1, IngestIndex: 1},
		{SOPInstanceUID: "b", InstanceNumber: 2, IngestIndex: 2},
	}
	out := Order(in)
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if out.Entries[i].SOPInstanceUID != w {
			t.Fatalf("Entries[%d] = %s, want %s", i, out.Entries[i].SOPInstanceUID, w)
		}
		if out.Entries[i].ExportIndex != i {
			t.Fatalf("Entries[%d].ExportIndex = %d, want %d", i, out.Entries[i].ExportIndex, i)
		}
	}
	if len(out.Reorders) != 3 {
		t.Fatalf("got %d reorders, want 3 (everything moved from ingest order)", len(out.Reorders))
	}
}

func TestOrder_TieBreaksOnFrameThenAcquisitionThenUID(t *testing.T) {
	in := []OrderInput{
		{SOPInstanceUID: "z", InstanceNumber: 1, FrameNumber: 0, AcquisitionTime: "120000", IngestIndex: 0},
		{SOPInstanceUID: "a", InstanceNumber: 1, FrameNumber: 0, AcquisitionTime: "110000", IngestIndex: 1},
		{SOPInstanceUID: "m", InstanceNumber: 1, FrameNumber: 1, AcquisitionTime: "090000", IngestIndex: 2},
	}
	out := Order(in)
	want := []string{"a", "z", "m"}
	for i, w := range want {
		if out.Entries[i].SOPInstanceUID != w {
			t.Fatalf("Entries[%d] = %s, want %s", i, out.Entries[i].SOPInstanceUID, w)
		}
	}
	if out.Entries[1].OrderingMethod != "acquisition_time" {
		t.Fatalf("Entries[1].OrderingMethod = %s, want acquisition_time", out.Entries[1].OrderingMethod)
	}
	if out.Entries[2].OrderingMethod != "frame_number" {
		t.Fatalf("Entries[2].OrderingMethod = %s, want frame_number", out.Entries[2].OrderingMethod)
	}
}

func TestOrder_LexicalUIDLastResort(t *testing.T) {
	in := []OrderInput{
		{SOPInstanceUID: "1.2.10", InstanceNumber: 1, IngestIndex: 0},
		{SOPInstanceUID: "1.2.2", InstanceNumber: 1, IngestIndex: 1},
	}
	out := Order(in)
	if out.Entries[0].SOPInstanceUID != "1.2.10" || out.Entries[1].SOPInstanceUID != "1.2.2" {
		t.Fatalf("expected lexical (not numeric) ordering, got %+v", out.Entries)
	}
}

func TestOrder_ExcludedInstancesLeaveGapsNotRenumbered(t *testing.T) {
	in := []OrderInput{
		{SOPInstanceUID: "a", InstanceNumber: 1, IngestIndex: 0},
		{SOPInstanceUID: "b", InstanceNumber: 2, IngestIndex: 1, Excluded: true, ExclusionReason: "SKIPPED_UNSUPPORTED"},
		{SOPInstanceUID: "c", InstanceNumber: 3, IngestIndex: 2},
	}
	out := Order(in)
	if out.Entries[0].ExportIndex != 0 {
		t.Fatalf("Entries[0].ExportIndex = %d, want 0", out.Entries[0].ExportIndex)
	}
	if out.Entries[1].ExportIndex != -1 || !out.Entries[1].Excluded || out.Entries[1].ExclusionReason == "" {
		t.Fatalf("excluded entry not marked correctly: %+v", out.Entries[1])
	}
	if out.Entries[2].ExportIndex != 1 {
		t.Fatalf("Entries[2].ExportIndex = %d, want 1 (gap left, not renumbered)", out.Entries[2].ExportIndex)
	}
}

func TestOrder_NoReorderWhenIngestOrderAlreadySorted(t *testing.T) {
	in := []OrderInput{
		{SOPInstanceUID: "a", InstanceNumber: 1, IngestIndex: 0},
		{SOPInstanceUID: "b", InstanceNumber: 2, IngestIndex: 1},
	}
	out := Order(in)
	if len(out.Reorders) != 0 {
		t.Fatalf("expected no reorders when ingest order matches export order, got %+v", out.Reorders)
	}
}

func TestOrder_IsPureFunctionOfInput(t *testing.T) {
	in := []OrderInput{
		{SOPInstanceUID: "b", InstanceNumber: 2, IngestIndex: 0},
		{SOPInstanceUID: "a", InstanceNumber: 1, IngestIndex: 1},
	}
	first := Order(in)
	second := Order(in)
	if len(first.Entries) != len(second.Entries) {
		t.Fatal("Order is not deterministic across calls")
	}
	for i := range first.Entries {
		if first.Entries[i] != second.Entries[i] {
			t.Fatalf("Order produced different results for identical input: %+v vs %+v", first.Entries[i], second.Entries[i])
		}
	}
}
