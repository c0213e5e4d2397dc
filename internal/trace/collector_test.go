package trace

import (
	"errors"
	"testing"
	"time"
)

func TestCollector_AddThenLockRejectsFurtherAdds(t *testing.T) {
	c := New()
	if err := c.Add(Record{TargetName: "PatientName", Action: "REMOVE", ReasonCode: "HIPAA_18_NAME", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c.Lock()
	if err := c.Add(Record{TargetName: "PatientID", Action: "REMOVE", ReasonCode: "HIPAA_18_NAME", Timestamp: time.Now()}); err == nil {
		t.Fatal("expected CollectorLocked error after Lock")
	}
	if c.Count() != 1 {
		t.Fatalf("Count = %d, want 1 (rejected add must not append)", c.Count())
	}
}

func TestCollector_RecordsPreserveInsertionOrder(t *testing.T) {
	c := New()
	names := []string{"PatientName", "PatientID", "StudyDate"}
	for _, n := range names {
		if err := c.Add(Record{TargetName: n, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Add(%s): %v", n, err)
		}
	}
	got := c.Records()
	for i, n := range names {
		if got[i].TargetName != n {
			t.Fatalf("Records()[%d].TargetName = %s, want %s", i, got[i].TargetName, n)
		}
	}
}

func TestCollector_Commit_LocksAndDelegates(t *testing.T) {
	c := New()
	_ = c.Add(Record{TargetName: "PatientName"})

	var seen []Record
	err := c.Commit(func(records []Record) error {
		seen = records
		return nil
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("Commit handed %d records, want 1", len(seen))
	}
	if !c.Locked() {
		t.Fatal("Commit must lock the collector")
	}
}

func TestCollector_Commit_PropagatesWriteFailure(t *testing.T) {
	c := New()
	wantErr := errors.New("disk full")
	err := c.Commit(func([]Record) error { return wantErr })
	if err != wantErr {
		t.Fatalf("Commit error = %v, want %v", err, wantErr)
	}
}
