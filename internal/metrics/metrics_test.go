package metrics

import (
	"testing"
	"time"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	s := m.Snapshot()
	if s.Objects.Ingested != 0 {
		t.Errorf("expected 0 ingested objects, got %d", s.Objects.Ingested)
	}
}

func TestObjectCounters(t *testing.T) {
	m := New()
	m.ObjectsIngested.Add(10)
	m.ObjectsExported.Add(7)
	m.ObjectsSkipped.Add(2)
	m.ObjectsExcluded.Add(1)

	s := m.Snapshot()
	if s.Objects.Ingested != 10 {
		t.Errorf("Ingested: got %d, want 10", s.Objects.Ingested)
	}
	if s.Objects.Exported != 7 {
		t.Errorf("Exported: got %d, want 7", s.Objects.Exported)
	}
	if s.Objects.Skipped != 2 {
		t.Errorf("Skipped: got %d, want 2", s.Objects.Skipped)
	}
	if s.Objects.Excluded != 1 {
		t.Errorf("Excluded: got %d, want 1", s.Objects.Excluded)
	}
}

func TestPixelCounters(t *testing.T) {
	m := New()
	m.PixelMasked.Add(3)
	m.PixelPassthrough.Add(97)

	s := m.Snapshot()
	if s.Pixels.Masked != 3 {
		t.Errorf("Masked: got %d, want 3", s.Pixels.Masked)
	}
	if s.Pixels.Passthrough != 97 {
		t.Errorf("Passthrough: got %d, want 97", s.Pixels.Passthrough)
	}
}

func TestDetectionCounters(t *testing.T) {
	m := New()
	m.DetectionDispatches.Add(50)
	m.DetectionErrors.Add(2)

	s := m.Snapshot()
	if s.Detection.Dispatches != 50 {
		t.Errorf("Dispatches: got %d, want 50", s.Detection.Dispatches)
	}
	if s.Detection.Errors != 2 {
		t.Errorf("Errors: got %d, want 2", s.Detection.Errors)
	}
}

func TestRecordClassifyLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordClassifyLatency(100 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.ClassifyMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.ClassifyMs.Count)
	}
	if s.Latency.ClassifyMs.MinMs < 90 || s.Latency.ClassifyMs.MinMs > 110 {
		t.Errorf("MinMs: got %f, want ~100", s.Latency.ClassifyMs.MinMs)
	}
}

func TestRecordPlanLatency_MinMaxMean(t *testing.T) {
	m := New()
	m.RecordPlanLatency(50 * time.Millisecond)
	m.RecordPlanLatency(150 * time.Millisecond)
	m.RecordPlanLatency(100 * time.Millisecond)

	s := m.Snapshot()
	ls := s.Latency.PlanMs
	if ls.Count != 3 {
		t.Errorf("Count: got %d, want 3", ls.Count)
	}
	if ls.MinMs > 60 {
		t.Errorf("MinMs too high: %f", ls.MinMs)
	}
	if ls.MaxMs < 140 {
		t.Errorf("MaxMs too low: %f", ls.MaxMs)
	}
	if ls.MeanMs < 90 || ls.MeanMs > 110 {
		t.Errorf("MeanMs: got %f, want ~100", ls.MeanMs)
	}
}

func TestRecordHashLatency_Recorded(t *testing.T) {
	m := New()
	m.RecordHashLatency(5 * time.Millisecond)
	s := m.Snapshot()
	if s.Latency.HashMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.HashMs.Count)
	}
}

func TestSnapshotLatency_EmptyIsZeroValue(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if s.Latency.ClassifyMs.Count != 0 {
		t.Errorf("empty classify latency count should be 0")
	}
	if s.Latency.PlanMs.Count != 0 {
		t.Errorf("empty plan latency count should be 0")
	}
	if s.Latency.HashMs.Count != 0 {
		t.Errorf("empty hash latency count should be 0")
	}
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		got := round2(c.input)
		if got != c.want {
			t.Errorf("round2(%f) = %f, want %f", c.input, got, c.want)
		}
	}
}

func TestLatencyStats_Record(t *testing.T) {
	var s latencyStats
	s.record(10)
	s.record(20)
	s.record(15)

	snap := s.snapshot()
	if snap.Count != 3 {
		t.Errorf("Count: got %d, want 3", snap.Count)
	}
	if snap.MinMs != 10 {
		t.Errorf("MinMs: got %f, want 10", snap.MinMs)
	}
	if snap.MaxMs != 20 {
		t.Errorf("MaxMs: got %f, want 20", snap.MaxMs)
	}
	if snap.MeanMs != 15 {
		t.Errorf("MeanMs: got %f, want 15", snap.MeanMs)
	}
}

func TestLatencyStats_Empty(t *testing.T) {
	var s latencyStats
	snap := s.snapshot()
	if snap.Count != 0 || snap.MinMs != 0 || snap.MaxMs != 0 || snap.MeanMs != 0 {
		t.Errorf("empty stats snapshot should be zero, got %+v", snap)
	}
}
