// Package order implements the Export Orderer: a pure, deterministic sort
// over one series' objects, keyed on instance_number with three tie-breaks,
// that never consults filesystem order. Reorders relative to ingest order
// are logged with the key that produced them, and excluded instances leave
// positional gaps rather than silently compacting the sequence.
package order

import "sort"

// OrderInput is one object entering the orderer, carrying just enough to
// sort and to log why it moved — never a tag value.
type OrderInput struct {
	SOPInstanceUID  string
	InstanceNumber  int
	FrameNumber     int
	AcquisitionTime string // sortable lexical form (e.g. "153045.500000"); "" sorts last
	IngestIndex     int    // arrival order, used only to detect and log reorders
	Excluded        bool
	ExclusionReason string
}

// OrderedEntry is one row of the immutable export manifest. ExportIndex is
// -1 for an excluded instance: it leaves a gap in the export sequence
// rather than being renumbered into it.
type OrderedEntry struct {
	SOPInstanceUID  string
	ExportIndex     int
	Excluded        bool
	ExclusionReason string
	// OrderingMethod names the key that first distinguished this entry from
	// the one immediately before it in the final order: one of
	// "instance_number", "frame_number", "acquisition_time", "sop_instance_uid".
	OrderingMethod string
}

// ReorderLogEntry records one instance whose export position differs from
// its ingest position.
type ReorderLogEntry struct {
	SOPInstanceUID string
	IngestIndex    int
	ExportPosition int
	Method         string
}

// ExportOrder is the orderer's total output for one series.
type ExportOrder struct {
	Entries  []OrderedEntry
	Reorders []ReorderLogEntry
}

// Order sorts objects by instance_number, tie-breaking on frame_number,
// then acquisition_time, then lexical sop_instance_uid as a last resort.
// Order is a pure function: given the same input slice it always produces
// the same ExportOrder, regardless of the slice's incoming order.
func Order(objects []OrderInput) ExportOrder {
	sorted := make([]OrderInput, len(objects))
	copy(sorted, objects)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})

	entries := make([]OrderedEntry, 0, len(sorted))
	exportIndex := 0
	for i, o := range sorted {
		method := ""
		if i > 0 {
			method = discriminator(sorted[i-1], o)
		}
		entry := OrderedEntry{
			SOPInstanceUID:  o.SOPInstanceUID,
			Excluded:        o.Excluded,
			ExclusionReason: o.ExclusionReason,
			OrderingMethod:  method,
		}
		if o.Excluded {
			entry.ExportIndex = -1
		} else {
			entry.ExportIndex = exportIndex
			exportIndex++
		}
		entries = append(entries, entry)
	}

	var reorders []ReorderLogEntry
	for pos, o := range sorted {
		if o.Excluded {
			continue
		}
		if o.IngestIndex != pos {
			reorders = append(reorders, ReorderLogEntry{
				SOPInstanceUID: o.SOPInstanceUID,
				IngestIndex:    o.IngestIndex,
				ExportPosition: pos,
				Method:         entries[pos].OrderingMethod,
			})
		}
	}

	return ExportOrder{Entries: entries, Reorders: reorders}
}

// less implements the total order: instance_number, frame_number,
// acquisition_time, sop_instance_uid.
func less(a, b OrderInput) bool {
	if a.InstanceNumber != b.InstanceNumber {
		return a.InstanceNumber < b.InstanceNumber
	}
	if a.FrameNumber != b.FrameNumber {
		return a.FrameNumber < b.FrameNumber
	}
	if a.AcquisitionTime != b.AcquisitionTime {
		return acquisitionTimeLess(a.AcquisitionTime, b.AcquisitionTime)
	}
	return a.SOPInstanceUID < b.SOPInstanceUID
}

// acquisitionTimeLess sorts empty acquisition times last, matching
// "acquisition_time" being a tie-break rather than a mandatory field.
func acquisitionTimeLess(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	return a < b
}

// discriminator names the first key (in priority order) that differs
// between two already-adjacent, already-sorted entries.
func discriminator(prev, cur OrderInput) string {
	if prev.InstanceNumber != cur.InstanceNumber {
		return "instance_number"
	}
	if prev.FrameNumber != cur.FrameNumber {
		return "frame_number"
	}
	if prev.AcquisitionTime != cur.AcquisitionTime {
		return "acquisition_time"
	}
	if prev.SOPInstanceUID != cur.SOPInstanceUID {
		return "sop_instance_uid"
	}
	return ""
}
