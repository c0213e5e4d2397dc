package classifier

import (
	"testing"

	"github.com/voxelmask/deidentify/internal/dicom"
)

func newObject(t *testing.T, tags map[dicom.Tag]dicom.Value) *dicom.Object {
	t.Helper()
	// buildMinimalObject-equivalent: construct via Load of a tiny valid file,
	// then overwrite with Set so the classifier sees exactly these tags.
	obj := loadBlank(t)
	for tag, v := range tags {
		obj.Set(tag, v)
	}
	return obj
}

func loadBlank(t *testing.T) *dicom.Object {
	t.Helper()
	b := make([]byte, 128)
	b = append(b, []byte("DICM")...)
	// minimal explicit-VR-LE transfer syntax element so Load succeeds.
	tsUID := dicom.TSExplicitVRLittleEndian
	elem := encodeUIElement(dicom.TagTransferSyntaxUID, tsUID)
	b = append(b, elem...)
	obj, err := dicom.Load(b, "blank.dcm")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return obj
}

// encodeUIElement hand-builds one explicit-VR-LE UI element, avoiding an
// import cycle back through a test helper package.
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

func TestClassify_SOPClassAuthoritative_EncapsulatedPDFDespiteUSModality(t *testing.T) {
	obj := newObject(t, map[dicom.Tag]dicom.Value{
		dicom.TagMediaStorageSOPClassUID: dicom.UIDValue("1.2.840.10008.5.1.4.1.1.104.1"),
		dicom.TagModality:                dicom.TextValue("US"),
	})
	if got := Classify(obj); got != CategoryEncapsulatedPDF {
		t.Fatalf("Classify = %s, want ENCAPSULATED_PDF (loophole regression)", got)
	}
}

func TestClassify_StructuredReportBySOPClass(t *testing.T) {
	obj := newObject(t, map[dicom.Tag]dicom.Value{
		dicom.TagMediaStorageSOPClassUID: dicom.UIDValue("1.2.840.10008.5.1.4.1.1.88.11"),
	})
	if got := Classify(obj); got != CategoryStructuredReport {
		t.Fatalf("Classify = %s, want STRUCTURED_REPORT", got)
	}
}

func TestClassify_DocumentByModality(t *testing.T) {
	obj := newObject(t, map[dicom.Tag]dicom.Value{
		dicom.TagModality: dicom.TextValue("SC"),
	})
	if got := Classify(obj); got != CategoryDocument {
		t.Fatalf("Classify = %s, want DOCUMENT", got)
	}
}

func TestClassify_WorksheetKeywordWithDerivedSecondary(t *testing.T) {
	obj := newObject(t, map[dicom.Tag]dicom.Value{
		dicom.TagModality:            dicom.TextValue("CT"),
		dicom.TagSeriesDescription:   dicom.TextValue("Dose Worksheet"),
		dicom.TagImageType:           dicom.TextValue("DERIVED\\SECONDARY"),
	})
	if got := Classify(obj); got != CategoryDocument {
		t.Fatalf("Classify = %s, want DOCUMENT", got)
	}
}

func TestClassify_WorksheetKeywordWithoutDerivedSecondaryStaysImage(t *testing.T) {
	obj := newObject(t, map[dicom.Tag]dicom.Value{
		dicom.TagModality:          dicom.TextValue("CT"),
		dicom.TagSeriesDescription: dicom.TextValue("Dose Worksheet"),
		dicom.TagImageType:         dicom.TextValue("ORIGINAL\\PRIMARY"),
	})
	if got := Classify(obj); got != CategoryImage {
		t.Fatalf("Classify = %s, want IMAGE (keyword without DERIVED\\SECONDARY gate)", got)
	}
}

func TestClassify_DefaultIsImage(t *testing.T) {
	obj := newObject(t, map[dicom.Tag]dicom.Value{
		dicom.TagModality: dicom.TextValue("CT"),
	})
	if got := Classify(obj); got != CategoryImage {
		t.Fatalf("Classify = %s, want IMAGE", got)
	}
}

func TestClassifyOrUnsupported_NilObjectIsUnsupported(t *testing.T) {
	if got := ClassifyOrUnsupported(nil); got != CategoryUnsupported {
		t.Fatalf("ClassifyOrUnsupported(nil) = %s, want UNSUPPORTED", got)
	}
}
