// Package classifier buckets a parsed object into a classification category
// by SOP-class identity first, falling back to modality and then a keyword
// probe over the series description. Modality alone is never authoritative:
// an encapsulated-PDF object declares modality="US" in some source systems,
// and must still classify as ENCAPSULATED_PDF.
package classifier

import (
	"regexp"
	"strings"

	"github.com/voxelmask/deidentify/internal/dicom"
)

// Category is the closed set of classification outcomes.
type Category string

// The classification categories.
const (
	CategoryImage             Category = "IMAGE"
	CategoryDocument          Category = "DOCUMENT"
	CategoryStructuredReport  Category = "STRUCTURED_REPORT"
	CategoryEncapsulatedPDF   Category = "ENCAPSULATED_PDF"
	CategoryUnsupported       Category = "UNSUPPORTED"
)

// knownDocumentSOPClasses maps SOP-class UIDs that are authoritative for
// classification regardless of modality or description.
var knownDocumentSOPClasses = map[string]Category{
	"1.2.840.10008.5.1.4.1.1.104.1": CategoryEncapsulatedPDF,  // Encapsulated PDF Storage
	"1.2.840.10008.5.1.4.1.1.104.2": CategoryEncapsulatedPDF,  // Encapsulated CDA Storage
	"1.2.840.10008.5.1.4.1.1.88.11": CategoryStructuredReport, // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22": CategoryStructuredReport, // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.88.33": CategoryStructuredReport, // Comprehensive SR
	"1.2.840.10008.5.1.4.1.1.88.40": CategoryStructuredReport, // Procedure Log
	"1.2.840.10008.5.1.4.1.1.88.50": CategoryStructuredReport, // Mammography CAD SR
	"1.2.840.10008.5.1.4.1.1.88.59": CategoryStructuredReport, // Key Object Selection
	"1.2.840.10008.5.1.4.1.1.7":     CategoryDocument,         // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.7.1":   CategoryDocument,         // Multi-frame Single Bit SC
	"1.2.840.10008.5.1.4.1.1.7.2":   CategoryDocument,         // Multi-frame Grayscale Byte SC
	"1.2.840.10008.5.1.4.1.1.7.3":   CategoryDocument,         // Multi-frame Grayscale Word SC
	"1.2.840.10008.5.1.4.1.1.7.4":   CategoryDocument,         // Multi-frame True Color SC
}

// documentModalities are modality codes that are always DOCUMENT, regardless
// of SOP class.
var documentModalities = map[string]bool{
	"SC": true, "OT": true, "SR": true, "DOC": true, "PR": true,
}

var worksheetKeywords = regexp.MustCompile(`(?i)\b(WORKSHEET|REPORT|SUMMARY)\b`)
var derivedSecondary = regexp.MustCompile(`(?i)DERIVED.*SECONDARY|SECONDARY.*DERIVED`)

// Classify computes the classification category for obj. Rules run in strict
// order: SOP-class identity first, then modality, then a worksheet-keyword
// probe over the series description gated on ImageType containing
// DERIVED\SECONDARY, finally defaulting to IMAGE.
func Classify(obj *dicom.Object) Category {
	if sopClass, ok := obj.Get(dicom.TagMediaStorageSOPClassUID); ok {
		if cat, known := knownDocumentSOPClasses[sopClass.Str]; known {
			return cat
		}
	}

	modality := ""
	if v, ok := obj.Get(dicom.TagModality); ok {
		modality = strings.ToUpper(strings.TrimSpace(v.Str))
	}
	if documentModalities[modality] {
		return CategoryDocument
	}

	desc := ""
	if v, ok := obj.Get(dicom.TagSeriesDescription); ok {
		desc = v.Str
	}
	imageType := ""
	if v, ok := obj.Get(dicom.TagImageType); ok {
		imageType = v.Str
	}
	if worksheetKeywords.MatchString(desc) && derivedSecondary.MatchString(imageType) {
		return CategoryDocument
	}

	return CategoryImage
}

// ClassifyOrUnsupported wraps Classify for the failed-parse path: when obj is
// nil (parsing already failed upstream), the category is UNSUPPORTED without
// inspecting any tag.
func ClassifyOrUnsupported(obj *dicom.Object) Category {
	if obj == nil {
		return CategoryUnsupported
	}
	return Classify(obj)
}
