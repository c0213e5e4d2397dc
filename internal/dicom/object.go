// Package dicom implements the object model: a parsed metadata-tag dataset
// plus an independently addressable pixel payload, per spec.md §4.2.
//
// The codec supports Implicit VR Little Endian, Explicit VR Little Endian,
// and Explicit VR Big Endian transfer syntaxes. Compressed-pixel transfer
// syntaxes (JPEG family, RLE) are accepted: the codec never decodes pixel
// compression, it only locates the Pixel Data element's raw bytes (including
// the encapsulated-fragment framing for undefined-length Pixel Data) and
// carries them opaquely, per the "addressable as raw bytes independent of
// codec" contract.
package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ParseErrorKind enumerates the closed set of load failures, per spec.md §4.2.
type ParseErrorKind string

// The closed set of parse error kinds.
const (
	ErrNotAnImageObject       ParseErrorKind = "not_an_image_object"
	ErrTruncated              ParseErrorKind = "truncated"
	ErrUnknownTagVR           ParseErrorKind = "unknown_tag_vr"
	ErrUnsupportedTransferSyn ParseErrorKind = "unsupported_transfer_syntax"
)

// ParseError reports a failed Load, with file-level context for the audit
// trail (spec.md: "every kind must include file-level context").
type ParseError struct {
	Kind ParseErrorKind
	File string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error (%s) in %q: %v", e.Kind, e.File, e.Err)
	}
	return fmt.Sprintf("parse error (%s) in %q", e.Kind, e.File)
}

func (e *ParseError) Unwrap() error { return e.Err }

// element is one on-wire metadata element, preserved byte-exact unless
// mutated via Object.Set/Remove.
type element struct {
	tag   Tag
	vr    VR
	raw   []byte // exact value bytes, already even-length and padded
	dirty bool
}

// Object is a parsed medical-image object: the file-meta group, the main
// dataset (as an ordered element list), the transfer syntax, and an
// independently addressable pixel payload.
type Object struct {
	preamble       [128]byte
	fileMeta       []element // always explicit VR little endian
	dataset        []element
	index          map[Tag]int // tag -> index into dataset
	transferSyntax string
	pixel          []byte // raw bytes of the Pixel Data element's value, nil if absent
	frameCount     int    // 1 if no NumberOfFrames tag present
}

// Load parses b into an Object. file is used only for ParseError context.
func Load(b []byte, file string) (*Object, error) {
	if len(b) < 132 || string(b[128:132]) != "DICM" {
		return nil, &ParseError{Kind: ErrNotAnImageObject, File: file}
	}

	obj := &Object{index: make(map[Tag]int), frameCount: 1}
	copy(obj.preamble[:], b[:128])

	cursor := b[132:]

	metaElems, rest, err := decodeExplicitLE(cursor, func(t Tag) bool { return t.Group() != 0x0002 })
	if err != nil {
		return nil, &ParseError{Kind: ErrTruncated, File: file, Err: err}
	}
	obj.fileMeta = metaElems

	ts := ""
	for _, e := range metaElems {
		if e.tag == TagTransferSyntaxUID {
			ts = trimPadded(string(e.raw))
		}
	}
	if ts == "" {
		ts = TSExplicitVRLittleEndian
	}
	if !knownTransferSyntaxes[ts] {
		return nil, &ParseError{Kind: ErrUnsupportedTransferSyn, File: file, Err: fmt.Errorf("transfer syntax %q", ts)}
	}
	obj.transferSyntax = ts

	var dataset []element
	switch {
	case implicitVR(ts):
		dataset, err = decodeImplicit(rest)
	case bigEndian(ts):
		dataset, err = decodeExplicit(rest, binary.BigEndian)
	default:
		dataset, err = decodeExplicit(rest, binary.LittleEndian)
	}
	if err != nil {
		return nil, &ParseError{Kind: ErrTruncated, File: file, Err: err}
	}
	obj.dataset = dataset
	for i, e := range dataset {
		obj.index[e.tag] = i
		if e.tag == TagPixelData {
			obj.pixel = e.raw
		}
	}
	if v, ok := obj.Get(TagNumberOfFrames); ok {
		if n, err := parseInt(trimPadded(v.Str)); err == nil && n > 0 {
			obj.frameCount = n
		}
	}
	return obj, nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// TransferSyntaxUID returns the object's transfer syntax.
func (o *Object) TransferSyntaxUID() string { return o.transferSyntax }

// FrameCount returns the number of pixel frames (1 for single-frame objects).
func (o *Object) FrameCount() int { return o.frameCount }

// Get returns the typed value for tag, if present in the dataset or, failing
// that, in the file-meta group.
func (o *Object) Get(tag Tag) (Value, bool) {
	var e element
	if i, ok := o.index[tag]; ok {
		e = o.dataset[i]
	} else {
		found := false
		for _, m := range o.fileMeta {
			if m.tag == tag {
				e, found = m, true
				break
			}
		}
		if !found {
			return Value{}, false
		}
	}
	kind := kindForVR(e.vr)
	if kind == KindBinary {
		return Value{Kind: kind, Bytes: e.raw}, true
	}
	return Value{Kind: kind, Str: trimPadded(string(e.raw))}, true
}

// Set assigns tag's value, inserting a new element if tag was absent. The VR
// is taken from the built-in dictionary when known, else derived from the
// value's Kind.
func (o *Object) Set(tag Tag, v Value) {
	vr, ok := implicitVRDict[tag]
	if !ok {
		if i, exists := o.index[tag]; exists {
			vr = o.dataset[i].vr
		} else {
			vr = defaultVRForKind(v.Kind)
		}
	}

	var raw []byte
	if v.Kind == KindBinary {
		raw = v.Bytes
		if len(raw)%2 == 1 {
			raw = append(raw, 0x00)
		}
	} else {
		raw = []byte(padEven(v.Str, vr))
	}

	e := element{tag: tag, vr: vr, raw: raw, dirty: true}
	if i, exists := o.index[tag]; exists {
		o.dataset[i] = e
	} else {
		o.index[tag] = len(o.dataset)
		o.dataset = append(o.dataset, e)
	}
	if tag == TagPixelData {
		o.pixel = raw
	}
}

// Remove deletes tag from the dataset, if present.
func (o *Object) Remove(tag Tag) {
	i, ok := o.index[tag]
	if !ok {
		return
	}
	o.dataset = append(o.dataset[:i], o.dataset[i+1:]...)
	delete(o.index, tag)
	for t, idx := range o.index {
		if idx > i {
			o.index[t] = idx - 1
		}
	}
	if tag == TagPixelData {
		o.pixel = nil
	}
}

// Tags returns every tag currently present in the dataset, in element order.
func (o *Object) Tags() []Tag {
	out := make([]Tag, len(o.dataset))
	for i, e := range o.dataset {
		out[i] = e.tag
	}
	return out
}

// PixelBytes returns the raw Pixel Data value bytes, or nil if absent.
// Pixel data is never copied by the compliance engine except via the
// masking path (internal/pixelguard), so this slice must be treated as
// read-only by all callers except the masker.
func (o *Object) PixelBytes() []byte { return o.pixel }

// SetPixelBytes replaces the Pixel Data element's raw value. Used only by
// the masking path; passthrough objects never call this.
func (o *Object) SetPixelBytes(b []byte) {
	o.Set(TagPixelData, Value{Kind: KindBinary, Bytes: b})
}

// Uint16 reads tag's raw value as a little-endian uint16, bypassing Get's
// VR-to-Kind mapping. Rows, Columns, BitsAllocated and SamplesPerPixel are
// all true binary US values; kindForVR maps VRUS to KindNumeric and Get
// would hand back the raw bytes re-interpreted as a padded ASCII string,
// which is wrong for these tags.
func (o *Object) Uint16(tag Tag) (uint16, bool) {
	i, ok := o.index[tag]
	if !ok {
		return 0, false
	}
	raw := o.dataset[i].raw
	if len(raw) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(raw[:2]), true
}

// Clone returns a deep-enough copy of o for the masking path: an independent
// copy of the dataset and pixel buffer so pixelguard.Burn can mutate the
// clone's pixels while pixelguard.Enforce still has the untouched original
// to hash and compare against. Element byte slices other than Pixel Data are
// shared since Set always allocates a fresh raw slice rather than mutating
// one in place, so nothing but Pixel Data is ever written through in place.
func (o *Object) Clone() *Object {
	cp := &Object{
		preamble:       o.preamble,
		fileMeta:       append([]element(nil), o.fileMeta...),
		dataset:        append([]element(nil), o.dataset...),
		index:          make(map[Tag]int, len(o.index)),
		transferSyntax: o.transferSyntax,
		frameCount:     o.frameCount,
	}
	for t, i := range o.index {
		cp.index[t] = i
	}
	if o.pixel != nil {
		cp.pixel = append([]byte(nil), o.pixel...)
		if i, ok := cp.index[TagPixelData]; ok {
			e := cp.dataset[i]
			e.raw = cp.pixel
			cp.dataset[i] = e
		}
	}
	return cp
}

// Write serializes the object back to bytes. Elements that were never
// Set/Remove-mutated are emitted using their original on-wire bytes
// unchanged, so write(load(b)) == b whenever no mutation occurred.
func (o *Object) Write() []byte {
	var buf bytes.Buffer
	buf.Write(o.preamble[:])
	buf.WriteString("DICM")

	for _, e := range o.fileMeta {
		encodeExplicitElement(&buf, e, binary.LittleEndian)
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if bigEndian(o.transferSyntax) {
		order = binary.BigEndian
	}

	for _, e := range o.dataset {
		if implicitVR(o.transferSyntax) {
			encodeImplicitElement(&buf, e, order)
		} else {
			encodeExplicitElement(&buf, e, order)
		}
	}
	return buf.Bytes()
}
