package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const undefinedLength = 0xFFFFFFFF

var sequenceDelimitationItem = [4]byte{0xFE, 0xFF, 0xDD, 0xE0} // (FFFE,E0DD) little endian tag bytes
var itemTag = [4]byte{0xFE, 0xFF, 0x00, 0xE0}                  // (FFFE,E000)

// decodeExplicitLE decodes elements from an explicit-VR little-endian
// stream, stopping (without consuming) at the first element for which stop
// returns true. Used to isolate the file-meta group, which is always
// explicit VR LE regardless of the main dataset's transfer syntax.
func decodeExplicitLE(b []byte, stop func(Tag) bool) (elems []element, rest []byte, err error) {
	order := binary.LittleEndian
	cur := b
	for len(cur) > 0 {
		if len(cur) < 8 {
			return nil, nil, fmt.Errorf("truncated element header")
		}
		group := order.Uint16(cur[0:2])
		elem := order.Uint16(cur[2:4])
		tag := NewTag(group, elem)
		if stop(tag) {
			return elems, cur, nil
		}
		e, n, err := decodeOneExplicit(cur, order)
		if err != nil {
			return nil, nil, err
		}
		elems = append(elems, e)
		cur = cur[n:]
	}
	return elems, cur, nil
}

// decodeExplicit decodes an entire explicit-VR stream in the given byte order.
func decodeExplicit(b []byte, order binary.ByteOrder) ([]element, error) {
	var elems []element
	cur := b
	for len(cur) > 0 {
		e, n, err := decodeOneExplicit(cur, order)
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		cur = cur[n:]
	}
	return elems, nil
}

// decodeOneExplicit decodes a single explicit-VR element from the front of b.
func decodeOneExplicit(b []byte, order binary.ByteOrder) (element, int, error) {
	if len(b) < 8 {
		return element{}, 0, fmt.Errorf("truncated element header")
	}
	group := order.Uint16(b[0:2])
	el := order.Uint16(b[2:4])
	tag := NewTag(group, el)
	vr := VR(b[4:6])

	var length uint32
	var headerLen int
	if shortLengthVRs[vr] {
		length = uint32(order.Uint16(b[6:8]))
		headerLen = 8
	} else {
		if len(b) < 12 {
			return element{}, 0, fmt.Errorf("truncated long-VR header")
		}
		length = order.Uint32(b[8:12])
		headerLen = 12
	}

	if length == undefinedLength {
		// Encapsulated/undefined-length value (compressed Pixel Data, or a
		// sequence). Carry the entire encapsulated span — item headers,
		// fragments, and the terminating Sequence Delimitation Item — as one
		// opaque raw value so pixel bytes remain addressable without
		// decoding compression or sequence structure.
		span, err := scanUndefinedLength(b[headerLen:], order)
		if err != nil {
			return element{}, 0, err
		}
		return element{tag: tag, vr: vr, raw: span}, headerLen + len(span), nil
	}

	if len(b) < headerLen+int(length) {
		return element{}, 0, fmt.Errorf("truncated value for tag %s (want %d bytes)", tag, length)
	}
	raw := b[headerLen : headerLen+int(length)]
	return element{tag: tag, vr: vr, raw: raw}, headerLen + int(length), nil
}

// scanUndefinedLength consumes Item (FFFE,E000) / Sequence Delimitation Item
// (FFFE,E0DD) framed data until the delimiter, returning the full span
// including the delimiter itself.
func scanUndefinedLength(b []byte, order binary.ByteOrder) ([]byte, error) {
	cur := b
	consumed := 0
	for {
		if len(cur) < 8 {
			return nil, fmt.Errorf("truncated encapsulated value")
		}
		tagBytes := cur[0:4]
		itemLen := order.Uint32(cur[4:8])
		consumed += 8
		cur = cur[8:]
		if bytes.Equal(tagBytes, sequenceDelimitationItem[:]) {
			return b[:consumed], nil
		}
		if !bytes.Equal(tagBytes, itemTag[:]) {
			return nil, fmt.Errorf("unexpected item tag in encapsulated value")
		}
		if itemLen == undefinedLength {
			return nil, fmt.Errorf("nested undefined-length item unsupported")
		}
		if uint32(len(cur)) < itemLen {
			return nil, fmt.Errorf("truncated item body")
		}
		consumed += int(itemLen)
		cur = cur[itemLen:]
	}
}

// decodeImplicit decodes an implicit-VR little-endian stream. The VR for
// each tag is looked up in the built-in dictionary, defaulting to UN.
func decodeImplicit(b []byte) ([]element, error) {
	order := binary.LittleEndian
	var elems []element
	cur := b
	for len(cur) > 0 {
		if len(cur) < 8 {
			return nil, fmt.Errorf("truncated implicit element header")
		}
		group := order.Uint16(cur[0:2])
		el := order.Uint16(cur[2:4])
		tag := NewTag(group, el)
		length := order.Uint32(cur[4:8])

		vr, ok := implicitVRDict[tag]
		if !ok {
			vr = VRUN
		}

		if length == undefinedLength {
			span, err := scanUndefinedLength(cur[8:], order)
			if err != nil {
				return nil, err
			}
			elems = append(elems, element{tag: tag, vr: vr, raw: span})
			cur = cur[8+len(span):]
			continue
		}

		if uint32(len(cur)-8) < length {
			return nil, fmt.Errorf("truncated value for tag %s (want %d bytes)", tag, length)
		}
		raw := cur[8 : 8+length]
		elems = append(elems, element{tag: tag, vr: vr, raw: raw})
		cur = cur[8+length:]
	}
	return elems, nil
}

// encodeExplicitElement writes e in explicit-VR form using the given byte order.
func encodeExplicitElement(buf *bytes.Buffer, e element, order binary.ByteOrder) {
	writeU16(buf, order, e.tag.Group())
	writeU16(buf, order, e.tag.Element())
	buf.WriteString(string(e.vr))
	if shortLengthVRs[e.vr] {
		writeU16(buf, order, uint16(len(e.raw)))
	} else {
		writeU16(buf, order, 0) // reserved
		writeU32(buf, order, uint32(len(e.raw)))
	}
	buf.Write(e.raw)
}

// encodeImplicitElement writes e in implicit-VR little-endian form.
func encodeImplicitElement(buf *bytes.Buffer, e element, order binary.ByteOrder) {
	writeU16(buf, order, e.tag.Group())
	writeU16(buf, order, e.tag.Element())
	writeU32(buf, order, uint32(len(e.raw)))
	buf.Write(e.raw)
}

func writeU16(buf *bytes.Buffer, order binary.ByteOrder, v uint16) {
	var b [2]byte
	order.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, order binary.ByteOrder, v uint32) {
	var b [4]byte
	order.PutUint32(b[:], v)
	buf.Write(b[:])
}
