package dicom

// VR is a DICOM value representation code (PS3.5).
type VR string

// Value representations the codec understands. Unrecognized VRs encountered
// on the wire are preserved as VRUN (unknown binary) so unmodified elements
// still round-trip byte-exact.
const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUT VR = "UT"
	VROB VR = "OB"
	VROW VR = "OW"
	VRSQ VR = "SQ"
	VRUN VR = "UN"
	VRUS VR = "US"
	VRUL VR = "UL"
	VRSS VR = "SS"
	VRSL VR = "SL"
	VRFL VR = "FL"
	VRFD VR = "FD"
)

// shortLengthVRs use a 2-byte length field in explicit VR encoding;
// all others (including the ones listed here with "reserved" 2-byte gap)
// use a 4-byte length field.
var shortLengthVRs = map[VR]bool{
	VRAE: true, VRAS: true, VRCS: true, VRDA: true, VRDS: true, VRDT: true,
	VRIS: true, VRLO: true, VRLT: true, VRPN: true, VRSH: true, VRST: true,
	VRTM: true, VRUI: true, VRUS: true, VRUL: true, VRSS: true, VRSL: true,
	VRFL: true, VRFD: true,
}

// isTextVR reports whether a VR's value is an ASCII/text string that the
// compliance engine may read or replace directly (dates, names, UIDs, free
// text). Binary and sequence VRs are never touched by tag actions.
func isTextVR(v VR) bool {
	switch v {
	case VRAE, VRAS, VRCS, VRDA, VRDS, VRDT, VRIS, VRLO, VRLT, VRPN, VRSH, VRST, VRTM, VRUI, VRUT:
		return true
	default:
		return false
	}
}
