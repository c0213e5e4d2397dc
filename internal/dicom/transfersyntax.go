package dicom

// Transfer syntax UIDs the loader recognizes. Pixel payloads for compressed
// syntaxes (JPEG, RLE) are carried as opaque bytes — the codec never
// decodes pixel compression, only locates the Pixel Data element's raw
// bytes, per spec.md "addressable as raw bytes independent of codec".
const (
	TSImplicitVRLittleEndian = "1.2.840.10008.1.2"
	TSExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	TSExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	TSDeflatedExplicitVRLE   = "1.2.840.10008.1.2.1.99"
	TSJPEGBaseline           = "1.2.840.10008.1.2.4.50"
	TSJPEGLossless           = "1.2.840.10008.1.2.4.70"
	TSJPEG2000               = "1.2.840.10008.1.2.4.90"
	TSJPEG2000Lossless       = "1.2.840.10008.1.2.4.91"
	TSJPEGLSLossless         = "1.2.840.10008.1.2.4.80"
	TSJPEGLSNearLossless     = "1.2.840.10008.1.2.4.81"
	TSRLELossless            = "1.2.840.10008.1.2.5"
)

var knownTransferSyntaxes = map[string]bool{
	TSImplicitVRLittleEndian: true,
	TSExplicitVRLittleEndian: true,
	TSExplicitVRBigEndian:    true,
	TSDeflatedExplicitVRLE:   true,
	TSJPEGBaseline:           true,
	TSJPEGLossless:           true,
	TSJPEG2000:               true,
	TSJPEG2000Lossless:       true,
	TSJPEGLSLossless:         true,
	TSJPEGLSNearLossless:     true,
	TSRLELossless:            true,
}

// bigEndian reports whether the dataset after the file-meta group is
// encoded big-endian. Only TSExplicitVRBigEndian is big-endian; every other
// recognized syntax (including the compressed ones, which wrap
// little-endian explicit VR framing around compressed pixel bodies) is
// little-endian.
func bigEndian(ts string) bool { return ts == TSExplicitVRBigEndian }

// implicitVR reports whether the dataset uses implicit VR encoding.
func implicitVR(ts string) bool { return ts == TSImplicitVRLittleEndian }
