package types

// DICOM Transfer Syntax UIDs as defined in DICOM Part 5, Section 8 and Part 6, Annex A.4
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
	JPEGBaseline8Bit               = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit              = "1.2.840.10008.1.2.4.51"
	JPEGLosslessSV1                = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless                 = "1.2.840.10008.1.2.4.80"
	JPEG2000Lossless               = "1.2.840.10008.1.2.4.90"
	JPEG2000                       = "1.2.840.10008.1.2.4.91"
	RLELossless                    = "1.2.840.10008.1.2.5"
)

// TransferSyntaxInfo provides metadata about a transfer syntax
type TransferSyntaxInfo struct {
	UID          string
	Name         string
	IsCompressed bool
	// IsImplicitVR is true only for Implicit VR Little Endian.
	IsImplicitVR bool
}

var transferSyntaxRegistry = map[string]TransferSyntaxInfo{
	ImplicitVRLittleEndian:         {ImplicitVRLittleEndian, "Implicit VR Little Endian", false, true},
	ExplicitVRLittleEndian:         {ExplicitVRLittleEndian, "Explicit VR Little Endian", false, false},
	DeflatedExplicitVRLittleEndian: {DeflatedExplicitVRLittleEndian, "Deflated Explicit VR Little Endian", true, false},
	ExplicitVRBigEndian:            {ExplicitVRBigEndian, "Explicit VR Big Endian", false, false},
	JPEGBaseline8Bit:               {JPEGBaseline8Bit, "JPEG Baseline (Process 1)", true, false},
	JPEGExtended12Bit:              {JPEGExtended12Bit, "JPEG Extended (Process 2 & 4)", true, false},
	JPEGLosslessSV1:                {JPEGLosslessSV1, "JPEG Lossless SV1", true, false},
	JPEGLSLossless:                 {JPEGLSLossless, "JPEG-LS Lossless", true, false},
	JPEG2000Lossless:               {JPEG2000Lossless, "JPEG 2000 (Lossless Only)", true, false},
	JPEG2000:                       {JPEG2000, "JPEG 2000", true, false},
	RLELossless:                    {RLELossless, "RLE Lossless", true, false},
}

// GetTransferSyntaxInfo returns information about a transfer syntax UID
func GetTransferSyntaxInfo(uid string) *TransferSyntaxInfo {
	if info, ok := transferSyntaxRegistry[uid]; ok {
		return &info
	}
	return &TransferSyntaxInfo{UID: uid, Name: "Unknown"}
}

// IsCompressed returns true if the transfer syntax uses compression
func IsCompressed(uid string) bool {
	return GetTransferSyntaxInfo(uid).IsCompressed
}

// GetCommonTransferSyntaxes returns the syntaxes accepted by default,
// uncompressed first.
func GetCommonTransferSyntaxes() []string {
	return []string{
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
		JPEGLosslessSV1,
		JPEG2000Lossless,
		RLELossless,
		JPEG2000,
		JPEGBaseline8Bit,
	}
}
