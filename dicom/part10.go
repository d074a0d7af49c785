package dicom

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caio-sobreiro/dicomrelay/types"
)

const (
	preambleLength = 128
	part10Prefix   = "DICM"
)

// StripPart10Header removes the DICOM Part 10 preamble and File Meta Information
// to extract just the dataset.
//
// DICOM Part 10 files contain:
//   - 128 byte preamble
//   - 4 byte "DICM" prefix
//   - File Meta Information elements (group 0x0002)
//   - Dataset (the actual DICOM data)
//
// C-STORE expects only the dataset without the Part 10 wrapper.
func StripPart10Header(data []byte) ([]byte, error) {
	_, dataset, err := ReadPart10(data)
	return dataset, err
}

// ReadPart10 splits a Part 10 file into its transfer syntax and dataset bytes.
func ReadPart10(data []byte) (transferSyntaxUID string, dataset []byte, err error) {
	if len(data) < preambleLength+4 {
		return "", nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}
	if string(data[preambleLength:preambleLength+4]) != part10Prefix {
		return "", nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	offset := preambleLength + 4

	// File meta information is always explicit VR little endian
	for offset+8 <= len(data) {
		if binary.LittleEndian.Uint16(data[offset:offset+2]) != 0x0002 {
			break
		}
		elem, next, err := readElement(data, offset, true)
		if err != nil {
			return "", nil, fmt.Errorf("file meta information: %w", err)
		}
		if elem.Tag == TagTransferSyntaxUID {
			transferSyntaxUID = strings.TrimRight(string(elem.Value), "\x00 ")
		}
		offset = next
	}

	if transferSyntaxUID != "" {
		slog.Debug("Found Transfer Syntax UID in File Meta Information",
			"transfer_syntax", transferSyntaxUID,
			"dataset_start_offset", offset)
	}

	if offset >= len(data) {
		return "", nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return transferSyntaxUID, data[offset:], nil
}

// WritePart10 wraps dataset bytes in a preamble and File Meta Information.
func WritePart10(sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte) ([]byte, error) {
	meta := NewDataset(TransferSyntaxExplicitVRLittleEndian)
	meta.AddElement(Tag{0x0002, 0x0001}, VR_OB, []byte{0x00, 0x01})
	meta.AddString(Tag{0x0002, 0x0002}, VR_UI, sopClassUID)
	meta.AddString(Tag{0x0002, 0x0003}, VR_UI, sopInstanceUID)
	meta.AddString(TagTransferSyntaxUID, VR_UI, transferSyntaxUID)
	meta.AddString(Tag{0x0002, 0x0012}, VR_UI, types.ImplementationClassUID)
	meta.AddString(Tag{0x0002, 0x0013}, VR_SH, types.ImplementationVersionName)

	body, err := meta.Encode()
	if err != nil {
		return nil, err
	}

	out := make([]byte, preambleLength, preambleLength+4+12+len(body)+len(dataset))
	out = append(out, part10Prefix...)
	// (0002,0000) group length
	out = binary.LittleEndian.AppendUint16(out, 0x0002)
	out = binary.LittleEndian.AppendUint16(out, 0x0000)
	out = append(out, VR_UL...)
	out = binary.LittleEndian.AppendUint16(out, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return append(out, dataset...), nil
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < preambleLength+4 {
		return false
	}
	return string(data[preambleLength:preambleLength+4]) == part10Prefix
}
