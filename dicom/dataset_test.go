package dicom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
)

func TestTag_String(t *testing.T) {
	tests := []struct {
		name     string
		tag      Tag
		expected string
	}{
		{"Patient Name", Tag{0x0010, 0x0010}, "(0010,0010)"},
		{"Study Instance UID", Tag{0x0020, 0x000D}, "(0020,000d)"},
		{"Pixel Data", TagPixelData, "(7fe0,0010)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.tag.String()
			if result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestNewDataset_DefaultsToExplicit(t *testing.T) {
	ds := NewDataset("")
	if ds.TransferSyntaxUID != TransferSyntaxExplicitVRLittleEndian {
		t.Errorf("Expected explicit VR default, got %s", ds.TransferSyntaxUID)
	}
	if len(ds.Elements) != 0 {
		t.Errorf("Expected empty dataset, got %d elements", len(ds.Elements))
	}
}

func TestDataset_AddElementKeepsOrder(t *testing.T) {
	ds := NewDataset("")
	ds.AddString(TagSOPInstanceUID, VR_UI, "1.2.3")
	ds.AddString(TagPatientID, VR_LO, "P1")
	ds.AddString(TagModality, VR_CS, "CT")
	ds.AddString(TagPatientID, VR_LO, "P2")

	if ds.Len() != 3 {
		t.Fatalf("Expected 3 elements, got %d", ds.Len())
	}
	want := []Tag{TagSOPInstanceUID, TagModality, TagPatientID}
	for i, tag := range want {
		if ds.Elements[i].Tag != tag {
			t.Errorf("Element %d: expected %s, got %s", i, tag, ds.Elements[i].Tag)
		}
	}
	if got := ds.GetString(TagPatientID); got != "P2" {
		t.Errorf("Expected replaced value P2, got %q", got)
	}
}

func TestDataset_GetStringTrimsPadding(t *testing.T) {
	ds := NewDataset("")
	ds.AddString(TagSOPInstanceUID, VR_UI, "1.2.345")
	ds.AddString(TagPatientName, VR_PN, "DOE^JOHN ")

	elem, _ := ds.GetElement(TagSOPInstanceUID)
	if len(elem.Value)%2 != 0 || elem.Value[len(elem.Value)-1] != 0x00 {
		t.Errorf("UI value should be null padded, got %q", elem.Value)
	}
	if got := ds.GetString(TagSOPInstanceUID); got != "1.2.345" {
		t.Errorf("Expected 1.2.345, got %q", got)
	}
	if got := ds.GetString(TagPatientName); got != "DOE^JOHN" {
		t.Errorf("Expected DOE^JOHN, got %q", got)
	}
	if got := ds.GetString(TagStudyDate); got != "" {
		t.Errorf("Missing element should read empty, got %q", got)
	}
}

func TestDataset_GetStrings(t *testing.T) {
	ds := NewDataset("")
	ds.AddString(Tag{0x0008, 0x0008}, VR_CS, `ORIGINAL\PRIMARY\AXIAL`)
	got := ds.GetStrings(Tag{0x0008, 0x0008})
	if len(got) != 3 || got[2] != "AXIAL" {
		t.Errorf("Unexpected values %v", got)
	}
}

func explicitElement(group, element uint16, vr string, value []byte) []byte {
	var b []byte
	b = binary.LittleEndian.AppendUint16(b, group)
	b = binary.LittleEndian.AppendUint16(b, element)
	b = append(b, vr...)
	if isLongVR(vr) {
		b = append(b, 0, 0)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(value)))
	} else {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(value)))
	}
	return append(b, value...)
}

func TestParseDataset_RoundTripIsLossless(t *testing.T) {
	pixels := make([]byte, 512)
	for i := range pixels {
		pixels[i] = byte(i * 7)
	}

	var data []byte
	data = append(data, explicitElement(0x0008, 0x0016, VR_UI, []byte("1.2.840.10008.5.1.4.1.1.2\x00"))...)
	data = append(data, explicitElement(0x0008, 0x0018, VR_UI, []byte("1.2.3.4\x00"))...)
	data = append(data, explicitElement(0x0028, 0x0010, VR_US, []byte{0x00, 0x02})...)
	data = append(data, explicitElement(0x7FE0, 0x0010, VR_OW, pixels)...)

	ds, err := ParseDataset(data)
	if err != nil {
		t.Fatalf("ParseDataset() error = %v", err)
	}
	if ds.Len() != 4 {
		t.Fatalf("Expected 4 elements, got %d", ds.Len())
	}
	if got := ds.GetString(TagSOPClassUID); got != "1.2.840.10008.5.1.4.1.1.2" {
		t.Errorf("Unexpected SOP class %q", got)
	}

	encoded, err := ds.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(encoded, data) {
		t.Error("Re-encoded dataset differs from input")
	}
}

func TestParseDataset_UndefinedLengthSequence(t *testing.T) {
	// SQ with undefined length holding one undefined-length item
	var seq []byte
	seq = binary.LittleEndian.AppendUint16(seq, 0x0040)
	seq = binary.LittleEndian.AppendUint16(seq, 0x0275)
	seq = append(seq, "SQ"...)
	seq = append(seq, 0, 0)
	seq = binary.LittleEndian.AppendUint32(seq, undefinedLength)
	seq = append(seq, 0xFE, 0xFF, 0x00, 0xE0, 0xFF, 0xFF, 0xFF, 0xFF)
	seq = append(seq, explicitElement(0x0040, 0x0009, VR_SH, []byte("STEP01"))...)
	seq = append(seq, 0xFE, 0xFF, 0x0D, 0xE0, 0, 0, 0, 0)
	seq = append(seq, 0xFE, 0xFF, 0xDD, 0xE0, 0, 0, 0, 0)

	data := explicitElement(0x0010, 0x0020, VR_LO, []byte("ID01"))
	data = append(data, seq...)

	ds, err := ParseDataset(data)
	if err != nil {
		t.Fatalf("ParseDataset() error = %v", err)
	}
	elem, ok := ds.GetElement(Tag{0x0040, 0x0275})
	if !ok || !elem.Undefined {
		t.Fatal("Expected undefined-length sequence element")
	}

	encoded, err := ds.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(encoded, data) {
		t.Error("Sequence did not survive re-encoding")
	}

	if _, err := EncodeDatasetWithTransferSyntax(ds, TransferSyntaxImplicitVRLittleEndian); !errors.Is(err, dicomerrors.ErrUnsupportedTransfer) {
		t.Errorf("Expected ErrUnsupportedTransfer transcoding a sequence, got %v", err)
	}
}

func TestParseDataset_Truncated(t *testing.T) {
	data := explicitElement(0x0010, 0x0020, VR_LO, []byte("ID01"))
	if _, err := ParseDataset(data[:len(data)-2]); err == nil {
		t.Error("Expected error for truncated element")
	}
}

func TestTranscodeImplicitToExplicit(t *testing.T) {
	ds := NewDataset(TransferSyntaxImplicitVRLittleEndian)
	ds.AddString(TagSOPInstanceUID, VR_UI, "1.2.3.4")
	ds.AddString(TagPatientID, VR_LO, "ID01")

	implicit, err := ds.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	parsed, err := ParseDatasetWithTransferSyntax(implicit, TransferSyntaxImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Parse implicit error = %v", err)
	}
	if elem, _ := parsed.GetElement(TagPatientID); elem.VR != VR_LO {
		t.Errorf("Expected dictionary VR LO, got %s", elem.VR)
	}

	explicit, err := EncodeDatasetWithTransferSyntax(parsed, TransferSyntaxExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("Transcode error = %v", err)
	}
	back, err := ParseDataset(explicit)
	if err != nil {
		t.Fatalf("Parse explicit error = %v", err)
	}
	if back.GetString(TagSOPInstanceUID) != "1.2.3.4" || back.GetString(TagPatientID) != "ID01" {
		t.Error("Values changed during transcoding")
	}
}

func TestOpaqueSyntaxKeepsRawBytes(t *testing.T) {
	raw := []byte{0x78, 0x9c, 0x01, 0x02, 0x03}
	ds, err := ParseDatasetWithTransferSyntax(raw, "1.2.840.10008.1.2.1.99")
	if err != nil {
		t.Fatalf("Parse error = %v", err)
	}
	if !bytes.Equal(ds.Raw, raw) || ds.Len() != 0 {
		t.Fatal("Deflated dataset should be carried opaquely")
	}
	out, err := ds.Encode()
	if err != nil || !bytes.Equal(out, raw) {
		t.Errorf("Encode() = %v, %v", out, err)
	}
	if _, err := EncodeDatasetWithTransferSyntax(ds, TransferSyntaxExplicitVRLittleEndian); err == nil {
		t.Error("Expected error transcoding opaque dataset")
	}
}
