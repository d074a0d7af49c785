package dicom

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// VR (Value Representation) constants
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

// Common transfer syntax UIDs
const (
	TransferSyntaxImplicitVRLittleEndian = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian = types.ExplicitVRLittleEndian
)

const undefinedLength = 0xFFFFFFFF

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16 `cbor:"1,keyasint"`
	Element uint16 `cbor:"2,keyasint"`
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

func (t Tag) compare(o Tag) int {
	if t.Group != o.Group {
		return int(t.Group) - int(o.Group)
	}
	return int(t.Element) - int(o.Element)
}

// Frequently used tags
var (
	TagTransferSyntaxUID        = Tag{0x0002, 0x0010}
	TagSOPClassUID              = Tag{0x0008, 0x0016}
	TagSOPInstanceUID           = Tag{0x0008, 0x0018}
	TagStudyDate                = Tag{0x0008, 0x0020}
	TagModality                 = Tag{0x0008, 0x0060}
	TagPatientName              = Tag{0x0010, 0x0010}
	TagPatientID                = Tag{0x0010, 0x0020}
	TagStudyInstanceUID         = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID        = Tag{0x0020, 0x000E}
	TagPixelData                = Tag{0x7FE0, 0x0010}
	TagItem                     = Tag{0xFFFE, 0xE000}
	TagItemDelimitationItem     = Tag{0xFFFE, 0xE00D}
	TagSequenceDelimitationItem = Tag{0xFFFE, 0xE0DD}
)

// Element is one data element with its value kept as raw bytes.
// Undefined-length elements hold their items and the trailing delimiter in Value.
type Element struct {
	Tag       Tag    `cbor:"1,keyasint"`
	VR        string `cbor:"2,keyasint,omitempty"`
	Value     []byte `cbor:"3,keyasint,omitempty"`
	Undefined bool   `cbor:"4,keyasint,omitempty"`
}

// Dataset is an ordered set of elements encoded in one transfer syntax.
//
// Datasets in syntaxes that cannot be walked element by element (deflated,
// big endian) are carried opaquely in Raw.
type Dataset struct {
	TransferSyntaxUID string     `cbor:"1,keyasint"`
	Elements          []*Element `cbor:"2,keyasint,omitempty"`
	Raw               []byte     `cbor:"3,keyasint,omitempty"`
}

// NewDataset creates a new empty dataset in the given transfer syntax
func NewDataset(transferSyntaxUID string) *Dataset {
	if transferSyntaxUID == "" {
		transferSyntaxUID = TransferSyntaxExplicitVRLittleEndian
	}
	return &Dataset{TransferSyntaxUID: transferSyntaxUID}
}

// AddElement inserts or replaces an element, keeping ascending tag order
func (d *Dataset) AddElement(tag Tag, vr string, value []byte) {
	elem := &Element{Tag: tag, VR: vr, Value: value}
	i, found := slices.BinarySearchFunc(d.Elements, tag, func(e *Element, t Tag) int {
		return e.Tag.compare(t)
	})
	if found {
		d.Elements[i] = elem
		return
	}
	d.Elements = slices.Insert(d.Elements, i, elem)
}

// AddString adds a text element padded to even length
func (d *Dataset) AddString(tag Tag, vr string, value string) {
	b := []byte(value)
	if len(b)%2 == 1 {
		if vr == VR_UI {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	d.AddElement(tag, vr, b)
}

// GetElement retrieves an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	i, found := slices.BinarySearchFunc(d.Elements, tag, func(e *Element, t Tag) int {
		return e.Tag.compare(t)
	})
	if !found {
		return nil, false
	}
	return d.Elements[i], true
}

// Len returns the number of top-level elements
func (d *Dataset) Len() int {
	return len(d.Elements)
}

// GetString returns a text element value without padding
func (d *Dataset) GetString(tag Tag) string {
	elem, ok := d.GetElement(tag)
	if !ok || elem.Undefined {
		return ""
	}
	value := string(elem.Value)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// GetStrings splits a multi-valued text element
func (d *Dataset) GetStrings(tag Tag) []string {
	value := d.GetString(tag)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, "\\")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ParseDataset parses an Explicit VR Little Endian dataset
func ParseDataset(data []byte) (*Dataset, error) {
	return ParseDatasetWithTransferSyntax(data, TransferSyntaxExplicitVRLittleEndian)
}

// ParseDatasetWithTransferSyntax parses a dataset using the provided transfer syntax.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	dataset := NewDataset(transferSyntaxUID)
	if len(data) == 0 {
		return dataset, nil
	}

	explicit, walkable := syntaxLayout(dataset.TransferSyntaxUID)
	if !walkable {
		dataset.Raw = slices.Clone(data)
		return dataset, nil
	}

	offset := 0
	for offset < len(data) {
		elem, next, err := readElement(data, offset, explicit)
		if err != nil {
			return nil, err
		}
		dataset.Elements = append(dataset.Elements, elem)
		offset = next
	}

	return dataset, nil
}

// syntaxLayout reports whether a syntax uses explicit VR and whether it can be walked.
// Encapsulated (compressed) syntaxes are explicit VR little endian outside the pixel data.
func syntaxLayout(transferSyntaxUID string) (explicit bool, walkable bool) {
	switch transferSyntaxUID {
	case TransferSyntaxImplicitVRLittleEndian:
		return false, true
	case types.ExplicitVRBigEndian, types.DeflatedExplicitVRLittleEndian:
		return true, false
	default:
		return true, true
	}
}

func isLongVR(vr string) bool {
	switch vr {
	case VR_OB, VR_OD, VR_OF, VR_OL, VR_OV, VR_OW, VR_SQ, VR_UC, VR_UN, VR_UR, VR_UT, VR_SV, VR_UV:
		return true
	}
	return false
}

// readElement decodes the element at offset and returns the offset following it.
func readElement(data []byte, offset int, explicit bool) (*Element, int, error) {
	if offset+8 > len(data) {
		return nil, 0, fmt.Errorf("truncated element header at offset %d", offset)
	}
	tag := Tag{
		Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
		Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
	}

	var (
		vr          string
		length      uint32
		valueOffset int
	)

	switch {
	case !explicit || tag.Group == 0xFFFE:
		length = binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset = offset + 8
		if !explicit {
			vr = determineVR(tag)
		}
	default:
		vr = string(data[offset+4 : offset+6])
		if isLongVR(vr) {
			if offset+12 > len(data) {
				return nil, 0, fmt.Errorf("truncated long element header %s", tag)
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
	}

	if length == undefinedLength {
		end, err := sequenceEnd(data, valueOffset, explicit)
		if err != nil {
			return nil, 0, fmt.Errorf("element %s: %w", tag, err)
		}
		return &Element{Tag: tag, VR: vr, Value: slices.Clone(data[valueOffset:end]), Undefined: true}, end, nil
	}

	end := valueOffset + int(length)
	if end > len(data) {
		return nil, 0, fmt.Errorf("element %s length %d exceeds dataset", tag, length)
	}
	return &Element{Tag: tag, VR: vr, Value: slices.Clone(data[valueOffset:end])}, end, nil
}

// sequenceEnd walks items from offset up to and including the sequence delimiter.
func sequenceEnd(data []byte, offset int, explicit bool) (int, error) {
	for offset+8 <= len(data) {
		tag := Tag{
			Group:   binary.LittleEndian.Uint16(data[offset : offset+2]),
			Element: binary.LittleEndian.Uint16(data[offset+2 : offset+4]),
		}
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		switch tag {
		case TagSequenceDelimitationItem:
			return offset + 8, nil
		case TagItem:
			if length != undefinedLength {
				offset += 8 + int(length)
				continue
			}
			end, err := itemEnd(data, offset+8, explicit)
			if err != nil {
				return 0, err
			}
			offset = end
		default:
			return 0, fmt.Errorf("unexpected tag %s inside sequence", tag)
		}
	}
	return 0, fmt.Errorf("missing sequence delimitation item")
}

// itemEnd walks nested elements up to and including the item delimiter.
func itemEnd(data []byte, offset int, explicit bool) (int, error) {
	for offset+8 <= len(data) {
		if binary.LittleEndian.Uint16(data[offset:offset+2]) == TagItemDelimitationItem.Group &&
			binary.LittleEndian.Uint16(data[offset+2:offset+4]) == TagItemDelimitationItem.Element {
			return offset + 8, nil
		}
		_, next, err := readElement(data, offset, explicit)
		if err != nil {
			return 0, err
		}
		offset = next
	}
	return 0, fmt.Errorf("missing item delimitation item")
}

// determineVR determines the VR of an implicit VR element from a small dictionary
func determineVR(tag Tag) string {
	if tag.Element == 0x0000 {
		return VR_UL // group length
	}
	switch tag {
	case Tag{0x0002, 0x0001}:
		return VR_OB
	case Tag{0x0002, 0x0002}, Tag{0x0002, 0x0003}, Tag{0x0002, 0x0010}, Tag{0x0002, 0x0012}:
		return VR_UI
	case Tag{0x0002, 0x0013}, Tag{0x0002, 0x0016}:
		return VR_SH
	case Tag{0x0008, 0x0005}, Tag{0x0008, 0x0008}, Tag{0x0008, 0x0052}, Tag{0x0008, 0x0060},
		Tag{0x0010, 0x0040}, Tag{0x0018, 0x0015}, Tag{0x0020, 0x0020}, Tag{0x0028, 0x0004}:
		return VR_CS
	case Tag{0x0008, 0x0016}, Tag{0x0008, 0x0018}, Tag{0x0020, 0x000D}, Tag{0x0020, 0x000E}, Tag{0x0020, 0x0052}:
		return VR_UI
	case Tag{0x0008, 0x0020}, Tag{0x0008, 0x0021}, Tag{0x0008, 0x0022}, Tag{0x0008, 0x0023}, Tag{0x0010, 0x0030}:
		return VR_DA
	case Tag{0x0008, 0x0030}, Tag{0x0008, 0x0031}, Tag{0x0008, 0x0032}, Tag{0x0008, 0x0033}:
		return VR_TM
	case Tag{0x0008, 0x0050}, Tag{0x0020, 0x0010}:
		return VR_SH
	case Tag{0x0008, 0x0054}:
		return VR_AE
	case Tag{0x0008, 0x0070}, Tag{0x0008, 0x0080}, Tag{0x0008, 0x1030}, Tag{0x0008, 0x103E},
		Tag{0x0010, 0x0020}, Tag{0x0018, 0x1030}:
		return VR_LO
	case Tag{0x0008, 0x0090}, Tag{0x0008, 0x1050}, Tag{0x0008, 0x1060}, Tag{0x0008, 0x1070}, Tag{0x0010, 0x0010}:
		return VR_PN
	case Tag{0x0010, 0x1010}:
		return VR_AS
	case Tag{0x0020, 0x0011}, Tag{0x0020, 0x0012}, Tag{0x0020, 0x0013}:
		return VR_IS
	case Tag{0x0028, 0x0002}, Tag{0x0028, 0x0010}, Tag{0x0028, 0x0011}, Tag{0x0028, 0x0100},
		Tag{0x0028, 0x0101}, Tag{0x0028, 0x0102}, Tag{0x0028, 0x0103}:
		return VR_US
	case TagPixelData:
		return VR_OW
	default:
		return VR_UN
	}
}

// Encode serializes the dataset in its own transfer syntax.
func (d *Dataset) Encode() ([]byte, error) {
	return EncodeDatasetWithTransferSyntax(d, d.TransferSyntaxUID)
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
// Only Implicit and Explicit VR Little Endian transcode into one another, and only
// when no element carries nested items.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}
	if dataset.Raw != nil {
		if transferSyntaxUID != dataset.TransferSyntaxUID {
			return nil, fmt.Errorf("%w: opaque %s dataset cannot become %s",
				dicomerrors.ErrUnsupportedTransfer, dataset.TransferSyntaxUID, transferSyntaxUID)
		}
		return dataset.Raw, nil
	}

	if transferSyntaxUID != dataset.TransferSyntaxUID {
		if err := canTranscode(dataset, transferSyntaxUID); err != nil {
			return nil, err
		}
	}

	explicit, _ := syntaxLayout(transferSyntaxUID)
	var result []byte
	for _, elem := range dataset.Elements {
		var err error
		result, err = appendElement(result, elem, explicit)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func canTranscode(dataset *Dataset, target string) error {
	uncompressed := func(ts string) bool {
		return ts == TransferSyntaxImplicitVRLittleEndian || ts == TransferSyntaxExplicitVRLittleEndian
	}
	if !uncompressed(dataset.TransferSyntaxUID) || !uncompressed(target) {
		return fmt.Errorf("%w: %s to %s", dicomerrors.ErrUnsupportedTransfer, dataset.TransferSyntaxUID, target)
	}
	for _, elem := range dataset.Elements {
		if elem.Undefined || elem.VR == VR_SQ {
			return fmt.Errorf("%w: sequence %s cannot be transcoded", dicomerrors.ErrUnsupportedTransfer, elem.Tag)
		}
	}
	return nil
}

func appendElement(buf []byte, elem *Element, explicit bool) ([]byte, error) {
	buf = binary.LittleEndian.AppendUint16(buf, elem.Tag.Group)
	buf = binary.LittleEndian.AppendUint16(buf, elem.Tag.Element)

	length := uint32(len(elem.Value))
	if elem.Undefined {
		length = undefinedLength
	}

	if !explicit || elem.Tag.Group == 0xFFFE {
		buf = binary.LittleEndian.AppendUint32(buf, length)
		return append(buf, elem.Value...), nil
	}

	vr := elem.VR
	if vr == "" {
		vr = determineVR(elem.Tag)
	}
	buf = append(buf, vr...)
	if isLongVR(vr) {
		buf = append(buf, 0x00, 0x00)
		buf = binary.LittleEndian.AppendUint32(buf, length)
	} else {
		if elem.Undefined || len(elem.Value) > 0xFFFF {
			return nil, fmt.Errorf("element %s: value too long for VR %s", elem.Tag, vr)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(length))
	}
	return append(buf, elem.Value...), nil
}
