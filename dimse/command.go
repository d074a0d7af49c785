package dimse

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// Command group element numbers (group 0x0000)
const (
	elemGroupLength               = 0x0000
	elemAffectedSOPClassUID       = 0x0002
	elemCommandField              = 0x0100
	elemMessageID                 = 0x0110
	elemMessageIDBeingRespondedTo = 0x0120
	elemPriority                  = 0x0700
	elemCommandDataSetType        = 0x0800
	elemStatus                    = 0x0900
	elemErrorComment              = 0x0902
	elemAffectedSOPInstanceUID    = 0x1000
)

// EncodeCommand encodes a DIMSE command message using Implicit VR Little Endian.
// Elements in msg.Extra are written in tag order alongside the known ones.
func EncodeCommand(msg *types.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil command", dicomerrors.ErrInvalidMessage)
	}

	elements := make([]types.CommandElement, 0, 10+len(msg.Extra))
	add := func(element uint16, value []byte) {
		elements = append(elements, types.CommandElement{Element: element, Value: value})
	}

	if msg.AffectedSOPClassUID != "" {
		add(elemAffectedSOPClassUID, padUID(msg.AffectedSOPClassUID))
	}
	add(elemCommandField, uint16Value(msg.CommandField))
	if msg.IsRequest() {
		add(elemMessageID, uint16Value(msg.MessageID))
	} else {
		add(elemMessageIDBeingRespondedTo, uint16Value(msg.MessageIDBeingRespondedTo))
	}
	// Priority is mandatory on C-STORE-RQ and absent from responses
	if msg.CommandField == types.CStoreRQ {
		add(elemPriority, uint16Value(msg.Priority))
	}
	add(elemCommandDataSetType, uint16Value(msg.CommandDataSetType))
	if !msg.IsRequest() {
		add(elemStatus, uint16Value(msg.Status))
		if msg.ErrorComment != "" {
			comment := msg.ErrorComment
			if len(comment) > 64 {
				comment = comment[:64]
			}
			if len(comment)%2 == 1 {
				comment += " "
			}
			add(elemErrorComment, []byte(comment))
		}
	}
	if msg.AffectedSOPInstanceUID != "" {
		add(elemAffectedSOPInstanceUID, padUID(msg.AffectedSOPInstanceUID))
	}

	for _, e := range msg.Extra {
		if e.Element == elemGroupLength || slices.ContainsFunc(elements, func(k types.CommandElement) bool {
			return k.Element == e.Element
		}) {
			continue
		}
		elements = append(elements, e)
	}
	slices.SortStableFunc(elements, func(a, b types.CommandElement) int {
		return cmp.Compare(a.Element, b.Element)
	})

	buf := make([]byte, 0, 256)
	// Command Group Length (0000,0000) - filled in at the end
	buf = AppendImplicitElement(buf, 0x0000, elemGroupLength, make([]byte, 4))
	lengthPos := len(buf) - 4
	for _, e := range elements {
		buf = AppendImplicitElement(buf, 0x0000, e.Element, e.Value)
	}

	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, group)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	return append(buf, value...)
}

func uint16Value(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func padUID(uid string) []byte {
	b := []byte(uid)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	return b
}

// DecodeCommand decodes an Implicit VR Little Endian DIMSE command set
func DecodeCommand(data []byte) (*types.Message, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: command set too short (%d bytes)", dicomerrors.ErrInvalidMessage, len(data))
	}

	msg := &types.Message{
		CommandDataSetType: types.DataSetAbsent,
	}
	seenCommandField := false

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		end := offset + 8 + int(length)
		if end > len(data) {
			return nil, fmt.Errorf("%w: element (%04x,%04x) length %d exceeds command set",
				dicomerrors.ErrInvalidMessage, group, element, length)
		}
		value := data[offset+8 : end]
		offset = end

		if group != 0x0000 {
			continue
		}

		switch element {
		case elemAffectedSOPClassUID:
			msg.AffectedSOPClassUID = trimValue(value)
		case elemCommandField:
			if len(value) >= 2 {
				msg.CommandField = binary.LittleEndian.Uint16(value)
				seenCommandField = true
			}
		case elemMessageID:
			if len(value) >= 2 {
				msg.MessageID = binary.LittleEndian.Uint16(value)
			}
		case elemMessageIDBeingRespondedTo:
			if len(value) >= 2 {
				msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value)
			}
		case elemPriority:
			if len(value) >= 2 {
				msg.Priority = binary.LittleEndian.Uint16(value)
			}
		case elemCommandDataSetType:
			if len(value) >= 2 {
				msg.CommandDataSetType = binary.LittleEndian.Uint16(value)
			}
		case elemStatus:
			if len(value) >= 2 {
				msg.Status = binary.LittleEndian.Uint16(value)
			}
		case elemErrorComment:
			msg.ErrorComment = trimValue(value)
		case elemAffectedSOPInstanceUID:
			msg.AffectedSOPInstanceUID = trimValue(value)
		case elemGroupLength:
		default:
			msg.Extra = append(msg.Extra, types.CommandElement{
				Element: element,
				Value:   append([]byte(nil), value...),
			})
		}
	}

	if !seenCommandField {
		return nil, fmt.Errorf("%w: missing command field", dicomerrors.ErrInvalidMessage)
	}

	return msg, nil
}

func trimValue(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

// NewResponse builds the response command for a request with the given status.
func NewResponse(req *types.Message, status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        types.DataSetAbsent,
		Status:                    status,
	}
}
