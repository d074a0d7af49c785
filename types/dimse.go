// Package types holds the DIMSE, PDU and negotiation types shared by the
// protocol layers, the tunnel and the archive.
package types

import "fmt"

// DIMSE Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
)

// CommandDataSetType values (0000,0800)
const (
	DataSetPresent = 0x0000
	DataSetAbsent  = 0x0101
)

// Priority values (0000,0700)
const (
	PriorityMedium = 0x0000
	PriorityHigh   = 0x0001
	PriorityLow    = 0x0002
)

// DIMSE Status codes
const (
	StatusSuccess               = 0x0000
	StatusPending               = 0xFF00
	StatusFailure               = 0xC000
	StatusOutOfResources        = 0xA700
	StatusCannotUnderstand      = 0xC000
	StatusSOPClassNotSupported  = 0x0122
	StatusUnrecognizedOperation = 0x0211
)

// Message represents a parsed DIMSE command set.
// The cbor tags define the relay envelope wire format and must not be renumbered.
type Message struct {
	CommandField              uint16 `cbor:"1,keyasint"`
	MessageID                 uint16 `cbor:"2,keyasint,omitempty"`
	AffectedSOPClassUID       string `cbor:"3,keyasint,omitempty"`
	AffectedSOPInstanceUID    string `cbor:"4,keyasint,omitempty"`
	Priority                  uint16 `cbor:"5,keyasint,omitempty"`
	CommandDataSetType        uint16 `cbor:"6,keyasint"`
	Status                    uint16 `cbor:"7,keyasint,omitempty"`
	MessageIDBeingRespondedTo uint16 `cbor:"8,keyasint,omitempty"`
	ErrorComment              string `cbor:"9,keyasint,omitempty"`
	// Extra holds the remaining command group elements, such as Move
	// Originator AE Title or Offending Element, with their raw values.
	Extra []CommandElement `cbor:"10,keyasint,omitempty"`

	// TransferSyntaxUID is the negotiated syntax of the accompanying dataset.
	// It is local bookkeeping and never encoded into the command group.
	TransferSyntaxUID string `cbor:"-"`
}

// CommandElement is a group 0000 element carried through without interpretation.
type CommandElement struct {
	Element uint16 `cbor:"1,keyasint"`
	Value   []byte `cbor:"2,keyasint"`
}

// HasDataset reports whether a dataset follows the command.
func (m *Message) HasDataset() bool {
	return m.CommandDataSetType != DataSetAbsent
}

// IsRequest reports whether the command field denotes a request.
func (m *Message) IsRequest() bool {
	return m.CommandField&0x8000 == 0
}

// ResponseCommandFor maps a DIMSE request command to its corresponding response command.
func ResponseCommandFor(request uint16) uint16 {
	switch request {
	case CStoreRQ:
		return CStoreRSP
	case CEchoRQ:
		return CEchoRSP
	default:
		return request | 0x8000
	}
}

// Command enumerates the DIMSE request types the relay understands.
type Command uint8

const (
	CommandUnknown Command = iota
	CommandEcho
	CommandStore
)

// CommandOf classifies a command field value.
func CommandOf(field uint16) Command {
	switch field {
	case CEchoRQ:
		return CommandEcho
	case CStoreRQ:
		return CommandStore
	default:
		return CommandUnknown
	}
}

func (c Command) String() string {
	switch c {
	case CommandEcho:
		return "C-ECHO"
	case CommandStore:
		return "C-STORE"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}
