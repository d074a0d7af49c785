package dimse

import (
	"encoding/binary"
	"fmt"
	"io"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// DefaultMaxPDULength is used when the peer does not announce a limit.
const DefaultMaxPDULength = 16384

// Message control header bits
const (
	ControlCommand      byte = 0x01
	ControlLastFragment byte = 0x02
)

// WriteMessage sends a command and optional dataset as P-DATA-TF PDUs,
// fragmenting each so no PDU exceeds maxPDULength.
func WriteMessage(w io.Writer, presContextID byte, maxPDULength uint32, commandData []byte, datasetData []byte) error {
	if err := WritePDataTF(w, presContextID, maxPDULength, commandData, true); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		if err := WritePDataTF(w, presContextID, maxPDULength, datasetData, false); err != nil {
			return err
		}
	}
	return nil
}

// WritePDataTF writes data as one or more P-DATA-TF PDUs, one PDV each.
func WritePDataTF(w io.Writer, presContextID byte, maxPDULength uint32, data []byte, isCommand bool) error {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	// PDV item header is 4 bytes length + context ID + control header
	maxPDVData := int(maxPDULength) - 6
	if maxPDVData <= 0 {
		return fmt.Errorf("max PDU length %d too small", maxPDULength)
	}

	offset := 0
	for {
		chunkSize := len(data) - offset
		last := true
		if chunkSize > maxPDVData {
			chunkSize = maxPDVData
			last = false
		}

		controlHeader := byte(0)
		if isCommand {
			controlHeader |= ControlCommand
		}
		if last {
			controlHeader |= ControlLastFragment
		}

		pdvLength := uint32(chunkSize + 2)
		buf := make([]byte, 0, 6+4+int(pdvLength))
		buf = append(buf, types.TypePDataTF, 0x00)
		buf = binary.BigEndian.AppendUint32(buf, 4+pdvLength)
		buf = binary.BigEndian.AppendUint32(buf, pdvLength)
		buf = append(buf, presContextID, controlHeader)
		buf = append(buf, data[offset:offset+chunkSize]...)

		if _, err := w.Write(buf); err != nil {
			return dicomerrors.NewNetworkError("write P-DATA-TF", err)
		}

		offset += chunkSize
		if last {
			return nil
		}
	}
}

// PDV is one presentation data value item of a P-DATA-TF PDU.
type PDV struct {
	PresentationContextID byte
	ControlHeader         byte
	Data                  []byte
}

// IsCommand reports whether the fragment belongs to a command set.
func (p PDV) IsCommand() bool { return p.ControlHeader&ControlCommand != 0 }

// IsLast reports whether the fragment is the last of its command or dataset.
func (p PDV) IsLast() bool { return p.ControlHeader&ControlLastFragment != 0 }

// ParsePDVs splits a P-DATA-TF payload into its PDV items.
func ParsePDVs(payload []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(payload) {
		if offset+6 > len(payload) {
			return nil, dicomerrors.NewPDUError(types.TypePDataTF, "malformed PDV item")
		}
		pdvLength := binary.BigEndian.Uint32(payload[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if pdvLength < 2 || end > len(payload) {
			return nil, dicomerrors.NewPDUError(types.TypePDataTF, "PDV length exceeds PDU payload")
		}
		pdvs = append(pdvs, PDV{
			PresentationContextID: payload[offset+4],
			ControlHeader:         payload[offset+5],
			Data:                  payload[offset+6 : end],
		})
		offset = end
	}
	if len(pdvs) == 0 {
		return nil, dicomerrors.NewPDUError(types.TypePDataTF, "P-DATA-TF without PDV items")
	}
	return pdvs, nil
}

// ReadPDU reads one PDU and returns its type and payload.
func ReadPDU(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])

	payload := make([]byte, pduLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("failed to read PDU data: %w", err)
	}
	return pduType, payload, nil
}

// ReadMessage reads a complete DIMSE message (command and optional dataset).
// An A-ABORT from the peer is returned as *errors.AbortError.
func ReadMessage(r io.Reader) (byte, *types.Message, []byte, error) {
	var (
		commandData []byte
		datasetData []byte
		msg         *types.Message
		pcID        byte
		datasetDone bool
	)

	for {
		pduType, payload, err := ReadPDU(r)
		if err != nil {
			return 0, nil, nil, dicomerrors.NewNetworkError("read PDU", err)
		}

		switch pduType {
		case types.TypePDataTF:
			pdvs, err := ParsePDVs(payload)
			if err != nil {
				return 0, nil, nil, err
			}
			for _, pdv := range pdvs {
				pcID = pdv.PresentationContextID
				if pdv.IsCommand() {
					commandData = append(commandData, pdv.Data...)
					if pdv.IsLast() {
						if msg, err = DecodeCommand(commandData); err != nil {
							return 0, nil, nil, err
						}
					}
					continue
				}
				datasetData = append(datasetData, pdv.Data...)
				if pdv.IsLast() {
					datasetDone = true
				}
			}
		case types.TypeAbort:
			var source, reason byte
			if len(payload) >= 4 {
				source = payload[2]
				reason = payload[3]
			}
			return 0, nil, nil, dicomerrors.NewAbortError(source, reason)
		default:
			return 0, nil, nil, dicomerrors.NewPDUError(pduType, "unexpected PDU while awaiting DIMSE message")
		}

		if msg != nil && (!msg.HasDataset() || datasetDone) {
			return pcID, msg, datasetData, nil
		}
	}
}
