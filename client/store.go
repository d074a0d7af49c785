package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomrelay/dicom"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// CStoreRequest represents a C-STORE request
type CStoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
	MessageID      uint16
	Priority       uint16
	// TransferSyntaxUID is the encoding of Data. Empty means the data already
	// matches the selected context.
	TransferSyntaxUID string
	// PresentationContextID selects the context explicitly; zero picks one by SOP class.
	PresentationContextID byte
	// Extra command elements sent unchanged, e.g. Move Originator AE Title and Message ID.
	Extra []types.CommandElement
}

// CStoreResponse represents a C-STORE response
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
	// Command is the complete response command set.
	Command *types.Message
}

// SendCStore sends a C-STORE request and waits for response.
// The dataset is transcoded when the accepted transfer syntax differs from the request's.
func (a *Association) SendCStore(ctx context.Context, req *CStoreRequest) (*CStoreResponse, error) {
	pc, err := a.selectStoreContext(req)
	if err != nil {
		return nil, err
	}

	data := req.Data
	if req.TransferSyntaxUID != "" && req.TransferSyntaxUID != pc.TransferSyntax {
		data, err = transcode(req.Data, req.TransferSyntaxUID, pc.TransferSyntax)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("Transcoded dataset for C-STORE",
			"from", req.TransferSyntaxUID,
			"to", pc.TransferSyntax)
	}

	messageID := req.MessageID
	if messageID == 0 {
		messageID = 1
	}

	command := &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              messageID,
		Priority:               req.Priority,
		CommandDataSetType:     types.DataSetPresent,
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
		Extra:                  req.Extra,
	}

	a.logger.Debug("Sending C-STORE-RQ",
		"sop_class", req.SOPClassUID,
		"sop_instance", req.SOPInstanceUID,
		"context_id", pc.ID,
		"data_size", len(data))

	msg, _, err := a.roundTrip(ctx, pc.ID, command, data)
	if err != nil {
		return nil, fmt.Errorf("C-STORE failed: %w", err)
	}

	return &CStoreResponse{
		Status:         msg.Status,
		MessageID:      msg.MessageIDBeingRespondedTo,
		SOPClassUID:    msg.AffectedSOPClassUID,
		SOPInstanceUID: msg.AffectedSOPInstanceUID,
		Command:        msg,
	}, nil
}

func (a *Association) selectStoreContext(req *CStoreRequest) (*PresentationContext, error) {
	if req.PresentationContextID != 0 {
		pc, ok := a.presentationCtxs[req.PresentationContextID]
		if !ok || !pc.Accepted {
			return nil, fmt.Errorf("presentation context %d not accepted", req.PresentationContextID)
		}
		if pc.AbstractSyntax != req.SOPClassUID {
			return nil, fmt.Errorf("presentation context %d is for %s, not %s",
				pc.ID, pc.AbstractSyntax, req.SOPClassUID)
		}
		return pc, nil
	}
	return a.FindPresentationContext(req.SOPClassUID, req.TransferSyntaxUID)
}

func transcode(data []byte, from, to string) ([]byte, error) {
	ds, err := dicom.ParseDatasetWithTransferSyntax(data, from)
	if err != nil {
		return nil, fmt.Errorf("parse dataset for transcoding: %w", err)
	}
	return dicom.EncodeDatasetWithTransferSyntax(ds, to)
}
