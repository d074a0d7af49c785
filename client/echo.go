package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomrelay/types"
)

// CEchoResponse represents the result of a C-ECHO operation.
type CEchoResponse struct {
	Status    uint16
	MessageID uint16
	// Command is the complete response command set.
	Command *types.Message
}

// SendCEcho performs a DICOM C-ECHO (verification) request and returns the response status.
func (a *Association) SendCEcho(ctx context.Context, messageID uint16) (*CEchoResponse, error) {
	if messageID == 0 {
		messageID = 1
	}

	pc, err := a.FindPresentationContext(types.VerificationSOPClass, "")
	if err != nil {
		return nil, err
	}

	command := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           messageID,
		CommandDataSetType:  types.DataSetAbsent,
		AffectedSOPClassUID: types.VerificationSOPClass,
	}

	msg, _, err := a.roundTrip(ctx, pc.ID, command, nil)
	if err != nil {
		return nil, fmt.Errorf("C-ECHO failed: %w", err)
	}

	a.logger.Debug("Received C-ECHO-RSP", "status", fmt.Sprintf("0x%04x", msg.Status))

	return &CEchoResponse{
		Status:    msg.Status,
		MessageID: msg.MessageIDBeingRespondedTo,
		Command:   msg,
	}, nil
}
