package dimse

import (
	"context"
	"fmt"
	"log/slog"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// Service assembles DIMSE messages from PDV fragments and routes them to a handler.
// One Service serves one association; requests on an association are sequential.
type Service struct {
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	currentPCID byte
	logger      *slog.Logger
}

// NewService creates a new DIMSE service with a handler
func NewService(handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// HandleDIMSEMessage consumes one PDV and processes the message once it is complete
func (d *Service) HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer interfaces.PDULayer) error {
	isCommand := msgCtrlHeader&ControlCommand != 0
	isLastFragment := msgCtrlHeader&ControlLastFragment != 0

	d.logger.DebugContext(ctx, "Processing DIMSE fragment",
		"context_id", presContextID,
		"control_header", fmt.Sprintf("0x%02x", msgCtrlHeader),
		"size_bytes", len(data))

	if d.currentMsg != nil || len(d.commandData) > 0 {
		if presContextID != d.currentPCID {
			return fmt.Errorf("%w: fragment on context %d while assembling context %d",
				dicomerrors.ErrInvalidMessage, presContextID, d.currentPCID)
		}
	}
	d.currentPCID = presContextID

	if isCommand {
		if d.currentMsg != nil {
			return fmt.Errorf("%w: command fragment while awaiting dataset", dicomerrors.ErrInvalidMessage)
		}
		d.commandData = append(d.commandData, data...)
		if !isLastFragment {
			return nil
		}

		msg, err := DecodeCommand(d.commandData)
		if err != nil {
			d.reset()
			return fmt.Errorf("failed to parse DIMSE command: %w", err)
		}
		d.currentMsg = msg

		if !msg.HasDataset() {
			return d.processCompleteMessage(ctx, pduLayer)
		}
		return nil
	}

	if d.currentMsg == nil {
		return fmt.Errorf("%w: dataset fragment before command", dicomerrors.ErrInvalidMessage)
	}
	d.datasetData = append(d.datasetData, data...)
	if isLastFragment {
		return d.processCompleteMessage(ctx, pduLayer)
	}
	return nil
}

// processCompleteMessage processes a complete DIMSE message (command + optional dataset)
func (d *Service) processCompleteMessage(ctx context.Context, pduLayer interfaces.PDULayer) error {
	msg, dataset, pcID := d.currentMsg, d.datasetData, d.currentPCID
	d.reset()

	assoc := pduLayer.AssociationContext()
	var pc *types.PresentationContext
	if assoc != nil {
		pc = assoc.PresentationCtxs[pcID]
	}
	if pc == nil || !pc.Accepted() {
		return fmt.Errorf("%w: message on unaccepted context %d", dicomerrors.ErrNoPresentationCtx, pcID)
	}
	msg.TransferSyntaxUID = pc.TransferSyntax

	d.logger.InfoContext(ctx, "Processing complete DIMSE message",
		"command", types.CommandOf(msg.CommandField).String(),
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"context_id", pcID,
		"dataset_size", len(dataset))

	meta := interfaces.MessageContext{Association: assoc, PresentationContext: pc}
	responseMsg, responseData, err := d.handler.HandleDIMSE(ctx, msg, dataset, meta)
	if err != nil {
		return fmt.Errorf("service handler failed: %w", err)
	}
	if responseMsg == nil {
		return fmt.Errorf("service handler returned no response for message %d", msg.MessageID)
	}

	commandData, err := EncodeCommand(responseMsg)
	if err != nil {
		return err
	}
	return pduLayer.SendDIMSEResponse(pcID, commandData, responseData)
}

func (d *Service) reset() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
}
