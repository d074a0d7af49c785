// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomrelay/types"
)

// MessageContext describes where a DIMSE message arrived.
type MessageContext struct {
	Association         *types.AssociationContext
	PresentationContext *types.PresentationContext
}

// ServiceHandler interface for handling DIMSE operations.
// A returned error aborts the association instead of sending a response.
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, []byte, error)
}

// AssociationListener observes the association lifecycle of a connection.
type AssociationListener interface {
	// Associated runs after negotiation and before A-ASSOCIATE-AC is sent.
	// A non-nil error rejects the association; *errors.AssociationError
	// controls the result, source and reason sent to the peer.
	Associated(ctx context.Context, assoc *types.AssociationContext) error
	// Closed runs once the connection ends, whether released or aborted.
	Closed(assoc *types.AssociationContext)
}

// DIMSEHandler interface for PDU layer to communicate with DIMSE layer
type DIMSEHandler interface {
	HandleDIMSEMessage(ctx context.Context, presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer interface for DIMSE layer to communicate with PDU layer
type PDULayer interface {
	AssociationContext() *types.AssociationContext
	SendDIMSEResponse(presContextID byte, commandData []byte, datasetData []byte) error
}
