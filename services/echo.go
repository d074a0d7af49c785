// Package services provides the DIMSE service handlers of the archive SCP.
//
// The echo service answers verification requests; the store service
// archives received instances in an object store and announces them.
package services

import (
	"context"
	"log/slog"

	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// EchoService handles C-ECHO verification requests.
//
// C-ECHO verifies application-level connectivity between two AEs;
// the service is stateless and always answers Success.
type EchoService struct{}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService() *EchoService {
	return &EchoService{}
}

// HandleDIMSE answers a C-ECHO-RQ with a successful C-ECHO-RSP (PS3.7 9.3.5).
func (s *EchoService) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	calling := ""
	if meta.Association != nil {
		calling = meta.Association.CallingAETitle
	}
	slog.DebugContext(ctx, "Processing C-ECHO request",
		"message_id", msg.MessageID,
		"calling_ae", calling)

	return NewCEchoResponse(msg, types.StatusSuccess), nil, nil
}
