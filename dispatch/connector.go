package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caio-sobreiro/dicomrelay/client"
	"github.com/caio-sobreiro/dicomrelay/envelope"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
)

// ClientConnector opens outbound associations with the client package.
type ClientConnector struct {
	Address       string
	CalledAETitle string
	// CallingAETitle defaults to the calling AE of the inbound association.
	CallingAETitle string
	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

var _ Connector = (*ClientConnector)(nil)

// Connect proposes the accepted inbound contexts, each with its negotiated
// transfer syntax first followed by the rest of the original proposal.
func (c *ClientConnector) Connect(ctx context.Context, desc envelope.AssociationDescriptor) (Association, error) {
	proposed := MirrorContexts(desc)
	if len(proposed) == 0 {
		return nil, fmt.Errorf("%w: association %s has no accepted contexts", dicomerrors.ErrNoPresentationCtx, desc.ID)
	}

	calling := c.CallingAETitle
	if calling == "" {
		calling = desc.CallingAETitle
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	assoc, err := client.Connect(ctx, c.Address, client.Config{
		CallingAETitle:       calling,
		CalledAETitle:        c.CalledAETitle,
		MaxPDULength:         c.MaxPDULength,
		ConnectTimeout:       c.ConnectTimeout,
		ReadTimeout:          c.ReadTimeout,
		WriteTimeout:         c.WriteTimeout,
		Logger:               logger.With("association_id", desc.ID),
		PresentationContexts: proposed,
	})
	if err != nil {
		return nil, err
	}
	return assoc, nil
}

// MirrorContexts turns the accepted contexts of desc into an outbound proposal.
func MirrorContexts(desc envelope.AssociationDescriptor) []client.ProposedContext {
	var out []client.ProposedContext
	for _, pc := range desc.AcceptedContexts() {
		out = append(out, client.ProposedContext{
			ID:               pc.ID,
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: append([]string(nil), pc.TransferSyntaxes...),
		})
	}
	return out
}
