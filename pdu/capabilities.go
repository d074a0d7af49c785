package pdu

import (
	"encoding/binary"
	"fmt"

	"github.com/caio-sobreiro/dicomrelay/types"
)

// Capabilities describes what an SCP accepts during presentation context negotiation.
type Capabilities struct {
	// AbstractSyntaxes lists SOP classes accepted explicitly.
	AbstractSyntaxes []string
	// AcceptAllStorage accepts every storage SOP class.
	AcceptAllStorage bool
	// TransferSyntaxes lists accepted transfer syntaxes. The requestor's
	// proposal order decides which one is selected.
	TransferSyntaxes []string
}

// DefaultCapabilities accepts verification and all storage classes in
// implicit or explicit VR little endian.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		AbstractSyntaxes: []string{types.VerificationSOPClass},
		AcceptAllStorage: true,
		TransferSyntaxes: []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian},
	}
}

func (c Capabilities) supportsAbstractSyntax(uid string) bool {
	for _, s := range c.AbstractSyntaxes {
		if s == uid {
			return true
		}
	}
	return c.AcceptAllStorage && types.IsStorageSOPClass(uid)
}

func (c Capabilities) supportsTransferSyntax(uid string) bool {
	for _, s := range c.TransferSyntaxes {
		if s == uid {
			return true
		}
	}
	return false
}

// negotiate parses a presentation context RQ item and decides its result
func (c Capabilities) negotiate(data []byte) (*types.PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	ctx := &types.PresentationContext{ID: data[0]}

	for offset := 4; offset+4 <= len(data); {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctx.ID)
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30: // Abstract Syntax
			ctx.AbstractSyntax = normalizeUID(value)
		case 0x40: // Transfer Syntax
			ctx.ProposedTransferSyntaxes = append(ctx.ProposedTransferSyntaxes, normalizeUID(value))
		}

		offset = valueEnd
	}

	if ctx.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctx.ID)
	}

	if !c.supportsAbstractSyntax(ctx.AbstractSyntax) {
		ctx.Result = types.PresentationAbstractSyntaxRejected
		return ctx, nil
	}

	for _, ts := range ctx.ProposedTransferSyntaxes {
		if c.supportsTransferSyntax(ts) {
			ctx.TransferSyntax = ts
			ctx.Result = types.PresentationAcceptance
			return ctx, nil
		}
	}

	ctx.Result = types.PresentationTransferSyntaxRejected
	return ctx, nil
}
