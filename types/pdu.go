package types

// PDU type constants
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Presentation context negotiation results (PS3.8 9.3.3.2)
const (
	PresentationAcceptance             byte = 0x00
	PresentationUserRejection          byte = 0x01
	PresentationNoReason               byte = 0x02
	PresentationAbstractSyntaxRejected byte = 0x03
	PresentationTransferSyntaxRejected byte = 0x04
)

// AssociationContext holds the state of one negotiated association.
type AssociationContext struct {
	// Serial is assigned by the accepting server, unique per process.
	Serial           uint32
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
	// Order lists presentation context IDs as proposed by the requestor.
	Order []byte
}

// Contexts returns the presentation contexts in proposal order.
func (a *AssociationContext) Contexts() []*PresentationContext {
	out := make([]*PresentationContext, 0, len(a.Order))
	for _, id := range a.Order {
		if pc, ok := a.PresentationCtxs[id]; ok {
			out = append(out, pc)
		}
	}
	return out
}

// PresentationContext represents a proposed and negotiated presentation context.
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	// TransferSyntax is the accepted syntax, empty when rejected.
	TransferSyntax string
	// ProposedTransferSyntaxes keeps the requestor's list in order.
	ProposedTransferSyntaxes []string
}

// Accepted reports whether negotiation accepted the context.
func (p *PresentationContext) Accepted() bool {
	return p.Result == PresentationAcceptance && p.TransferSyntax != ""
}
