// Package envelope defines the self-describing request envelope carried across the bus.
//
// An envelope holds everything the relay service needs to replay one DIMSE
// request against the target archive: the association descriptor, the
// presentation context the request arrived on, the command set and the
// optional dataset. It is encoded as deterministic CBOR, so equal envelopes
// always produce identical bytes.
package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/caio-sobreiro/dicomrelay/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// PresentationContext is a negotiated context as seen by the requestor.
// TransferSyntaxes lists the accepted syntax first, followed by the rest of
// the requestor's proposal.
type PresentationContext struct {
	ID               byte     `cbor:"1,keyasint"`
	Result           byte     `cbor:"2,keyasint"`
	AbstractSyntax   string   `cbor:"3,keyasint"`
	TransferSyntaxes []string `cbor:"4,keyasint"`
}

// Accepted reports whether the context was accepted during negotiation.
func (p PresentationContext) Accepted() bool {
	return p.Result == types.PresentationAcceptance && len(p.TransferSyntaxes) > 0
}

// TransferSyntax returns the negotiated syntax, empty for rejected contexts.
func (p PresentationContext) TransferSyntax() string {
	if !p.Accepted() {
		return ""
	}
	return p.TransferSyntaxes[0]
}

// AssociationDescriptor identifies an inbound association and its contexts in proposal order.
type AssociationDescriptor struct {
	ID             string                `cbor:"1,keyasint"`
	CallingAETitle string                `cbor:"2,keyasint,omitempty"`
	CalledAETitle  string                `cbor:"3,keyasint,omitempty"`
	Contexts       []PresentationContext `cbor:"4,keyasint"`
}

// NewDescriptor builds the descriptor of a negotiated association.
func NewDescriptor(id string, assoc *types.AssociationContext) AssociationDescriptor {
	desc := AssociationDescriptor{
		ID:             id,
		CallingAETitle: assoc.CallingAETitle,
		CalledAETitle:  assoc.CalledAETitle,
	}
	for _, pc := range assoc.Contexts() {
		desc.Contexts = append(desc.Contexts, fromNegotiated(pc))
	}
	return desc
}

func fromNegotiated(pc *types.PresentationContext) PresentationContext {
	out := PresentationContext{
		ID:             pc.ID,
		Result:         pc.Result,
		AbstractSyntax: pc.AbstractSyntax,
	}
	if pc.Accepted() {
		out.TransferSyntaxes = append(out.TransferSyntaxes, pc.TransferSyntax)
	}
	for _, ts := range pc.ProposedTransferSyntaxes {
		if pc.Accepted() && ts == pc.TransferSyntax {
			continue
		}
		out.TransferSyntaxes = append(out.TransferSyntaxes, ts)
	}
	return out
}

// Context looks up a presentation context by ID.
func (d AssociationDescriptor) Context(id byte) (PresentationContext, bool) {
	for _, pc := range d.Contexts {
		if pc.ID == id {
			return pc, true
		}
	}
	return PresentationContext{}, false
}

// AcceptedContexts returns the accepted contexts in proposal order.
func (d AssociationDescriptor) AcceptedContexts() []PresentationContext {
	var out []PresentationContext
	for _, pc := range d.Contexts {
		if pc.Accepted() {
			out = append(out, pc)
		}
	}
	return out
}

// Envelope is one DIMSE request in transit.
type Envelope struct {
	Association AssociationDescriptor `cbor:"1,keyasint"`
	ContextID   byte                  `cbor:"2,keyasint"`
	Command     *types.Message        `cbor:"3,keyasint"`
	// Dataset is present only for operations that carry data.
	Dataset *dicom.Dataset `cbor:"4,keyasint,omitempty"`
}

// Encode serializes an envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil || env.Command == nil {
		return nil, fmt.Errorf("%w: envelope without command set", dicomerrors.ErrInvalidMessage)
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Command == nil {
		return nil, fmt.Errorf("%w: envelope without command set", dicomerrors.ErrInvalidMessage)
	}
	if env.Command.HasDataset() != (env.Dataset != nil) {
		return nil, fmt.Errorf("%w: dataset presence does not match command set", dicomerrors.ErrInvalidMessage)
	}
	if env.Dataset != nil {
		env.Command.TransferSyntaxUID = env.Dataset.TransferSyntaxUID
	}
	return &env, nil
}
