package services

import (
	"github.com/caio-sobreiro/dicomrelay/dimse"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// ResponseBuilder creates DIMSE responses that echo the identifying fields of a request.
type ResponseBuilder struct {
	request *types.Message
}

// NewResponseBuilder creates a new response builder for the given request message.
func NewResponseBuilder(request *types.Message) *ResponseBuilder {
	return &ResponseBuilder{request: request}
}

// CEchoResponse creates a C-ECHO-RSP message with no dataset.
func (b *ResponseBuilder) CEchoResponse(status uint16) *types.Message {
	return &types.Message{
		CommandField:              types.CEchoRSP,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       types.VerificationSOPClass,
		CommandDataSetType:        types.DataSetAbsent,
		Status:                    status,
	}
}

// CStoreResponse creates a C-STORE-RSP message.
// An empty sopInstanceUID falls back to the request's affected instance.
// A non-empty comment is sent as Error Comment (0000,0902).
func (b *ResponseBuilder) CStoreResponse(status uint16, sopInstanceUID, comment string) *types.Message {
	rsp := dimse.NewResponse(b.request, status)
	if sopInstanceUID != "" {
		rsp.AffectedSOPInstanceUID = sopInstanceUID
	}
	rsp.ErrorComment = comment
	return rsp
}

// NewCEchoResponse creates a C-ECHO-RSP message from a request.
func NewCEchoResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CEchoResponse(status)
}

// NewCStoreResponse creates a C-STORE-RSP message.
func NewCStoreResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CStoreResponse(status, "", "")
}
