package dimse

import (
	"context"
	"errors"
	"testing"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// MockPDULayer is a mock implementation of PDULayer for testing
type MockPDULayer struct {
	SendDIMSEResponseFunc func(presContextID byte, commandData []byte, datasetData []byte) error
	Assoc                 *types.AssociationContext
}

func (m *MockPDULayer) AssociationContext() *types.AssociationContext {
	return m.Assoc
}

func (m *MockPDULayer) SendDIMSEResponse(presContextID byte, commandData []byte, datasetData []byte) error {
	if m.SendDIMSEResponseFunc != nil {
		return m.SendDIMSEResponseFunc(presContextID, commandData, datasetData)
	}
	return nil
}

// MockServiceHandler is a mock implementation of ServiceHandler for testing
type MockServiceHandler struct {
	HandleDIMSEFunc func(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error)
}

func (m *MockServiceHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	if m.HandleDIMSEFunc != nil {
		return m.HandleDIMSEFunc(ctx, msg, data, meta)
	}
	return NewResponse(msg, types.StatusSuccess), nil, nil
}

func testAssociation() *types.AssociationContext {
	return &types.AssociationContext{
		CallingAETitle: "MODALITY",
		CalledAETitle:  "PROXY",
		MaxPDULength:   16384,
		PresentationCtxs: map[byte]*types.PresentationContext{
			1: {ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntax: types.ImplicitVRLittleEndian},
			3: {ID: 3, AbstractSyntax: types.CTImageStorage, TransferSyntax: types.ExplicitVRLittleEndian},
			5: {ID: 5, AbstractSyntax: types.MRImageStorage, Result: types.PresentationAbstractSyntaxRejected},
		},
		Order: []byte{1, 3, 5},
	}
}

func mustEncode(t *testing.T, msg *types.Message) []byte {
	t.Helper()
	data, err := EncodeCommand(msg)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	return data
}

func TestNewService(t *testing.T) {
	service := NewService(&MockServiceHandler{}, nil)
	if service == nil {
		t.Fatal("Expected non-nil service")
	}
	if service.logger == nil {
		t.Error("Expected default logger")
	}
}

func TestService_HandleDIMSEMessage_CEchoNoDataset(t *testing.T) {
	var gotMeta interfaces.MessageContext
	handler := &MockServiceHandler{
		HandleDIMSEFunc: func(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
			gotMeta = meta
			if msg.TransferSyntaxUID != types.ImplicitVRLittleEndian {
				t.Errorf("Expected negotiated syntax on message, got %q", msg.TransferSyntaxUID)
			}
			return NewResponse(msg, types.StatusSuccess), nil, nil
		},
	}

	sent := false
	pduLayer := &MockPDULayer{
		Assoc: testAssociation(),
		SendDIMSEResponseFunc: func(presContextID byte, commandData []byte, datasetData []byte) error {
			sent = true
			if presContextID != 1 {
				t.Errorf("Expected context ID 1, got %d", presContextID)
			}
			rsp, err := DecodeCommand(commandData)
			if err != nil {
				t.Fatalf("Response does not decode: %v", err)
			}
			if rsp.CommandField != types.CEchoRSP || rsp.MessageIDBeingRespondedTo != 7 {
				t.Errorf("Unexpected response %+v", rsp)
			}
			return nil
		},
	}

	msg := &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           7,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.DataSetAbsent,
	}

	service := NewService(handler, nil)
	if err := service.HandleDIMSEMessage(context.Background(), 1, 0x03, mustEncode(t, msg), pduLayer); err != nil {
		t.Fatalf("HandleDIMSEMessage failed: %v", err)
	}
	if !sent {
		t.Error("Expected response to be sent")
	}
	if gotMeta.PresentationContext == nil || gotMeta.PresentationContext.ID != 1 {
		t.Error("Handler did not receive the presentation context")
	}
	if gotMeta.Association.CallingAETitle != "MODALITY" {
		t.Error("Handler did not receive the association")
	}
}

func TestService_HandleDIMSEMessage_MultiFragment(t *testing.T) {
	var gotData []byte
	handler := &MockServiceHandler{
		HandleDIMSEFunc: func(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
			gotData = data
			return NewResponse(msg, types.StatusSuccess), nil, nil
		},
	}
	pduLayer := &MockPDULayer{Assoc: testAssociation()}
	service := NewService(handler, nil)
	ctx := context.Background()

	command := mustEncode(t, &types.Message{
		CommandField:           types.CStoreRQ,
		MessageID:              2,
		AffectedSOPClassUID:    types.CTImageStorage,
		AffectedSOPInstanceUID: "1.2.3",
		CommandDataSetType:     types.DataSetPresent,
	})

	steps := []struct {
		header byte
		data   []byte
	}{
		{0x01, command[:10]},
		{0x03, command[10:]},
		{0x00, []byte{1, 2, 3, 4}},
		{0x00, []byte{5, 6}},
		{0x02, []byte{7, 8}},
	}
	for i, step := range steps {
		if err := service.HandleDIMSEMessage(ctx, 3, step.header, step.data, pduLayer); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		if i < len(steps)-1 && gotData != nil {
			t.Fatalf("handler ran early at step %d", i)
		}
	}

	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if string(gotData) != string(want) {
		t.Errorf("Expected dataset %v, got %v", want, gotData)
	}
}

func TestService_HandleDIMSEMessage_Errors(t *testing.T) {
	echo := &types.Message{CommandField: types.CEchoRQ, MessageID: 1, CommandDataSetType: types.DataSetAbsent}

	tests := []struct {
		name    string
		pcID    byte
		header  byte
		handler *MockServiceHandler
		wantIs  error
	}{
		{
			name:    "dataset before command",
			pcID:    1,
			header:  0x02,
			handler: &MockServiceHandler{},
			wantIs:  dicomerrors.ErrInvalidMessage,
		},
		{
			name:    "rejected context",
			pcID:    5,
			header:  0x03,
			handler: &MockServiceHandler{},
			wantIs:  dicomerrors.ErrNoPresentationCtx,
		},
		{
			name:   "handler error",
			pcID:   1,
			header: 0x03,
			handler: &MockServiceHandler{
				HandleDIMSEFunc: func(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
					return nil, nil, dicomerrors.ErrTransportTimeout
				},
			},
			wantIs: dicomerrors.ErrTransportTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewService(tt.handler, nil)
			data := mustEncode(t, echo)
			if tt.header == 0x02 {
				data = []byte{1, 2}
			}
			err := service.HandleDIMSEMessage(context.Background(), tt.pcID, tt.header, data, &MockPDULayer{Assoc: testAssociation()})
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("Expected %v, got %v", tt.wantIs, err)
			}
		})
	}
}

func TestService_HandleDIMSEMessage_NilResponse(t *testing.T) {
	handler := &MockServiceHandler{
		HandleDIMSEFunc: func(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
			return nil, nil, nil
		},
	}
	service := NewService(handler, nil)
	echo := &types.Message{CommandField: types.CEchoRQ, MessageID: 1, CommandDataSetType: types.DataSetAbsent}
	if err := service.HandleDIMSEMessage(context.Background(), 1, 0x03, mustEncode(t, echo), &MockPDULayer{Assoc: testAssociation()}); err == nil {
		t.Error("Expected error for missing response")
	}
}

func TestService_HandleDIMSEMessage_PDULayerError(t *testing.T) {
	sendErr := errors.New("broken pipe")
	pduLayer := &MockPDULayer{
		Assoc: testAssociation(),
		SendDIMSEResponseFunc: func(presContextID byte, commandData []byte, datasetData []byte) error {
			return sendErr
		},
	}
	service := NewService(&MockServiceHandler{}, nil)
	echo := &types.Message{CommandField: types.CEchoRQ, MessageID: 1, CommandDataSetType: types.DataSetAbsent}

	err := service.HandleDIMSEMessage(context.Background(), 1, 0x03, mustEncode(t, echo), pduLayer)
	if !errors.Is(err, sendErr) {
		t.Errorf("Expected send error, got %v", err)
	}

	// State resets so the next message still works
	pduLayer.SendDIMSEResponseFunc = nil
	if err := service.HandleDIMSEMessage(context.Background(), 1, 0x03, mustEncode(t, echo), pduLayer); err != nil {
		t.Errorf("Expected recovery after send error, got %v", err)
	}
}
