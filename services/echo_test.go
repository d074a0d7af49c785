package services

import (
	"context"
	"testing"

	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

func TestNewEchoService(t *testing.T) {
	service := NewEchoService()
	if service == nil {
		t.Fatal("Expected non-nil service")
	}
}

func TestEchoService_HandleDIMSE(t *testing.T) {
	service := NewEchoService()
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *types.Message
		meta interfaces.MessageContext
	}{
		{
			name: "Basic C-ECHO request",
			msg: &types.Message{
				CommandField:        types.CEchoRQ,
				MessageID:           1,
				AffectedSOPClassUID: types.VerificationSOPClass,
				CommandDataSetType:  types.DataSetAbsent,
			},
		},
		{
			name: "C-ECHO with association context",
			msg: &types.Message{
				CommandField:        types.CEchoRQ,
				MessageID:           42,
				AffectedSOPClassUID: types.VerificationSOPClass,
				CommandDataSetType:  types.DataSetAbsent,
			},
			meta: interfaces.MessageContext{
				Association: &types.AssociationContext{CallingAETitle: "MODALITY"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			respMsg, respData, err := service.HandleDIMSE(ctx, tt.msg, nil, tt.meta)
			if err != nil {
				t.Fatalf("HandleDIMSE() error = %v", err)
			}
			if respMsg == nil {
				t.Fatal("Expected non-nil response message")
			}
			if respMsg.CommandField != types.CEchoRSP {
				t.Errorf("CommandField = 0x%04x, want 0x%04x", respMsg.CommandField, types.CEchoRSP)
			}
			if respMsg.Status != types.StatusSuccess {
				t.Errorf("Status = 0x%04x, want success", respMsg.Status)
			}
			if respMsg.MessageIDBeingRespondedTo != tt.msg.MessageID {
				t.Errorf("MessageIDBeingRespondedTo = %d, want %d",
					respMsg.MessageIDBeingRespondedTo, tt.msg.MessageID)
			}
			if respMsg.HasDataset() {
				t.Error("C-ECHO-RSP must not carry a dataset")
			}
			if respData != nil {
				t.Error("Expected nil response data")
			}
		})
	}
}
