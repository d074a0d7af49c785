package types

import "testing"

func TestCommandOf(t *testing.T) {
	tests := []struct {
		name  string
		field uint16
		want  Command
	}{
		{"C-ECHO-RQ", CEchoRQ, CommandEcho},
		{"C-STORE-RQ", CStoreRQ, CommandStore},
		{"C-FIND-RQ is not relayed", 0x0020, CommandUnknown},
		{"response field", CEchoRSP, CommandUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CommandOf(tt.field); got != tt.want {
				t.Errorf("CommandOf(0x%04x) = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestResponseCommandFor(t *testing.T) {
	if got := ResponseCommandFor(CEchoRQ); got != CEchoRSP {
		t.Errorf("ResponseCommandFor(C-ECHO-RQ) = 0x%04x", got)
	}
	if got := ResponseCommandFor(CStoreRQ); got != CStoreRSP {
		t.Errorf("ResponseCommandFor(C-STORE-RQ) = 0x%04x", got)
	}
	if got := ResponseCommandFor(0x0020); got != 0x8020 {
		t.Errorf("ResponseCommandFor(0x0020) = 0x%04x", got)
	}
}

func TestMessage_HasDataset(t *testing.T) {
	echo := Message{CommandField: CEchoRQ, CommandDataSetType: DataSetAbsent}
	store := Message{CommandField: CStoreRQ, CommandDataSetType: DataSetPresent}

	if echo.HasDataset() {
		t.Error("C-ECHO should not carry a dataset")
	}
	if !store.HasDataset() {
		t.Error("C-STORE should carry a dataset")
	}
	if !echo.IsRequest() {
		t.Error("C-ECHO-RQ should be a request")
	}
}

func TestIsStorageSOPClass(t *testing.T) {
	tests := []struct {
		uid  string
		want bool
	}{
		{CTImageStorage, true},
		{MRImageStorage, true},
		{"1.2.840.10008.5.1.4.1.1.88.22", true},
		{VerificationSOPClass, false},
		{"1.2.840.10008.5.1.4.1.2.2.1", false},
		{"1.2.3.4", false},
	}

	for _, tt := range tests {
		t.Run(tt.uid, func(t *testing.T) {
			if got := IsStorageSOPClass(tt.uid); got != tt.want {
				t.Errorf("IsStorageSOPClass(%s) = %v, want %v", tt.uid, got, tt.want)
			}
		})
	}
}

func TestGetTransferSyntaxInfo(t *testing.T) {
	implicit := GetTransferSyntaxInfo(ImplicitVRLittleEndian)
	if !implicit.IsImplicitVR || implicit.IsCompressed {
		t.Errorf("unexpected info for implicit VR: %+v", implicit)
	}
	if !IsCompressed(JPEG2000Lossless) {
		t.Error("JPEG 2000 should be compressed")
	}
	if got := GetTransferSyntaxInfo("1.2.3").Name; got != "Unknown" {
		t.Errorf("unknown syntax name = %q", got)
	}
}

func TestAssociationContext_Contexts(t *testing.T) {
	ctx := &AssociationContext{
		PresentationCtxs: map[byte]*PresentationContext{
			3: {ID: 3, AbstractSyntax: CTImageStorage},
			1: {ID: 1, AbstractSyntax: VerificationSOPClass},
		},
		Order: []byte{3, 1},
	}

	got := ctx.Contexts()
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 1 {
		t.Fatalf("contexts not in proposal order: %+v", got)
	}
}
