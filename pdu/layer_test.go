package pdu

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/caio-sobreiro/dicomrelay/client"
	"github.com/caio-sobreiro/dicomrelay/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// mockHandler answers every request with the configured status or error
type mockHandler struct {
	err    error
	status uint16
}

func (m *mockHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	if m.err != nil {
		return nil, nil, m.err
	}
	return dimse.NewResponse(msg, m.status), nil, nil
}

// recordingListener records lifecycle hooks
type recordingListener struct {
	mu         sync.Mutex
	rejectWith error
	associated []*types.AssociationContext
	closed     []*types.AssociationContext
}

func (l *recordingListener) Associated(ctx context.Context, assoc *types.AssociationContext) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejectWith != nil {
		return l.rejectWith
	}
	l.associated = append(l.associated, assoc)
	return nil
}

func (l *recordingListener) Closed(assoc *types.AssociationContext) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, assoc)
}

func (l *recordingListener) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.associated), len(l.closed)
}

// serveOne accepts a single connection and runs a Layer on it
func serveOne(t *testing.T, handler interfaces.ServiceHandler, opts ...Option) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		layer := NewLayer(conn, dimse.NewService(handler, nil), "TEST_SCP", nil, opts...)
		done <- layer.HandleConnection(context.Background())
	}()
	return ln.Addr().String(), done
}

func clientConfig() client.Config {
	return client.Config{
		CallingAETitle: "MODALITY",
		CalledAETitle:  "TEST_SCP",
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("layer did not finish")
		return nil
	}
}

func TestNewLayer_Defaults(t *testing.T) {
	layer := NewLayer(nil, nil, "TEST_AE", nil)
	if layer.serverAETitle != "TEST_AE" {
		t.Errorf("serverAETitle = %s, want TEST_AE", layer.serverAETitle)
	}
	if layer.maxPDULength != dimse.DefaultMaxPDULength {
		t.Errorf("maxPDULength = %d", layer.maxPDULength)
	}
	if !layer.capabilities.AcceptAllStorage {
		t.Error("Default capabilities should accept storage")
	}
	if layer.AssociationContext() != nil {
		t.Error("No association before negotiation")
	}
}

func TestLayer_EchoLifecycle(t *testing.T) {
	listener := &recordingListener{}
	addr, done := serveOne(t, &mockHandler{status: types.StatusSuccess}, WithListener(listener), WithSerial(42))

	assoc, err := client.Connect(context.Background(), addr, clientConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	resp, err := assoc.SendCEcho(context.Background(), 3)
	if err != nil {
		t.Fatalf("SendCEcho() error = %v", err)
	}
	if resp.Status != types.StatusSuccess || resp.MessageID != 3 {
		t.Errorf("Unexpected response %+v", resp)
	}

	if err := assoc.Release(context.Background()); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if err := waitDone(t, done); err != nil {
		t.Errorf("HandleConnection() error = %v", err)
	}

	associated, closed := listener.counts()
	if associated != 1 || closed != 1 {
		t.Fatalf("Expected one Associated and one Closed, got %d/%d", associated, closed)
	}
	ctx := listener.associated[0]
	if ctx.Serial != 42 || ctx.CallingAETitle != "MODALITY" || ctx.CalledAETitle != "TEST_SCP" {
		t.Errorf("Unexpected association context %+v", ctx)
	}
	if len(ctx.Order) == 0 || ctx.Contexts()[0].AbstractSyntax != types.VerificationSOPClass {
		t.Errorf("Proposal order not kept: %v", ctx.Order)
	}
	if pc := ctx.Contexts()[0]; len(pc.ProposedTransferSyntaxes) != 2 {
		t.Errorf("Proposed transfer syntaxes not kept: %v", pc.ProposedTransferSyntaxes)
	}
}

func TestLayer_ListenerRejects(t *testing.T) {
	listener := &recordingListener{rejectWith: errors.New("bus unavailable")}
	addr, done := serveOne(t, &mockHandler{}, WithListener(listener))

	_, err := client.Connect(context.Background(), addr, clientConfig())
	var assocErr *dicomerrors.AssociationError
	if !errors.As(err, &assocErr) {
		t.Fatalf("Expected association rejection, got %v", err)
	}
	if assocErr.Result != dicomerrors.RejectResultTransient || assocErr.Source != dicomerrors.RejectSourceServiceUser {
		t.Errorf("Unexpected rejection %+v", assocErr)
	}

	if err := waitDone(t, done); !errors.Is(err, dicomerrors.ErrAssociationRejected) {
		t.Errorf("Expected rejection from HandleConnection, got %v", err)
	}
	if _, closed := listener.counts(); closed != 0 {
		t.Error("Closed must not run for a rejected association")
	}
}

func TestLayer_HandlerErrorAborts(t *testing.T) {
	listener := &recordingListener{}
	addr, done := serveOne(t, &mockHandler{err: dicomerrors.ErrTransportTimeout}, WithListener(listener))

	assoc, err := client.Connect(context.Background(), addr, clientConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err = assoc.SendCEcho(context.Background(), 1)
	var abortErr *dicomerrors.AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("Expected A-ABORT, got %v", err)
	}

	if err := waitDone(t, done); !errors.Is(err, dicomerrors.ErrTransportTimeout) {
		t.Errorf("Expected handler error from HandleConnection, got %v", err)
	}
	if _, closed := listener.counts(); closed != 1 {
		t.Error("Closed should run after an abort")
	}
}

// writeFailConn reads normally but fails every write
type writeFailConn struct {
	net.Conn
}

func (c writeFailConn) Write(b []byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestLayer_AcceptWriteFailureClosesListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	listener := &recordingListener{}
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		layer := NewLayer(writeFailConn{conn}, dimse.NewService(&mockHandler{}, nil), "TEST_SCP", nil, WithListener(listener))
		done <- layer.HandleConnection(context.Background())
	}()

	if _, err := client.Connect(context.Background(), ln.Addr().String(), clientConfig()); err == nil {
		t.Fatal("Connect should fail without an A-ASSOCIATE-AC")
	}
	if err := waitDone(t, done); err == nil {
		t.Error("Expected the write failure from HandleConnection")
	}
	if associated, closed := listener.counts(); associated != 1 || closed != 1 {
		t.Errorf("associated=%d closed=%d, want 1 and 1", associated, closed)
	}
}

func TestLayer_RejectsUnknownApplicationContext(t *testing.T) {
	addr, done := serveOne(t, &mockHandler{})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body := make([]byte, 68)
	binary.BigEndian.PutUint16(body[0:2], 1)
	body = appendItem(body, 0x10, []byte("1.2.3.4"))
	rq := []byte{types.TypeAssociateRQ, 0x00}
	rq = binary.BigEndian.AppendUint32(rq, uint32(len(body)))
	if _, err := conn.Write(append(rq, body...)); err != nil {
		t.Fatalf("write: %v", err)
	}

	pduType, data, err := dimse.ReadPDU(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pduType != types.TypeAssociateRJ {
		t.Fatalf("Expected A-ASSOCIATE-RJ, got 0x%02x", pduType)
	}
	if dicomerrors.AssociationRejectReason(data[3]) != dicomerrors.RejectReasonApplicationContextNotSupported {
		t.Errorf("Unexpected reason 0x%02x", data[3])
	}
	waitDone(t, done)
}

func TestCapabilities_Negotiate(t *testing.T) {
	caps := DefaultCapabilities()

	item := func(id byte, abstract string, ts ...string) []byte {
		b := []byte{id, 0, 0, 0}
		b = appendItem(b, 0x30, []byte(abstract))
		for _, s := range ts {
			b = appendItem(b, 0x40, []byte(s))
		}
		return b
	}

	tests := []struct {
		name       string
		data       []byte
		wantResult byte
		wantTS     string
	}{
		{"verification implicit", item(1, types.VerificationSOPClass, types.ImplicitVRLittleEndian), types.PresentationAcceptance, types.ImplicitVRLittleEndian},
		{"requestor order wins", item(3, types.CTImageStorage, types.ImplicitVRLittleEndian, types.ExplicitVRLittleEndian), types.PresentationAcceptance, types.ImplicitVRLittleEndian},
		{"unlisted storage class", item(5, "1.2.840.10008.5.1.4.1.1.999", types.ExplicitVRLittleEndian), types.PresentationAcceptance, types.ExplicitVRLittleEndian},
		{"unknown abstract syntax", item(7, "1.2.3.4.5", types.ImplicitVRLittleEndian), types.PresentationAbstractSyntaxRejected, ""},
		{"unsupported transfer syntax", item(9, types.CTImageStorage, types.JPEGBaseline8Bit), types.PresentationTransferSyntaxRejected, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := caps.negotiate(tt.data)
			if err != nil {
				t.Fatalf("negotiate() error = %v", err)
			}
			if pc.Result != tt.wantResult || pc.TransferSyntax != tt.wantTS {
				t.Errorf("got result %d ts %q, want %d %q", pc.Result, pc.TransferSyntax, tt.wantResult, tt.wantTS)
			}
		})
	}

	if _, err := caps.negotiate([]byte{1, 0, 0, 0}); err == nil {
		t.Error("Expected error without abstract syntax")
	}
}
